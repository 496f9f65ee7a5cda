package core

import "time"

// MonthBucket is the inclusive range [Start, End] covering one calendar month
// in a fixed location. End is the last representable instant of the final day.
type MonthBucket struct {
	Year  int
	Month int // 1-12
	Start time.Time
	End   time.Time
}

// NewMonthBucket builds the bucket for year/month in loc (time.Local if nil).
// Years outside MinYear and MaxYear are rejected like bad months.
func NewMonthBucket(year, month int, loc *time.Location) (MonthBucket, error) {
	if month < 1 || month > 12 || year < MinYear || year > MaxYear {
		return MonthBucket{}, ErrInvalidMonth
	}
	if loc == nil {
		loc = time.Local
	}
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return MonthBucket{Year: year, Month: month, Start: start, End: end}, nil
}

// CurrentMonth returns the bucket containing now, as seen in loc.
func CurrentMonth(now time.Time, loc *time.Location) MonthBucket {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	b, _ := NewMonthBucket(local.Year(), int(local.Month()), loc)
	return b
}

// Contains reports whether t falls inside the bucket, bounds included.
func (b MonthBucket) Contains(t time.Time) bool {
	return !t.Before(b.Start) && !t.After(b.End)
}
