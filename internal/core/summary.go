package core

import "sort"

// CategoryAmount represents an amount aggregated by category.
type CategoryAmount struct {
	Category Category
	Amount   Money
}

// MonthOverview is a compact summary for a specific year+month.
type MonthOverview struct {
	Year       int
	Month      int // 1-12
	Total      Money
	Count      int
	ByCategory []CategoryAmount
}

// Summarize totals the expenses that fall inside b. Expenses outside the
// bucket are ignored, so callers may pass a superset.
func Summarize(b MonthBucket, items []Expense) MonthOverview {
	overview := MonthOverview{Year: b.Year, Month: b.Month}
	byCat := make(map[Category]int64)
	for _, e := range items {
		if !b.Contains(e.Date) {
			continue
		}
		overview.Total = overview.Total.Add(e.Amount)
		overview.Count++
		byCat[e.Category] += e.Amount.Cents
	}
	for c, cents := range byCat {
		overview.ByCategory = append(overview.ByCategory, CategoryAmount{Category: c, Amount: Money{Cents: cents}})
	}
	sort.Slice(overview.ByCategory, func(i, j int) bool {
		a, b := overview.ByCategory[i], overview.ByCategory[j]
		if a.Amount.Cents != b.Amount.Cents {
			return a.Amount.Cents > b.Amount.Cents
		}
		return a.Category < b.Category
	})
	return overview
}
