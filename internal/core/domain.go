package core

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	CategoryFood          Category = "Food"
	CategoryTransport     Category = "Transport"
	CategoryEntertainment Category = "Entertainment"
	CategoryHealth        Category = "Health"
	CategoryEducation     Category = "Education"
	CategoryHousing       Category = "Housing"
	CategoryUtilities     Category = "Utilities"
	CategoryShopping      Category = "Shopping"
	CategoryOther         Category = "Other"
)

const (
	// MinNameLength is the shortest display label accepted by Validate.
	MinNameLength = 3
	// MaxDescriptionLength bounds the free-text description, in characters.
	MaxDescriptionLength = 200

	// MinYear and MaxYear bound expense dates. Storage keeps Unix
	// nanoseconds, which cannot represent years much outside this range.
	MinYear = 1900
	MaxYear = 2200
)

type (
	Category string

	// Expense is a single persisted expense. ID and UserID are owned by the
	// store: callers never choose them.
	Expense struct {
		ID          string
		UserID      string
		Name        string
		Amount      Money
		Category    Category
		Date        time.Time
		Description string
	}

	User struct {
		ID           string
		Username     string
		PasswordHash string
		CreatedAt    time.Time
	}
)

var (
	ErrEmptyName          = errors.New("empty name")
	ErrNameTooShort       = errors.New("name too short")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidCategory    = errors.New("invalid category")
	ErrInvalidDate        = errors.New("invalid date")
	ErrDescriptionTooLong = errors.New("description too long")
	ErrInvalidMonth       = errors.New("invalid month")
)

var categories = []Category{
	CategoryFood,
	CategoryTransport,
	CategoryEntertainment,
	CategoryHealth,
	CategoryEducation,
	CategoryHousing,
	CategoryUtilities,
	CategoryShopping,
	CategoryOther,
}

// Labels used by the original mobile client; existing records may carry them.
var categoryAliases = map[string]Category{
	"alimentación":    CategoryFood,
	"alimentacion":    CategoryFood,
	"transporte":      CategoryTransport,
	"entretenimiento": CategoryEntertainment,
	"salud":           CategoryHealth,
	"educación":       CategoryEducation,
	"educacion":       CategoryEducation,
	"vivienda":        CategoryHousing,
	"servicios":       CategoryUtilities,
	"compras":         CategoryShopping,
	"otros":           CategoryOther,
}

// Categories returns the fixed set of categories in display order.
func Categories() []Category {
	return append([]Category(nil), categories...)
}

func (c Category) String() string {
	return string(c)
}

// IsValid reports whether c is one of the fixed categories.
func (c Category) IsValid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory resolves a label case-insensitively, accepting both the
// canonical English names and the Spanish labels of the mobile client.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	for _, known := range categories {
		if strings.EqualFold(s, string(known)) {
			return known, nil
		}
	}
	if c, ok := categoryAliases[strings.ToLower(s)]; ok {
		return c, nil
	}
	return "", ErrInvalidCategory
}

// ValidDate reports whether t is set and falls within MinYear and MaxYear,
// as seen in UTC.
func ValidDate(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	y := t.UTC().Year()
	return y >= MinYear && y <= MaxYear
}

// Validate applies the input rules of the expense form. The store does not
// call it: validation is the caller's job.
func (e Expense) Validate() error {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return ErrEmptyName
	}
	if utf8.RuneCountInString(name) < MinNameLength {
		return ErrNameTooShort
	}
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if !e.Category.IsValid() {
		return ErrInvalidCategory
	}
	if !ValidDate(e.Date) {
		return ErrInvalidDate
	}
	if utf8.RuneCountInString(e.Description) > MaxDescriptionLength {
		return ErrDescriptionTooLong
	}
	return nil
}
