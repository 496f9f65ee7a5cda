// Package http provides the JSON and event-stream surface over the view model.
//
// This file implements utilities for parsing and validating HTTP request data.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"controlgastos/internal/core"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// MonthParams holds parsed year/month values from request parameters.
type MonthParams struct {
	Year  int
	Month int
}

// ParseMonthParams extracts year and month from query parameters, defaulting
// to the month containing now. Values that are present but not numbers are
// errors; range checks are left to the aggregator.
func ParseMonthParams(query url.Values, now time.Time) (MonthParams, error) {
	params := MonthParams{Year: now.Year(), Month: int(now.Month())}

	if v := strings.TrimSpace(query.Get("year")); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return MonthParams{}, fmt.Errorf("invalid year %q", v)
		}
		params.Year = y
	}
	if v := strings.TrimSpace(query.Get("month")); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil {
			return MonthParams{}, fmt.Errorf("invalid month %q", v)
		}
		params.Month = m
	}
	return params, nil
}

// DecodeJSON reads a single JSON object from r into dst, rejecting unknown
// fields and trailing data.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("malformed request body: trailing data")
	}
	return nil
}

// expenseRequest is the wire form accepted on create and update. Amount is
// kept raw so it is parsed as an exact decimal: either a JSON number (3.5)
// or a string using a dot or comma separator ("3,50").
type expenseRequest struct {
	Name        string          `json:"name"`
	Amount      json.RawMessage `json:"amount"`
	Category    string          `json:"category"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
}

// toExpense converts the request. Dates are RFC 3339 timestamps or plain
// YYYY-MM-DD days interpreted at midnight in loc; an empty date means now.
func (req expenseRequest) toExpense(now time.Time, loc *time.Location) (core.Expense, error) {
	e := core.Expense{
		Name:        sanitizeInput(req.Name),
		Description: sanitizeInput(req.Description),
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		return core.Expense{}, err
	}
	e.Amount = amount

	cat, err := core.ParseCategory(req.Category)
	if err != nil {
		return core.Expense{}, err
	}
	e.Category = cat

	date, err := parseDate(req.Date, now, loc)
	if err != nil {
		return core.Expense{}, err
	}
	e.Date = date

	if err := e.Validate(); err != nil {
		return core.Expense{}, err
	}
	return e, nil
}

func parseAmount(raw json.RawMessage) (core.Money, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return core.Money{}, core.ErrInvalidAmount
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return core.Money{}, core.ErrInvalidAmount
		}
	}
	return core.ParseMoney(s)
}

func parseDate(s string, now time.Time, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, core.ErrInvalidDate
}

// sanitizeInput removes control characters except tab, newline and carriage
// return, and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
