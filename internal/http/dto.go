package http

import (
	"time"

	"controlgastos/internal/core"
	"controlgastos/internal/viewmodel"
)

type expenseDTO struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Amount      float64   `json:"amount"`
	Category    string    `json:"category"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
}

func newExpenseDTO(e core.Expense) expenseDTO {
	return expenseDTO{
		ID:          e.ID,
		UserID:      e.UserID,
		Name:        e.Name,
		Amount:      e.Amount.Float64(),
		Category:    e.Category.String(),
		Date:        e.Date,
		Description: e.Description,
	}
}

type operationDTO struct {
	Status string `json:"status"`
	Action string `json:"action,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type stateDTO struct {
	UserID    string       `json:"userId,omitempty"`
	Expenses  []expenseDTO `json:"expenses"`
	Total     float64      `json:"total"`
	Year      int          `json:"year"`
	Month     int          `json:"month"`
	Operation operationDTO `json:"operation"`
	SyncError string       `json:"syncError,omitempty"`
	Version   uint64       `json:"version"`
}

func newStateDTO(s viewmodel.State) stateDTO {
	dto := stateDTO{
		UserID:   s.UserID,
		Expenses: make([]expenseDTO, 0, len(s.Expenses)),
		Total:    s.Total.Float64(),
		Year:     s.Year,
		Month:    int(s.Month),
		Operation: operationDTO{
			Status: s.Op.Status.String(),
			Action: string(s.Op.Action),
			Reason: s.Op.Reason,
		},
		Version: s.Version,
	}
	for _, e := range s.Expenses {
		dto.Expenses = append(dto.Expenses, newExpenseDTO(e))
	}
	if s.SyncErr != nil {
		dto.SyncError = viewmodel.Reason(s.SyncErr)
	}
	return dto
}

type categoryAmountDTO struct {
	Category string  `json:"category"`
	Amount   float64 `json:"amount"`
}

type overviewDTO struct {
	Year       int                 `json:"year"`
	Month      int                 `json:"month"`
	Total      float64             `json:"total"`
	Count      int                 `json:"count"`
	ByCategory []categoryAmountDTO `json:"byCategory"`
}

func newOverviewDTO(ov core.MonthOverview) overviewDTO {
	dto := overviewDTO{
		Year:       ov.Year,
		Month:      ov.Month,
		Total:      ov.Total.Float64(),
		Count:      ov.Count,
		ByCategory: make([]categoryAmountDTO, 0, len(ov.ByCategory)),
	}
	for _, c := range ov.ByCategory {
		dto.ByCategory = append(dto.ByCategory, categoryAmountDTO{Category: c.Category.String(), Amount: c.Amount.Float64()})
	}
	return dto
}

type userDTO struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
