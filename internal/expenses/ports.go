// Package expenses implements the session-scoped expense store with live
// per-user snapshots, and the monthly aggregator built on top of it.
package expenses

import (
	"context"
	"time"

	"controlgastos/internal/core"
)

// Ports for outbound adapters.
type (
	// Repository is the persisted expense collection shared by every session.
	Repository interface {
		// Insert stores e as given; ID and UserID are already assigned.
		Insert(ctx context.Context, e core.Expense) error

		// Replace overwrites every mutable field of the record with e.ID and
		// returns its owner. The stored UserID is never changed. Returns
		// core.ErrNotFound if the record does not exist.
		Replace(ctx context.Context, e core.Expense) (owner string, err error)

		// Delete removes the record. existed is false when there was nothing
		// to delete.
		Delete(ctx context.Context, id string) (owner string, existed bool, err error)

		// Get returns a single record or core.ErrNotFound.
		Get(ctx context.Context, id string) (core.Expense, error)

		// ListByUser returns the user's records ordered by date descending,
		// newest insert first on ties.
		ListByUser(ctx context.Context, userID string) ([]core.Expense, error)

		RangeReader
	}

	// RangeReader serves the aggregation query.
	RangeReader interface {
		// ListByUserBetween returns the user's records with start <= date <= end.
		ListByUserBetween(ctx context.Context, userID string, start, end time.Time) ([]core.Expense, error)
	}

	// Notifier forwards committed changes to other processes.
	Notifier interface {
		PublishChange(ctx context.Context, c Change) error
	}
)

type Op string

const (
	OpCreated Op = "created"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
	// OpResync is local only: any user's data may have changed.
	OpResync Op = "resync"
)

// Change describes one committed mutation.
type Change struct {
	Op        Op
	UserID    string
	ExpenseID string
	Origin    string
	At        time.Time
}
