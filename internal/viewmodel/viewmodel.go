// Package viewmodel coordinates the session, the expense store and the
// monthly aggregator into a single observable display state.
package viewmodel

import (
	"context"
	"errors"
	"sync"
	"time"

	"controlgastos/internal/backoff"
	"controlgastos/internal/core"
	"controlgastos/internal/expenses"
	"controlgastos/internal/log"
	"controlgastos/internal/session"
)

type OpStatus int

const (
	OpIdle OpStatus = iota
	OpInProgress
	OpSucceeded
	OpFailed
)

func (s OpStatus) String() string {
	switch s {
	case OpInProgress:
		return "in_progress"
	case OpSucceeded:
		return "succeeded"
	case OpFailed:
		return "failed"
	default:
		return "idle"
	}
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// OpState tracks the most recent mutation submitted through the view model.
// Reason and Err are set only when Status is OpFailed.
type OpState struct {
	Status OpStatus
	Action Action
	Reason string
	Err    error
}

// State is an immutable view of the display state. Expenses must not be
// modified by the receiver.
type State struct {
	UserID   string
	Expenses []core.Expense
	Total    core.Money
	Year     int
	Month    time.Month
	Op       OpState
	// SyncErr is set while the live subscription is broken. Expenses then
	// holds the last snapshot received.
	SyncErr error
	Version uint64
}

// Store is the subset of expenses.Store the view model drives.
type Store interface {
	Create(ctx context.Context, e core.Expense) (string, error)
	Update(ctx context.Context, e core.Expense) error
	Delete(ctx context.Context, id string) error
	Subscribe(ctx context.Context, userID string) (*expenses.Subscription, error)
}

// Totals is the subset of expenses.Aggregator the view model reads.
type Totals interface {
	MonthlyTotal(ctx context.Context, userID string, year int, month time.Month) core.Money
	Location() *time.Location
}

type ViewModel struct {
	store    Store
	totals   Totals
	sessions session.Provider
	logger   *log.Logger
	now      func() time.Time
	retry    func(attempt int) time.Duration

	mu       sync.Mutex
	state    State
	watchers map[*watcher]struct{}
	// totalTicket orders total computations; a result started earlier never
	// overwrites one started later.
	totalTicket  uint64
	totalApplied uint64
}

type Option func(*ViewModel)

func WithLogger(l *log.Logger) Option {
	return func(vm *ViewModel) { vm.logger = l.WithComponent(log.ComponentViewModel) }
}

// WithClock sets the clock used to pick the current month.
func WithClock(now func() time.Time) Option {
	return func(vm *ViewModel) { vm.now = now }
}

// WithRetryDelay overrides the resubscribe backoff.
func WithRetryDelay(fn func(attempt int) time.Duration) Option {
	return func(vm *ViewModel) { vm.retry = fn }
}

func New(store Store, totals Totals, sessions session.Provider, opts ...Option) *ViewModel {
	vm := &ViewModel{
		store:    store,
		totals:   totals,
		sessions: sessions,
		logger:   log.Discard(),
		now:      time.Now,
		retry:    backoff.Exponential,
		watchers: make(map[*watcher]struct{}),
	}
	for _, opt := range opts {
		opt(vm)
	}
	y, m := vm.currentMonth()
	vm.state.Year, vm.state.Month = y, m
	return vm
}

// Run follows the session until ctx is done, keeping exactly one live
// subscription for the signed-in user.
func (vm *ViewModel) Run(ctx context.Context) error {
	changes, cancel := vm.sessions.Subscribe()
	defer cancel()

	var cur *pump
	defer func() { cur.stop() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if cur != nil && c.SignedIn && cur.userID == c.UserID {
				continue
			}

			cur.stop()
			cur = nil

			if !c.SignedIn {
				vm.reset("")
				vm.logger.InfoContext(ctx, "Session ended, state cleared")
				continue
			}

			vm.reset(c.UserID)
			cur = vm.startPump(ctx, c.UserID)
			vm.logger.InfoContext(ctx, "Following user", log.FieldUserID, c.UserID)
		}
	}
}

// State returns the current display state.
func (vm *ViewModel) State() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// SubmitCreate creates e for the session user.
func (vm *ViewModel) SubmitCreate(ctx context.Context, e core.Expense) (string, error) {
	vm.setOp(OpState{Status: OpInProgress, Action: ActionCreate})
	id, err := vm.store.Create(ctx, e)
	if err != nil {
		vm.fail(ctx, ActionCreate, err)
		return "", err
	}
	vm.succeed(ctx, ActionCreate)
	return id, nil
}

// SubmitUpdate replaces the record identified by e.ID.
func (vm *ViewModel) SubmitUpdate(ctx context.Context, e core.Expense) error {
	vm.setOp(OpState{Status: OpInProgress, Action: ActionUpdate})
	if err := vm.store.Update(ctx, e); err != nil {
		vm.fail(ctx, ActionUpdate, err)
		return err
	}
	vm.succeed(ctx, ActionUpdate)
	return nil
}

// SubmitDelete removes the record with id. Unknown ids succeed.
func (vm *ViewModel) SubmitDelete(ctx context.Context, id string) error {
	vm.setOp(OpState{Status: OpInProgress, Action: ActionDelete})
	if err := vm.store.Delete(ctx, id); err != nil {
		vm.fail(ctx, ActionDelete, err)
		return err
	}
	vm.succeed(ctx, ActionDelete)
	return nil
}

// ResetOp returns the operation state to idle.
func (vm *ViewModel) ResetOp() {
	vm.setOp(OpState{Status: OpIdle})
}

// RefreshTotal recomputes the current month total for the displayed user.
func (vm *ViewModel) RefreshTotal(ctx context.Context) {
	vm.mu.Lock()
	userID := vm.state.UserID
	vm.mu.Unlock()
	if userID == "" {
		return
	}
	vm.refreshTotal(ctx, userID)
}

func (vm *ViewModel) refreshTotal(ctx context.Context, userID string) {
	vm.mu.Lock()
	vm.totalTicket++
	ticket := vm.totalTicket
	vm.mu.Unlock()

	y, m := vm.currentMonth()
	total := vm.totals.MonthlyTotal(ctx, userID, y, m)

	vm.update(func(s *State) bool {
		if s.UserID != userID || ticket < vm.totalApplied {
			return false
		}
		vm.totalApplied = ticket
		s.Year, s.Month, s.Total = y, m, total
		return true
	})
}

func (vm *ViewModel) succeed(ctx context.Context, a Action) {
	vm.RefreshTotal(ctx)
	vm.setOp(OpState{Status: OpSucceeded, Action: a})
}

func (vm *ViewModel) fail(ctx context.Context, a Action, err error) {
	vm.logger.WarnContext(ctx, "Operation failed", log.FieldOperation, string(a), log.FieldError, err)
	vm.setOp(OpState{Status: OpFailed, Action: a, Reason: Reason(err), Err: err})
}

// Reason renders err as a short user-facing message.
func Reason(err error) string {
	switch {
	case errors.Is(err, core.ErrUnauthenticated):
		return "user not authenticated"
	case errors.Is(err, core.ErrNotFound):
		return "expense not found"
	case errors.Is(err, core.ErrForbidden):
		return "not allowed"
	case errors.Is(err, core.ErrConnectivity):
		return "service unavailable, try again"
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}

func (vm *ViewModel) setOp(op OpState) {
	vm.update(func(s *State) bool {
		s.Op = op
		return true
	})
}

func (vm *ViewModel) reset(userID string) {
	y, m := vm.currentMonth()
	vm.update(func(s *State) bool {
		*s = State{UserID: userID, Year: y, Month: m, Version: s.Version}
		return true
	})
}

func (vm *ViewModel) currentMonth() (int, time.Month) {
	loc := time.Local
	if vm.totals != nil {
		loc = vm.totals.Location()
	}
	b := core.CurrentMonth(vm.now(), loc)
	return b.Year, time.Month(b.Month)
}

// update applies fn under the lock and, if it reports a change, bumps the
// version and notifies watchers.
func (vm *ViewModel) update(fn func(*State) bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if !fn(&vm.state) {
		return
	}
	vm.state.Version++
	for w := range vm.watchers {
		w.offer(vm.state)
	}
}
