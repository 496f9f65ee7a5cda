package viewmodel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlgastos/internal/core"
	"controlgastos/internal/expenses"
	"controlgastos/internal/session"
	"controlgastos/internal/storage/memory"
)

var fixedNow = time.Date(2024, time.May, 20, 10, 0, 0, 0, time.UTC)

type flakyRepo struct {
	*memory.Store
	failList atomic.Bool
}

var errListFailed = errors.New("list failed")

func (r *flakyRepo) ListByUser(ctx context.Context, userID string) ([]core.Expense, error) {
	if r.failList.Load() {
		return nil, errListFailed
	}
	return r.Store.ListByUser(ctx, userID)
}

type harness struct {
	repo     *flakyRepo
	sessions *session.Manager
	store    *expenses.Store
	vm       *ViewModel
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := &flakyRepo{Store: memory.New()}
	sessions := session.NewManager(nil)
	store := expenses.NewStore(repo, sessions)
	agg := expenses.NewAggregator(repo, sessions, expenses.WithLocation(time.UTC))
	vm := New(store, agg, sessions,
		WithClock(func() time.Time { return fixedNow }),
		WithRetryDelay(func(int) time.Duration { return time.Millisecond }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- vm.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not stop")
		}
	})

	return &harness{repo: repo, sessions: sessions, store: store, vm: vm}
}

func (h *harness) waitFor(t *testing.T, cond func(State) bool) State {
	t.Helper()
	var last State
	require.Eventually(t, func() bool {
		last = h.vm.State()
		return cond(last)
	}, 2*time.Second, 2*time.Millisecond, "state never matched, last: %+v", last)
	return last
}

func expense(name string, cents int64, date time.Time) core.Expense {
	return core.Expense{Name: name, Amount: core.Money{Cents: cents}, Category: core.CategoryFood, Date: date}
}

func TestInitialState(t *testing.T) {
	h := newHarness(t)
	s := h.vm.State()
	assert.Empty(t, s.UserID)
	assert.Empty(t, s.Expenses)
	assert.True(t, s.Total.IsZero())
	assert.Equal(t, OpIdle, s.Op.Status)
	assert.Equal(t, 2024, s.Year)
	assert.Equal(t, time.May, s.Month)
}

func TestFollowsSignedInUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sessions.SignIn("alice")
	_, err := h.store.Create(ctx, expense("Coffee", 350, fixedNow))
	require.NoError(t, err)
	_, err = h.store.Create(ctx, expense("Old", 999, fixedNow.AddDate(0, -1, 0)))
	require.NoError(t, err)

	s := h.waitFor(t, func(s State) bool { return s.UserID == "alice" && len(s.Expenses) == 2 })
	assert.Equal(t, "Coffee", s.Expenses[0].Name)
	h.waitFor(t, func(s State) bool { return s.Total.Cents == 350 })
}

func TestSubmitCreateRecomputesTotal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sessions.SignIn("alice")
	h.waitFor(t, func(s State) bool { return s.UserID == "alice" })

	id, err := h.vm.SubmitCreate(ctx, expense("Coffee", 350, fixedNow))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	s := h.vm.State()
	assert.Equal(t, OpSucceeded, s.Op.Status)
	assert.Equal(t, ActionCreate, s.Op.Action)
	assert.Equal(t, int64(350), s.Total.Cents)

	h.waitFor(t, func(s State) bool { return len(s.Expenses) == 1 && s.Expenses[0].ID == id })

	upd := expense("Coffee", 500, fixedNow)
	upd.ID = id
	require.NoError(t, h.vm.SubmitUpdate(ctx, upd))
	assert.Equal(t, int64(500), h.vm.State().Total.Cents)

	require.NoError(t, h.vm.SubmitDelete(ctx, id))
	assert.True(t, h.vm.State().Total.IsZero())
	h.waitFor(t, func(s State) bool { return len(s.Expenses) == 0 })
}

func TestFailedOperation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sessions.SignIn("alice")

	err := h.vm.SubmitUpdate(ctx, expense("Ghost", 100, fixedNow))
	require.ErrorIs(t, err, core.ErrNotFound)

	s := h.vm.State()
	assert.Equal(t, OpFailed, s.Op.Status)
	assert.Equal(t, ActionUpdate, s.Op.Action)
	assert.Equal(t, "expense not found", s.Op.Reason)
	assert.ErrorIs(t, s.Op.Err, core.ErrNotFound)

	h.vm.ResetOp()
	assert.Equal(t, OpIdle, h.vm.State().Op.Status)
}

func TestSubmitWithoutSessionFails(t *testing.T) {
	h := newHarness(t)

	_, err := h.vm.SubmitCreate(context.Background(), expense("Coffee", 350, fixedNow))
	require.ErrorIs(t, err, core.ErrUnauthenticated)
	assert.Equal(t, "user not authenticated", h.vm.State().Op.Reason)
}

func TestDeleteUnknownSucceeds(t *testing.T) {
	h := newHarness(t)
	h.sessions.SignIn("alice")

	require.NoError(t, h.vm.SubmitDelete(context.Background(), "nope"))
	assert.Equal(t, OpSucceeded, h.vm.State().Op.Status)
}

func TestSignOutClearsStateAndSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sessions.SignIn("alice")
	_, err := h.store.Create(ctx, expense("Coffee", 350, fixedNow))
	require.NoError(t, err)
	h.waitFor(t, func(s State) bool { return len(s.Expenses) == 1 && s.Total.Cents == 350 })

	h.sessions.SignOut()
	s := h.waitFor(t, func(s State) bool { return s.UserID == "" })
	assert.Empty(t, s.Expenses)
	assert.True(t, s.Total.IsZero())
	assert.Equal(t, 0, h.store.ActiveSubscriptions("alice"))
}

func TestUserSwitchReplacesSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.sessions.SignIn("alice")
	_, err := h.store.Create(ctx, expense("Alice lunch", 1200, fixedNow))
	require.NoError(t, err)
	h.waitFor(t, func(s State) bool { return len(s.Expenses) == 1 })

	h.sessions.SignIn("bob")
	s := h.waitFor(t, func(s State) bool { return s.UserID == "bob" })
	assert.Equal(t, 0, h.store.ActiveSubscriptions("alice"))
	for _, e := range s.Expenses {
		assert.Equal(t, "bob", e.UserID)
	}

	_, err = h.vm.SubmitCreate(ctx, expense("Bob coffee", 200, fixedNow))
	require.NoError(t, err)
	s = h.waitFor(t, func(s State) bool { return len(s.Expenses) == 1 })
	assert.Equal(t, "Bob coffee", s.Expenses[0].Name)
	assert.Equal(t, int64(200), s.Total.Cents)
	assert.Equal(t, 1, h.store.ActiveSubscriptions("bob"))
}

func TestSyncErrorThenRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sessions.SignIn("alice")
	h.waitFor(t, func(s State) bool { return s.UserID == "alice" && h.store.ActiveSubscriptions("alice") == 1 })

	h.repo.failList.Store(true)
	_, err := h.store.Create(ctx, expense("Coffee", 350, fixedNow))
	require.NoError(t, err)

	s := h.waitFor(t, func(s State) bool { return s.SyncErr != nil })
	assert.ErrorIs(t, s.SyncErr, errListFailed)
	assert.Empty(t, s.Expenses, "last good snapshot is kept")

	h.repo.failList.Store(false)
	s = h.waitFor(t, func(s State) bool { return s.SyncErr == nil && len(s.Expenses) == 1 })
	assert.Equal(t, "Coffee", s.Expenses[0].Name)
}

func TestSubscribeReceivesStates(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.vm.Subscribe()
	defer cancel()

	first := <-ch
	assert.Empty(t, first.UserID)

	h.sessions.SignIn("alice")
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			assert.Greater(t, s.Version, first.Version)
			if s.UserID == "alice" {
				cancel()
				cancel()
				return
			}
		case <-deadline:
			t.Fatal("never observed alice's state")
		}
	}
}

func TestRunStopsPumpOnCancel(t *testing.T) {
	repo := memory.New()
	sessions := session.NewManager(nil)
	store := expenses.NewStore(repo, sessions)
	agg := expenses.NewAggregator(repo, sessions)
	vm := New(store, agg, sessions)

	sessions.SignIn("alice")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- vm.Run(ctx) }()

	require.Eventually(t, func() bool { return store.ActiveSubscriptions("alice") == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 0, store.ActiveSubscriptions("alice"))
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{core.ErrUnauthenticated, "user not authenticated"},
		{core.ErrForbidden, "not allowed"},
		{errors.Join(errors.New("x"), core.ErrConnectivity), "service unavailable, try again"},
		{errors.New("boom"), "boom"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reason(tt.err))
	}
}
