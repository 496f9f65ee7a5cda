package expenses

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"controlgastos/internal/core"
	"controlgastos/internal/log"
	"controlgastos/internal/session"
)

// Store is the session-scoped expense store. Every operation consults the
// session provider; writes are last-write-wins.
type Store struct {
	repo     Repository
	sessions session.Provider
	notifier Notifier
	logger   *log.Logger

	newID           func() string
	origin          string
	verifyOwnership bool
	maxPending      int
	now             func() time.Time

	// writeMu serializes commits with the snapshot fan-out that follows
	// them, so every subscription observes commits in order.
	writeMu sync.Mutex

	mu           sync.Mutex
	subs         map[string]map[*Subscription]struct{}
	listeners    map[int]func(Change)
	nextListener int
}

type Option func(*Store)

func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l.WithComponent(log.ComponentExpenses) }
}

// WithNotifier forwards every committed change to n.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithOwnershipCheck makes Update and Delete fail with core.ErrForbidden
// when the session user does not own the record.
func WithOwnershipCheck(enabled bool) Option {
	return func(s *Store) { s.verifyOwnership = enabled }
}

func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithOrigin sets the identifier stamped on changes committed here. Remote
// changes carrying the same origin are ignored.
func WithOrigin(origin string) Option {
	return func(s *Store) { s.origin = origin }
}

func WithMaxPending(n int) Option {
	return func(s *Store) { s.maxPending = n }
}

func NewStore(repo Repository, sessions session.Provider, opts ...Option) *Store {
	s := &Store{
		repo:       repo,
		sessions:   sessions,
		logger:     log.Discard(),
		newID:      uuid.NewString,
		origin:     uuid.NewString(),
		maxPending: DefaultMaxPending,
		now:        time.Now,
		subs:       make(map[string]map[*Subscription]struct{}),
		listeners:  make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Origin identifies this store instance on the change bus.
func (s *Store) Origin() string {
	return s.origin
}

// Create stores e for the session user and returns the new id. Any ID or
// UserID set by the caller is ignored.
func (s *Store) Create(ctx context.Context, e core.Expense) (string, error) {
	userID, ok := s.sessions.Current()
	if !ok {
		return "", core.ErrUnauthenticated
	}
	e.ID = s.newID()
	e.UserID = userID

	s.writeMu.Lock()
	if err := s.repo.Insert(ctx, e); err != nil {
		s.writeMu.Unlock()
		return "", fmt.Errorf("create expense: %w", err)
	}
	c := s.commitLocked(ctx, Change{Op: OpCreated, UserID: userID, ExpenseID: e.ID})
	s.writeMu.Unlock()

	s.logger.InfoContext(ctx, "Expense created",
		log.FieldExpenseID, e.ID,
		log.FieldUserID, userID,
		log.FieldAmountCents, e.Amount.Cents,
		log.FieldCategory, e.Category)

	s.publish(ctx, c)
	return e.ID, nil
}

// Update replaces every mutable field of the record identified by e.ID.
// The owner never changes.
func (s *Store) Update(ctx context.Context, e core.Expense) error {
	userID, ok := s.sessions.Current()
	if !ok {
		return core.ErrUnauthenticated
	}
	if e.ID == "" {
		return fmt.Errorf("update expense: %w", core.ErrNotFound)
	}

	s.writeMu.Lock()
	if s.verifyOwnership {
		if err := s.checkOwner(ctx, e.ID, userID); err != nil {
			s.writeMu.Unlock()
			return fmt.Errorf("update expense %s: %w", e.ID, err)
		}
	}
	owner, err := s.repo.Replace(ctx, e)
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("update expense %s: %w", e.ID, err)
	}
	c := s.commitLocked(ctx, Change{Op: OpUpdated, UserID: owner, ExpenseID: e.ID})
	s.writeMu.Unlock()

	s.logger.InfoContext(ctx, "Expense updated",
		log.FieldExpenseID, e.ID,
		log.FieldUserID, owner,
		log.FieldAmountCents, e.Amount.Cents)

	s.publish(ctx, c)
	return nil
}

// Delete removes the record. Deleting an unknown id succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	userID, ok := s.sessions.Current()
	if !ok {
		return core.ErrUnauthenticated
	}

	s.writeMu.Lock()
	if s.verifyOwnership {
		if err := s.checkOwner(ctx, id, userID); err != nil {
			s.writeMu.Unlock()
			if errors.Is(err, core.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("delete expense %s: %w", id, err)
		}
	}
	owner, existed, err := s.repo.Delete(ctx, id)
	if err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("delete expense %s: %w", id, err)
	}
	if !existed {
		s.writeMu.Unlock()
		s.logger.DebugContext(ctx, "Delete of unknown expense ignored", log.FieldExpenseID, id)
		return nil
	}
	c := s.commitLocked(ctx, Change{Op: OpDeleted, UserID: owner, ExpenseID: id})
	s.writeMu.Unlock()

	s.logger.InfoContext(ctx, "Expense deleted", log.FieldExpenseID, id, log.FieldUserID, owner)

	s.publish(ctx, c)
	return nil
}

// Get reads one of the session user's expenses back by id. Records owned by
// someone else are reported as not found.
func (s *Store) Get(ctx context.Context, id string) (core.Expense, error) {
	userID, ok := s.sessions.Current()
	if !ok {
		return core.Expense{}, core.ErrUnauthenticated
	}
	e, err := s.repo.Get(ctx, id)
	if err != nil {
		return core.Expense{}, fmt.Errorf("get expense %s: %w", id, err)
	}
	if e.UserID != userID {
		return core.Expense{}, fmt.Errorf("get expense %s: %w", id, core.ErrNotFound)
	}
	return e, nil
}

// Subscribe starts a live query over userID's expenses, which must be the
// session user. It returns once the initial snapshot is queued. The caller
// owns the subscription and must Close it.
func (s *Store) Subscribe(ctx context.Context, userID string) (*Subscription, error) {
	current, ok := s.sessions.Current()
	if !ok {
		return nil, core.ErrUnauthenticated
	}
	if current != userID {
		return nil, core.ErrForbidden
	}

	sub := newSubscription(userID, s.maxPending)
	sub.detachFn = func() { s.removeSubscription(sub) }

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	items, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	set, ok := s.subs[userID]
	if !ok {
		set = make(map[*Subscription]struct{})
		s.subs[userID] = set
	}
	set[sub] = struct{}{}
	s.mu.Unlock()

	sub.push(items)

	s.logger.DebugContext(ctx, "Subscription started", log.FieldUserID, userID, log.FieldCount, len(items))
	return sub, nil
}

// Watch registers fn for every change observed by this store, local or
// remote, plus an OpResync change after Resync. fn runs on the committing
// goroutine before subscribers see the new snapshot; it must not block or
// call back into the store. The returned func unregisters it.
func (s *Store) Watch(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// ApplyRemoteChange refreshes local subscribers after a change committed by
// another process. Changes that originated here are ignored.
func (s *Store) ApplyRemoteChange(ctx context.Context, c Change) error {
	if c.Origin == s.origin {
		return nil
	}
	if c.UserID == "" {
		return fmt.Errorf("remote change without user id")
	}

	s.writeMu.Lock()
	s.dispatch(c)
	s.refreshLocked(ctx, c.UserID)
	s.writeMu.Unlock()

	s.logger.DebugContext(ctx, "Applied remote change",
		log.FieldOperation, string(c.Op),
		log.FieldUserID, c.UserID,
		log.FieldExpenseID, c.ExpenseID,
		log.FieldOrigin, c.Origin)
	return nil
}

// Resync re-reads every subscribed user's expenses and tells watchers to
// drop derived state. Used when remote changes may have been missed.
func (s *Store) Resync(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.dispatch(Change{Op: OpResync, Origin: s.origin, At: s.now()})

	s.mu.Lock()
	users := make([]string, 0, len(s.subs))
	for userID := range s.subs {
		users = append(users, userID)
	}
	s.mu.Unlock()

	for _, userID := range users {
		s.refreshLocked(ctx, userID)
	}
	s.logger.InfoContext(ctx, "Resynchronized subscriptions", log.FieldCount, len(users))
}

// ActiveSubscriptions returns the number of open subscriptions for userID.
func (s *Store) ActiveSubscriptions(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[userID])
}

func (s *Store) checkOwner(ctx context.Context, id, userID string) error {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing.UserID != userID {
		return core.ErrForbidden
	}
	return nil
}

// refreshLocked pushes a fresh snapshot to every subscriber of userID.
// Callers hold writeMu.
func (s *Store) refreshLocked(ctx context.Context, userID string) {
	s.mu.Lock()
	targets := make([]*Subscription, 0, len(s.subs[userID]))
	for sub := range s.subs[userID] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	// The write is already committed; the caller giving up must not tear
	// down other subscribers' streams.
	items, err := s.repo.ListByUser(context.WithoutCancel(ctx), userID)
	if err != nil {
		err = fmt.Errorf("refresh snapshot: %w", err)
		s.logger.ErrorContext(ctx, "Closing subscriptions after snapshot failure",
			log.FieldUserID, userID,
			log.FieldCount, len(targets),
			log.FieldError, err)
		for _, sub := range targets {
			sub.fail(err)
		}
		return
	}
	for _, sub := range targets {
		sub.push(items)
	}
}

// commitLocked stamps c, lets watchers drop derived state and then pushes
// fresh snapshots, so a subscriber reacting to a snapshot never reads state
// older than it. Callers hold writeMu.
func (s *Store) commitLocked(ctx context.Context, c Change) Change {
	c.Origin = s.origin
	c.At = s.now()
	s.dispatch(c)
	s.refreshLocked(ctx, c.UserID)
	return c
}

func (s *Store) publish(ctx context.Context, c Change) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishChange(context.WithoutCancel(ctx), c); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish change",
			log.FieldOperation, string(c.Op),
			log.FieldExpenseID, c.ExpenseID,
			log.FieldError, err)
	}
}

func (s *Store) dispatch(c Change) {
	s.mu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (s *Store) removeSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.subs[sub.userID]
	delete(set, sub)
	if len(set) == 0 {
		delete(s.subs, sub.userID)
	}
}
