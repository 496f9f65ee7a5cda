// Package memory is the process-local repository used by the memory backend
// and by tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"controlgastos/internal/core"
	"controlgastos/internal/expenses"
)

type record struct {
	seq uint64
	e   core.Expense
}

type Store struct {
	mu      sync.Mutex
	seq     uint64
	items   map[string]record
	users   map[string]core.User
	failErr error
}

func New() *Store {
	return &Store{
		items: make(map[string]record),
		users: make(map[string]core.User),
	}
}

var _ expenses.Repository = (*Store)(nil)

// FailWith makes every subsequent call return err until it is called again
// with nil.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *Store) Insert(_ context.Context, e core.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.seq++
	s.items[e.ID] = record{seq: s.seq, e: e}
	return nil
}

func (s *Store) Replace(_ context.Context, e core.Expense) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return "", s.failErr
	}
	r, ok := s.items[e.ID]
	if !ok {
		return "", core.ErrNotFound
	}
	e.UserID = r.e.UserID
	r.e = e
	s.items[e.ID] = r
	return e.UserID, nil
}

func (s *Store) Delete(_ context.Context, id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return "", false, s.failErr
	}
	r, ok := s.items[id]
	if !ok {
		return "", false, nil
	}
	delete(s.items, id)
	return r.e.UserID, true, nil
}

func (s *Store) Get(_ context.Context, id string) (core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return core.Expense{}, s.failErr
	}
	r, ok := s.items[id]
	if !ok {
		return core.Expense{}, core.ErrNotFound
	}
	return r.e, nil
}

func (s *Store) ListByUser(_ context.Context, userID string) ([]core.Expense, error) {
	return s.list(userID, func(core.Expense) bool { return true })
}

func (s *Store) ListByUserBetween(_ context.Context, userID string, start, end time.Time) ([]core.Expense, error) {
	return s.list(userID, func(e core.Expense) bool {
		return !e.Date.Before(start) && !e.Date.After(end)
	})
}

func (s *Store) list(userID string, keep func(core.Expense) bool) ([]core.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}

	var recs []record
	for _, r := range s.items {
		if r.e.UserID == userID && keep(r.e) {
			recs = append(recs, r)
		}
	}
	slices.SortFunc(recs, func(a, b record) int {
		if c := b.e.Date.Compare(a.e.Date); c != 0 {
			return c
		}
		return cmp.Compare(b.seq, a.seq)
	})

	out := make([]core.Expense, len(recs))
	for i, r := range recs {
		out[i] = r.e
	}
	return out, nil
}

// CreateUser stores u. Usernames are compared case-insensitively.
func (s *Store) CreateUser(_ context.Context, u core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	key := strings.ToLower(u.Username)
	if _, ok := s.users[key]; ok {
		return core.ErrUserExists
	}
	s.users[key] = u
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return core.User{}, s.failErr
	}
	u, ok := s.users[strings.ToLower(username)]
	if !ok {
		return core.User{}, core.ErrUserNotFound
	}
	return u, nil
}

func (s *Store) Close() error { return nil }
