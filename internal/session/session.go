// Package session holds the identity of the currently authenticated user and
// tells interested parties when it changes.
package session

import (
	"sync"

	"controlgastos/internal/log"
)

// Change describes a new session identity. UserID is empty when SignedIn is
// false. Seq increases with every change emitted by a Manager.
type Change struct {
	UserID   string
	SignedIn bool
	Seq      uint64
}

// Provider is the capability the store, the aggregator and the view model
// consume: the current identity plus change notifications.
type Provider interface {
	// Current returns the signed-in user id, if any.
	Current() (userID string, ok bool)

	// Subscribe returns a channel that first receives the current identity
	// and then every later change. The channel keeps only the latest
	// undelivered change. The returned func stops delivery and closes the
	// channel.
	Subscribe() (<-chan Change, func())
}

// Manager is the process-wide session. The zero value is not usable; call
// NewManager.
type Manager struct {
	mu       sync.Mutex
	current  Change
	watchers map[*watcher]struct{}
	logger   *log.Logger
}

type watcher struct {
	ch chan Change
}

func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Discard()
	}
	return &Manager{
		watchers: make(map[*watcher]struct{}),
		logger:   logger.WithComponent(log.ComponentSession),
	}
}

var _ Provider = (*Manager)(nil)

func (m *Manager) Current() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.UserID, m.current.SignedIn
}

// SignIn makes userID the current identity. Signing in as the current user
// is a no-op.
func (m *Manager) SignIn(userID string) {
	if userID == "" {
		m.SignOut()
		return
	}
	m.set(Change{UserID: userID, SignedIn: true})
}

// SignOut clears the current identity.
func (m *Manager) SignOut() {
	m.set(Change{})
}

func (m *Manager) set(next Change) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next.SignedIn == m.current.SignedIn && next.UserID == m.current.UserID {
		return
	}
	next.Seq = m.current.Seq + 1
	m.current = next
	for w := range m.watchers {
		w.offer(next)
	}

	if next.SignedIn {
		m.logger.Info("Session started", log.FieldUserID, next.UserID, "seq", next.Seq)
	} else {
		m.logger.Info("Session ended", "seq", next.Seq)
	}
}

func (m *Manager) Subscribe() (<-chan Change, func()) {
	w := &watcher{ch: make(chan Change, 1)}

	m.mu.Lock()
	m.watchers[w] = struct{}{}
	w.offer(m.current)
	m.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, w)
			close(w.ch)
			m.mu.Unlock()
		})
	}
}

// offer replaces any undelivered change with c. Callers hold the manager
// lock, so offers are never concurrent.
func (w *watcher) offer(c Change) {
	select {
	case <-w.ch:
	default:
	}
	w.ch <- c
}
