package expenses

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"controlgastos/internal/core"
)

// ErrSubscriptionClosed is returned by Next once Close has been called.
var ErrSubscriptionClosed = errors.New("subscription closed")

// DefaultMaxPending is how many undelivered snapshots a subscription keeps
// before discarding the oldest.
const DefaultMaxPending = 32

// Snapshot is the full ordered expense set of one user at a point in time.
// Each subscriber receives its own copy.
type Snapshot struct {
	UserID   string
	Expenses []core.Expense
	// Seq increases by one for every snapshot produced for the subscription,
	// including discarded ones.
	Seq uint64
}

// Subscription is a live, cancellable sequence of snapshots for one user.
// Snapshots arrive in commit order. After Close returns no further snapshot
// is handed out.
type Subscription struct {
	userID     string
	maxPending int

	mu      sync.Mutex
	queue   []Snapshot
	seq     uint64
	dropped uint64
	err     error
	closed  bool

	notify chan struct{}
	done   chan struct{}

	detachOnce sync.Once
	detachFn   func()
}

func newSubscription(userID string, maxPending int) *Subscription {
	if maxPending < 1 {
		maxPending = DefaultMaxPending
	}
	return &Subscription{
		userID:     userID,
		maxPending: maxPending,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// UserID returns the user whose expenses this subscription follows.
func (s *Subscription) UserID() string {
	return s.userID
}

// Next blocks until a snapshot is available, the stream fails, the
// subscription is closed or ctx is done. Queued snapshots are drained before
// a stream error is reported.
func (s *Subscription) Next(ctx context.Context) (Snapshot, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Snapshot{}, ErrSubscriptionClosed
		}
		if len(s.queue) > 0 {
			snap := s.queue[0]
			s.queue[0] = Snapshot{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return snap, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return Snapshot{}, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// All adapts the subscription to a range-over-func sequence. Iteration stops
// on Close, on ctx cancellation (yielding ctx.Err()) or on a stream error
// (yielding it).
func (s *Subscription) All(ctx context.Context) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		for {
			snap, err := s.Next(ctx)
			if err != nil {
				if !errors.Is(err, ErrSubscriptionClosed) {
					yield(Snapshot{}, err)
				}
				return
			}
			if !yield(snap, nil) {
				return
			}
		}
	}
}

// Close cancels the subscription and releases its registration in the
// store. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	s.mu.Unlock()

	s.detach()
}

// Err returns the error that terminated the stream, or nil.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped reports how many snapshots were discarded because the consumer
// fell behind.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) push(items []core.Expense) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.err != nil {
		return
	}
	s.seq++
	if len(s.queue) >= s.maxPending {
		s.queue[0] = Snapshot{}
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, Snapshot{
		UserID:   s.userID,
		Expenses: slices.Clone(items),
		Seq:      s.seq,
	})
	s.signal()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.closed || s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.signal()
	s.mu.Unlock()

	s.detach()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) detach() {
	s.detachOnce.Do(func() {
		if s.detachFn != nil {
			s.detachFn()
		}
	})
}
