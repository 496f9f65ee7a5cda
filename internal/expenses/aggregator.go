package expenses

import (
	"context"
	"fmt"
	"sync"
	"time"

	"controlgastos/internal/cache"
	"controlgastos/internal/core"
	"controlgastos/internal/log"
	"controlgastos/internal/session"
)

// Aggregator computes point-in-time monthly totals for the session user.
type Aggregator struct {
	repo     RangeReader
	sessions session.Provider
	loc      *time.Location
	cache    cache.Cache[core.MonthOverview]
	logger   *log.Logger

	// gen and epoch only grow; their sum changes whenever a user's cached
	// overviews are invalidated.
	mu    sync.Mutex
	gen   map[string]uint64
	epoch uint64
}

type AggregatorOption func(*Aggregator)

// WithLocation sets the zone month buckets are computed in.
func WithLocation(loc *time.Location) AggregatorOption {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// WithCache memoizes overviews until the user's expenses change.
func WithCache(c cache.Cache[core.MonthOverview]) AggregatorOption {
	return func(a *Aggregator) { a.cache = c }
}

func WithAggregatorLogger(l *log.Logger) AggregatorOption {
	return func(a *Aggregator) { a.logger = l.WithComponent(log.ComponentAggregator) }
}

func NewAggregator(repo RangeReader, sessions session.Provider, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		repo:     repo,
		sessions: sessions,
		loc:      time.Local,
		logger:   log.Discard(),
		gen:      make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// MonthlyTotal returns the sum of userID's expenses dated inside the month.
// It never fails: every error, including a missing session, yields zero.
func (a *Aggregator) MonthlyTotal(ctx context.Context, userID string, year int, month time.Month) core.Money {
	ov, err := a.MonthOverview(ctx, userID, year, month)
	if err != nil {
		a.logger.WarnContext(ctx, "Monthly total unavailable, reporting zero",
			log.FieldUserID, userID,
			log.FieldYear, year,
			log.FieldMonth, int(month),
			log.FieldError, err)
		return core.Money{}
	}
	return ov.Total
}

// MonthOverview is the strict form of MonthlyTotal: it reports failures and
// includes the per-category breakdown.
func (a *Aggregator) MonthOverview(ctx context.Context, userID string, year int, month time.Month) (core.MonthOverview, error) {
	current, ok := a.sessions.Current()
	if !ok {
		return core.MonthOverview{}, core.ErrUnauthenticated
	}
	if current != userID {
		return core.MonthOverview{}, core.ErrForbidden
	}

	bucket, err := core.NewMonthBucket(year, int(month), a.loc)
	if err != nil {
		return core.MonthOverview{}, err
	}

	key := cacheKey(userID, year, month)
	if a.cache != nil {
		if ov, ok := a.cache.Get(key); ok {
			return ov, nil
		}
	}
	gen := a.generation(userID)

	items, err := a.repo.ListByUserBetween(ctx, userID, bucket.Start, bucket.End)
	if err != nil {
		return core.MonthOverview{}, fmt.Errorf("aggregate %04d-%02d: %w", year, int(month), err)
	}
	ov := core.Summarize(bucket, items)

	if a.cache != nil {
		a.mu.Lock()
		if a.epoch+a.gen[userID] == gen {
			a.cache.Set(key, ov)
		}
		a.mu.Unlock()
	}

	a.logger.DebugContext(ctx, "Month aggregated",
		log.FieldOperation, log.OpAggregate,
		log.FieldUserID, userID,
		log.FieldYear, year,
		log.FieldMonth, int(month),
		log.FieldCount, ov.Count,
		log.FieldAmountCents, ov.Total.Cents)
	return ov, nil
}

// Invalidate drops every cached overview of userID.
func (a *Aggregator) Invalidate(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gen[userID]++
	if a.cache != nil {
		a.cache.DeletePrefix(userID + "|")
	}
}

// InvalidateAll drops every cached overview.
func (a *Aggregator) InvalidateAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.epoch++
	if a.cache != nil {
		a.cache.DeletePrefix("")
	}
}

// Attach invalidates cached overviews whenever store observes a change.
func (a *Aggregator) Attach(store *Store) func() {
	return store.Watch(func(c Change) {
		if c.Op == OpResync {
			a.InvalidateAll()
			return
		}
		a.Invalidate(c.UserID)
	})
}

func (a *Aggregator) generation(userID string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch + a.gen[userID]
}

func cacheKey(userID string, year int, month time.Month) string {
	return fmt.Sprintf("%s|%04d-%02d", userID, year, int(month))
}
