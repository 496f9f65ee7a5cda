package viewmodel

import (
	"context"
	"sync"

	"controlgastos/internal/backoff"
	"controlgastos/internal/expenses"
	"controlgastos/internal/log"
)

// pump feeds one user's snapshots into the state. stop returns only after
// the subscription is closed.
type pump struct {
	userID string
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *pump) stop() {
	if p == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (vm *ViewModel) startPump(parent context.Context, userID string) *pump {
	ctx, cancel := context.WithCancel(parent)
	p := &pump{userID: userID, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		vm.follow(ctx, userID)
	}()
	return p
}

func (vm *ViewModel) follow(ctx context.Context, userID string) {
	attempt := 0
	for {
		sub, err := vm.store.Subscribe(ctx, userID)
		if err == nil {
			err = vm.consume(ctx, sub, userID, func() { attempt = 0 })
			sub.Close()
		}
		if ctx.Err() != nil {
			return
		}

		delay := vm.retry(attempt)
		vm.logger.WarnContext(ctx, "Subscription lost, retrying",
			log.FieldUserID, userID,
			log.FieldAttempt, attempt+1,
			"delay", delay.String(),
			log.FieldError, err)
		vm.update(func(s *State) bool {
			if s.UserID != userID {
				return false
			}
			s.SyncErr = err
			return true
		})

		if backoff.Sleep(ctx, delay) != nil {
			return
		}
		attempt++
	}
}

func (vm *ViewModel) consume(ctx context.Context, sub *expenses.Subscription, userID string, healthy func()) error {
	var once sync.Once
	for {
		snap, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		once.Do(healthy)

		vm.update(func(s *State) bool {
			if s.UserID != userID {
				return false
			}
			s.Expenses = snap.Expenses
			s.SyncErr = nil
			return true
		})
		vm.refreshTotal(ctx, userID)
	}
}
