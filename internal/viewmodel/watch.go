package viewmodel

import "sync"

type watcher struct {
	ch chan State
}

// Subscribe returns a channel that first receives the current state and then
// every later one. Undelivered states are replaced by newer ones. The
// returned func stops delivery and closes the channel.
func (vm *ViewModel) Subscribe() (<-chan State, func()) {
	w := &watcher{ch: make(chan State, 1)}

	vm.mu.Lock()
	vm.watchers[w] = struct{}{}
	w.offer(vm.state)
	vm.mu.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			vm.mu.Lock()
			delete(vm.watchers, w)
			close(w.ch)
			vm.mu.Unlock()
		})
	}
}

// offer is called with the view model lock held.
func (w *watcher) offer(s State) {
	select {
	case <-w.ch:
	default:
	}
	w.ch <- s
}
