package audio

import (
	"slices"
	"sync"
)

// Fanout delivers each published [Frame] to every subscriber. The zero value
// is ready to use and safe for concurrent use.
type Fanout struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Frame)
}

// Subscribe registers fn and returns a function that removes it.
func (f *Fanout) Subscribe(fn func(Frame)) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]func(Frame))
	}
	id := f.next
	f.next++
	f.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}
}

// Publish calls every subscriber with fr in registration order.
func (f *Fanout) Publish(fr Frame) {
	f.mu.RLock()
	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Frame), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, f.subs[id])
	}
	f.mu.RUnlock()
	for _, fn := range fns {
		fn(fr)
	}
}

// Len returns the number of subscribers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
