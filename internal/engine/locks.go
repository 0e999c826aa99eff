package engine

import (
	"sort"
	"sync"
)

// BusLocks serializes every mutation of a bus's non-frozen route set. Locks
// for multiple buses are always taken in ascending bus id order, so
// multi-bus operations (reassignment, splitting) cannot deadlock.
type BusLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewBusLocks() *BusLocks {
	return &BusLocks{locks: map[string]*sync.Mutex{}}
}

func (b *BusLocks) lockFor(busID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[busID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[busID] = l
	}
	return l
}

// Acquire locks the given buses and returns the release function. Duplicate
// ids are locked once. The release must run on every exit path.
func (b *BusLocks) Acquire(busIDs ...string) func() {
	ids := make([]string, 0, len(busIDs))
	seen := map[string]struct{}{}
	for _, id := range busIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	held := make([]*sync.Mutex, 0, len(ids))
	for _, id := range ids {
		l := b.lockFor(id)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
