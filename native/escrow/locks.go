package escrow

import "sync"

// lockSet hands out one mutex per agreement ID. Entries are reference counted
// and dropped once no goroutine holds or waits on them.
type lockSet struct {
	mu    sync.Mutex
	locks map[uint64]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[uint64]*refLock)}
}

func (s *lockSet) lock(id uint64) func() {
	s.mu.Lock()
	entry, ok := s.locks[id]
	if !ok {
		entry = &refLock{}
		s.locks[id] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		s.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *lockSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
