package locks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memLock struct {
	mode    Mode
	owners  map[string]int
	expires time.Time
}

// MemoryStore is the single-process lock store used when Redis is not configured.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]*memLock
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: map[string]*memLock{}, now: time.Now}
}

func (s *MemoryStore) Acquire(_ context.Context, resource, owner string, mode Mode, ttl time.Duration) (bool, error) {
	if resource == "" || owner == "" {
		return false, fmt.Errorf("resource and owner required")
	}
	mode = normalizeMode(mode)
	ttl = normalizeTTL(ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	l, ok := s.locks[resource]
	if ok && now.After(l.expires) {
		delete(s.locks, resource)
		ok = false
	}
	if !ok {
		s.locks[resource] = &memLock{mode: mode, owners: map[string]int{owner: 1}, expires: now.Add(ttl)}
		return true, nil
	}
	if l.mode == ModeExclusive || mode == ModeExclusive {
		return false, nil
	}
	l.owners[owner]++
	if exp := now.Add(ttl); exp.After(l.expires) {
		l.expires = exp
	}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, resource, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[resource]
	if !ok {
		return nil
	}
	if n := l.owners[owner]; n <= 1 {
		delete(l.owners, owner)
	} else {
		l.owners[owner] = n - 1
	}
	if len(l.owners) == 0 {
		delete(s.locks, resource)
	}
	return nil
}
