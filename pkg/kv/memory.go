package kv

import (
	"context"
	"sync"

	"github.com/lxstack/lxmq/pkg/fault"
)

// MemoryStore is an in-process Store for tests and single-node development.
// Locks are real (they serialize concurrent goroutines) but obviously not
// cross-process.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]Pair
	index uint64
	locks map[string]chan struct{}
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]Pair),
		locks: make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	cp := Pair{Value: append([]byte(nil), p.Value...), ModifyIndex: p.ModifyIndex}
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index++
	s.data[key] = Pair{Value: append([]byte(nil), value...), ModifyIndex: s.index}
	return nil
}

func (s *MemoryStore) CAS(ctx context.Context, key string, value []byte, index uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[key]
	if ok && cur.ModifyIndex != index {
		return false, nil
	}
	if !ok && index != 0 {
		return false, nil
	}
	s.index++
	s.data[key] = Pair{Value: append([]byte(nil), value...), ModifyIndex: s.index}
	return true, nil
}

func (s *MemoryStore) Lock(name string) (Locker, error) {
	s.mu.Lock()
	ch, ok := s.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[name] = ch
	}
	s.mu.Unlock()
	return &memoryLock{name: name, ch: ch}, nil
}

type memoryLock struct {
	name string
	ch   chan struct{}
	held bool
}

func (l *memoryLock) Acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		l.held = true
		return nil
	case <-ctx.Done():
		return fault.New(fault.LockTimeout, "timed out acquiring lock %s", l.name)
	}
}

func (l *memoryLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	<-l.ch
	return nil
}
