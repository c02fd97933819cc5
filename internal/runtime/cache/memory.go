package cache

import (
	"context"
	"sync"
)

type generation map[string]Snapshot

type memoryStore struct {
	mu          sync.RWMutex
	generations map[string]generation
}

// NewMemory returns a process-local Store. Generations do not survive a restart.
func NewMemory() Store {
	return &memoryStore{generations: make(map[string]generation)}
}

func (s *memoryStore) Commit(_ context.Context, name string, entries map[Identity]Snapshot) error {
	if err := checkName(name); err != nil {
		return err
	}
	gen := make(generation, len(entries))
	for id, snap := range entries {
		if err := checkEntry(id, snap); err != nil {
			return err
		}
		gen[id.Key()] = stamp(snap)
	}
	s.mu.Lock()
	s.generations[name] = gen
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Put(_ context.Context, name string, id Identity, snap Snapshot) error {
	if err := checkEntry(id, snap); err != nil {
		return err
	}
	stored := stamp(snap)
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.generations[name]
	if !ok {
		return ErrUnknownGeneration
	}
	gen[id.Key()] = stored
	return nil
}

func (s *memoryStore) Match(_ context.Context, name string, id Identity) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gen, ok := s.generations[name]
	if !ok {
		return Snapshot{}, false, nil
	}
	snap, ok := gen[id.Key()]
	if !ok {
		return Snapshot{}, false, nil
	}
	return snap.Clone(), true, nil
}

func (s *memoryStore) Names(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{}, len(s.generations))
	for name := range s.generations {
		set[name] = struct{}{}
	}
	return sortedNames(set), nil
}

func (s *memoryStore) Entries(_ context.Context, name string) (map[Identity]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gen, ok := s.generations[name]
	if !ok {
		return nil, ErrUnknownGeneration
	}
	out := make(map[Identity]Snapshot, len(gen))
	for key, snap := range gen {
		id, ok := ParseKey(key)
		if !ok {
			continue
		}
		out[id] = snap.Clone()
	}
	return out, nil
}

func (s *memoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.generations, name)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}
