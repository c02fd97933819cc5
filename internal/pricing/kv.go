// Package pricing is the counter-side calculator the worker serves: settings
// and counter state persisted in a flat key-value store, extension totals,
// the card surcharge and the view model the page renders.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// KV is the flat string store settings and counters live in. Missing keys
// report ok=false.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

type memoryKV struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryKV returns an in-process KV.
func NewMemoryKV() KV {
	return &memoryKV{values: make(map[string]string)}
}

func (m *memoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *memoryKV) Close() error { return nil }

type levelDBKV struct {
	db *leveldb.DB
}

// NewLevelDBKV opens (or creates) an on-disk KV at path.
func NewLevelDBKV(path string) (KV, error) {
	if path == "" {
		return nil, errors.New("pricing: leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("pricing: open leveldb %s: %w", path, err)
	}
	return &levelDBKV{db: db}, nil
}

func (l *levelDBKV) Get(_ context.Context, key string) (string, bool, error) {
	v, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pricing: get %s: %w", key, err)
	}
	return string(v), true, nil
}

func (l *levelDBKV) Set(_ context.Context, key, value string) error {
	if err := l.db.Put([]byte(key), []byte(value), nil); err != nil {
		return fmt.Errorf("pricing: set %s: %w", key, err)
	}
	return nil
}

func (l *levelDBKV) Close() error {
	return l.db.Close()
}
