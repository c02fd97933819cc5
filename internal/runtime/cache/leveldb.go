package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<name>               generation marker, value is the commit time
//	e:<name>\x00<identity> JSON snapshot
const (
	levelNamePrefix  = "n:"
	levelEntryPrefix = "e:"
)

type levelDBStore struct {
	db *leveldb.DB

	// serialises writes so a Put cannot slip in between a Delete's marker
	// check and its batch.
	mu sync.Mutex
}

// NewLevelDB opens (or creates) an on-disk Store at path.
func NewLevelDB(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("cache: leveldb path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open leveldb %s: %w", path, err)
	}
	return &levelDBStore{db: db}, nil
}

func nameKey(name string) []byte {
	return []byte(levelNamePrefix + name)
}

func entryPrefix(name string) []byte {
	return []byte(levelEntryPrefix + name + "\x00")
}

func entryKey(name string, id Identity) []byte {
	return append(entryPrefix(name), id.Key()...)
}

func (s *levelDBStore) Commit(_ context.Context, name string, entries map[Identity]Snapshot) error {
	if err := checkName(name); err != nil {
		return err
	}
	payloads := make(map[string][]byte, len(entries))
	for id, snap := range entries {
		if err := checkEntry(id, snap); err != nil {
			return err
		}
		payload, err := json.Marshal(stamp(snap))
		if err != nil {
			return fmt.Errorf("cache: leveldb marshal: %w", err)
		}
		payloads[string(entryKey(name, id))] = payload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stale, err := s.keysWithPrefix(entryPrefix(name))
	if err != nil {
		return err
	}
	// Later records in a batch win, so stale keys reused by the new
	// generation end up with their new value.
	batch := new(leveldb.Batch)
	for _, key := range stale {
		batch.Delete(key)
	}
	for key, payload := range payloads {
		batch.Put([]byte(key), payload)
	}
	batch.Put(nameKey(name), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("cache: leveldb commit %s: %w", name, err)
	}
	return nil
}

func (s *levelDBStore) Put(_ context.Context, name string, id Identity, snap Snapshot) error {
	if err := checkEntry(id, snap); err != nil {
		return err
	}
	payload, err := json.Marshal(stamp(snap))
	if err != nil {
		return fmt.Errorf("cache: leveldb marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.db.Has(nameKey(name), nil)
	if err != nil {
		return fmt.Errorf("cache: leveldb has %s: %w", name, err)
	}
	if !ok {
		return ErrUnknownGeneration
	}
	if err := s.db.Put(entryKey(name, id), payload, nil); err != nil {
		return fmt.Errorf("cache: leveldb put: %w", err)
	}
	return nil
}

func (s *levelDBStore) Match(_ context.Context, name string, id Identity) (Snapshot, bool, error) {
	payload, err := s.db.Get(entryKey(name, id), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("cache: leveldb get: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("cache: leveldb unmarshal: %w", err)
	}
	return snap, true, nil
}

func (s *levelDBStore) Names(context.Context) ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(levelNamePrefix)), nil)
	defer it.Release()

	set := make(map[string]struct{})
	for it.Next() {
		set[string(bytes.TrimPrefix(it.Key(), []byte(levelNamePrefix)))] = struct{}{}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("cache: leveldb names: %w", err)
	}
	return sortedNames(set), nil
}

func (s *levelDBStore) Entries(_ context.Context, name string) (map[Identity]Snapshot, error) {
	ok, err := s.db.Has(nameKey(name), nil)
	if err != nil {
		return nil, fmt.Errorf("cache: leveldb has %s: %w", name, err)
	}
	if !ok {
		return nil, ErrUnknownGeneration
	}

	prefix := entryPrefix(name)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	out := make(map[Identity]Snapshot)
	for it.Next() {
		id, ok := ParseKey(string(bytes.TrimPrefix(it.Key(), prefix)))
		if !ok {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(it.Value(), &snap); err != nil {
			return nil, fmt.Errorf("cache: leveldb unmarshal %s: %w", id.Key(), err)
		}
		out[id] = snap
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("cache: leveldb entries %s: %w", name, err)
	}
	return out, nil
}

func (s *levelDBStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.keysWithPrefix(entryPrefix(name))
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(nameKey(name))
	for _, key := range keys {
		batch.Delete(key)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("cache: leveldb delete %s: %w", name, err)
	}
	return nil
}

func (s *levelDBStore) Close(context.Context) error {
	return s.db.Close()
}

func (s *levelDBStore) keysWithPrefix(prefix []byte) ([][]byte, error) {
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys [][]byte
	for it.Next() {
		keys = append(keys, bytes.Clone(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("cache: leveldb scan: %w", err)
	}
	return keys, nil
}
