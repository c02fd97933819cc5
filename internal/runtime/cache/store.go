package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ErrUnknownGeneration is returned by Put when the named generation was never
// committed or has since been deleted.
var ErrUnknownGeneration = errors.New("cache: unknown generation")

// ErrNotCacheable is returned when a write names a non-GET identity, a
// snapshot whose status is outside 2xx, or one the origin marked private.
var ErrNotCacheable = errors.New("cache: not cacheable")

// Identity is the cache key of a request: its method and absolute URL.
type Identity struct {
	Method string
	URL    string
}

// NewIdentity normalises the method so GET and get address the same entry.
func NewIdentity(method, url string) Identity {
	return Identity{Method: strings.ToUpper(strings.TrimSpace(method)), URL: url}
}

// Key renders the identity as "METHOD URL".
func (id Identity) Key() string {
	return id.Method + " " + id.URL
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (Identity, bool) {
	method, url, ok := strings.Cut(key, " ")
	if !ok || method == "" || url == "" {
		return Identity{}, false
	}
	return Identity{Method: method, URL: url}, true
}

// Snapshot is a stored copy of a response. Values handed in or out of a
// Store are always copies, so callers may keep mutating their own.
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"storedAt"`
}

// OK reports whether the snapshot holds a 2xx response.
func (s Snapshot) OK() bool {
	return s.Status >= 200 && s.Status <= 299
}

// Shared reports whether the response may be replayed to other clients. The
// store is shared by every page, so private, no-store and Vary: * responses
// are kept out of it.
func (s Snapshot) Shared() bool {
	for _, v := range s.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "private", "no-store":
				return false
			}
		}
	}
	for _, v := range s.Header.Values("Vary") {
		for _, field := range strings.Split(v, ",") {
			if strings.TrimSpace(field) == "*" {
				return false
			}
		}
	}
	return true
}

// Clone deep-copies header and body.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Status: s.Status, StoredAt: s.StoredAt}
	if s.Header != nil {
		out.Header = s.Header.Clone()
	}
	if s.Body != nil {
		out.Body = bytes.Clone(s.Body)
	}
	return out
}

// Store holds generations of cached responses keyed by version tag. Commit
// publishes a whole generation at once; readers never observe a partially
// populated one.
type Store interface {
	Commit(ctx context.Context, name string, entries map[Identity]Snapshot) error
	Put(ctx context.Context, name string, id Identity, snap Snapshot) error
	Match(ctx context.Context, name string, id Identity) (Snapshot, bool, error)
	Names(ctx context.Context) ([]string, error)
	Entries(ctx context.Context, name string) (map[Identity]Snapshot, error)
	Delete(ctx context.Context, name string) error
	Close(ctx context.Context) error
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("cache: generation name required")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("cache: generation name %q contains NUL", name)
	}
	return nil
}

func checkEntry(id Identity, snap Snapshot) error {
	if id.Method != http.MethodGet {
		return fmt.Errorf("%w: method %s", ErrNotCacheable, id.Method)
	}
	if id.URL == "" {
		return fmt.Errorf("%w: empty url", ErrNotCacheable)
	}
	if !snap.OK() {
		return fmt.Errorf("%w: status %d", ErrNotCacheable, snap.Status)
	}
	if !snap.Shared() {
		return fmt.Errorf("%w: private response", ErrNotCacheable)
	}
	return nil
}

// perClientHeaders belong to the client whose request filled the entry and
// are never replayed from the store.
var perClientHeaders = []string{"Set-Cookie", "Set-Cookie2"}

func stamp(snap Snapshot) Snapshot {
	out := snap.Clone()
	for _, name := range perClientHeaders {
		out.Header.Del(name)
	}
	if out.StoredAt.IsZero() {
		out.StoredAt = time.Now().UTC()
	}
	return out
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
