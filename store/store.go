// Package store provides the durable key-value port used to persist run state, the review
// pack and shopper preferences.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/goliatone/go-errors"
)

// Well-known keys.
const (
	KeyRunState      = "reorder.run_state"
	KeyTransitionLog = "reorder.transition_log"
	KeyReviewPack    = "reorder.review_pack"
	KeyPreferences   = "reorder.preferences"
)

const ErrCodeStoreFailure = "STORE_FAILURE"

// ErrStoreFailure is the sentinel every backend wraps its I/O failures in.
var ErrStoreFailure = apperrors.New("store operation failed", apperrors.CategoryExternal).
	WithTextCode(ErrCodeStoreFailure)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Change describes one key written or removed.
type Change struct {
	Key     string
	Value   []byte
	Removed bool
}

// Listener receives change notifications.
type Listener func(Change)

// Store is the durable key-value port.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
	Watch(fn Listener) (unsubscribe func())
}

// GetJSON decodes key into out. found is false when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	values, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := values[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, wrapFailure(err, "decode "+key, key)
	}
	return true, nil
}

// SetJSON encodes every value and writes them in a single Set call.
func SetJSON(ctx context.Context, s Store, values map[string]any) error {
	encoded := make(map[string][]byte, len(values))
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return wrapFailure(err, "encode "+key, key)
		}
		encoded[key] = raw
	}
	return s.Set(ctx, encoded)
}

func wrapFailure(err error, op string, keys ...string) error {
	return apperrors.Wrap(err, apperrors.CategoryExternal, fmt.Sprintf("store %s failed", op)).
		WithTextCode(ErrCodeStoreFailure).
		WithMetadata(map[string]any{"keys": keys})
}

// watchers fans out change notifications, isolating listener panics.
type watchers struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]Listener
	logger Logger
}

func (w *watchers) add(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	w.mu.Lock()
	if w.fns == nil {
		w.fns = make(map[int]Listener)
	}
	w.nextID++
	id := w.nextID
	w.fns[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.fns, id)
			w.mu.Unlock()
		})
	}
}

func (w *watchers) notify(changes ...Change) {
	w.mu.RLock()
	ids := make([]int, 0, len(w.fns))
	for id := range w.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, w.fns[id])
	}
	w.mu.RUnlock()

	for _, change := range changes {
		for _, fn := range fns {
			w.call(fn, change)
		}
	}
}

func (w *watchers) call(fn Listener, change Change) {
	defer func() {
		if r := recover(); r != nil && w.logger != nil {
			w.logger.Error("store listener panicked for key %s: %v", change.Key, r)
		}
	}()
	fn(change)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
