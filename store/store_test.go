package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/goliatone/go-errors"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)

type prefsDoc struct {
	Days []string `json:"days"`
	Fee  float64  `json:"fee"`
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	var mu sync.Mutex
	var seen []Change
	unsubscribe := s.Watch(func(c Change) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})

	require.NoError(t, s.Set(ctx, map[string][]byte{
		KeyRunState:    []byte(`{"status":"idle"}`),
		KeyPreferences: []byte(`{"days":["sat"],"fee":4.5}`),
	}))

	values, err := s.Get(ctx, KeyRunState, KeyReviewPack)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"idle"}`, string(values[KeyRunState]))
	_, ok := values[KeyReviewPack]
	assert.False(t, ok, "absent keys must be omitted")

	var prefs prefsDoc
	found, err := GetJSON(ctx, s, KeyPreferences, &prefs)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"sat"}, prefs.Days)
	assert.InDelta(t, 4.5, prefs.Fee, 1e-9)

	require.NoError(t, s.Remove(ctx, KeyPreferences))
	found, err = GetJSON(ctx, s, KeyPreferences, &prefs)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, s, map[string]any{KeyReviewPack: map[string]string{"runId": "r1"}}))
	require.NoError(t, s.Clear(ctx))
	all, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	unsubscribe()
	require.NoError(t, s.Set(ctx, map[string][]byte{KeyRunState: []byte(`{}`)}))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, KeyPreferences, seen[0].Key)
	for _, c := range seen {
		if c.Key == KeyRunState && !c.Removed {
			assert.JSONEq(t, `{"status":"idle"}`, string(c.Value), "no notifications after unsubscribe")
		}
	}
}

func TestMemoryStoreContract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStoreContract(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestSQLiteStoreContract(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	exerciseStore(t, NewSQLiteStore(db, ""))
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := OpenFileStore(path, WithBackup(true))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, map[string][]byte{KeyRunState: []byte(`{"status":"running"}`)}))
	require.NoError(t, s.Set(ctx, map[string][]byte{KeyRunState: []byte(`{"status":"paused"}`)}))

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	values, err := reopened.Get(ctx, KeyRunState)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"paused"}`, string(values[KeyRunState]))

	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Contains(t, string(backup), "running")
}

func TestFileStoreRejectsInvalidJSON(t *testing.T) {
	s, err := OpenFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	err = s.Set(context.Background(), map[string][]byte{KeyRunState: []byte(`{not json`)})
	require.Error(t, err)
	assert.Equal(t, ErrCodeStoreFailure, codeOf(err))
}

func TestFileStoreWatchReportsExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.StartWatching(ctx))

	changes := make(chan Change, 8)
	s.Watch(func(c Change) { changes <- c })

	require.NoError(t, os.WriteFile(path, []byte(`{"reorder.preferences":{"days":["mon"]}}`), 0o644))

	select {
	case c := <-changes:
		assert.Equal(t, KeyPreferences, c.Key)
		assert.JSONEq(t, `{"days":["mon"]}`, string(c.Value))
	case <-time.After(3 * time.Second):
		t.Fatalf("expected change notification for external edit")
	}
}

func TestMemoryStoreFailWrites(t *testing.T) {
	s := NewMemoryStore()
	s.FailWrites(errors.New("disk full"))

	err := s.Set(context.Background(), map[string][]byte{KeyRunState: []byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, ErrCodeStoreFailure, codeOf(err))

	s.FailWrites(nil)
	require.NoError(t, s.Set(context.Background(), map[string][]byte{KeyRunState: []byte(`{}`)}))
}

func TestWatcherPanicIsolated(t *testing.T) {
	s := NewMemoryStore()
	calls := 0
	s.Watch(func(Change) { panic("listener bug") })
	s.Watch(func(Change) { calls++ })

	require.NoError(t, s.Set(context.Background(), map[string][]byte{KeyRunState: []byte(`{}`)}))
	assert.Equal(t, 1, calls)
}

func codeOf(err error) string {
	var ge *apperrors.Error
	if errors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}
