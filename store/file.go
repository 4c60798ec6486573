package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps every key in a single JSON document on disk. Writes go through a temp
// file and an atomic rename; StartWatching reports edits made by other processes.
type FileStore struct {
	path   string
	backup bool
	logger Logger

	mu       sync.Mutex
	data     map[string]json.RawMessage
	watchers watchers

	watchOnce sync.Once
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// FileOption customizes a FileStore.
type FileOption func(*FileStore)

// WithBackup keeps a .bak copy of the previous document on each write.
func WithBackup(enable bool) FileOption {
	return func(s *FileStore) {
		s.backup = enable
	}
}

// WithFileLogger sets the logger used for watch failures.
func WithFileLogger(logger Logger) FileOption {
	return func(s *FileStore) {
		s.logger = logger
		s.watchers.logger = logger
	}
}

// OpenFileStore loads path, creating its directory when missing.
func OpenFileStore(path string, opts ...FileOption) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path cannot be empty")
	}
	s := &FileStore{path: path, data: make(map[string]json.RawMessage), done: make(chan struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrapFailure(err, "mkdir")
	}
	data, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	s.data = data
	return s, nil
}

// Path returns the backing document path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		for k, v := range s.data {
			out[k] = cloneBytes(v)
		}
		return out, nil
	}
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = cloneBytes(v)
		}
	}
	return out, nil
}

func (s *FileStore) Set(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	next := cloneDocument(s.data)
	changes := make([]Change, 0, len(values))
	for _, k := range sortedKeys(values) {
		v := values[k]
		if !json.Valid(v) {
			s.mu.Unlock()
			return wrapFailure(fmt.Errorf("value for %s is not valid JSON", k), "set", k)
		}
		compact := compactJSON(v)
		next[k] = compact
		changes = append(changes, Change{Key: k, Value: cloneBytes(compact)})
	}
	if err := s.writeDocument(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.data = next
	s.mu.Unlock()
	s.watchers.notify(changes...)
	return nil
}

func (s *FileStore) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	next := cloneDocument(s.data)
	changes := make([]Change, 0, len(keys))
	for _, k := range keys {
		if _, ok := next[k]; ok {
			delete(next, k)
			changes = append(changes, Change{Key: k, Removed: true})
		}
	}
	if len(changes) == 0 {
		s.mu.Unlock()
		return nil
	}
	if err := s.writeDocument(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.data = next
	s.mu.Unlock()
	s.watchers.notify(changes...)
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	keys := sortedKeys(s.data)
	s.mu.Unlock()
	return s.Remove(ctx, keys...)
}

func (s *FileStore) Watch(fn Listener) func() {
	return s.watchers.add(fn)
}

// StartWatching follows the document on disk until ctx is done or Close is called.
// External edits are diffed against the in-memory copy and delivered to Watch listeners.
func (s *FileStore) StartWatching(ctx context.Context) error {
	var startErr error
	s.watchOnce.Do(func() {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			startErr = wrapFailure(err, "watch")
			return
		}
		if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			_ = watcher.Close()
			startErr = wrapFailure(err, "watch")
			return
		}
		s.watcher = watcher
		go s.watchLoop(ctx)
	})
	return startErr
}

func (s *FileStore) watchLoop(ctx context.Context) {
	defer s.watcher.Close()
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				s.reload()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if s.logger != nil {
				s.logger.Error("file store watch error: %v", err)
			}
		}
	}
}

func (s *FileStore) reload() {
	next, err := s.readDocument()
	if err != nil {
		if s.logger != nil {
			s.logger.Error("file store reload failed: %v", err)
		}
		return
	}
	s.mu.Lock()
	changes := diffDocuments(s.data, next)
	s.data = next
	s.mu.Unlock()
	s.watchers.notify(changes...)
}

// Close stops the watcher, if running.
func (s *FileStore) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func (s *FileStore) readDocument() (map[string]json.RawMessage, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, wrapFailure(err, "read")
	}
	doc := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(raw)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, wrapFailure(err, "decode document")
	}
	for k, v := range doc {
		doc[k] = compactJSON(v)
	}
	return doc, nil
}

func (s *FileStore) writeDocument(doc map[string]json.RawMessage) error {
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return wrapFailure(err, "encode document")
	}
	if err := atomicWrite(s.path, content, s.backup); err != nil {
		return wrapFailure(err, "write")
	}
	return nil
}

func atomicWrite(path string, content []byte, backup bool) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".reorder-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if backup {
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, path+".bak"); err != nil {
				return fmt.Errorf("create backup: %w", err)
			}
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func compactJSON(v []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return json.RawMessage(cloneBytes(v))
	}
	return json.RawMessage(buf.Bytes())
}

func cloneDocument(doc map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func diffDocuments(prev, next map[string]json.RawMessage) []Change {
	var changes []Change
	for _, k := range sortedKeys(next) {
		if old, ok := prev[k]; !ok || !bytes.Equal(old, next[k]) {
			changes = append(changes, Change{Key: k, Value: cloneBytes(next[k])})
		}
	}
	for _, k := range sortedKeys(prev) {
		if _, ok := next[k]; !ok {
			changes = append(changes, Change{Key: k, Removed: true})
		}
	}
	return changes
}
