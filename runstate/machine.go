package runstate

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-reorder/model"
	"github.com/goliatone/go-reorder/store"
)

const (
	DefaultStalenessWindow = 30 * time.Second
	DefaultLogSize         = 100
	defaultPersistTimeout  = 10 * time.Second
)

// TransitionLogEntry is one accepted transition, kept for diagnostics only.
type TransitionLogEntry struct {
	At         time.Time  `json:"at"`
	Action     ActionType `json:"action"`
	FromStatus Status     `json:"fromStatus"`
	ToStatus   Status     `json:"toStatus"`
	FromPhase  Phase      `json:"fromPhase,omitempty"`
	ToPhase    Phase      `json:"toPhase,omitempty"`
	RunID      string     `json:"runId,omitempty"`
}

// Listener observes accepted transitions. States are shared and must not be mutated.
type Listener func(next, prev *RunState, action Action)

// Machine owns the RunState. Dispatch is serialized; persistence runs on an ordered
// background queue and listeners run after the transition is committed in memory.
type Machine struct {
	mu     sync.Mutex
	state  *RunState
	log    []TransitionLogEntry
	seq    uint64
	store  store.Store
	logger Logger

	now            func() time.Time
	newRunID       func() string
	maxErrors      int
	staleness      time.Duration
	logSize        int
	persistTimeout time.Duration

	listenersMu  sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64

	queue *persistQueue
}

// Option customizes a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the machine logger.
func WithLogger(logger Logger) Option {
	return func(m *Machine) {
		m.logger = NormalizeLogger(logger)
	}
}

// WithMaxErrors sets the error ceiling stamped on ERROR_OCCURRED actions.
func WithMaxErrors(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxErrors = n
		}
	}
}

// WithStalenessWindow sets how old a running state may be before it needs recovery.
func WithStalenessWindow(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.staleness = d
		}
	}
}

// WithLogSize bounds the transition log.
func WithLogSize(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.logSize = n
		}
	}
}

// WithRunIDGenerator overrides run id generation.
func WithRunIDGenerator(fn func() string) Option {
	return func(m *Machine) {
		if fn != nil {
			m.newRunID = fn
		}
	}
}

// WithPersistTimeout bounds each background store write.
func WithPersistTimeout(d time.Duration) Option {
	return func(m *Machine) {
		m.persistTimeout = d
	}
}

// NewMachine loads the last persisted state from st. A running state whose last update is
// older than the staleness window is flagged RecoveryNeeded and otherwise left untouched.
func NewMachine(ctx context.Context, st store.Store, opts ...Option) (*Machine, error) {
	if st == nil {
		st = store.NewMemoryStore()
	}
	m := &Machine{
		store:          st,
		logger:         NewFmtLogger(nil),
		now:            time.Now,
		newRunID:       func() string { return uuid.NewString() },
		maxErrors:      DefaultMaxErrors,
		staleness:      DefaultStalenessWindow,
		logSize:        DefaultLogSize,
		persistTimeout: defaultPersistTimeout,
		listeners:      make(map[uint64]Listener),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = WithLoggerFields(m.logger, map[string]any{"component": "run_state"})

	state, log, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	m.state = state
	m.log = log
	m.queue = newPersistQueue(st, m.logger, m.persistTimeout)
	return m, nil
}

func (m *Machine) load(ctx context.Context) (*RunState, []TransitionLogEntry, error) {
	now := m.now()
	values, err := m.store.Get(ctx, store.KeyRunState, store.KeyTransitionLog)
	if err != nil {
		return nil, nil, err
	}

	state := DefaultState(now)
	if raw, ok := values[store.KeyRunState]; ok && len(raw) > 0 {
		var loaded RunState
		switch decodeErr := json.Unmarshal(raw, &loaded); {
		case decodeErr != nil:
			m.logger.Warn("discarding undecodable run state: %v", decodeErr)
		case loaded.Validate() != nil:
			m.logger.Warn("discarding invalid run state: %v", loaded.Validate())
		default:
			state = &loaded
		}
	}

	state.RecoveryNeeded = false
	if state.Status == StatusRunning && now.Sub(state.UpdatedAt) > m.staleness {
		state.RecoveryNeeded = true
		m.logger.Warn("run %s was running and idle for %s, recovery needed",
			state.RunID, now.Sub(state.UpdatedAt).Round(time.Second))
	}

	var log []TransitionLogEntry
	if raw, ok := values[store.KeyTransitionLog]; ok && len(raw) > 0 {
		if err := json.Unmarshal(raw, &log); err != nil {
			m.logger.Warn("discarding undecodable transition log: %v", err)
			log = nil
		}
	}
	if len(log) > m.logSize {
		log = log[len(log)-m.logSize:]
	}
	return state, log, nil
}

// State returns the current state. The value is shared and must not be mutated.
func (m *Machine) State() *RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentPhase returns the phase of the current state.
func (m *Machine) CurrentPhase() Phase {
	return m.State().Phase
}

// CanTransition reports whether the status graph allows moving to target from the current status.
func (m *Machine) CanTransition(target Status) bool {
	return ValidTransition(m.State().Status, target)
}

// MaxErrors returns the configured error ceiling.
func (m *Machine) MaxErrors() int { return m.maxErrors }

// Dispatch applies action. A rejected or redundant action returns the current state
// pointer and triggers neither persistence nor listeners.
func (m *Machine) Dispatch(action Action) *RunState {
	m.mu.Lock()
	prev := m.state
	action = m.stamp(action, prev)
	next := Transition(prev, action)
	if next == prev {
		m.mu.Unlock()
		m.logger.Debug("action %s ignored in status %s", action.Type, prev.Status)
		return prev
	}

	m.state = next
	m.appendLog(TransitionLogEntry{
		At:         action.At,
		Action:     action.Type,
		FromStatus: prev.Status,
		ToStatus:   next.Status,
		FromPhase:  prev.Phase,
		ToPhase:    next.Phase,
		RunID:      firstNonEmpty(next.RunID, prev.RunID),
	})
	m.seq++
	if job, err := m.snapshotLocked(); err != nil {
		m.logger.Error("encode run state snapshot failed: %v", err)
	} else {
		m.queue.enqueue(job)
	}
	m.mu.Unlock()

	fields := RunFields(firstNonEmpty(next.RunID, prev.RunID), next.Phase)
	fields["action"] = string(action.Type)
	fields["status"] = string(next.Status)
	WithLoggerFields(m.logger, fields).Debug("run state %s -> %s", prev.Status, next.Status)

	m.notify(next, prev, action)
	return next
}

func (m *Machine) stamp(action Action, current *RunState) Action {
	if action.At.IsZero() {
		action.At = m.now()
	}
	if action.Type == ActionErrorOccurred && action.MaxErrors <= 0 {
		action.MaxErrors = m.maxErrors
	}
	if action.Type == ActionStartRun && action.RunID == "" && current.Status == StatusIdle {
		action.RunID = m.newRunID()
	}
	return action
}

func (m *Machine) appendLog(entry TransitionLogEntry) {
	m.log = append(m.log, entry)
	if over := len(m.log) - m.logSize; over > 0 {
		trimmed := make([]TransitionLogEntry, m.logSize)
		copy(trimmed, m.log[over:])
		m.log = trimmed
	}
}

func (m *Machine) snapshotLocked() (persistJob, error) {
	stateJSON, err := json.Marshal(m.state)
	if err != nil {
		return persistJob{}, err
	}
	logJSON, err := json.Marshal(m.log)
	if err != nil {
		return persistJob{}, err
	}
	return persistJob{
		seq: m.seq,
		values: map[string][]byte{
			store.KeyRunState:      stateJSON,
			store.KeyTransitionLog: logJSON,
		},
	}, nil
}

// TransitionLog returns a copy of the bounded log, oldest first.
func (m *Machine) TransitionLog() []TransitionLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionLogEntry, len(m.log))
	copy(out, m.log)
	return out
}

// Subscribe registers fn and returns its unsubscribe handle.
func (m *Machine) Subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	m.listenersMu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			delete(m.listeners, id)
			m.listenersMu.Unlock()
		})
	}
}

func (m *Machine) notify(next, prev *RunState, action Action) {
	m.listenersMu.RLock()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.listenersMu.RUnlock()

	for _, fn := range fns {
		m.callListener(fn, next, prev, action)
	}
}

func (m *Machine) callListener(fn Listener, next, prev *RunState, action Action) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("run state listener panicked on %s: %v", action.Type, r)
		}
	}()
	fn(next, prev, action)
}

// SaveReviewPack writes pack synchronously, replacing any previous pack.
func (m *Machine) SaveReviewPack(ctx context.Context, pack *model.ReviewPack) error {
	if pack == nil {
		return CloneError(ErrReviewPackMissing, "review pack cannot be nil", nil, nil)
	}
	return store.SetJSON(ctx, m.store, map[string]any{store.KeyReviewPack: pack})
}

// ReviewPack reads the persisted pack.
func (m *Machine) ReviewPack(ctx context.Context) (*model.ReviewPack, error) {
	var pack model.ReviewPack
	found, err := store.GetJSON(ctx, m.store, store.KeyReviewPack, &pack)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, CloneError(ErrReviewPackMissing, "", nil, nil)
	}
	return &pack, nil
}

// ClearReviewPack removes the persisted pack.
func (m *Machine) ClearReviewPack(ctx context.Context) error {
	return m.store.Remove(ctx, store.KeyReviewPack)
}

// Flush waits until every snapshot dispatched so far has been handed to the store.
func (m *Machine) Flush() {
	m.queue.flush()
}

// PersistStats reports background write outcomes.
func (m *Machine) PersistStats() (written, failed uint64) {
	return m.queue.stats()
}

// Close drains and stops the persistence queue.
func (m *Machine) Close() {
	m.queue.close()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
