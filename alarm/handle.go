package alarm

import "sync"

// Status reports where an alarm is in its lifecycle.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

func isTerminalStatus(status Status) bool {
	switch status {
	case StatusCompleted, StatusCanceled, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Handle controls a scheduled job.
type Handle interface {
	Cancel()
	Status() Status
	Err() error
	Done() <-chan struct{}
	ID() int64
	Name() string
}

type alarmHandle struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	name      string
	done      chan struct{}

	mu     sync.RWMutex
	status Status
	err    error
	once   sync.Once
}

func (h *alarmHandle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		if !isTerminalStatus(h.Status()) {
			h.setTerminal(StatusCanceled, nil)
		}
	})
}

func (h *alarmHandle) Status() Status {
	if h == nil {
		return StatusStopped
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *alarmHandle) Err() error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *alarmHandle) Done() <-chan struct{} {
	if h == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return h.done
}

func (h *alarmHandle) ID() int64 {
	if h == nil {
		return 0
	}
	return h.id
}

func (h *alarmHandle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

func (h *alarmHandle) setStatus(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.err = err
}

func (h *alarmHandle) setTerminal(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.err = err
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
