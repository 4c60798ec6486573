package runstate

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-reorder/store"
)

type persistJob struct {
	seq    uint64
	values map[string][]byte
}

// persistQueue writes snapshots in enqueue order on a single goroutine. Enqueue never
// blocks and write failures are only logged.
type persistQueue struct {
	store   store.Store
	logger  Logger
	timeout time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []persistJob
	inflight bool
	closed   bool
	done     chan struct{}

	written uint64
	failed  uint64
}

func newPersistQueue(st store.Store, logger Logger, timeout time.Duration) *persistQueue {
	q := &persistQueue{store: st, logger: logger, timeout: timeout, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *persistQueue) enqueue(job persistJob) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("persist queue closed, dropping snapshot %d", job.seq)
		return
	}
	q.pending = append(q.pending, job)
	q.cond.Broadcast()
}

func (q *persistQueue) loop() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		job := q.pending[0]
		q.pending = q.pending[1:]
		q.inflight = true
		q.mu.Unlock()

		err := q.write(job)

		q.mu.Lock()
		q.inflight = false
		if err != nil {
			q.failed++
		} else {
			q.written++
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *persistQueue) write(job persistJob) error {
	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	if err := q.store.Set(ctx, job.values); err != nil {
		q.logger.Error("persist run state snapshot %d failed: %v", job.seq, err)
		return err
	}
	return nil
}

// flush blocks until every snapshot enqueued so far has been attempted.
func (q *persistQueue) flush() {
	q.mu.Lock()
	for len(q.pending) > 0 || q.inflight {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

func (q *persistQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

func (q *persistQueue) stats() (written, failed uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.written, q.failed
}
