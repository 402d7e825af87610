package state

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

type opKind int

const (
	opStore opKind = iota
	opDelete
)

type flushOp struct {
	kind  opKind
	key   string
	value json.RawMessage
}

// Flusher applies writes to a durable Store asynchronously. The caller's
// ephemeral cache is updated first; the durable write is queued here, which
// makes the durability lag explicit: Pending reports how many writes have
// not reached the backend yet, and Drain waits for the queue to empty
// without sleeping.
//
// Backend I/O failures are logged and do not propagate: the ephemeral state
// stays authoritative until the next successful flush.
type Flusher struct {
	store  Store
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []flushOp
	pending int
	closed  bool
	done    chan struct{}
}

// NewFlusher starts the flush worker for store.
func NewFlusher(store Store, logger *zap.Logger) *Flusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Flusher{
		store:  store,
		logger: logger.With(zap.String("component", "flusher")),
		done:   make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	go f.run()
	return f
}

// EnqueueStore schedules a durable write for key.
func (f *Flusher) EnqueueStore(key string, value json.RawMessage) {
	f.enqueue(flushOp{kind: opStore, key: key, value: cloneValue(value)})
}

// EnqueueDelete schedules a durable delete for key.
func (f *Flusher) EnqueueDelete(key string) {
	f.enqueue(flushOp{kind: opDelete, key: key})
}

// EnqueueClear schedules a durable clear of the agent's namespace keys.
func (f *Flusher) EnqueueClear(keys []string) {
	for _, k := range keys {
		f.EnqueueDelete(k)
	}
}

func (f *Flusher) enqueue(op flushOp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		f.logger.Warn("flush after close dropped", zap.String("key", op.key))
		return
	}
	f.queue = append(f.queue, op)
	f.pending++
	f.cond.Broadcast()
}

// Pending returns the number of writes not yet applied to the backend.
func (f *Flusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

// Drain blocks until every queued write has been applied or ctx is done.
func (f *Flusher) Drain(ctx context.Context) error {
	// Wake the waiter when ctx expires.
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pending > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.cond.Wait()
	}
	return nil
}

// Close drains outstanding writes and stops the worker. The backing store is
// not closed; that remains the owner's job.
func (f *Flusher) Close(ctx context.Context) error {
	err := f.Drain(ctx)

	f.mu.Lock()
	if !f.closed {
		f.closed = true
		f.cond.Broadcast()
	}
	f.mu.Unlock()

	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (f *Flusher) run() {
	defer close(f.done)
	for {
		f.mu.Lock()
		for len(f.queue) == 0 && !f.closed {
			f.cond.Wait()
		}
		if len(f.queue) == 0 && f.closed {
			f.mu.Unlock()
			return
		}
		op := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()

		f.apply(op)

		f.mu.Lock()
		f.pending--
		f.cond.Broadcast()
		f.mu.Unlock()
	}
}

func (f *Flusher) apply(op flushOp) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch op.kind {
	case opStore:
		err = f.store.Store(ctx, op.key, op.value)
	case opDelete:
		_, err = f.store.Delete(ctx, op.key)
	}
	if err != nil {
		f.logger.Warn("durable write failed, ephemeral state remains authoritative",
			zap.String("key", op.key),
			zap.Error(err))
	}
}
