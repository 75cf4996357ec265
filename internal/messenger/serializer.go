package messenger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const opLogCap = 256

// OpRecord is one entry in the serializer's bounded operation log.
type OpRecord struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	QueuedAt time.Time     `json:"queued_at"`
	RanAt    time.Time     `json:"ran_at"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

type op struct {
	id       string
	name     string
	run      func(context.Context) error
	queuedAt time.Time
	done     chan error
}

// Serializer guarantees that at most one operation touches the shared
// remote-session resource at a time. Operations run strictly in submission
// order; a failed operation does not poison the queue. After Close, queued
// and future submissions fail fast with ErrResourceClosed.
type Serializer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*op
	closed bool

	active  bool
	timeout time.Duration

	logMu sync.Mutex
	log   []OpRecord

	wg sync.WaitGroup
}

// NewSerializer creates a serializer whose operations are each bounded by
// timeout. A hung operation is treated as an error, not allowed to block
// the queue indefinitely.
func NewSerializer(timeout time.Duration) *Serializer {
	s := &Serializer{timeout: timeout}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *Serializer) worker() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			// Fail anything still queued; nothing new can arrive.
			pending := s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, o := range pending {
				o.done <- ErrResourceClosed
			}
			return
		}
		o := s.queue[0]
		s.queue = s.queue[1:]
		s.active = true
		s.mu.Unlock()

		err := s.execute(o)
		o.done <- err

		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}
}

func (s *Serializer) execute(o *op) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started := time.Now()
	err := o.run(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = ErrOperationTimeout
	}

	rec := OpRecord{
		ID:       o.id,
		Name:     o.name,
		QueuedAt: o.queuedAt,
		RanAt:    started,
		Duration: time.Since(started),
	}
	if err != nil {
		rec.Err = err.Error()
	}

	s.logMu.Lock()
	s.log = append(s.log, rec)
	if len(s.log) > opLogCap {
		s.log = s.log[len(s.log)-opLogCap:]
	}
	s.logMu.Unlock()

	return err
}

// Submit queues fn and blocks until it has run (or the serializer closed,
// or ctx expired while waiting). fn receives a context bounded by the
// serializer's per-operation timeout.
func (s *Serializer) Submit(ctx context.Context, name string, fn func(context.Context) error) error {
	o := &op{
		id:       uuid.NewString()[:8],
		name:     name,
		run:      fn,
		queuedAt: time.Now(),
		done:     make(chan error, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrResourceClosed
	}
	s.queue = append(s.queue, o)
	s.cond.Signal()
	s.mu.Unlock()

	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		// The operation may still run; the caller just stops waiting.
		return ctx.Err()
	}
}

// Do submits an operation that produces a value.
func Do[T any](ctx context.Context, s *Serializer, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.Submit(ctx, name, func(opCtx context.Context) error {
		v, err := fn(opCtx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Busy reports whether an operation is currently executing.
func (s *Serializer) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// OpLog returns a copy of the recent operation log, oldest first.
func (s *Serializer) OpLog() []OpRecord {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	out := make([]OpRecord, len(s.log))
	copy(out, s.log)
	return out
}

// Close transitions the serializer to its terminal state. The in-flight
// operation, if any, runs to completion; queued operations fail with
// ErrResourceClosed. Idempotent.
func (s *Serializer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
}
