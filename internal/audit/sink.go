package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"steward/internal/domain"
)

// Sink persists audit entries somewhere durable. Returning an error wrapped
// with backoff.Permanent stops retries for that entry.
type Sink interface {
	Write(ctx context.Context, entry domain.AuditEntry) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entry domain.AuditEntry) error

func (f SinkFunc) Write(ctx context.Context, entry domain.AuditEntry) error { return f(ctx, entry) }

// ErrSinkClosed is returned by Close on a second call.
var ErrSinkClosed = errors.New("audit sink closed")

// AsyncSink decouples a Sink from the write path through a bounded queue.
// Enqueue never blocks: when the queue is full the entry is dropped and
// counted. A single worker delivers entries in order with bounded retries.
type AsyncSink struct {
	sink       Sink
	queue      chan domain.AuditEntry
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	enqueued atomic.Int64
	dropped  atomic.Int64
	written  atomic.Int64
	failed   atomic.Int64
}

type SinkOption func(*AsyncSink)

// WithBackOff replaces the retry policy used for each entry.
func WithBackOff(fn func() backoff.BackOff) SinkOption {
	return func(s *AsyncSink) { s.newBackOff = fn }
}

func WithSinkLogger(logger *slog.Logger) SinkOption {
	return func(s *AsyncSink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(bo, 4)
}

// NewAsyncSink starts the delivery worker.
func NewAsyncSink(sink Sink, queueSize int, opts ...SinkOption) *AsyncSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &AsyncSink{
		sink:       sink,
		queue:      make(chan domain.AuditEntry, queueSize),
		logger:     slog.Default(),
		newBackOff: defaultBackOff,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Enqueue hands entry to the worker. It reports false when the entry was
// dropped because the queue is full or the sink is closed.
func (s *AsyncSink) Enqueue(entry domain.AuditEntry) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.queue <- entry:
		s.enqueued.Add(1)
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for entry := range s.queue {
		s.deliver(entry)
	}
}

func (s *AsyncSink) deliver(entry domain.AuditEntry) {
	ctx := context.Background()
	err := backoff.Retry(func() error {
		return s.sink.Write(ctx, entry)
	}, s.newBackOff())
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("audit sink write failed", "id", entry.ID, "action", entry.Action, "err", err)
		return
	}
	s.written.Add(1)
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// end, whichever comes first.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.done:
		s.logger.Debug("audit sink drained", "written", s.written.Load(), "failed", s.failed.Load(), "dropped", s.dropped.Load())
		return nil
	case <-ctx.Done():
		s.logger.Warn("audit sink close timed out", "pending", len(s.queue))
		return ctx.Err()
	}
}

type SinkStats struct {
	Enqueued int64 `json:"enqueued"`
	Dropped  int64 `json:"dropped"`
	Written  int64 `json:"written"`
	Failed   int64 `json:"failed"`
}

func (s *AsyncSink) Stats() SinkStats {
	return SinkStats{
		Enqueued: s.enqueued.Load(),
		Dropped:  s.dropped.Load(),
		Written:  s.written.Load(),
		Failed:   s.failed.Load(),
	}
}
