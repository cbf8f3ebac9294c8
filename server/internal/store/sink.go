package store

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/obsidianstack/metricflow/pkg/types"
)

// Sink persists metric values.
type Sink interface {
	Write(ctx context.Context, values []types.MetricValue) error
}

// AsyncSink decouples ingestion from persistence. Submit never blocks: when
// the buffer is full the oldest pending batch is dropped.
type AsyncSink struct {
	sink    Sink
	buf     chan []types.MetricValue
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewAsyncSink wraps sink with a buffer of size batches.
func NewAsyncSink(sink Sink, size int) *AsyncSink {
	if size <= 0 {
		size = 1
	}
	return &AsyncSink{sink: sink, buf: make(chan []types.MetricValue, size)}
}

// Submit enqueues values for persistence.
func (a *AsyncSink) Submit(values []types.MetricValue) {
	if len(values) == 0 {
		return
	}
	for {
		select {
		case a.buf <- values:
			return
		default:
		}
		select {
		case <-a.buf:
			a.dropped.Add(1)
			slog.Warn("store: sink buffer full, dropped oldest batch", "buffer_cap", cap(a.buf))
		default:
		}
	}
}

// Run writes queued batches until ctx is cancelled, then flushes what is
// still buffered using a background context.
func (a *AsyncSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.flush()
			return
		case values := <-a.buf:
			a.write(ctx, values)
		}
	}
}

func (a *AsyncSink) flush() {
	for {
		select {
		case values := <-a.buf:
			a.write(context.Background(), values)
		default:
			return
		}
	}
}

func (a *AsyncSink) write(ctx context.Context, values []types.MetricValue) {
	if err := a.sink.Write(ctx, values); err != nil {
		a.failed.Add(1)
		slog.Error("store: write failed", "count", len(values), "err", err)
	}
}

// Dropped returns how many batches were evicted from a full buffer.
func (a *AsyncSink) Dropped() uint64 { return a.dropped.Load() }

// Failed returns how many batch writes returned an error.
func (a *AsyncSink) Failed() uint64 { return a.failed.Load() }

// Pending returns the number of batches waiting to be written.
func (a *AsyncSink) Pending() int { return len(a.buf) }
