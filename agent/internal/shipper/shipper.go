package shipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/pkg/types"
	"github.com/obsidianstack/metricflow/pkg/wire"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	flushTimeout      = 10 * time.Second
)

// Message headers set on every published batch in addition to the codec's.
const (
	HeaderJobID    = "Metricflow-Job-Id"
	HeaderMetricID = "Metricflow-Metric-Id"
	HeaderSequence = "Metricflow-Sequence"
)

// conn is the subset of *nats.Conn the shipper uses.
type conn interface {
	PublishMsg(m *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// dialFunc opens a broker connection. Abstracted so tests can inject a fake.
type dialFunc func(cfg config.NATSConfig) (conn, error)

// queued is one batch waiting to be sent, with the trace context of the
// job run that produced it.
type queued struct {
	batch *types.MetricBatch
	trace http.Header
}

// Shipper buffers metric batches and publishes them to NATS.
// Publish is non-blocking; when the buffer is full the oldest batch is evicted.
// Run must be called in a goroutine to drain the buffer and handle reconnection.
type Shipper struct {
	nats          config.NATSConfig
	codec         wire.Options
	flushInterval time.Duration
	buf           chan queued
	dialFn        dialFunc // injectable for tests
}

// New creates a Shipper from the agent config.
func New(cfg config.AgentConfig) *Shipper {
	size := cfg.Collection.BufferSize
	if size <= 0 {
		size = config.DefaultBufferSize
	}
	flush := cfg.Collection.FlushInterval
	if flush <= 0 {
		flush = config.DefaultFlushInterval
	}
	codec := wire.Options{Compress: cfg.Collection.CompressionEnabled}
	if cfg.Collection.EncryptionEnabled {
		codec.Key = cfg.Collection.EncryptionKey()
	}
	return &Shipper{
		nats:          cfg.NATS,
		codec:         codec,
		flushInterval: flush,
		buf:           make(chan queued, size),
		dialFn:        func(c config.NATSConfig) (conn, error) { return Connect(c, "metricflow-agent-shipper", false) },
	}
}

// Publish enqueues batch. It never blocks and never fails; if the buffer is
// full the oldest batch is evicted to make room.
func (s *Shipper) Publish(ctx context.Context, batch *types.MetricBatch) error {
	q := queued{batch: batch, trace: http.Header{}}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(q.trace))

	select {
	case s.buf <- q:
	default:
		select {
		case old := <-s.buf:
			slog.Warn("shipper: buffer full, evicted oldest batch",
				"job", old.batch.JobID, "values", len(old.batch.Values), "buffer_cap", cap(s.buf))
		default:
		}
		select {
		case s.buf <- q:
		default:
			slog.Warn("shipper: buffer contended, dropped batch", "job", batch.JobID)
		}
	}
	return nil
}

// Pending returns the number of buffered batches.
func (s *Shipper) Pending() int { return len(s.buf) }

// Run drains the buffer, publishing batches to the configured subject.
// It reconnects with exponential backoff when the connection is lost.
// Run blocks until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		c, err := s.dialFn(s.nats)
		if err != nil {
			wait := bo.next()
			slog.Error("shipper: connect failed, will retry",
				"url", s.nats.URL, "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		slog.Info("shipper: connected", "url", s.nats.URL, "subject", s.nats.Subject)
		bo.reset()

		err = s.drain(ctx, c)
		c.Close()

		if ctx.Err() != nil {
			return
		}

		wait := bo.next()
		slog.Warn("shipper: connection lost, will reconnect",
			"url", s.nats.URL, "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// drain publishes buffered batches until the connection fails or ctx is
// cancelled. The connection is flushed every flushInterval.
func (s *Shipper) drain(ctx context.Context, c conn) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.FlushTimeout(flushTimeout)
			return nil

		case <-ticker.C:
			if err := c.FlushTimeout(flushTimeout); err != nil {
				return fmt.Errorf("flush: %w", err)
			}

		case q := <-s.buf:
			msg, err := s.encode(q)
			if err != nil {
				slog.Error("shipper: encode failed, discarding batch", "job", q.batch.JobID, "err", err)
				continue
			}
			if err := c.PublishMsg(msg); err != nil {
				if isPermanentError(err) {
					slog.Error("shipper: permanent publish error, discarding batch",
						"job", q.batch.JobID, "bytes", len(msg.Data), "err", err)
					continue
				}
				// Put the batch back if there's room; otherwise the next run's
				// data replaces it.
				select {
				case s.buf <- q:
				default:
				}
				return fmt.Errorf("publish: %w", err)
			}
			slog.Debug("shipper: batch published", "job", q.batch.JobID, "seq", q.batch.Sequence, "values", len(q.batch.Values))
		}
	}
}

func (s *Shipper) encode(q queued) (*nats.Msg, error) {
	body, hdr, err := wire.Encode(q.batch, s.codec)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(s.nats.Subject)
	msg.Data = body
	for k, v := range hdr {
		msg.Header.Set(k, v)
	}
	for k, vs := range q.trace {
		for _, v := range vs {
			msg.Header.Add(k, v)
		}
	}
	msg.Header.Set(HeaderJobID, q.batch.JobID)
	msg.Header.Set(HeaderMetricID, q.batch.MetricID)
	msg.Header.Set(HeaderSequence, strconv.Itoa(q.batch.Sequence))
	return msg, nil
}

// isPermanentError returns true for errors that mean the message itself can
// never be published and should not be retried.
func isPermanentError(err error) bool {
	return errors.Is(err, nats.ErrMaxPayload) ||
		errors.Is(err, nats.ErrBadSubject) ||
		errors.Is(err, nats.ErrHeadersNotSupported)
}

// Connect opens a NATS connection named name. With reconnect false the
// client gives up on the first disconnect so the caller's backoff loop
// takes over.
func Connect(cfg config.NATSConfig, name string, reconnect bool) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("shipper: nats disconnected", "name", name, "err", err)
			}
		}),
	}
	if reconnect {
		opts = append(opts, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	} else {
		opts = append(opts, nats.NoReconnect())
	}
	if tok := cfg.Token(); tok != "" {
		opts = append(opts, nats.Token(tok))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("shipper: connect %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
