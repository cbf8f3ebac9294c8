package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/obsidianstack/metricflow/pkg/events"
	"github.com/obsidianstack/metricflow/pkg/types"
	"github.com/obsidianstack/metricflow/pkg/wire"
	"github.com/obsidianstack/metricflow/server/internal/alerts"
)

// Evaluator consumes values for alert evaluation.
type Evaluator interface {
	ProcessBatch(ctx context.Context, values []types.MetricValue) []alerts.Alert
}

// Latest records the newest value per metric.
type Latest interface {
	PutBatch(values []types.MetricValue)
}

// Submitter accepts values for asynchronous persistence.
type Submitter interface {
	Submit(values []types.MetricValue)
}

// Receiver decodes metric batches arriving on NATS and fans them out to the
// latest-value store, the persistence sink and the alert engine.
type Receiver struct {
	key    []byte
	latest Latest
	sink   Submitter // nil when persistence is disabled
	eval   Evaluator
	bus    events.Publisher

	received atomic.Uint64
	rejected atomic.Uint64
}

// New creates a Receiver. key decrypts encrypted batches; sink may be nil.
func New(key []byte, latest Latest, sink Submitter, eval Evaluator, bus events.Publisher) *Receiver {
	if bus == nil {
		bus = events.Discard{}
	}
	return &Receiver{key: key, latest: latest, sink: sink, eval: eval, bus: bus}
}

// Subscribe attaches the receiver to subject within queue group queue.
func (r *Receiver) Subscribe(nc *nats.Conn, subject, queue string) (*nats.Subscription, error) {
	sub, err := nc.QueueSubscribe(subject, queue, r.Handle)
	if err != nil {
		return nil, fmt.Errorf("receiver: subscribe %s: %w", subject, err)
	}
	slog.Info("receiver: subscribed", "subject", subject, "queue", queue)
	return sub, nil
}

// Handle processes one NATS message. Malformed messages are logged and
// dropped.
func (r *Receiver) Handle(msg *nats.Msg) {
	ctx := context.Background()
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
	}
	ctx, span := otel.Tracer("metricflow/receiver").Start(ctx, "receiver.batch")
	defer span.End()

	batch, err := wire.Decode(msg.Data, headers(msg), r.key)
	if err != nil {
		r.rejected.Add(1)
		slog.Warn("receiver: batch rejected", "subject", msg.Subject, "err", err)
		return
	}
	span.SetAttributes(
		attribute.String("job.id", batch.JobID),
		attribute.Int("batch.values", len(batch.Values)),
	)
	r.Ingest(ctx, batch)
}

// Ingest hands a decoded batch to every consumer.
func (r *Receiver) Ingest(ctx context.Context, batch *types.MetricBatch) {
	r.received.Add(1)
	if len(batch.Values) == 0 {
		return
	}

	r.latest.PutBatch(batch.Values)
	if r.sink != nil {
		r.sink.Submit(batch.Values)
	}
	r.bus.Publish(types.EventMetricValuesBatch, types.MetricValuesBatch{
		Count:  len(batch.Values),
		Values: batch.Values,
	})

	fired := r.eval.ProcessBatch(ctx, batch.Values)
	slog.Debug("receiver: batch processed",
		"job", batch.JobID,
		"metric", batch.MetricID,
		"sequence", batch.Sequence,
		"values", len(batch.Values),
		"alerts", len(fired),
	)
}

// Received returns the number of batches accepted.
func (r *Receiver) Received() uint64 { return r.received.Load() }

// Rejected returns the number of messages that failed to decode.
func (r *Receiver) Rejected() uint64 { return r.rejected.Load() }

func headers(msg *nats.Msg) wire.Headers {
	h := wire.Headers{}
	for _, k := range []string{wire.HeaderEncoding, wire.HeaderEncryption} {
		if v := msg.Header.Get(k); v != "" {
			h[k] = v
		}
	}
	return h
}
