package collect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/obsidianstack/metricflow/agent/internal/compute"
	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/agent/internal/source"
	"github.com/obsidianstack/metricflow/agent/internal/transform"
	"github.com/obsidianstack/metricflow/agent/internal/validate"
	"github.com/obsidianstack/metricflow/pkg/types"
)

// maxResultErrors caps the error strings kept on one CollectionResult.
const maxResultErrors = 50

// ExecuteJob runs the job once, regardless of its schedule or enabled flag.
// A CollectionResult is recorded before returning, on success and on failure;
// on failure the result is returned alongside the error.
//
// If the job is already running, ExecuteJob returns ErrJobRunning without
// recording anything.
func (p *Pipeline) ExecuteJob(ctx context.Context, id string) (*CollectionResult, error) {
	p.mu.Lock()
	job, ok := p.jobs[id]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	if p.active[id] {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrJobRunning, id)
	}
	p.active[id] = true
	started := p.now()
	job.Status = StatusRunning
	job.LastRun = started
	def := job.Definition
	src := p.sources[def.SourceID]
	var srcCopy registeredSource
	if src != nil {
		srcCopy = *src
	}
	metric := p.metrics[def.MetricID]
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.active, id)
		p.mu.Unlock()
	}()

	ctx, span := p.tracer.Start(ctx, "collect.ExecuteJob", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.String("metric.id", def.MetricID),
		attribute.String("source.id", def.SourceID),
	))
	defer span.End()

	p.events.Publish(types.EventJobStarted, types.JobStarted{JobID: id, StartedAt: started})
	slog.Debug("collect: job started", "job", id)

	res := &CollectionResult{ID: uuid.NewString(), JobID: id, StartedAt: started}
	var runErr error
	if src == nil {
		runErr = jobErrorf(KindConfig, started, "data source %q not registered", def.SourceID)
	} else {
		runErr = p.safeRun(ctx, def, &srcCopy, metric, res)
	}

	res.FinishedAt = p.now()
	res.Duration = res.FinishedAt.Sub(started)
	res.DataQuality = res.DataQualityScore()
	span.SetAttributes(
		attribute.Int("records.processed", res.RecordsProcessed),
		attribute.Int("records.inserted", res.RecordsInserted),
	)

	if runErr != nil {
		jerr := classify(runErr, res.FinishedAt)
		span.RecordError(jerr)
		span.SetStatus(codes.Error, jerr.Message)
		p.fail(id, res, jerr)
		return res, jerr
	}
	p.complete(id, res)
	return res, nil
}

// safeRun converts a panic in an adapter or stage into a job failure.
func (p *Pipeline) safeRun(ctx context.Context, def config.Job, src *registeredSource, metric types.MetricDefinition, res *CollectionResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = jobErrorf(KindQuery, p.now(), "panic during collection: %v", r)
		}
	}()
	return p.run(ctx, def, src, metric, res)
}

// run is the strictly sequential body of one execution.
func (p *Pipeline) run(ctx context.Context, def config.Job, src *registeredSource, metric types.MetricDefinition, res *CollectionResult) error {
	if !src.info.Enabled {
		return jobErrorf(KindConfig, p.now(), "data source %q is disabled", src.info.ID)
	}
	if src.limiter != nil && !src.limiter.CanMakeRequest() {
		return fmt.Errorf("%w for data source %q", ErrRateLimited, src.info.ID)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	raw, err := src.fetcher.Fetch(fetchCtx, source.Request{Query: def.Query, Parameters: def.Parameters})
	cancel()
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	res.RecordsProcessed = len(raw)

	tr := transform.Apply(raw, def.Transformations)
	res.RecordsSkipped = tr.Skipped
	res.RecordsErrored = tr.Errors
	if tr.Errors > 0 {
		res.addError(fmt.Sprintf("%d transformation error(s)", tr.Errors))
	}

	vr := validate.Validate(tr.Records, def.ValidationRules)
	res.RecordsErrored += vr.Dropped
	for _, issue := range vr.Issues {
		res.addError(fmt.Sprintf("validation %s: record %d: %s", issue.Rule, issue.Index, issue.Message))
		switch issue.Action {
		case validate.ActionAlert:
			p.events.Publish(types.EventValidationAlert, types.ValidationAlert{JobID: def.ID, Rule: issue.Rule, Message: issue.Message})
		case validate.ActionFail:
			slog.Debug("collect: record rejected", "job", def.ID, "rule", issue.Rule, "record", issue.Index, "err", issue.Message)
		default:
			slog.Info("collect: validation issue", "job", def.ID, "rule", issue.Rule, "record", issue.Index, "err", issue.Message)
		}
	}

	values := toMetricValues(def, metric, vr.Valid, p.now())
	for seq, start := 0, 0; start < len(values); seq, start = seq+1, start+p.opts.BatchSize {
		end := start + p.opts.BatchSize
		if end > len(values) {
			end = len(values)
		}
		batch := &types.MetricBatch{
			JobID:       def.ID,
			MetricID:    def.MetricID,
			Sequence:    seq,
			PublishedAt: p.now(),
			Values:      values[start:end],
		}
		if p.publisher != nil {
			if err := p.publisher.Publish(ctx, batch); err != nil {
				return jobErrorf(KindStorage, p.now(), "publish batch %d: %v", seq, err)
			}
		}
		res.RecordsInserted += len(batch.Values)
		p.events.Publish(types.EventMetricValuesBatch, types.MetricValuesBatch{Count: len(batch.Values), Values: batch.Values})
	}
	return nil
}

func (r *CollectionResult) addError(msg string) {
	if len(r.Errors) < maxResultErrors {
		r.Errors = append(r.Errors, msg)
	}
}

func (p *Pipeline) complete(id string, res *CollectionResult) {
	res.Status = StatusCompleted

	p.mu.Lock()
	job := p.jobs[id]
	job.Status = StatusCompleted
	job.ErrorCount = 0
	job.LastError = nil
	job.NextRun = job.LastRun.Add(job.Definition.Interval)
	p.appendResult(*res)
	p.mu.Unlock()

	p.health.Record(compute.Outcome{JobID: id, Success: true, Counts: res.counts(), At: res.FinishedAt})
	slog.Info("collect: job completed", "job", id,
		"processed", res.RecordsProcessed, "inserted", res.RecordsInserted,
		"skipped", res.RecordsSkipped, "errored", res.RecordsErrored,
		"quality", res.DataQuality, "duration", res.Duration)
	p.events.Publish(types.EventJobCompleted, types.JobCompleted{JobID: id, Result: *res})
}

func (p *Pipeline) fail(id string, res *CollectionResult, jerr *JobError) {
	res.Status = StatusFailed
	res.addError(jerr.Error())

	var dead *DeadLetterEntry
	p.mu.Lock()
	job := p.jobs[id]
	job.Status = StatusFailed
	job.ErrorCount++
	job.LastError = jerr
	job.NextRun = res.FinishedAt.Add(p.opts.RetryBackoff)
	if job.ErrorCount >= p.opts.MaxRetries && job.Enabled {
		job.Enabled = false
		if p.opts.DeadLetterQueueEnabled {
			entry := DeadLetterEntry{
				ID:       uuid.NewString(),
				Job:      *job,
				Error:    jerr,
				Attempts: job.ErrorCount,
				At:       res.FinishedAt,
			}
			p.dlq = append(p.dlq, entry)
			dead = &entry
		}
	}
	errorCount := job.ErrorCount
	disabled := !job.Enabled
	p.appendResult(*res)
	p.mu.Unlock()

	p.health.Record(compute.Outcome{JobID: id, Success: false, Counts: res.counts(), At: res.FinishedAt})
	slog.Warn("collect: job failed", "job", id, "kind", jerr.Kind, "retryable", jerr.Retryable,
		"errors", errorCount, "disabled", disabled, "err", jerr.Message)
	p.events.Publish(types.EventJobFailed, types.JobFailed{JobID: id, Error: jerr.Error(), Result: *res})
	if dead != nil {
		slog.Error("collect: job dead-lettered", "job", id, "attempts", dead.Attempts)
		p.events.Publish(types.EventJobDeadLettered, types.JobDeadLettered{JobID: id, Attempts: dead.Attempts, Error: jerr.Error()})
	}
}

// appendResult keeps the newest ResultHistory results. Caller holds p.mu.
func (p *Pipeline) appendResult(res CollectionResult) {
	rs := append(p.results[res.JobID], res)
	if over := len(rs) - p.opts.ResultHistory; over > 0 {
		rs = append(rs[:0], rs[over:]...)
	}
	p.results[res.JobID] = rs
}
