package collect

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/obsidianstack/metricflow/agent/internal/compute"
	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/agent/internal/ratelimit"
	"github.com/obsidianstack/metricflow/agent/internal/source"
	"github.com/obsidianstack/metricflow/pkg/events"
	"github.com/obsidianstack/metricflow/pkg/types"
)

const tracerName = "github.com/obsidianstack/metricflow/agent/internal/collect"

// Options are the collection settings the pipeline enforces.
type Options struct {
	BatchSize              int
	MaxRetries             int
	RetryBackoff           time.Duration
	DeadLetterQueueEnabled bool
	FetchTimeout           time.Duration
	ResultHistory          int

	// Sources is passed to source.New for every registered data source.
	Sources source.Options
}

// OptionsFromConfig maps the collection section of the agent config.
func OptionsFromConfig(c config.CollectionConfig) Options {
	return Options{
		BatchSize:              c.BatchSize,
		MaxRetries:             c.MaxRetries,
		RetryBackoff:           c.RetryBackoff,
		DeadLetterQueueEnabled: c.DeadLetterQueueEnabled,
		FetchTimeout:           c.FetchTimeout,
		ResultHistory:          c.ResultHistory,
	}
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = config.DefaultBatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = config.DefaultMaxRetries
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = config.DefaultFetchTimeout
	}
	if o.ResultHistory <= 0 {
		o.ResultHistory = config.DefaultResultHistory
	}
}

// Pipeline owns the data-source registry, the job registry, the active-job
// set, per-job result history and the dead-letter queue.
//
// All exported methods are safe for concurrent use.
type Pipeline struct {
	opts      Options
	publisher Publisher
	events    events.Publisher
	health    *compute.Tracker
	tracer    trace.Tracer

	newFetcher func(config.Source, source.Options) (source.Fetcher, error)
	now        func() time.Time

	mu       sync.Mutex
	sources  map[string]*registeredSource
	metrics  map[string]types.MetricDefinition
	jobs     map[string]*CollectionJob
	jobOrder []string
	active   map[string]bool
	results  map[string][]CollectionResult
	dlq      []DeadLetterEntry
}

type registeredSource struct {
	info    DataSource
	def     config.Source
	fetcher source.Fetcher
	limiter *ratelimit.Limiter
}

// New returns a Pipeline that publishes converted batches to pub and
// lifecycle events to bus.
func New(opts Options, pub Publisher, bus events.Publisher) *Pipeline {
	opts.applyDefaults()
	if bus == nil {
		bus = events.Discard{}
	}
	return &Pipeline{
		opts:       opts,
		publisher:  pub,
		events:     bus,
		health:     compute.NewTracker(),
		tracer:     otel.Tracer(tracerName),
		newFetcher: source.New,
		now:        time.Now,
		sources:    make(map[string]*registeredSource),
		metrics:    make(map[string]types.MetricDefinition),
		jobs:       make(map[string]*CollectionJob),
		active:     make(map[string]bool),
		results:    make(map[string][]CollectionResult),
	}
}

// RegisterMetric adds or replaces a MetricDefinition used during conversion.
func (p *Pipeline) RegisterMetric(def types.MetricDefinition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics[def.ID] = def
}

// RegisterDataSource builds the adapter for src and adds it to the registry.
// A registered source is immutable apart from UpdateDataSourceAuth.
func (p *Pipeline) RegisterDataSource(src config.Source) (DataSource, error) {
	p.mu.Lock()
	_, exists := p.sources[src.ID]
	p.mu.Unlock()
	if exists {
		return DataSource{}, fmt.Errorf("%w: %q", ErrSourceExists, src.ID)
	}

	fetcher, err := p.newFetcher(src, p.opts.Sources)
	if err != nil {
		return DataSource{}, fmt.Errorf("collect: register data source %q: %w", src.ID, err)
	}

	rs := &registeredSource{
		info: DataSource{
			ID:           src.ID,
			Name:         src.Name,
			Type:         src.Type,
			AuthMode:     src.Auth.Mode,
			RateLimit:    src.RateLimit,
			Enabled:      src.IsEnabled(),
			RegisteredAt: p.now(),
		},
		def:     src,
		fetcher: fetcher,
	}
	if src.RateLimit != nil {
		rs.limiter = ratelimit.New(*src.RateLimit)
	}

	p.mu.Lock()
	if _, exists := p.sources[src.ID]; exists {
		p.mu.Unlock()
		closeFetcher(fetcher)
		return DataSource{}, fmt.Errorf("%w: %q", ErrSourceExists, src.ID)
	}
	p.sources[src.ID] = rs
	p.mu.Unlock()

	slog.Info("collect: data source registered", "source", src.ID, "type", src.Type)
	p.events.Publish(types.EventDataSourceRegistered, types.DataSourceRegistered{DataSourceID: src.ID, Type: src.Type})
	return rs.info, nil
}

// UpdateDataSourceAuth replaces a source's credentials. api and database
// adapters are rebuilt; buffered stream and webhook adapters are kept.
func (p *Pipeline) UpdateDataSourceAuth(id string, auth config.AuthConfig) error {
	p.mu.Lock()
	rs, ok := p.sources[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrSourceNotFound, id)
	}
	def := rs.def
	p.mu.Unlock()

	def.Auth = auth
	var fetcher source.Fetcher
	if def.Type == config.SourceAPI || def.Type == config.SourceDatabase {
		f, err := p.newFetcher(def, p.opts.Sources)
		if err != nil {
			return fmt.Errorf("collect: update auth for %q: %w", id, err)
		}
		fetcher = f
	}

	p.mu.Lock()
	old := rs.fetcher
	rs.def = def
	rs.info.AuthMode = auth.Mode
	if fetcher != nil {
		rs.fetcher = fetcher
	}
	p.mu.Unlock()

	if fetcher != nil {
		closeFetcher(old)
	}
	slog.Info("collect: data source auth updated", "source", id, "mode", auth.Mode)
	return nil
}

// DataSources returns every registered source ordered by id.
func (p *Pipeline) DataSources() []DataSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]DataSource, 0, len(p.sources))
	for _, rs := range p.sources {
		out = append(out, rs.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WebhookHandler returns the push handler of a webhook source.
func (p *Pipeline) WebhookHandler(sourceID string) (http.Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.sources[sourceID]
	if !ok || rs.def.Type != config.SourceWebhook {
		return nil, false
	}
	h, ok := rs.fetcher.(http.Handler)
	return h, ok
}

// CreateCollectionJob registers def. The job is due immediately.
func (p *Pipeline) CreateCollectionJob(def config.Job) (CollectionJob, error) {
	now := p.now()

	p.mu.Lock()
	if _, ok := p.sources[def.SourceID]; !ok {
		p.mu.Unlock()
		return CollectionJob{}, fmt.Errorf("%w: %q", ErrSourceNotFound, def.SourceID)
	}
	if _, ok := p.jobs[def.ID]; ok {
		p.mu.Unlock()
		return CollectionJob{}, fmt.Errorf("%w: %q", ErrJobExists, def.ID)
	}
	if def.Interval <= 0 {
		def.Interval = config.DefaultJobInterval
		if m, ok := p.metrics[def.MetricID]; ok && m.DefaultInterval > 0 {
			def.Interval = m.DefaultInterval
		}
	}
	job := &CollectionJob{
		ID:           def.ID,
		Name:         def.Name,
		MetricID:     def.MetricID,
		DataSourceID: def.SourceID,
		Definition:   def,
		Enabled:      def.IsEnabled(),
		Status:       StatusIdle,
		NextRun:      now,
		CreatedAt:    now,
	}
	p.jobs[def.ID] = job
	p.jobOrder = append(p.jobOrder, def.ID)
	snapshot := *job
	p.mu.Unlock()

	slog.Info("collect: job created", "job", def.ID, "metric", def.MetricID, "source", def.SourceID)
	p.events.Publish(types.EventCollectionJobCreated, types.CollectionJobCreated{JobID: def.ID, MetricID: def.MetricID})
	return snapshot, nil
}

// Job returns a snapshot of the job with id.
func (p *Pipeline) Job(id string) (CollectionJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return CollectionJob{}, fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	return *job, nil
}

// Jobs returns snapshots of every job in creation order.
func (p *Pipeline) Jobs() []CollectionJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CollectionJob, 0, len(p.jobOrder))
	for _, id := range p.jobOrder {
		out = append(out, *p.jobs[id])
	}
	return out
}

// EnableJob re-enables a job, clears its error count and makes it due now.
func (p *Pipeline) EnableJob(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	if !job.Enabled {
		job.Enabled = true
		job.ErrorCount = 0
		job.NextRun = p.now()
	}
	return nil
}

// DisableJob stops future scheduling. A run in progress is not interrupted.
func (p *Pipeline) DisableJob(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, id)
	}
	job.Enabled = false
	return nil
}

// Results returns the retained results of a job, oldest first.
func (p *Pipeline) Results(jobID string) []CollectionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CollectionResult(nil), p.results[jobID]...)
}

// DeadLetterQueue returns a copy of the dead-letter queue, oldest first.
func (p *Pipeline) DeadLetterQueue() []DeadLetterEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DeadLetterEntry(nil), p.dlq...)
}

// RequeueDeadLetter removes a job from the dead-letter queue and re-enables it.
func (p *Pipeline) RequeueDeadLetter(jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := -1
	for i, e := range p.dlq {
		if e.Job.ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrNotDeadLetter, jobID)
	}
	p.dlq = append(p.dlq[:idx], p.dlq[idx+1:]...)
	if job, ok := p.jobs[jobID]; ok {
		job.Enabled = true
		job.ErrorCount = 0
		job.Status = StatusIdle
		job.NextRun = p.now()
	}
	slog.Info("collect: dead-lettered job requeued", "job", jobID)
	return nil
}

// DueJobs returns ids of enabled, non-running jobs with NextRun <= now,
// earliest first.
func (p *Pipeline) DueJobs(now time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var due []*CollectionJob
	for _, id := range p.jobOrder {
		job := p.jobs[id]
		if job.Enabled && !p.active[id] && !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })
	ids := make([]string, len(due))
	for i, job := range due {
		ids[i] = job.ID
	}
	return ids
}

// Health returns the rolling health of every job that has run.
func (p *Pipeline) Health() []compute.JobHealth {
	return p.health.All()
}

// Close releases adapters that hold connections or subscriptions.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rs := range p.sources {
		closeFetcher(rs.fetcher)
	}
}

func closeFetcher(f source.Fetcher) {
	if c, ok := f.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("collect: close data source", "err", err)
		}
	}
}
