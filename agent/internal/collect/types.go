package collect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/obsidianstack/metricflow/agent/internal/compute"
	"github.com/obsidianstack/metricflow/agent/internal/config"
	"github.com/obsidianstack/metricflow/agent/internal/ratelimit"
	"github.com/obsidianstack/metricflow/agent/internal/source"
	"github.com/obsidianstack/metricflow/pkg/types"
)

// Publisher accepts published metric batches. Implementations should not
// block on downstream storage.
type Publisher interface {
	Publish(ctx context.Context, batch *types.MetricBatch) error
}

// Status is a job's execution state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrorKind classifies collection failures.
type ErrorKind string

const (
	KindConnection     ErrorKind = "connection"
	KindQuery          ErrorKind = "query"
	KindTransformation ErrorKind = "transformation"
	KindValidation     ErrorKind = "validation"
	KindStorage        ErrorKind = "storage"
	KindConfig         ErrorKind = "config"
)

var (
	ErrJobNotFound    = errors.New("collect: job not found")
	ErrJobRunning     = errors.New("collect: job already running")
	ErrJobExists      = errors.New("collect: job already exists")
	ErrSourceNotFound = errors.New("collect: data source not found")
	ErrSourceExists   = errors.New("collect: data source already exists")
	ErrRateLimited    = errors.New("collect: rate limit exceeded")
	ErrNotDeadLetter  = errors.New("collect: job not in dead-letter queue")
)

// JobError is the classified error recorded on a failed job.
type JobError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`

	err error
}

func (e *JobError) Error() string { return string(e.Kind) + ": " + e.Message }

func (e *JobError) Unwrap() error { return e.err }

// classify maps err onto the collection error taxonomy. Connection-class
// failures (unreachable source, timeout, rate limiting) are retryable.
func classify(err error, at time.Time) *JobError {
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	out := &JobError{Kind: KindQuery, Message: err.Error(), At: at, err: err}

	var se *source.Error
	var ne net.Error
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &ne):
		out.Kind = KindConnection
	case errors.As(err, &se):
		switch se.Kind {
		case source.KindConnection:
			out.Kind = KindConnection
		case source.KindConfig:
			out.Kind = KindConfig
		}
	}
	out.Retryable = out.Kind == KindConnection
	return out
}

func jobErrorf(kind ErrorKind, at time.Time, format string, args ...any) *JobError {
	err := fmt.Errorf(format, args...)
	return &JobError{Kind: kind, Message: err.Error(), Retryable: kind == KindConnection, At: at, err: err}
}

// DataSource is the registered view of a source.
type DataSource struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	AuthMode     string            `json:"authMode,omitempty"`
	RateLimit    *ratelimit.Config `json:"rateLimit,omitempty"`
	Enabled      bool              `json:"enabled"`
	RegisteredAt time.Time         `json:"registeredAt"`
}

// CollectionJob is a snapshot of a job's definition and mutable state.
type CollectionJob struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	MetricID     string     `json:"metricId"`
	DataSourceID string     `json:"dataSourceId"`
	Definition   config.Job `json:"-"`

	Enabled    bool      `json:"enabled"`
	Status     Status    `json:"status"`
	ErrorCount int       `json:"errorCount"`
	LastError  *JobError `json:"lastError,omitempty"`
	LastRun    time.Time `json:"lastRun"`
	NextRun    time.Time `json:"nextRun"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CollectionResult is the immutable audit record of one execution.
type CollectionResult struct {
	ID               string        `json:"id"`
	JobID            string        `json:"jobId"`
	Status           Status        `json:"status"`
	StartedAt        time.Time     `json:"startedAt"`
	FinishedAt       time.Time     `json:"finishedAt"`
	Duration         time.Duration `json:"duration"`
	RecordsProcessed int           `json:"recordsProcessed"`
	RecordsInserted  int           `json:"recordsInserted"`
	RecordsSkipped   int           `json:"recordsSkipped"`
	RecordsErrored   int           `json:"recordsErrored"`
	Errors           []string      `json:"errors,omitempty"`
	DataQuality      float64       `json:"dataQualityScore"`
}

// DataQualityScore recomputes the score from the result's counts.
func (r CollectionResult) DataQualityScore() float64 {
	return compute.QualityScore(r.counts())
}

func (r CollectionResult) counts() compute.Counts {
	return compute.Counts{
		Processed: r.RecordsProcessed,
		Inserted:  r.RecordsInserted,
		Errored:   r.RecordsErrored,
	}
}

// DeadLetterEntry holds a job that exhausted its retries.
type DeadLetterEntry struct {
	ID       string        `json:"id"`
	Job      CollectionJob `json:"job"`
	Error    *JobError     `json:"error"`
	Attempts int           `json:"attempts"`
	At       time.Time     `json:"at"`
}
