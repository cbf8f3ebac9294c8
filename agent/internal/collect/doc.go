// Package collect runs collection jobs: it owns the data-source and job
// registries, executes jobs through fetch → transform → validate → convert →
// publish, and drives them on a fixed tick.
//
// pipeline.go holds the registries and the Pipeline API. execute.go is the
// per-job state machine (idle → running → completed | failed) with retry,
// disable-on-exhaustion and the dead-letter queue. convert.go turns records
// into types.MetricValue. scheduler.go runs due jobs concurrently, bounded by
// a worker limit, and isolates per-job failures.
//
// At most one execution per job id runs at a time; a second ExecuteJob for
// a running job returns ErrJobRunning and records nothing.
package collect
