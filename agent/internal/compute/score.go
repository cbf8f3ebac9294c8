package compute

// Weight constants for the job health score. They must sum to 1.0.
const (
	weightQuality = 0.70
	weightUptime  = 0.30
)

// State constants returned by the score calculator.
const (
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateCritical = "critical"
	StateUnknown  = "unknown"
)

// Thresholds that map a score to a health state.
const (
	ThresholdHealthy  = 85.0
	ThresholdDegraded = 60.0
)

// Counts are the record counters of one collection run.
type Counts struct {
	Processed int
	Inserted  int
	Errored   int
}

// QualityScore derives the data-quality score (0–100) of one run:
//
//	successRate*100 - errorRate*50, clamped to [0, 100]
//
// where successRate = inserted/processed and errorRate = errored/processed.
// A run that processed nothing scores 100 unless it reported errors.
//
// The result depends only on c, so the same counts always give the same score.
func QualityScore(c Counts) float64 {
	if c.Processed <= 0 {
		if c.Errored > 0 {
			return 0
		}
		return 100
	}
	successRate := float64(c.Inserted) / float64(c.Processed)
	errorRate := float64(c.Errored) / float64(c.Processed)
	return clamp(successRate*100-errorRate*50, 0, 100)
}

// HealthScore combines the recent quality average and run uptime (both 0–100).
func HealthScore(qualityPct, uptimePct float64) float64 {
	return clamp(qualityPct, 0, 100)*weightQuality + clamp(uptimePct, 0, 100)*weightUptime
}

// State maps a numeric score to a named health state.
func State(score float64) string {
	switch {
	case score >= ThresholdHealthy:
		return StateHealthy
	case score >= ThresholdDegraded:
		return StateDegraded
	default:
		return StateCritical
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
