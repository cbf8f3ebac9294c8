// Package compute derives collection quality and job health.
//
// score.go provides the pure QualityScore(Counts) function behind each
// CollectionResult's dataQualityScore, and the health composite
// quality(70%) + uptime(30%).
//
// engine.go provides the stateful Tracker that keeps the last 20 run outcomes
// per job and reports uptime, mean quality and a health state.
//
// Health state thresholds: Healthy ≥85, Degraded 60–84, Critical <60, Unknown.
package compute
