// Package anomaly flags outliers in a metric's recent history.
//
// A Detector keeps a bounded FIFO buffer of observations (at most 1000) and
// scores new values against it with one of two algorithms:
//
//   - zscore: |v − mean| / stddev compared with the two-sided standard normal
//     critical value for the configured sensitivity (0.90, 0.95, 0.99, 0.999).
//     A flat series (stddev 0) is never anomalous.
//   - iqr: values outside [Q1 − 1.5·IQR, Q3 + 1.5·IQR] are anomalous.
//
// No value is anomalous until MinDataPoints observations have been added.
// Detectors are process-local and start cold.
package anomaly
