package anomaly

import (
	"math"
	"sort"
	"sync"
)

// Algorithms.
const (
	AlgorithmZScore = "zscore"
	AlgorithmIQR    = "iqr"
)

// Defaults applied to zero Config fields.
const (
	DefaultAlgorithm     = AlgorithmZScore
	DefaultSensitivity   = 0.95
	DefaultMinDataPoints = 30

	// MaxBufferSize bounds the training buffer per detector.
	MaxBufferSize = 1000
)

// criticalValues maps sensitivity to the two-sided standard normal critical value.
var criticalValues = []struct {
	sensitivity float64
	z           float64
}{
	{0.90, 1.645},
	{0.95, 1.96},
	{0.99, 2.576},
	{0.999, 3.291},
}

// Config selects the algorithm and its parameters.
type Config struct {
	Algorithm     string  `yaml:"algorithm" json:"algorithm"`
	Sensitivity   float64 `yaml:"sensitivity" json:"sensitivity"`
	MinDataPoints int     `yaml:"min_data_points" json:"minDataPoints"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if c.Sensitivity <= 0 {
		c.Sensitivity = DefaultSensitivity
	}
	if c.MinDataPoints <= 0 {
		c.MinDataPoints = DefaultMinDataPoints
	}
	return c
}

// Result is the outcome of scoring one value.
//
// Score is the deviation in units of the decision boundary: for zscore it is
// |z| / critical value, for iqr the distance beyond the nearer quartile
// divided by 1.5·IQR. Values above 1 lie past the boundary.
type Result struct {
	Anomalous bool    `json:"anomalous"`
	Score     float64 `json:"score"`
}

// Detector is a rolling-window outlier detector for one metric.
//
// Detector is safe for concurrent use.
type Detector struct {
	cfg Config

	mu  sync.Mutex
	buf []float64
}

// New returns an empty Detector.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.WithDefaults()}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Add appends v to the buffer, evicting the oldest value when full.
func (d *Detector) Add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) >= MaxBufferSize {
		copy(d.buf, d.buf[1:])
		d.buf = d.buf[:len(d.buf)-1]
	}
	d.buf = append(d.buf, v)
}

// Len returns the number of buffered values.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// IsAnomaly reports whether v is an outlier against the current buffer.
func (d *Detector) IsAnomaly(v float64) bool {
	return d.Detect(v).Anomalous
}

// Detect scores v against the current buffer. v itself is not added.
func (d *Detector) Detect(v float64) Result {
	d.mu.Lock()
	buf := make([]float64, len(d.buf))
	copy(buf, d.buf)
	d.mu.Unlock()

	if len(buf) < d.cfg.MinDataPoints {
		return Result{}
	}
	switch d.cfg.Algorithm {
	case AlgorithmIQR:
		return iqr(buf, v)
	default:
		return zscore(buf, v, Threshold(d.cfg.Sensitivity))
	}
}

// Threshold returns the z critical value for sensitivity. Values not in the
// table snap to the nearest listed sensitivity.
func Threshold(sensitivity float64) float64 {
	best := criticalValues[0]
	for _, cv := range criticalValues[1:] {
		if math.Abs(cv.sensitivity-sensitivity) < math.Abs(best.sensitivity-sensitivity) {
			best = cv
		}
	}
	return best.z
}

func zscore(buf []float64, v, threshold float64) Result {
	mean, sd := meanStddev(buf)
	if sd == 0 {
		return Result{}
	}
	z := math.Abs(v-mean) / sd
	return Result{Anomalous: z > threshold, Score: z / threshold}
}

// meanStddev returns the mean and sample standard deviation.
func meanStddev(buf []float64) (float64, float64) {
	n := float64(len(buf))
	var sum float64
	for _, x := range buf {
		sum += x
	}
	mean := sum / n
	if len(buf) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range buf {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / (n - 1))
}

func iqr(buf []float64, v float64) Result {
	sort.Float64s(buf)
	n := len(buf)
	q1 := buf[n/4]
	q3 := buf[(3*n)/4]
	spread := q3 - q1
	lo := q1 - 1.5*spread
	hi := q3 + 1.5*spread

	res := Result{Anomalous: v < lo || v > hi}
	var beyond float64
	switch {
	case v < q1:
		beyond = q1 - v
	case v > q3:
		beyond = v - q3
	}
	switch {
	case spread > 0:
		res.Score = beyond / (1.5 * spread)
	case res.Anomalous:
		res.Score = 1
	}
	return res
}
