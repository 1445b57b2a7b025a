package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/sandbox"
)

// minSamples is the number of executions in the window below which no rate is judged.
const minSamples = 5

// AnomalyDetector performs threshold-based anomaly detection over execution
// outcomes using sliding windows. It warns when the share of faulted executions,
// or of timed-out ones, in the window exceeds the configured threshold.
type AnomalyDetector struct {
	mu       sync.Mutex
	total    *slidingWindow
	faults   *slidingWindow
	timeouts *slidingWindow
	cfg      *config.AnomalyConfig
	logger   *slog.Logger
	now      func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// AnomalySnapshot is the content of the current window.
type AnomalySnapshot struct {
	Total       float64 `json:"total"`
	Faults      float64 `json:"faults"`
	Timeouts    float64 `json:"timeouts"`
	FailureRate float64 `json:"failure_rate"`
	TimeoutRate float64 `json:"timeout_rate"`
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	secs := cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	window := time.Duration(secs) * time.Second

	return &AnomalyDetector{
		total:    &slidingWindow{window: window},
		faults:   &slidingWindow{window: window},
		timeouts: &slidingWindow{window: window},
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Record adds one execution result to the window and checks the rates.
// It reports whether any threshold is exceeded after recording.
func (a *AnomalyDetector) Record(res sandbox.ExecutionResult) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.total.add(now, 1)
	if res.IsFault() {
		a.faults.add(now, 1)
	}
	if res.Kind == sandbox.KindTimeout {
		a.timeouts.add(now, 1)
	}
	return a.check(now)
}

// Snapshot returns the current window totals and rates.
func (a *AnomalyDetector) Snapshot() AnomalySnapshot {
	if a == nil {
		return AnomalySnapshot{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot(a.now())
}

// snapshot must be called with a.mu held.
func (a *AnomalyDetector) snapshot(now time.Time) AnomalySnapshot {
	s := AnomalySnapshot{
		Total:    a.total.sum(now),
		Faults:   a.faults.sum(now),
		Timeouts: a.timeouts.sum(now),
	}
	if s.Total > 0 {
		s.FailureRate = s.Faults / s.Total
		s.TimeoutRate = s.Timeouts / s.Total
	}
	return s
}

// check must be called with a.mu held.
func (a *AnomalyDetector) check(now time.Time) bool {
	s := a.snapshot(now)
	if s.Total < minSamples {
		return false // Not enough data.
	}

	anomalous := false
	if t := a.cfg.FailureRateThreshold; t > 0 && s.FailureRate > t {
		anomalous = true
		a.logger.Warn("anomaly detected: high execution failure rate",
			slog.Float64("failure_rate", s.FailureRate),
			slog.Float64("threshold", t),
			slog.Float64("faults", s.Faults),
			slog.Float64("total", s.Total),
		)
	}
	if t := a.cfg.TimeoutRateThreshold; t > 0 && s.TimeoutRate > t {
		anomalous = true
		a.logger.Warn("anomaly detected: high execution timeout rate",
			slog.Float64("timeout_rate", s.TimeoutRate),
			slog.Float64("threshold", t),
			slog.Float64("timeouts", s.Timeouts),
			slog.Float64("total", s.Total),
		)
	}
	return anomalous
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
