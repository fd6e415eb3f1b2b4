// Package difficulty steers each miner's difficulty towards a target solve latency.
//
// One difficulty bit doubles the expected work, so the controller moves the difficulty
// by log2 of the ratio between the target and the observed latency, bounded by MaxStep.
// The observed latency is the mean over a rolling window of accepted solutions, each
// normalized to the current difficulty: a solution found at difficulty d in time l
// counts as l * 2^(current-d). The window restarts after every adjustment.
package difficulty

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/stat"

	"github.com/spacemeshos/powsubnet/shared"
)

var (
	adjustmentsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powsubnet",
		Subsystem: "difficulty",
		Name:      "adjustments_total",
		Help:      "Number of difficulty adjustments",
	}, []string{"direction"})

	observedLatencyMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "powsubnet",
		Subsystem: "difficulty",
		Name:      "observed_latency_seconds",
		Help:      "Windowed mean solve latency normalized to the current difficulty",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	})
)

// Adjustment describes the result of a single observation.
type Adjustment struct {
	From     shared.Difficulty
	To       shared.Difficulty
	Observed time.Duration
}

// Changed reports whether the difficulty moved.
func (a Adjustment) Changed() bool {
	return a.From != a.To
}

type sample struct {
	latency    time.Duration
	difficulty shared.Difficulty
}

type minerState struct {
	current shared.Difficulty
	samples []sample
	next    int
}

func (s *minerState) add(smp sample, window int) {
	if len(s.samples) < window {
		s.samples = append(s.samples, smp)
		return
	}
	s.samples[s.next] = smp
	s.next = (s.next + 1) % window
}

func (s *minerState) observed() time.Duration {
	normalized := make([]float64, len(s.samples))
	for i, smp := range s.samples {
		normalized[i] = math.Ldexp(float64(smp.latency), int(s.current)-int(smp.difficulty))
	}
	return time.Duration(stat.Mean(normalized, nil))
}

type Controller struct {
	cfg Config

	mu     sync.Mutex
	miners map[string]*minerState
}

func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:    cfg,
		miners: make(map[string]*minerState),
	}, nil
}

// Difficulty returns the difficulty for the miner's next challenge.
func (c *Controller) Difficulty(minerID string) shared.Difficulty {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.miners[minerID]; ok {
		return s.current
	}
	return c.cfg.Initial
}

// Restore sets the miner's current difficulty, e.g. from the ledger on boot.
func (c *Controller) Restore(minerID string, d shared.Difficulty) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(minerID).current = c.clamp(d)
}

// TargetLatency returns the solve latency the controller aims for.
func (c *Controller) TargetLatency() time.Duration {
	return c.cfg.TargetLatency
}

// Observe records an accepted solution found at difficulty solvedAt after latency
// and returns the resulting adjustment of the miner's difficulty.
func (c *Controller) Observe(minerID string, solvedAt shared.Difficulty, latency time.Duration) Adjustment {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state(minerID)
	s.add(sample{latency: max(latency, 0), difficulty: solvedAt}, c.cfg.Window)

	observed := s.observed()
	observedLatencyMetric.Observe(observed.Seconds())
	adj := Adjustment{From: s.current, To: s.current, Observed: observed}

	target := float64(c.cfg.TargetLatency)
	switch {
	case float64(observed) < target*(1-c.cfg.Tolerance):
		step := c.step(target / math.Max(float64(observed), 1))
		adj.To = c.clamp(s.current + step)
	case float64(observed) > target*(1+c.cfg.Tolerance):
		step := c.step(float64(observed) / target)
		if step > s.current {
			adj.To = c.cfg.Min
		} else {
			adj.To = c.clamp(s.current - step)
		}
	}

	switch {
	case adj.To > adj.From:
		adjustmentsMetric.WithLabelValues("tighten").Inc()
	case adj.To < adj.From:
		adjustmentsMetric.WithLabelValues("loosen").Inc()
	}
	if adj.Changed() {
		s.current = adj.To
		s.samples = s.samples[:0]
		s.next = 0
	}
	return adj
}

func (c *Controller) step(ratio float64) shared.Difficulty {
	step := math.Round(math.Log2(ratio))
	step = math.Max(step, 1)
	step = math.Min(step, float64(c.cfg.MaxStep))
	return shared.Difficulty(step)
}

func (c *Controller) clamp(d shared.Difficulty) shared.Difficulty {
	return min(max(d, c.cfg.Min), c.cfg.Max)
}

func (c *Controller) state(minerID string) *minerState {
	s, ok := c.miners[minerID]
	if !ok {
		s = &minerState{current: c.cfg.Initial}
		c.miners[minerID] = s
	}
	return s
}
