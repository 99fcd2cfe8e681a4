// Package regime reassesses the capital controller's sizing regime on a
// periodic cadence (spec.md §4.9), driven by rolling win-rate, drawdown
// and volatility rather than the teacher's return-series HMM — adapted
// from its feature-calculation and exponential-smoothing idiom.
package regime

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
)

// Config thresholds separating the three named regimes.
type Config struct {
	WindowSize        int           // number of recent outcomes considered
	MinRegimeDuration time.Duration // minimum dwell time before a switch
	HighVolThreshold  float64       // volatility above this favors conservative
	LowVolThreshold   float64       // volatility below this allows hyper
	GoodWinRate       float64       // win rate above this favors hyper
	PoorWinRate       float64       // win rate below this forces conservative
	MaxDrawdown       float64       // drawdown beyond this forces conservative
}

// DefaultConfig returns sensible thresholds.
func DefaultConfig() *Config {
	return &Config{
		WindowSize:        30,
		MinRegimeDuration: 5 * time.Minute,
		HighVolThreshold:  0.08,
		LowVolThreshold:   0.02,
		GoodWinRate:       0.58,
		PoorWinRate:       0.42,
		MaxDrawdown:       0.15,
	}
}

// Detector tracks recent trade outcomes and reassesses the prevailing
// regime on demand (driven by the scheduler's periodic tick).
type Detector struct {
	logger *zap.Logger
	config *Config

	mu          sync.Mutex
	rois        []float64
	equityPeak  float64
	equity      float64
	current     core.Regime
	changedAt   time.Time
}

// New constructs a detector starting in the conservative regime.
func New(logger *zap.Logger, config *Config) *Detector {
	if config == nil {
		config = DefaultConfig()
	}
	return &Detector{
		logger:     logger.Named("regime-detector"),
		config:     config,
		rois:       make([]float64, 0, config.WindowSize*2),
		equityPeak: 1.0,
		equity:     1.0,
		current:    core.RegimeConservative,
		changedAt:  time.Now(),
	}
}

// RecordOutcome folds a closed position's ROI into the rolling window and
// running equity curve used for drawdown calculation.
func (d *Detector) RecordOutcome(roi float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rois = append(d.rois, roi)
	if len(d.rois) > d.config.WindowSize*2 {
		d.rois = d.rois[len(d.rois)-d.config.WindowSize:]
	}

	d.equity *= 1 + roi
	if d.equity > d.equityPeak {
		d.equityPeak = d.equity
	}
}

// Reassess computes the current regime from the rolling window and
// returns it along with whether it changed from the previous call.
func (d *Detector) Reassess() (core.Regime, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	window := d.rois
	if len(window) > d.config.WindowSize {
		window = window[len(window)-d.config.WindowSize:]
	}

	winRate := d.calculateWinRate(window)
	vol := d.calculateVolatility(window)
	drawdown := d.calculateDrawdown()

	next := d.classify(winRate, vol, drawdown)

	if next == d.current {
		return d.current, false
	}
	if time.Since(d.changedAt) < d.config.MinRegimeDuration {
		// Too soon to switch; hold the current regime.
		return d.current, false
	}

	d.logger.Info("regime reassessed",
		zap.String("from", string(d.current)), zap.String("to", string(next)),
		zap.Float64("win_rate", winRate), zap.Float64("volatility", vol), zap.Float64("drawdown", drawdown))

	d.current = next
	d.changedAt = time.Now()
	return d.current, true
}

// Current returns the regime without forcing a reassessment.
func (d *Detector) Current() core.Regime {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *Detector) classify(winRate, vol, drawdown float64) core.Regime {
	if drawdown >= d.config.MaxDrawdown || winRate <= d.config.PoorWinRate || vol >= d.config.HighVolThreshold {
		return core.RegimeConservative
	}
	if winRate >= d.config.GoodWinRate && vol <= d.config.LowVolThreshold {
		return core.RegimeHyper
	}
	return core.RegimeScaled
}

func (d *Detector) calculateWinRate(rois []float64) float64 {
	if len(rois) == 0 {
		return 0
	}
	wins := 0
	for _, r := range rois {
		if r > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(rois))
}

// calculateVolatility is the sample standard deviation of rois, matching
// the teacher's return-volatility calculation.
func (d *Detector) calculateVolatility(rois []float64) float64 {
	if len(rois) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range rois {
		mean += r
	}
	mean /= float64(len(rois))

	variance := 0.0
	for _, r := range rois {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(rois) - 1)

	return math.Sqrt(variance)
}

func (d *Detector) calculateDrawdown() float64 {
	if d.equityPeak == 0 {
		return 0
	}
	dd := (d.equityPeak - d.equity) / d.equityPeak
	if dd < 0 {
		return 0
	}
	return dd
}
