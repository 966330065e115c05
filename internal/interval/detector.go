// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package interval classifies a live stream of sensor triads into static and
// dynamic runs, self-calibrating its noise threshold from the initial static
// segment. The static intervals it reports are the measurement windows the
// calibration engine consumes.
package interval

import (
	"errors"
	"fmt"
	"math"

	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// Status is the detector's state machine position.
type Status int

const (
	Idle Status = iota
	Initializing
	InitializationCompleted
	StaticInterval
	DynamicInterval
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Initializing:
		return "INITIALIZING"
	case InitializationCompleted:
		return "INITIALIZATION_COMPLETED"
	case StaticInterval:
		return "STATIC_INTERVAL"
	case DynamicInterval:
		return "DYNAMIC_INTERVAL"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// FailReason explains why a detector entered the Failed state.
type FailReason int

const (
	ReasonNone FailReason = iota
	// ReasonSuddenExcessiveMovement: the windowed noise level crossed the
	// absolute ceiling mid-initialization.
	ReasonSuddenExcessiveMovement
	// ReasonOverallExcessiveMovement: the accumulated noise level over the
	// whole initialization segment exceeded the absolute ceiling.
	ReasonOverallExcessiveMovement
)

func (r FailReason) String() string {
	switch r {
	case ReasonSuddenExcessiveMovement:
		return "SUDDEN_EXCESSIVE_MOVEMENT_DETECTED"
	case ReasonOverallExcessiveMovement:
		return "OVERALL_EXCESSIVE_MOVEMENT_DETECTED"
	}
	return "NONE"
}

// NoiseNorm selects how per-axis standard deviations collapse into the scalar
// noise level compared against the threshold.
type NoiseNorm int

const (
	// NormEuclidean uses the root sum of squares across axes.
	NormEuclidean NoiseNorm = iota
	// NormMaxComponent uses the largest per-axis standard deviation.
	NormMaxComponent
)

// Listener receives detector notifications. Callbacks run synchronously on
// the Process caller; a callback that tries to mutate the detector gets
// ErrLocked like any other caller.
type Listener interface {
	OnInitializationStarted(d *Detector)
	OnInitializationCompleted(d *Detector, baseNoiseLevel float64)
	OnStaticIntervalDetected(d *Detector, instAvg, instStd, accAvg, accStd triad.Triad)
	OnDynamicIntervalDetected(d *Detector, instAvg, instStd, accAvg, accStd triad.Triad)
	OnError(d *Detector, accumulatedNoise, instantaneousNoise float64, reason FailReason)
	OnReset(d *Detector)
}

// Detector configuration defaults.
const (
	DefaultWindowSize           = 101
	DefaultInitialStaticSamples = 5000
	DefaultThresholdFactor      = 2.0
	DefaultInstantaneousFactor  = 2.0
	// DefaultAbsoluteThreshold is the noise ceiling above which the sensor is
	// considered to be moving during initialization. Expressed in the unit of
	// the processed stream; tune per sensor.
	DefaultAbsoluteThreshold = 0.1
	// DefaultTimeInterval is the assumed spacing between samples in seconds.
	DefaultTimeInterval = 0.02
)

// ErrLocked is returned by every mutator while the detector is processing.
var ErrLocked = errors.New("interval: detector is running")

// Detector consumes one triad at a time and classifies contiguous runs as
// static or dynamic using a threshold derived from the initial static
// segment. It is not safe for concurrent use.
type Detector struct {
	windowSize           int
	initialStaticSamples int
	thresholdFactor      float64
	instantaneousFactor  float64
	absoluteThreshold    float64
	timeInterval         float64
	noiseNorm            NoiseNorm
	unit                 triad.Unit
	listener             Listener

	status    Status
	reason    FailReason
	processed uint64

	// The window ring buffer and the global accumulator are two separate
	// structures on purpose: the window always tracks the last N samples,
	// the accumulator only runs while a static segment is open.
	window *ring
	acc    accumulator

	winAvg, winStd [3]float64

	// Accumulated statistics frozen at the last static-to-dynamic transition.
	staticAvg, staticStd [3]float64

	baseNoiseLevel float64
	threshold      float64
}

// NewDetector returns an idle detector with default configuration. The
// stream unit defaults to meters per squared second.
func NewDetector() *Detector {
	return &Detector{
		windowSize:           DefaultWindowSize,
		initialStaticSamples: DefaultInitialStaticSamples,
		thresholdFactor:      DefaultThresholdFactor,
		instantaneousFactor:  DefaultInstantaneousFactor,
		absoluteThreshold:    DefaultAbsoluteThreshold,
		timeInterval:         DefaultTimeInterval,
		unit:                 triad.MetersPerSquaredSecond,
		window:               newRing(DefaultWindowSize),
	}
}

// Running reports whether the detector is actively processing a stream.
// Mutators are rejected while true. Failed and Idle detectors accept
// reconfiguration.
func (d *Detector) Running() bool {
	return d.status != Idle && d.status != Failed
}

// SetWindowSize configures the sliding window length. Requires at least two
// samples and an initial static segment of at least twice the window.
func (d *Detector) SetWindowSize(n int) error {
	if d.Running() {
		return ErrLocked
	}
	if n < 2 {
		return fmt.Errorf("interval: window size %d too small, need at least 2", n)
	}
	if 2*n > d.initialStaticSamples {
		return fmt.Errorf("interval: window size %d requires at least %d initial static samples, have %d",
			n, 2*n, d.initialStaticSamples)
	}
	d.windowSize = n
	d.window = newRing(n)
	return nil
}

// SetInitialStaticSamples configures how many leading samples are assumed
// static for threshold self-calibration. Minimum is twice the window size.
func (d *Detector) SetInitialStaticSamples(n int) error {
	if d.Running() {
		return ErrLocked
	}
	if n < 2*d.windowSize {
		return fmt.Errorf("interval: initial static samples %d below minimum %d (2x window size)",
			n, 2*d.windowSize)
	}
	d.initialStaticSamples = n
	return nil
}

// SetThresholdFactor configures the multiplier applied to the base noise
// level to derive the static/dynamic threshold.
func (d *Detector) SetThresholdFactor(f float64) error {
	if d.Running() {
		return ErrLocked
	}
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("interval: threshold factor must be positive, got %v", f)
	}
	d.thresholdFactor = f
	return nil
}

// SetInstantaneousNoiseLevelFactor configures the multiplier applied to the
// windowed noise level before comparison against the threshold.
func (d *Detector) SetInstantaneousNoiseLevelFactor(f float64) error {
	if d.Running() {
		return ErrLocked
	}
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("interval: instantaneous noise level factor must be positive, got %v", f)
	}
	d.instantaneousFactor = f
	return nil
}

// SetBaseNoiseLevelAbsoluteThreshold configures the hard noise ceiling that
// fails initialization when exceeded.
func (d *Detector) SetBaseNoiseLevelAbsoluteThreshold(v float64) error {
	if d.Running() {
		return ErrLocked
	}
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("interval: absolute threshold must be positive, got %v", v)
	}
	d.absoluteThreshold = v
	return nil
}

// SetTimeInterval configures the sample spacing in seconds used by the PSD
// forms of the noise level getters.
func (d *Detector) SetTimeInterval(seconds float64) error {
	if d.Running() {
		return ErrLocked
	}
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return fmt.Errorf("interval: time interval must be positive, got %v", seconds)
	}
	d.timeInterval = seconds
	return nil
}

// SetNoiseNorm selects the norm used for threshold comparison.
func (d *Detector) SetNoiseNorm(n NoiseNorm) error {
	if d.Running() {
		return ErrLocked
	}
	if n != NormEuclidean && n != NormMaxComponent {
		return fmt.Errorf("interval: unknown noise norm %d", n)
	}
	d.noiseNorm = n
	return nil
}

// SetUnit configures the unit every processed triad must carry.
func (d *Detector) SetUnit(u triad.Unit) error {
	if d.Running() {
		return ErrLocked
	}
	if u == "" {
		return triad.ErrNoUnit
	}
	d.unit = u
	return nil
}

// SetListener installs the notification sink.
func (d *Detector) SetListener(l Listener) error {
	if d.Running() {
		return ErrLocked
	}
	d.listener = l
	return nil
}

// Process consumes one triad. It returns false when the detector has failed,
// or when the input is malformed (non-finite components or a unit different
// from the configured stream unit); such inputs are not counted.
func (d *Detector) Process(t triad.Triad) bool {
	if t.Unit() != d.unit {
		return false
	}
	return d.ProcessComponents(t.X, t.Y, t.Z)
}

// ProcessComponents consumes one sample given as bare components in the
// configured stream unit.
func (d *Detector) ProcessComponents(x, y, z float64) bool {
	if d.status == Failed {
		return false
	}
	if !finite(x) || !finite(y) || !finite(z) {
		return false
	}

	if d.status == Idle {
		d.status = Initializing
		if d.listener != nil {
			d.listener.OnInitializationStarted(d)
		}
	}

	d.processed++
	d.window.push(d.triadOf(x, y, z))
	d.updateWindowStats()
	instLevel := d.scalarNoise(d.winStd)

	if d.status == Initializing {
		d.acc.update(x, y, z)

		// Only a warm window carries meaningful statistics.
		if d.window.full() && instLevel > d.absoluteThreshold {
			d.fail(ReasonSuddenExcessiveMovement, instLevel)
			return true
		}
		if d.processed >= uint64(d.initialStaticSamples) {
			accLevel := d.scalarNoise(d.acc.std())
			if accLevel > d.absoluteThreshold {
				d.fail(ReasonOverallExcessiveMovement, instLevel)
				return true
			}
			d.baseNoiseLevel = accLevel
			d.threshold = accLevel * d.thresholdFactor
			d.status = InitializationCompleted
			if d.listener != nil {
				d.listener.OnInitializationCompleted(d, d.baseNoiseLevel)
			}
		}
		return true
	}

	if d.status == InitializationCompleted {
		d.status = StaticInterval
	}

	switch d.status {
	case StaticInterval:
		if instLevel*d.instantaneousFactor >= d.threshold {
			// Freeze the accumulated statistics as the last known static
			// value, then stop accumulating.
			d.staticAvg = d.acc.avg()
			d.staticStd = d.acc.std()
			d.acc.reset()
			d.status = DynamicInterval
			if d.listener != nil {
				d.listener.OnDynamicIntervalDetected(d,
					d.triadOf3(d.winAvg), d.triadOf3(d.winStd),
					d.triadOf3(d.staticAvg), d.triadOf3(d.staticStd))
			}
		} else {
			d.acc.update(x, y, z)
		}

	case DynamicInterval:
		if instLevel*d.instantaneousFactor < d.threshold {
			// Restart accumulation seeded with the current window contents.
			d.acc.reset()
			d.window.do(func(s triad.Triad) {
				d.acc.update(s.X, s.Y, s.Z)
			})
			d.status = StaticInterval
			if d.listener != nil {
				d.listener.OnStaticIntervalDetected(d,
					d.triadOf3(d.winAvg), d.triadOf3(d.winStd),
					d.triadOf3(d.acc.avg()), d.triadOf3(d.acc.std()))
			}
		}
	}

	return true
}

// Reset returns the detector to Idle, clearing the window, the accumulators
// and the self-calibrated threshold. Calling it on an idle detector is a
// no-op apart from the OnReset notification.
func (d *Detector) Reset() {
	d.status = Idle
	d.reason = ReasonNone
	d.processed = 0
	d.window.reset()
	d.acc.reset()
	d.winAvg, d.winStd = [3]float64{}, [3]float64{}
	d.staticAvg, d.staticStd = [3]float64{}, [3]float64{}
	d.baseNoiseLevel = 0
	d.threshold = 0
	if d.listener != nil {
		d.listener.OnReset(d)
	}
}

func (d *Detector) fail(reason FailReason, instLevel float64) {
	accLevel := d.scalarNoise(d.acc.std())
	d.status = Failed
	d.reason = reason
	if d.listener != nil {
		d.listener.OnError(d, accLevel, instLevel, reason)
	}
}

func (d *Detector) updateWindowStats() {
	n := d.window.len()
	if n == 0 {
		d.winAvg, d.winStd = [3]float64{}, [3]float64{}
		return
	}
	var sum [3]float64
	d.window.do(func(s triad.Triad) {
		sum[0] += s.X
		sum[1] += s.Y
		sum[2] += s.Z
	})
	for i := range sum {
		d.winAvg[i] = sum[i] / float64(n)
	}
	if n < 2 {
		d.winStd = [3]float64{}
		return
	}
	var sq [3]float64
	d.window.do(func(s triad.Triad) {
		for i, v := range [3]float64{s.X, s.Y, s.Z} {
			dv := v - d.winAvg[i]
			sq[i] += dv * dv
		}
	})
	for i := range sq {
		d.winStd[i] = math.Sqrt(sq[i] / float64(n-1))
	}
}

func (d *Detector) scalarNoise(std [3]float64) float64 {
	if d.noiseNorm == NormMaxComponent {
		return math.Max(std[0], math.Max(std[1], std[2]))
	}
	return math.Sqrt(std[0]*std[0] + std[1]*std[1] + std[2]*std[2])
}

// Status returns the current state machine position.
func (d *Detector) Status() Status { return d.status }

// Reason returns why the detector failed, or ReasonNone.
func (d *Detector) Reason() FailReason { return d.reason }

// ProcessedSamples returns the number of successfully processed samples
// since the last reset.
func (d *Detector) ProcessedSamples() uint64 { return d.processed }

// Configuration getters, callable at any time.

func (d *Detector) WindowSize() int               { return d.windowSize }
func (d *Detector) InitialStaticSamples() int     { return d.initialStaticSamples }
func (d *Detector) ThresholdFactor() float64      { return d.thresholdFactor }
func (d *Detector) InstantaneousNoiseLevelFactor() float64 {
	return d.instantaneousFactor
}
func (d *Detector) BaseNoiseLevelAbsoluteThreshold() float64 {
	return d.absoluteThreshold
}
func (d *Detector) TimeInterval() float64   { return d.timeInterval }
func (d *Detector) NoiseNorm() NoiseNorm    { return d.noiseNorm }
func (d *Detector) Unit() triad.Unit        { return d.unit }

// WindowedAvg returns the mean of the samples currently in the window.
func (d *Detector) WindowedAvg() triad.Triad { return d.triadOf3(d.winAvg) }

// WindowedStd returns the per-axis standard deviation over the window.
func (d *Detector) WindowedStd() triad.Triad { return d.triadOf3(d.winStd) }

// AccumulatedAvg returns the running static-segment mean, or the value
// frozen at the last static-to-dynamic transition while the sensor moves.
func (d *Detector) AccumulatedAvg() triad.Triad {
	if d.accumulating() {
		return d.triadOf3(d.acc.avg())
	}
	return d.triadOf3(d.staticAvg)
}

// AccumulatedStd returns the running static-segment standard deviation,
// frozen during dynamic intervals like AccumulatedAvg.
func (d *Detector) AccumulatedStd() triad.Triad {
	if d.accumulating() {
		return d.triadOf3(d.acc.std())
	}
	return d.triadOf3(d.staticStd)
}

// AccumulatedSamples returns how many samples the open static segment has
// accumulated.
func (d *Detector) AccumulatedSamples() uint64 { return d.acc.count() }

// BaseNoiseLevel returns the noise level self-calibrated during
// initialization, zero before initialization completes.
func (d *Detector) BaseNoiseLevel() float64 { return d.baseNoiseLevel }

// BaseNoiseLevelRootPSD returns the base noise level expressed as a root
// power spectral density.
func (d *Detector) BaseNoiseLevelRootPSD() float64 {
	return d.baseNoiseLevel * math.Sqrt(d.timeInterval)
}

// BaseNoiseLevelPSD returns the squared root-PSD of the base noise level.
func (d *Detector) BaseNoiseLevelPSD() float64 {
	r := d.BaseNoiseLevelRootPSD()
	return r * r
}

// Threshold returns baseNoiseLevel times the threshold factor, zero before
// initialization completes.
func (d *Detector) Threshold() float64 { return d.threshold }

// AccumulatedNoiseLevel returns the scalar noise level of the accumulated
// statistics, frozen during dynamic intervals.
func (d *Detector) AccumulatedNoiseLevel() float64 {
	if d.accumulating() {
		return d.scalarNoise(d.acc.std())
	}
	return d.scalarNoise(d.staticStd)
}

func (d *Detector) AccumulatedNoiseLevelRootPSD() float64 {
	return d.AccumulatedNoiseLevel() * math.Sqrt(d.timeInterval)
}

func (d *Detector) AccumulatedNoiseLevelPSD() float64 {
	r := d.AccumulatedNoiseLevelRootPSD()
	return r * r
}

// InstantaneousNoiseLevel returns the scalar noise level of the current
// window.
func (d *Detector) InstantaneousNoiseLevel() float64 {
	return d.scalarNoise(d.winStd)
}

func (d *Detector) InstantaneousNoiseLevelRootPSD() float64 {
	return d.InstantaneousNoiseLevel() * math.Sqrt(d.timeInterval)
}

func (d *Detector) InstantaneousNoiseLevelPSD() float64 {
	r := d.InstantaneousNoiseLevelRootPSD()
	return r * r
}

func (d *Detector) accumulating() bool {
	switch d.status {
	case Initializing, InitializationCompleted, StaticInterval:
		return true
	}
	return false
}

func (d *Detector) triadOf(x, y, z float64) triad.Triad {
	t, _ := triad.New(x, y, z, d.unit) // unit is never empty
	return t
}

func (d *Detector) triadOf3(v [3]float64) triad.Triad {
	return d.triadOf(v[0], v[1], v[2])
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
