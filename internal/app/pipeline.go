// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"math"

	"github.com/relabs-tech/inertial_calibrator/internal/calibration"
	"github.com/relabs-tech/inertial_calibrator/internal/config"
	"github.com/relabs-tech/inertial_calibrator/internal/frame"
	"github.com/relabs-tech/inertial_calibrator/internal/interval"
	"github.com/relabs-tech/inertial_calibrator/internal/sample"
	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// newDetectorFromConfig builds an interval detector from the loaded
// configuration.
func newDetectorFromConfig(cfg *config.Config) (*interval.Detector, error) {
	d := interval.NewDetector()
	// Window and initial segment validate against each other, grow the
	// initial segment first when it does not fit the current window.
	if cfg.DetectorInitialStaticSamples >= 2*d.WindowSize() {
		if err := d.SetInitialStaticSamples(cfg.DetectorInitialStaticSamples); err != nil {
			return nil, err
		}
		if err := d.SetWindowSize(cfg.DetectorWindowSize); err != nil {
			return nil, err
		}
	} else {
		if err := d.SetWindowSize(cfg.DetectorWindowSize); err != nil {
			return nil, err
		}
		if err := d.SetInitialStaticSamples(cfg.DetectorInitialStaticSamples); err != nil {
			return nil, err
		}
	}
	if err := d.SetThresholdFactor(cfg.DetectorThresholdFactor); err != nil {
		return nil, err
	}
	if err := d.SetInstantaneousNoiseLevelFactor(cfg.DetectorInstantaneousFactor); err != nil {
		return nil, err
	}
	if err := d.SetBaseNoiseLevelAbsoluteThreshold(cfg.DetectorAbsoluteThreshold); err != nil {
		return nil, err
	}
	if err := d.SetTimeInterval(cfg.DetectorTimeInterval); err != nil {
		return nil, err
	}
	norm := interval.NormEuclidean
	if cfg.DetectorNoiseNorm == "max" {
		norm = interval.NormMaxComponent
	}
	if err := d.SetNoiseNorm(norm); err != nil {
		return nil, err
	}
	if err := d.SetUnit(triad.Unit(cfg.SampleUnit)); err != nil {
		return nil, err
	}
	return d, nil
}

// newEngineFromConfig builds a robust calibration engine from the loaded
// configuration.
func newEngineFromConfig(cfg *config.Config) (*calibration.RobustCalibrator, error) {
	method, err := calibration.ParseMethod(cfg.EngineMethod)
	if err != nil {
		return nil, err
	}
	e := calibration.NewRobustCalibrator()
	if err := e.SetMethod(method); err != nil {
		return nil, err
	}
	if err := e.SetConfidence(cfg.EngineConfidence); err != nil {
		return nil, err
	}
	if err := e.SetMaxIterations(cfg.EngineMaxIterations); err != nil {
		return nil, err
	}
	if cfg.EngineSubsetSize > 0 {
		if err := e.SetPreliminarySubsetSize(cfg.EngineSubsetSize); err != nil {
			return nil, err
		}
	}
	if err := e.SetInlierThreshold(cfg.EngineInlierThreshold); err != nil {
		return nil, err
	}
	if err := e.SetProgressDelta(cfg.EngineProgressDelta); err != nil {
		return nil, err
	}
	if err := e.SetCommonAxisUsed(cfg.EngineCommonAxis); err != nil {
		return nil, err
	}
	if err := e.SetResultRefined(cfg.EngineRefineResult); err != nil {
		return nil, err
	}
	if err := e.SetCovarianceKept(cfg.EngineKeepCovariance); err != nil {
		return nil, err
	}
	if err := e.SetLinearCalibratorUsed(cfg.EngineUseLinear); err != nil {
		return nil, err
	}
	if err := e.SetPreliminarySolutionsRefined(cfg.EngineRefinePreliminary); err != nil {
		return nil, err
	}
	return e, nil
}

// staticRecorder extends the interval collector with per-interval attitude
// averages, so each completed static segment can become a measurement at
// the frame the device actually held.
type staticRecorder struct {
	interval.Collector

	Attitudes [][3]float64 // parallel to Collector.Intervals

	sumRoll, sumPitch, sumYaw float64
	attSamples                uint64
}

func (r *staticRecorder) OnInitializationCompleted(d *interval.Detector, baseNoiseLevel float64) {
	r.Collector.OnInitializationCompleted(d, baseNoiseLevel)
	r.resetAttitude()
}

func (r *staticRecorder) OnStaticIntervalDetected(d *interval.Detector, instAvg, instStd, accAvg, accStd triad.Triad) {
	r.Collector.OnStaticIntervalDetected(d, instAvg, instStd, accAvg, accStd)
	r.resetAttitude()
}

func (r *staticRecorder) OnDynamicIntervalDetected(d *interval.Detector, instAvg, instStd, accAvg, accStd triad.Triad) {
	r.Collector.OnDynamicIntervalDetected(d, instAvg, instStd, accAvg, accStd)
	r.Attitudes = append(r.Attitudes, r.attitudeAvg())
	r.resetAttitude()
}

func (r *staticRecorder) OnReset(d *interval.Detector) {
	r.Collector.OnReset(d)
	r.Attitudes = nil
	r.resetAttitude()
}

// Observe accumulates the attitude of one sample. Call it after Process,
// only for samples the detector attributed to a static segment.
func (r *staticRecorder) Observe(rec sample.Record) {
	if !rec.HasAttitude {
		return
	}
	r.sumRoll += rec.Roll
	r.sumPitch += rec.Pitch
	r.sumYaw += rec.Yaw
	r.attSamples++
}

// Flush closes the trailing static segment, if the detector left one open.
func (r *staticRecorder) Flush(d *interval.Detector) {
	before := len(r.Intervals)
	r.Collector.Flush(d)
	if len(r.Intervals) > before {
		r.Attitudes = append(r.Attitudes, r.attitudeAvg())
		r.resetAttitude()
	}
}

func (r *staticRecorder) attitudeAvg() [3]float64 {
	if r.attSamples == 0 {
		return [3]float64{}
	}
	n := float64(r.attSamples)
	return [3]float64{r.sumRoll / n, r.sumPitch / n, r.sumYaw / n}
}

func (r *staticRecorder) resetAttitude() {
	r.sumRoll, r.sumPitch, r.sumYaw = 0, 0, 0
	r.attSamples = 0
}

// measurementsFromIntervals converts the recorded static intervals into
// calibration measurements at the configured reference position. The
// quality score favors quieter intervals.
func measurementsFromIntervals(cfg *config.Config, rec *staticRecorder) ([]calibration.Measurement, error) {
	if len(rec.Intervals) != len(rec.Attitudes) {
		return nil, fmt.Errorf("calibrate: %d intervals but %d attitude averages", len(rec.Intervals), len(rec.Attitudes))
	}
	ms := make([]calibration.Measurement, 0, len(rec.Intervals))
	for i, iv := range rec.Intervals {
		att := rec.Attitudes[i]
		f := frame.Frame{
			Latitude:  cfg.Latitude * math.Pi / 180,
			Longitude: cfg.Longitude * math.Pi / 180,
			Height:    cfg.Height,
			Roll:      att[0],
			Pitch:     att[1],
			Yaw:       att[2],
		}
		m, err := calibration.NewMeasurement(iv.Avg, iv.Std, f)
		if err != nil {
			return nil, fmt.Errorf("calibrate: interval %d: %w", i, err)
		}
		ms = append(ms, m.WithQuality(1/(1+iv.Std.Norm())))
	}
	return ms, nil
}
