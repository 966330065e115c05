// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/relabs-tech/inertial_calibrator/internal/config"
	"github.com/relabs-tech/inertial_calibrator/internal/fieldmodel"
	"github.com/relabs-tech/inertial_calibrator/internal/frame"
	"github.com/relabs-tech/inertial_calibrator/internal/interval"
	"github.com/relabs-tech/inertial_calibrator/internal/sample"
	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// RunCalibrate replays a CSV recording through the interval detector,
// turns every completed static interval into a calibration measurement and
// fits the error model with the configured robust engine. The report is
// written as JSON to outputPath.
func RunCalibrate(inputPath, outputPath string) error {
	cfg := config.Get()

	// ---- 1) Open the recording ----
	src, err := sample.OpenCSV(inputPath, cfg.SampleUnit)
	if err != nil {
		return err
	}
	defer src.Close()
	log.Printf("calibrate: reading samples from %s (%s)", inputPath, cfg.SampleUnit)

	// ---- 2) Detect static intervals ----
	det, err := newDetectorFromConfig(cfg)
	if err != nil {
		return err
	}
	rec := &staticRecorder{}
	if err := det.SetListener(rec); err != nil {
		return err
	}

	var processed, rejected uint64
	for {
		row, err := src.NextRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("calibrate: read error after %d samples: %w", processed, err)
		}
		t, err := row.Triad()
		if err != nil {
			return fmt.Errorf("calibrate: sample %d: %w", row.Seq, err)
		}
		if !det.Process(t) {
			if det.Status() == interval.Failed {
				return fmt.Errorf("calibrate: detector failed after %d samples: %s",
					det.ProcessedSamples(), det.Reason())
			}
			rejected++
			continue
		}
		processed++
		if det.Status() == interval.StaticInterval || det.Status() == interval.InitializationCompleted {
			rec.Observe(row)
		}
	}
	rec.Flush(det)

	if rejected > 0 {
		log.Printf("calibrate: rejected %d non-finite samples", rejected)
	}
	log.Printf("calibrate: %d samples processed, base noise level %.6g, %d static intervals",
		processed, det.BaseNoiseLevel(), len(rec.Intervals))

	// ---- 3) Build measurements ----
	ms, err := measurementsFromIntervals(cfg, rec)
	if err != nil {
		return err
	}

	// ---- 4) Fit the error model ----
	engine, err := newEngineFromConfig(cfg)
	if err != nil {
		return err
	}
	if err := engine.SetFieldModel(modelForUnit(triad.Unit(cfg.SampleUnit))); err != nil {
		return err
	}
	if err := engine.SetMeasurements(ms); err != nil {
		return err
	}
	if err := engine.Calibrate(); err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}

	report := newResultReport(engine)
	log.Printf("calibrate: %s fit done, %d/%d inliers, mse=%.6g",
		report.Method, len(report.Inliers), report.Measurements, report.Mse)

	// ---- 5) Write the report ----
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal calibration report: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write calibration report: %w", err)
	}
	log.Printf("calibrate: saved report to %s", outputPath)
	return nil
}

// modelForUnit picks the reference field for the sensor being calibrated:
// gravity for accelerometers, the geomagnetic field for magnetometers. The
// magnetic model is rescaled to the recording unit.
func modelForUnit(u triad.Unit) fieldmodel.Model {
	switch u {
	case triad.Teslas:
		return fieldmodel.MagneticModel{}
	case triad.Microteslas:
		return scaledModel{inner: fieldmodel.MagneticModel{}, unit: u, factor: 1e6}
	case triad.Nanoteslas:
		return scaledModel{inner: fieldmodel.MagneticModel{}, unit: u, factor: 1e9}
	default:
		return fieldmodel.GravityModel{}
	}
}

// scaledModel converts a field model's output into another unit of the
// same quantity.
type scaledModel struct {
	inner  fieldmodel.Model
	unit   triad.Unit
	factor float64
}

func (m scaledModel) Expected(f frame.Frame, year float64) (triad.Triad, error) {
	v, err := m.inner.Expected(f, year)
	if err != nil {
		return triad.Triad{}, err
	}
	v = v.Scale(m.factor)
	if err := v.SetUnit(m.unit); err != nil {
		return triad.Triad{}, err
	}
	return v, nil
}
