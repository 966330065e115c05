// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/inertial_calibrator/internal/app"
	"github.com/relabs-tech/inertial_calibrator/internal/config"
)

func main() {
	configPath := flag.String("config", "./calibrator_config.txt", "path to configuration file")
	input := flag.String("input", "", "path to recorded samples CSV (defaults to SAMPLE_FILE from config)")
	output := flag.String("output", "./calibration_result.json", "path to write the calibration report")
	flag.Parse()

	log.Println("starting inertial-calibrator offline calibration (CSV → JSON report)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	in := *input
	if in == "" {
		in = config.Get().SampleFile
	}

	if err := app.RunCalibrate(in, *output); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
