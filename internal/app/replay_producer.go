// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/inertial_calibrator/internal/config"
	"github.com/relabs-tech/inertial_calibrator/internal/sample"
)

// RunReplayProducer streams a CSV recording over MQTT at the configured
// sample interval, standing in for a live sensor during calibration runs.
func RunReplayProducer() error {
	cfg := config.Get()

	// ---- 1) Connect to MQTT broker ----
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDReplay)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Printf("replay: connected to MQTT broker at %s", cfg.MQTTBroker)

	// ---- 2) Open the recording ----
	src, err := sample.OpenCSV(cfg.SampleFile, cfg.SampleUnit)
	if err != nil {
		return err
	}
	defer src.Close()
	log.Printf("replay: streaming %s to %s every %dms", cfg.SampleFile, cfg.TopicSamples, cfg.SampleInterval)

	ticker := time.NewTicker(time.Duration(cfg.SampleInterval) * time.Millisecond)
	defer ticker.Stop()

	var published uint64
	for range ticker.C {
		s, err := src.Next()
		if errors.Is(err, io.EOF) {
			log.Printf("replay: recording finished, %d samples published", published)
			return nil
		}
		if err != nil {
			return err
		}

		payload, err := json.Marshal(s)
		if err != nil {
			log.Printf("replay: sample marshal error: %v", err)
			continue
		}
		if token := client.Publish(cfg.TopicSamples, 0, false, payload); token.Wait() && token.Error() != nil {
			log.Printf("replay: publish error: %v", token.Error())
			continue
		}
		published++
	}
	return nil
}
