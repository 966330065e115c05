package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/inertial_calibrator/internal/config"
	"github.com/relabs-tech/inertial_calibrator/internal/gps"
	"github.com/relabs-tech/inertial_calibrator/internal/sample"
)

// RunMonitor subscribes to the calibrator topics and prints everything to
// the terminal until interrupted.
func RunMonitor() error {
	cfg := config.Get()
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDMonitor)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("monitor: connected to MQTT broker at %s", cfg.MQTTBroker)

	// Subscribe to raw samples
	sampleToken := client.Subscribe(cfg.TopicSamples, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var s sample.Sample
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Printf("monitor: sample unmarshal error: %v", err)
			return
		}

		fmt.Printf(
			"[SMPL] seq=%8d  x=%9.4f y=%9.4f z=%9.4f %s\n",
			s.Seq, s.X, s.Y, s.Z, s.Unit,
		)
	})
	sampleToken.Wait()
	if sampleToken.Error() != nil {
		return sampleToken.Error()
	}
	log.Printf("monitor: subscribed to %s", cfg.TopicSamples)

	// Subscribe to detector status events
	if cfg.TopicStatus != "" {
		statusToken := client.Subscribe(cfg.TopicStatus, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var ev StatusEvent
			if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
				log.Printf("monitor: status unmarshal error: %v", err)
				return
			}

			fmt.Printf(
				"[STAT] %-25s samples=%8d base=%.6g thr=%.6g inst=%.6g intervals=%d\n",
				ev.Status, ev.Samples, ev.BaseNoiseLevel, ev.Threshold, ev.InstantaneousNoise, ev.Intervals,
			)
			if ev.Reason != "" {
				fmt.Printf("[STAT] failure: %s\n", ev.Reason)
			}
		})
		statusToken.Wait()
		if statusToken.Error() != nil {
			return statusToken.Error()
		}
		log.Printf("monitor: subscribed to %s", cfg.TopicStatus)
	}

	// Subscribe to calibration results
	if cfg.TopicCalResult != "" {
		resultToken := client.Subscribe(cfg.TopicCalResult, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var r ResultReport
			if err := json.Unmarshal(msg.Payload(), &r); err != nil {
				log.Printf("monitor: result unmarshal error: %v", err)
				return
			}

			fmt.Printf(
				"[CAL ] %s bias=(%.6g, %.6g, %.6g)%s scale=(%.5f, %.5f, %.5f) mse=%.6g inliers=%d/%d\n",
				r.Method,
				r.Bias[0], r.Bias[1], r.Bias[2], r.Unit,
				r.ScaleFactors[0], r.ScaleFactors[1], r.ScaleFactors[2],
				r.Mse, len(r.Inliers), r.Measurements,
			)
		})
		resultToken.Wait()
		if resultToken.Error() != nil {
			return resultToken.Error()
		}
		log.Printf("monitor: subscribed to %s", cfg.TopicCalResult)
	}

	// Subscribe to GPS
	if cfg.TopicGPS != "" {
		gpsToken := client.Subscribe(cfg.TopicGPS, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var f gps.Fix
			if err := json.Unmarshal(msg.Payload(), &f); err != nil {
				log.Printf("monitor: gps unmarshal error: %v", err)
				return
			}

			fmt.Printf(
				"[GPS ] time=%s date=%s lat=%.6f lon=%.6f alt=%.1fm sats=%d hdop=%.1f validity=%s\n",
				f.Time, f.Date, f.Latitude, f.Longitude, f.Altitude, f.Satellites, f.HDOP, f.Validity,
			)
		})
		gpsToken.Wait()
		if gpsToken.Error() != nil {
			return gpsToken.Error()
		}
		log.Printf("monitor: subscribed to %s", cfg.TopicGPS)
	}

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("monitor: shutting down")
	client.Disconnect(250)
	return nil
}
