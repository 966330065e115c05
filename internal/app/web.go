package app

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/inertial_calibrator/internal/config"
	"github.com/relabs-tech/inertial_calibrator/internal/sample"
)

// RunWeb hosts the live calibration service: it feeds MQTT samples through
// the interval detector, exposes the detector state over a JSON API and
// drives calibration runs over a websocket.
func RunWeb() error {
	cfg := config.Get()

	session, err := newLiveSession(cfg)
	if err != nil {
		return err
	}

	// 1) Connect to MQTT broker
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDWeb)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	session.publisher = client
	log.Printf("web: connected to MQTT broker at %s", cfg.MQTTBroker)

	// 2) Feed every incoming sample through the detector
	token := client.Subscribe(cfg.TopicSamples, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var s sample.Sample
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Printf("web: sample unmarshal error: %v", err)
			return
		}
		session.process(s)
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("web: subscribed to %s", cfg.TopicSamples)

	// Headless calibration trigger: any message on the request topic runs
	// a fit and publishes the report.
	if cfg.TopicCalRequest != "" {
		reqToken := client.Subscribe(cfg.TopicCalRequest, 0, func(_ mqtt.Client, _ mqtt.Message) {
			if err := session.calibrate(nil); err != nil {
				log.Printf("web: requested calibration failed: %v", err)
			}
		})
		reqToken.Wait()
		if reqToken.Error() != nil {
			return reqToken.Error()
		}
		log.Printf("web: subscribed to %s", cfg.TopicCalRequest)
	}

	// 3) JSON API: detector state and last result
	http.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(session.statusEvent()); err != nil {
			log.Printf("web: json encode error: %v", err)
		}
	})

	http.HandleFunc("/api/result", func(w http.ResponseWriter, r *http.Request) {
		result, ok := session.lastResult()
		if !ok {
			http.Error(w, "no calibration result yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			log.Printf("web: json encode error: %v", err)
		}
	})

	// 4) Websocket for the guided calibration flow
	http.HandleFunc("/ws/calibration", session.handleWS)

	// 5) Static files from ./web as the root
	fs := http.FileServer(http.Dir("web"))
	http.Handle("/", fs)

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Printf("web server listening on %s", addr)
	return http.ListenAndServe(addr, nil)
}
