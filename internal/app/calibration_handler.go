// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/inertial_calibrator/internal/calibration"
	"github.com/relabs-tech/inertial_calibrator/internal/config"
	"github.com/relabs-tech/inertial_calibrator/internal/interval"
	"github.com/relabs-tech/inertial_calibrator/internal/sample"
	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// liveSession holds the detector state shared between the MQTT sample
// feed, the JSON API and websocket calibration runs.
type liveSession struct {
	cfg       *config.Config
	publisher mqtt.Client

	mu       sync.Mutex
	det      *interval.Detector
	rec      *staticRecorder
	attitude [3]float64 // the placement the UI announced, radians
	haveAtt  bool
	result   *ResultReport
}

func newLiveSession(cfg *config.Config) (*liveSession, error) {
	det, err := newDetectorFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	rec := &staticRecorder{}
	if err := det.SetListener(rec); err != nil {
		return nil, err
	}
	return &liveSession{cfg: cfg, det: det, rec: rec}, nil
}

// process feeds one sample through the detector and publishes a status
// event on every state change.
func (s *liveSession) process(sm sample.Sample) {
	t, err := sm.Triad()
	if err != nil {
		log.Printf("web: bad sample %d: %v", sm.Seq, err)
		return
	}

	s.mu.Lock()
	before := s.det.Status()
	ok := s.det.Process(t)
	after := s.det.Status()
	if ok && s.haveAtt && (after == interval.StaticInterval || after == interval.InitializationCompleted) {
		s.rec.Observe(sample.Record{
			Sample:      sm,
			Roll:        s.attitude[0],
			Pitch:       s.attitude[1],
			Yaw:         s.attitude[2],
			HasAttitude: true,
		})
	}
	var ev *StatusEvent
	if before != after {
		snapshot := s.statusEventLocked()
		ev = &snapshot
	}
	s.mu.Unlock()

	if ev != nil {
		s.publishStatus(*ev)
	}
}

func (s *liveSession) statusEvent() StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusEventLocked()
}

func (s *liveSession) statusEventLocked() StatusEvent {
	ev := StatusEvent{
		Status:             s.det.Status().String(),
		Samples:            s.det.ProcessedSamples(),
		BaseNoiseLevel:     s.det.BaseNoiseLevel(),
		Threshold:          s.det.Threshold(),
		InstantaneousNoise: s.det.InstantaneousNoiseLevel(),
		AccumulatedNoise:   s.det.AccumulatedNoiseLevel(),
		Intervals:          len(s.rec.Intervals),
	}
	if s.det.Status() == interval.Failed {
		ev.Reason = s.det.Reason().String()
	}
	return ev
}

func (s *liveSession) lastResult() (ResultReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return ResultReport{}, false
	}
	return *s.result, true
}

func (s *liveSession) publishStatus(ev StatusEvent) {
	if s.publisher == nil || s.cfg.TopicStatus == "" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("web: status marshal error: %v", err)
		return
	}
	s.publisher.Publish(s.cfg.TopicStatus, 0, true, payload)
}

func (s *liveSession) publishResult(r ResultReport) {
	if s.publisher == nil || s.cfg.TopicCalResult == "" {
		return
	}
	payload, err := json.Marshal(r)
	if err != nil {
		log.Printf("web: result marshal error: %v", err)
		return
	}
	s.publisher.Publish(s.cfg.TopicCalResult, 0, true, payload)
}

// WebSocket message types
type WSMessage struct {
	Action string  `json:"action"` // status, attitude, calibrate, reset, cancel
	Roll   float64 `json:"roll,omitempty"`
	Pitch  float64 `json:"pitch,omitempty"`
	Yaw    float64 `json:"yaw,omitempty"`
}

type WSResponse struct {
	Type     string       `json:"type"` // status, progress, complete, error
	Status   *StatusEvent `json:"status,omitempty"`
	Progress float64      `json:"progress,omitempty"`
	Results  interface{}  `json:"results,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// handleWS drives one guided calibration flow: the client announces each
// placement's attitude, watches detector status, and finally asks for the
// fit.
func (s *liveSession) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			log.Printf("web: websocket read error: %v", err)
			return
		}

		switch msg.Action {
		case "status":
			ev := s.statusEvent()
			s.sendWS(conn, WSResponse{Type: "status", Status: &ev})

		case "attitude":
			s.mu.Lock()
			s.attitude = [3]float64{msg.Roll, msg.Pitch, msg.Yaw}
			s.haveAtt = true
			s.mu.Unlock()
			log.Printf("web: placement attitude set to roll=%.3f pitch=%.3f yaw=%.3f", msg.Roll, msg.Pitch, msg.Yaw)

		case "calibrate":
			if err := s.calibrate(conn); err != nil {
				s.sendWS(conn, WSResponse{Type: "error", Message: err.Error()})
			}

		case "reset":
			s.mu.Lock()
			s.det.Reset()
			s.haveAtt = false
			s.result = nil
			s.mu.Unlock()
			log.Printf("web: detector reset by client")

		case "cancel":
			log.Printf("web: calibration cancelled by client")
			return
		}
	}
}

// wsProgressListener forwards engine progress over the websocket.
type wsProgressListener struct {
	session *liveSession
	conn    *websocket.Conn
}

func (l *wsProgressListener) OnCalibrateStart(*calibration.RobustCalibrator) {}
func (l *wsProgressListener) OnCalibrateEnd(*calibration.RobustCalibrator)   {}
func (l *wsProgressListener) OnCalibrateProgress(_ *calibration.RobustCalibrator, p float64) {
	l.session.sendWS(l.conn, WSResponse{Type: "progress", Progress: p})
}

// calibrate runs the engine over the collected intervals. conn may be nil
// for headless runs triggered over MQTT; progress then goes unreported.
func (s *liveSession) calibrate(conn *websocket.Conn) error {
	// Snapshot the recorder so the trailing static segment can be flushed
	// without disturbing the live detector state.
	s.mu.Lock()
	snap := *s.rec
	snap.Intervals = append([]interval.StaticIntervalResult(nil), s.rec.Intervals...)
	snap.Attitudes = append([][3]float64(nil), s.rec.Attitudes...)
	snap.Flush(s.det)
	ms, err := measurementsFromIntervals(s.cfg, &snap)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	engine, err := newEngineFromConfig(s.cfg)
	if err != nil {
		return err
	}
	if err := engine.SetFieldModel(modelForUnit(triad.Unit(s.cfg.SampleUnit))); err != nil {
		return err
	}
	if err := engine.SetMeasurements(ms); err != nil {
		return err
	}
	if conn != nil {
		if err := engine.SetListener(&wsProgressListener{session: s, conn: conn}); err != nil {
			return err
		}
	}

	if err := engine.Calibrate(); err != nil {
		return err
	}

	report := newResultReport(engine)
	s.mu.Lock()
	s.result = &report
	s.mu.Unlock()
	s.publishResult(report)
	log.Printf("web: %s fit done, %d/%d inliers, mse=%.6g",
		report.Method, len(report.Inliers), report.Measurements, report.Mse)

	s.sendWS(conn, WSResponse{Type: "complete", Results: report})
	return nil
}

func (s *liveSession) sendWS(conn *websocket.Conn, resp WSResponse) {
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(resp); err != nil {
		log.Printf("web: websocket write error: %v", err)
	}
}
