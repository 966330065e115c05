package app

import (
	"encoding/json"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/inertial_calibrator/internal/config"
)

// DisplayData holds the latest data for display
type DisplayData struct {
	mu sync.RWMutex

	status     StatusEvent
	haveStatus bool

	result     ResultReport
	haveResult bool
}

// RunDisplay drives the status OLED next to the calibration rig. What it
// shows is selected by DISPLAY_CONTENT: "status", "noise" or "result".
func RunDisplay() error {
	cfg := config.Get()

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus
	bus, err := i2creg.Open("")
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	// The driver fixes the I2C address at 0x3C.
	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	log.Println("display: initialized")

	if err := showSplash(dev); err != nil {
		log.Printf("display: error showing splash: %v", err)
	}

	// Data storage
	data := &DisplayData{}

	// Connect to MQTT
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDDisplay)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("display: connected to MQTT broker at %s", cfg.MQTTBroker)

	// Status events feed both the "status" and "noise" contents
	if cfg.TopicStatus != "" {
		token := client.Subscribe(cfg.TopicStatus, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var ev StatusEvent
			if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
				log.Printf("display: status unmarshal error: %v", err)
				return
			}
			data.mu.Lock()
			data.status = ev
			data.haveStatus = true
			data.mu.Unlock()
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("display: subscribed to %s", cfg.TopicStatus)
	}

	if cfg.TopicCalResult != "" {
		token := client.Subscribe(cfg.TopicCalResult, 0, func(_ mqtt.Client, msg mqtt.Message) {
			var r ResultReport
			if err := json.Unmarshal(msg.Payload(), &r); err != nil {
				log.Printf("display: result unmarshal error: %v", err)
				return
			}
			data.mu.Lock()
			data.result = r
			data.haveResult = true
			data.mu.Unlock()
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("display: subscribed to %s", cfg.TopicCalResult)
	}

	// Display update loop
	ticker := time.NewTicker(time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond)
	defer ticker.Stop()

	log.Println("display: starting update loop")

	for range ticker.C {
		data.mu.RLock()
		snapshot := DisplayData{
			status:     data.status,
			haveStatus: data.haveStatus,
			result:     data.result,
			haveResult: data.haveResult,
		}
		data.mu.RUnlock()

		if err := updateDisplay(dev, cfg.DisplayContent, &snapshot); err != nil {
			log.Printf("display: error updating display: %v", err)
		}
	}

	return nil
}

func updateDisplay(dev *ssd1306.Dev, content string, data *DisplayData) error {
	switch content {
	case "status":
		return updateStatusDisplay(dev, data.status, data.haveStatus)
	case "noise":
		return updateNoiseDisplay(dev, data.status, data.haveStatus)
	case "result":
		return updateResultDisplay(dev, data.result, data.haveResult)
	default:
		return fmt.Errorf("unknown display content type: %s", content)
	}
}

func newDrawer() (*image1bit.VerticalLSB, *font.Drawer) {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, 128, 64))

	// Blank image
	for i := 0; i < 1024; i++ {
		img.Pix[i] = 0
	}

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	return img, drawer
}

func updateStatusDisplay(dev *ssd1306.Dev, ev StatusEvent, haveData bool) error {
	img, drawer := newDrawer()

	if !haveData {
		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte("Calibrator"))
		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte("Waiting..."))
	} else {
		drawer.Dot = fixed.P(0, 13)
		drawer.DrawBytes([]byte(ev.Status))

		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte(fmt.Sprintf("n: %d", ev.Samples)))

		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte(fmt.Sprintf("ivl: %d", ev.Intervals)))

		if ev.Reason != "" {
			drawer.Dot = fixed.P(0, 52)
			drawer.DrawBytes([]byte("FAILED"))
		}
	}

	return dev.Draw(dev.Bounds(), img, image.Point{})
}

func updateNoiseDisplay(dev *ssd1306.Dev, ev StatusEvent, haveData bool) error {
	img, drawer := newDrawer()

	if !haveData {
		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte("Noise"))
		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte("Waiting..."))
	} else {
		drawer.Dot = fixed.P(0, 13)
		drawer.DrawBytes([]byte(fmt.Sprintf("base %.2e", ev.BaseNoiseLevel)))

		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte(fmt.Sprintf("thr  %.2e", ev.Threshold)))

		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte(fmt.Sprintf("inst %.2e", ev.InstantaneousNoise)))

		drawer.Dot = fixed.P(0, 52)
		drawer.DrawBytes([]byte(fmt.Sprintf("acc  %.2e", ev.AccumulatedNoise)))
	}

	return dev.Draw(dev.Bounds(), img, image.Point{})
}

func updateResultDisplay(dev *ssd1306.Dev, r ResultReport, haveData bool) error {
	img, drawer := newDrawer()

	if !haveData {
		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte("Calibration"))
		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte("No result"))
	} else {
		drawer.Dot = fixed.P(0, 13)
		drawer.DrawBytes([]byte(fmt.Sprintf("%s %d/%d", r.Method, len(r.Inliers), r.Measurements)))

		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte(fmt.Sprintf("b %.3f %.3f", r.Bias[0], r.Bias[1])))

		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte(fmt.Sprintf("  %.3f", r.Bias[2])))

		drawer.Dot = fixed.P(0, 52)
		drawer.DrawBytes([]byte(fmt.Sprintf("mse %.2e", r.Mse)))
	}

	return dev.Draw(dev.Bounds(), img, image.Point{})
}

func showSplash(dev *ssd1306.Dev) error {
	img, drawer := newDrawer()

	drawer.Dot = fixed.P(10, 26)
	drawer.DrawBytes([]byte("Inertial Pi"))

	drawer.Dot = fixed.P(5, 43)
	drawer.DrawBytes([]byte("Calibrator"))

	return dev.Draw(dev.Bounds(), img, image.Point{})
}
