package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker          string
	MQTTClientIDReplay  string
	MQTTClientIDGPS     string
	MQTTClientIDMonitor string
	MQTTClientIDWeb     string
	MQTTClientIDDisplay string

	// Topics
	TopicSamples    string
	TopicGPS        string
	TopicStatus     string
	TopicCalResult  string
	TopicCalRequest string

	// Sensor input
	SampleFile     string
	SampleUnit     string
	SampleInterval int // milliseconds

	// GPS
	GPSSerialPort string
	GPSBaudRate   int

	// Reference position used when no GPS fix is available
	Latitude  float64 // degrees
	Longitude float64 // degrees
	Height    float64 // meters

	// Interval detector
	DetectorWindowSize           int
	DetectorInitialStaticSamples int
	DetectorThresholdFactor      float64
	DetectorInstantaneousFactor  float64
	DetectorAbsoluteThreshold    float64
	DetectorTimeInterval         float64 // seconds
	DetectorNoiseNorm            string  // "euclidean" or "max"

	// Calibration engine
	EngineMethod            string
	EngineConfidence        float64
	EngineMaxIterations     int
	EngineSubsetSize        int // 0 picks the minimum for the model
	EngineInlierThreshold   float64
	EngineProgressDelta     float64
	EngineCommonAxis        bool
	EngineRefineResult      bool
	EngineKeepCovariance    bool
	EngineUseLinear         bool
	EngineRefinePreliminary bool

	// Web Server
	WebServerPort int

	// Display
	DisplayUpdateInterval int    // milliseconds
	DisplayContent        string // what to show: "status", "noise", "result"
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: unexported (lowercase) so other packages cannot access it directly.
//     This enforces encapsulation and prevents external code from modifying config without proper locking.
//     Has package-level scope (visible to all functions in this package, persists for program lifetime).
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: RWMutex protects concurrent access. Write lock (Lock) for initialization,
//     read lock (RLock) for Get() allows multiple concurrent readers without blocking each other.
//
// External code must use InitGlobal() to set and Get() to read, ensuring thread safety.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := defaults()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaults returns a config pre-filled with the values that have safe
// fallbacks. Required keys stay zero so validate can catch them.
func defaults() *Config {
	return &Config{
		DetectorWindowSize:           101,
		DetectorInitialStaticSamples: 5000,
		DetectorThresholdFactor:      2.0,
		DetectorInstantaneousFactor:  2.0,
		DetectorAbsoluteThreshold:    0.1,
		DetectorTimeInterval:         0.02,
		DetectorNoiseNorm:            "euclidean",
		EngineMethod:                 "LMedS",
		EngineConfidence:             0.99,
		EngineMaxIterations:          5000,
		EngineInlierThreshold:        0.05,
		EngineProgressDelta:          0.05,
		EngineRefineResult:           true,
		EngineKeepCovariance:         true,
		EngineUseLinear:              true,
	}
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_REPLAY":
		c.MQTTClientIDReplay = value
	case "MQTT_CLIENT_ID_GPS":
		c.MQTTClientIDGPS = value
	case "MQTT_CLIENT_ID_MONITOR":
		c.MQTTClientIDMonitor = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value
	case "MQTT_CLIENT_ID_DISPLAY":
		c.MQTTClientIDDisplay = value

	// Topics
	case "TOPIC_SAMPLES":
		c.TopicSamples = value
	case "TOPIC_GPS":
		c.TopicGPS = value
	case "TOPIC_STATUS":
		c.TopicStatus = value
	case "TOPIC_CAL_RESULT":
		c.TopicCalResult = value
	case "TOPIC_CAL_REQUEST":
		c.TopicCalRequest = value

	// Sensor input
	case "SAMPLE_FILE":
		c.SampleFile = value
	case "SAMPLE_UNIT":
		c.SampleUnit = value
	case "SAMPLE_INTERVAL":
		interval, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid SAMPLE_INTERVAL %q: %w", value, err)
		}
		if interval <= 0 {
			return fmt.Errorf("SAMPLE_INTERVAL must be positive, got %d", interval)
		}
		c.SampleInterval = interval

	// GPS
	case "GPS_SERIAL_PORT":
		c.GPSSerialPort = value
	case "GPS_BAUD_RATE":
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid GPS_BAUD_RATE %q: %w", value, err)
		}
		c.GPSBaudRate = rate

	// Reference position
	case "LATITUDE":
		lat, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid LATITUDE %q: %w", value, err)
		}
		if lat < -90 || lat > 90 {
			return fmt.Errorf("LATITUDE must be -90..90 degrees, got %v", lat)
		}
		c.Latitude = lat
	case "LONGITUDE":
		lon, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid LONGITUDE %q: %w", value, err)
		}
		if lon < -180 || lon > 180 {
			return fmt.Errorf("LONGITUDE must be -180..180 degrees, got %v", lon)
		}
		c.Longitude = lon
	case "HEIGHT":
		h, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid HEIGHT %q: %w", value, err)
		}
		c.Height = h

	// Interval detector
	case "DETECTOR_WINDOW_SIZE":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid DETECTOR_WINDOW_SIZE %q: %w", value, err)
		}
		if n < 2 {
			return fmt.Errorf("DETECTOR_WINDOW_SIZE must be at least 2, got %d", n)
		}
		c.DetectorWindowSize = n
	case "DETECTOR_INITIAL_STATIC_SAMPLES":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid DETECTOR_INITIAL_STATIC_SAMPLES %q: %w", value, err)
		}
		if n < 2 {
			return fmt.Errorf("DETECTOR_INITIAL_STATIC_SAMPLES must be at least 2, got %d", n)
		}
		c.DetectorInitialStaticSamples = n
	case "DETECTOR_THRESHOLD_FACTOR":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid DETECTOR_THRESHOLD_FACTOR %q: %w", value, err)
		}
		if f <= 0 {
			return fmt.Errorf("DETECTOR_THRESHOLD_FACTOR must be positive, got %v", f)
		}
		c.DetectorThresholdFactor = f
	case "DETECTOR_INSTANTANEOUS_FACTOR":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid DETECTOR_INSTANTANEOUS_FACTOR %q: %w", value, err)
		}
		if f <= 0 {
			return fmt.Errorf("DETECTOR_INSTANTANEOUS_FACTOR must be positive, got %v", f)
		}
		c.DetectorInstantaneousFactor = f
	case "DETECTOR_ABSOLUTE_THRESHOLD":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid DETECTOR_ABSOLUTE_THRESHOLD %q: %w", value, err)
		}
		if f <= 0 {
			return fmt.Errorf("DETECTOR_ABSOLUTE_THRESHOLD must be positive, got %v", f)
		}
		c.DetectorAbsoluteThreshold = f
	case "DETECTOR_TIME_INTERVAL":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid DETECTOR_TIME_INTERVAL %q: %w", value, err)
		}
		if f <= 0 {
			return fmt.Errorf("DETECTOR_TIME_INTERVAL must be positive seconds, got %v", f)
		}
		c.DetectorTimeInterval = f
	case "DETECTOR_NOISE_NORM":
		v := strings.ToLower(value)
		if v != "euclidean" && v != "max" {
			return fmt.Errorf("DETECTOR_NOISE_NORM must be \"euclidean\" or \"max\", got %q", value)
		}
		c.DetectorNoiseNorm = v

	// Calibration engine
	case "ENGINE_METHOD":
		c.EngineMethod = value
	case "ENGINE_CONFIDENCE":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_CONFIDENCE %q: %w", value, err)
		}
		if f <= 0 || f >= 1 {
			return fmt.Errorf("ENGINE_CONFIDENCE must lie in (0, 1), got %v", f)
		}
		c.EngineConfidence = f
	case "ENGINE_MAX_ITERATIONS":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_MAX_ITERATIONS %q: %w", value, err)
		}
		if n < 1 {
			return fmt.Errorf("ENGINE_MAX_ITERATIONS must be positive, got %d", n)
		}
		c.EngineMaxIterations = n
	case "ENGINE_SUBSET_SIZE":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_SUBSET_SIZE %q: %w", value, err)
		}
		if n < 0 {
			return fmt.Errorf("ENGINE_SUBSET_SIZE must be non-negative, got %d", n)
		}
		c.EngineSubsetSize = n
	case "ENGINE_INLIER_THRESHOLD":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_INLIER_THRESHOLD %q: %w", value, err)
		}
		if f <= 0 {
			return fmt.Errorf("ENGINE_INLIER_THRESHOLD must be positive, got %v", f)
		}
		c.EngineInlierThreshold = f
	case "ENGINE_PROGRESS_DELTA":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_PROGRESS_DELTA %q: %w", value, err)
		}
		if f <= 0 || f > 1 {
			return fmt.Errorf("ENGINE_PROGRESS_DELTA must lie in (0, 1], got %v", f)
		}
		c.EngineProgressDelta = f
	case "ENGINE_COMMON_AXIS":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_COMMON_AXIS %q: %w", value, err)
		}
		c.EngineCommonAxis = b
	case "ENGINE_REFINE_RESULT":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_REFINE_RESULT %q: %w", value, err)
		}
		c.EngineRefineResult = b
	case "ENGINE_KEEP_COVARIANCE":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_KEEP_COVARIANCE %q: %w", value, err)
		}
		c.EngineKeepCovariance = b
	case "ENGINE_USE_LINEAR":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_USE_LINEAR %q: %w", value, err)
		}
		c.EngineUseLinear = b
	case "ENGINE_REFINE_PRELIMINARY":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid ENGINE_REFINE_PRELIMINARY %q: %w", value, err)
		}
		c.EngineRefinePreliminary = b

	// Web Server
	case "WEB_SERVER_PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, err)
		}
		c.WebServerPort = port

	// Display
	case "DISPLAY_UPDATE_INTERVAL":
		interval, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_UPDATE_INTERVAL %q: %w", value, err)
		}
		c.DisplayUpdateInterval = interval
	case "DISPLAY_CONTENT":
		c.DisplayContent = value

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

// validate checks that all required fields are set and cross-field
// constraints hold.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.TopicSamples == "" {
		return fmt.Errorf("TOPIC_SAMPLES is required")
	}
	if c.SampleUnit == "" {
		return fmt.Errorf("SAMPLE_UNIT is required")
	}
	if c.SampleInterval == 0 {
		return fmt.Errorf("SAMPLE_INTERVAL is required")
	}
	if c.DetectorInitialStaticSamples < 2*c.DetectorWindowSize {
		return fmt.Errorf("DETECTOR_INITIAL_STATIC_SAMPLES must be at least twice DETECTOR_WINDOW_SIZE (%d < %d)",
			c.DetectorInitialStaticSamples, 2*c.DetectorWindowSize)
	}
	return nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
// Acquires write lock (configMu.Lock) during initialization to prevent concurrent access.
// This is the only function that can set globalConfig.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
// Uses read lock (configMu.RLock) to allow multiple concurrent readers without blocking.
// This is thread-safe and efficient for concurrent access across goroutines.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
