package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calibrator.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
# transport
MQTT_BROKER=tcp://localhost:1883
TOPIC_SAMPLES=calibrator/samples

# input
SAMPLE_UNIT=m/s^2
SAMPLE_INTERVAL=20
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTTBroker)
	assert.Equal(t, "calibrator/samples", cfg.TopicSamples)
	assert.Equal(t, "m/s^2", cfg.SampleUnit)
	assert.Equal(t, 20, cfg.SampleInterval)

	assert.Equal(t, 101, cfg.DetectorWindowSize)
	assert.Equal(t, 5000, cfg.DetectorInitialStaticSamples)
	assert.Equal(t, 2.0, cfg.DetectorThresholdFactor)
	assert.Equal(t, "euclidean", cfg.DetectorNoiseNorm)
	assert.Equal(t, "LMedS", cfg.EngineMethod)
	assert.Equal(t, 0.99, cfg.EngineConfidence)
	assert.True(t, cfg.EngineRefineResult)
	assert.True(t, cfg.EngineUseLinear)
	assert.False(t, cfg.EngineRefinePreliminary)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
MQTT_CLIENT_ID_MONITOR=cal-monitor
TOPIC_STATUS=calibrator/status
TOPIC_CAL_RESULT=calibrator/result
GPS_SERIAL_PORT=/dev/ttyAMA0
GPS_BAUD_RATE=9600
LATITUDE=41.65
LONGITUDE=-4.72
HEIGHT=735
DETECTOR_WINDOW_SIZE=51
DETECTOR_INITIAL_STATIC_SAMPLES=2000
DETECTOR_THRESHOLD_FACTOR=3.5
DETECTOR_NOISE_NORM=max
ENGINE_METHOD=PROMedS
ENGINE_CONFIDENCE=0.999
ENGINE_MAX_ITERATIONS=10000
ENGINE_SUBSET_SIZE=6
ENGINE_COMMON_AXIS=true
ENGINE_REFINE_RESULT=false
WEB_SERVER_PORT=8080
DISPLAY_UPDATE_INTERVAL=500
DISPLAY_CONTENT=status
`))
	require.NoError(t, err)

	assert.Equal(t, "cal-monitor", cfg.MQTTClientIDMonitor)
	assert.Equal(t, "/dev/ttyAMA0", cfg.GPSSerialPort)
	assert.Equal(t, 9600, cfg.GPSBaudRate)
	assert.Equal(t, 41.65, cfg.Latitude)
	assert.Equal(t, -4.72, cfg.Longitude)
	assert.Equal(t, 735.0, cfg.Height)
	assert.Equal(t, 51, cfg.DetectorWindowSize)
	assert.Equal(t, 2000, cfg.DetectorInitialStaticSamples)
	assert.Equal(t, 3.5, cfg.DetectorThresholdFactor)
	assert.Equal(t, "max", cfg.DetectorNoiseNorm)
	assert.Equal(t, "PROMedS", cfg.EngineMethod)
	assert.Equal(t, 0.999, cfg.EngineConfidence)
	assert.Equal(t, 10000, cfg.EngineMaxIterations)
	assert.Equal(t, 6, cfg.EngineSubsetSize)
	assert.True(t, cfg.EngineCommonAxis)
	assert.False(t, cfg.EngineRefineResult)
	assert.Equal(t, 8080, cfg.WebServerPort)
	assert.Equal(t, 500, cfg.DisplayUpdateInterval)
	assert.Equal(t, "status", cfg.DisplayContent)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown key":          "NO_SUCH_KEY=1",
		"missing separator":    "DETECTOR_WINDOW_SIZE 51",
		"window too small":     "DETECTOR_WINDOW_SIZE=1",
		"bad confidence":       "ENGINE_CONFIDENCE=1.5",
		"bad threshold":        "ENGINE_INLIER_THRESHOLD=0",
		"bad progress delta":   "ENGINE_PROGRESS_DELTA=2",
		"bad noise norm":       "DETECTOR_NOISE_NORM=manhattan",
		"bad latitude":         "LATITUDE=95",
		"bad bool":             "ENGINE_COMMON_AXIS=maybe",
		"bad sample interval":  "SAMPLE_INTERVAL=-5",
		"bad time interval":    "DETECTOR_TIME_INTERVAL=0",
		"bad initial samples":  "DETECTOR_INITIAL_STATIC_SAMPLES=1",
		"bad absolute cutoff":  "DETECTOR_ABSOLUTE_THRESHOLD=-1",
		"bad max iterations":   "ENGINE_MAX_ITERATIONS=0",
		"bad subset size":      "ENGINE_SUBSET_SIZE=-1",
		"bad threshold factor": "DETECTOR_THRESHOLD_FACTOR=0",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, minimalConfig+line+"\n"))
			assert.Error(t, err)
		})
	}
}

func TestLoadRequiredFields(t *testing.T) {
	cases := map[string]string{
		"missing broker": `
TOPIC_SAMPLES=calibrator/samples
SAMPLE_UNIT=m/s^2
SAMPLE_INTERVAL=20
`,
		"missing topic": `
MQTT_BROKER=tcp://localhost:1883
SAMPLE_UNIT=m/s^2
SAMPLE_INTERVAL=20
`,
		"missing unit": `
MQTT_BROKER=tcp://localhost:1883
TOPIC_SAMPLES=calibrator/samples
SAMPLE_INTERVAL=20
`,
		"window larger than initial run": minimalConfig + `
DETECTOR_WINDOW_SIZE=300
DETECTOR_INITIAL_STATIC_SAMPLES=400
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	assert.Error(t, err)
}

func TestCommentsAndBlankLinesIgnored(t *testing.T) {
	cfg, err := Load(writeConfig(t, "# leading comment\n\n"+minimalConfig+"\n# trailing comment\n"))
	require.NoError(t, err)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTTBroker)
}
