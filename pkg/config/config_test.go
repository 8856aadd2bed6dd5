package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "blesense", cfg.Device.Name)
	assert.Equal(t, "sim", cfg.ADC.Driver)
	assert.Equal(t, 1966, cfg.ADC.Sim.Code)
	assert.Equal(t, 115200, cfg.ADC.Serial.BaudRate)
	assert.Equal(t, time.Second, cfg.Tasks.SamplePeriod)
	assert.Equal(t, time.Second, cfg.Tasks.SendTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Tasks.ReceiveTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Tasks.IndicatorPeriod)
	assert.Equal(t, "sim", cfg.Stack.Driver)
	assert.Equal(t, "log", cfg.Indicator.Driver)
	assert.Equal(t, 4096, cfg.Console.BufferSize)
	assert.Empty(t, cfg.Telemetry.MQTT.Broker)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", want: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", want: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", want: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", want: logrus.ErrorLevel},
		{name: "unknown level falls back to info", logLevel: "chatty", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blesense.yaml")
	content := `
log_level: debug
adc:
  driver: iio
  iio:
    device: iio:device3
tasks:
  receive_timeout: 1s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, logrus.DebugLevel, cfg.Level())
	assert.Equal(t, "iio", cfg.ADC.Driver)
	assert.Equal(t, "iio:device3", cfg.ADC.IIO.Device)
	assert.Equal(t, "/sys/bus/iio/devices", cfg.ADC.IIO.Root)
	assert.Equal(t, time.Second, cfg.Tasks.ReceiveTimeout)
	assert.Equal(t, time.Second, cfg.Tasks.SamplePeriod)
	assert.Equal(t, "sim", cfg.Stack.Driver)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{name: "bad adc driver", content: "adc:\n  driver: spi\n", errMsg: "adc.driver"},
		{name: "bad stack driver", content: "stack:\n  driver: bluez\n", errMsg: "stack.driver"},
		{name: "bad indicator driver", content: "indicator:\n  driver: gpio\n", errMsg: "indicator.driver"},
		{name: "bad log level", content: "log_level: loud\n", errMsg: "log_level"},
		{name: "bad qos", content: "telemetry:\n  mqtt:\n    qos: 3\n", errMsg: "qos"},
		{name: "malformed yaml", content: "adc: [\n", errMsg: "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "blesense.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blesense.yaml")

	cfg := DefaultConfig()
	cfg.Stack.Driver = "hci"
	cfg.Stack.HCIDevice = 1
	cfg.Telemetry.MQTT.Broker = "tcp://localhost:1883"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
