package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"info"`
	Device    DeviceConfig    `yaml:"device"`
	ADC       ADCConfig       `yaml:"adc"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Stack     StackConfig     `yaml:"stack"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Console   ConsoleConfig   `yaml:"console"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DeviceConfig describes how the peripheral presents itself.
type DeviceConfig struct {
	Name         string `yaml:"name" default:"blesense"`
	Manufacturer string `yaml:"manufacturer" default:"srg"`
}

// ADCConfig selects and configures the analog sampler driver.
type ADCConfig struct {
	Driver string          `yaml:"driver" default:"sim"` // sim, iio, serial
	IIO    IIOConfig       `yaml:"iio"`
	Serial SerialADCConfig `yaml:"serial"`
	Sim    SimADCConfig    `yaml:"sim"`
}

// IIOConfig points at a Linux Industrial I/O voltage channel.
type IIOConfig struct {
	Root    string `yaml:"root" default:"/sys/bus/iio/devices"`
	Device  string `yaml:"device" default:"iio:device0"`
	Channel int    `yaml:"channel" default:"0"`
}

// SerialADCConfig configures an MCU streaming raw codes over a serial line.
type SerialADCConfig struct {
	Port        string        `yaml:"port" default:"/dev/ttyACM0"`
	BaudRate    int           `yaml:"baud_rate" default:"115200"`
	ReadTimeout time.Duration `yaml:"read_timeout" default:"500ms"`
}

// SimADCConfig configures the simulated IADC peripheral.
type SimADCConfig struct {
	Waveform       string        `yaml:"waveform" default:"constant"` // constant, sine
	Code           int           `yaml:"code" default:"1966"`
	Amplitude      int           `yaml:"amplitude" default:"1024"`
	Period         time.Duration `yaml:"period" default:"30s"`
	ConversionTime time.Duration `yaml:"conversion_time" default:"5us"`
}

// TasksConfig holds the periods and bounded waits of the two periodic tasks.
type TasksConfig struct {
	SamplePeriod    time.Duration `yaml:"sample_period" default:"1s"`
	SendTimeout     time.Duration `yaml:"send_timeout" default:"1s"`
	ReceiveTimeout  time.Duration `yaml:"receive_timeout" default:"500ms"`
	IndicatorPeriod time.Duration `yaml:"indicator_period" default:"500ms"`
}

// StackConfig selects the BLE stack backend.
type StackConfig struct {
	Driver    string `yaml:"driver" default:"sim"` // sim, hci
	HCIDevice int    `yaml:"hci_device" default:"0"`
	Address   string `yaml:"address" default:"00:0B:57:A1:B2:C3"` // identity address of the sim stack
}

// IndicatorConfig selects the LED driver.
type IndicatorConfig struct {
	Driver string `yaml:"driver" default:"log"` // log, sysfs
	Root   string `yaml:"root" default:"/sys/class/leds"`
	Name   string `yaml:"name" default:"led0"`
}

// ConsoleConfig enables the PTY log console.
type ConsoleConfig struct {
	PTY        bool   `yaml:"pty"`
	Symlink    string `yaml:"symlink"`
	BufferSize int    `yaml:"buffer_size" default:"4096"`
}

// TelemetryConfig configures optional mirroring of measurements.
type TelemetryConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the MQTT telemetry publisher. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id" default:"blesense"`
	TopicPrefix string `yaml:"topic_prefix" default:"blesense"`
	QoS         int    `yaml:"qos" default:"0"`
	Retained    bool   `yaml:"retained"`
}

var (
	validADCDrivers       = []string{"sim", "iio", "serial"}
	validStackDrivers     = []string{"sim", "hci"}
	validIndicatorDrivers = []string{"log", "sysfs"}
	validWaveforms        = []string{"constant", "sine"}
)

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads configuration from a YAML file. A missing file yields the defaults,
// and fields absent from the file keep their default values.
func Load(filename string) (*Config, error) {
	cfg := DefaultConfig()
	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// zero values written explicitly in the file fall back to defaults as well
	defaults.SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks enumerated fields and durations.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if !oneOf(c.ADC.Driver, validADCDrivers) {
		return fmt.Errorf("invalid adc.driver %q: must be one of %v", c.ADC.Driver, validADCDrivers)
	}
	if !oneOf(c.ADC.Sim.Waveform, validWaveforms) {
		return fmt.Errorf("invalid adc.sim.waveform %q: must be one of %v", c.ADC.Sim.Waveform, validWaveforms)
	}
	if !oneOf(c.Stack.Driver, validStackDrivers) {
		return fmt.Errorf("invalid stack.driver %q: must be one of %v", c.Stack.Driver, validStackDrivers)
	}
	if !oneOf(c.Indicator.Driver, validIndicatorDrivers) {
		return fmt.Errorf("invalid indicator.driver %q: must be one of %v", c.Indicator.Driver, validIndicatorDrivers)
	}
	if c.Tasks.SamplePeriod <= 0 || c.Tasks.IndicatorPeriod <= 0 {
		return fmt.Errorf("task periods must be positive")
	}
	if c.Tasks.SendTimeout < 0 || c.Tasks.ReceiveTimeout < 0 {
		return fmt.Errorf("task timeouts must not be negative")
	}
	if c.Telemetry.MQTT.QoS < 0 || c.Telemetry.MQTT.QoS > 2 {
		return fmt.Errorf("invalid telemetry.mqtt.qos %d: must be 0, 1 or 2", c.Telemetry.MQTT.QoS)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func oneOf(v string, valid []string) bool {
	for _, s := range valid {
		if v == s {
			return true
		}
	}
	return false
}
