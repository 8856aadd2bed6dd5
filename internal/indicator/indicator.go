// Package indicator drives the status LED.
package indicator

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/pkg/config"
)

// Indicator is a two-state output.
type Indicator interface {
	Toggle() error
	Set(on bool) error
	State() bool
}

// New creates the indicator selected by the configuration.
func New(cfg config.IndicatorConfig, logger *logrus.Logger) (Indicator, error) {
	switch cfg.Driver {
	case "log", "":
		return NewLogLED(cfg.Name, logger), nil
	case "sysfs":
		return NewSysfsLED(cfg.Root, cfg.Name, logger)
	default:
		return nil, fmt.Errorf("unknown indicator driver %q", cfg.Driver)
	}
}

// LogLED is an in-memory LED that reports state changes at debug level.
type LogLED struct {
	name   string
	logger *logrus.Logger

	mu sync.Mutex
	on bool
}

// NewLogLED creates a LogLED, initially off.
func NewLogLED(name string, logger *logrus.Logger) *LogLED {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogLED{name: name, logger: logger}
}

func (l *LogLED) Toggle() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(!l.on)
	return nil
}

func (l *LogLED) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(on)
	return nil
}

func (l *LogLED) State() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

func (l *LogLED) setLocked(on bool) {
	l.on = on
	l.logger.WithFields(logrus.Fields{
		"led": l.name,
		"on":  on,
	}).Debug("LED changed")
}

// SysfsLED drives a Linux LED class device through its brightness attribute.
type SysfsLED struct {
	path   string
	max    int
	logger *logrus.Logger

	mu sync.Mutex
	on bool
}

// NewSysfsLED opens <root>/<name>. The current brightness becomes the initial state.
func NewSysfsLED(root, name string, logger *logrus.Logger) (*SysfsLED, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dir := filepath.Join(root, name)

	maxBrightness := 1
	if v, err := readInt(filepath.Join(dir, "max_brightness")); err == nil && v > 0 {
		maxBrightness = v
	}

	cur, err := readInt(filepath.Join(dir, "brightness"))
	if err != nil {
		return nil, fmt.Errorf("led %s unavailable: %w", name, err)
	}

	return &SysfsLED{
		path:   filepath.Join(dir, "brightness"),
		max:    maxBrightness,
		logger: logger,
		on:     cur > 0,
	}, nil
}

func (l *SysfsLED) Toggle() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setLocked(!l.on)
}

func (l *SysfsLED) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setLocked(on)
}

func (l *SysfsLED) State() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

func (l *SysfsLED) setLocked(on bool) error {
	value := 0
	if on {
		value = l.max
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(value)), 0644); err != nil {
		return fmt.Errorf("failed to set led brightness: %w", err)
	}
	l.on = on
	l.logger.WithFields(logrus.Fields{
		"path":       l.path,
		"brightness": value,
	}).Trace("LED brightness written")
	return nil
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}
