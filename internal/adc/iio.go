package adc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// IIO samples a Linux Industrial I/O voltage channel through sysfs. A conversion runs
// when the raw attribute is read, so StartConversion only marks a read as pending.
type IIO struct {
	path   string
	logger *logrus.Logger

	mu          sync.Mutex
	initialized bool
	pending     bool
}

// NewIIO creates a sampler for <root>/<device>/in_voltage<channel>_raw.
func NewIIO(root, device string, channel int, logger *logrus.Logger) *IIO {
	if logger == nil {
		logger = logrus.New()
	}
	return &IIO{
		path:   filepath.Join(root, device, fmt.Sprintf("in_voltage%d_raw", channel)),
		logger: logger,
	}
}

func (s *IIO) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return ErrAlreadyInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("iio channel unavailable: %w", err)
	}

	s.initialized = true
	s.logger.WithField("path", s.path).Debug("IIO channel initialized")
	return nil
}

func (s *IIO) StartConversion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		s.pending = true
	}
}

func (s *IIO) ReadResult(ctx context.Context) (Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}
	if !s.pending {
		return 0, ErrNoConversion
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.pending = false

	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read iio channel: %w", err)
	}
	code, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid iio raw value %q: %w", strings.TrimSpace(string(data)), err)
	}
	return Millivolts(uint32(code)), nil
}

func (s *IIO) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.pending = false
	return nil
}
