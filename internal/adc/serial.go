package adc

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// serialPort is the part of serial.Port the sampler uses.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// openPort opens the serial line.
// This is a variable so that it can be overridden in tests.
var openPort = func(name string, baudRate int) (serialPort, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baudRate})
}

// serialStartCommand asks the MCU for one conversion. It answers with the raw code
// as a decimal line.
const serialStartCommand = "S\n"

// SerialADC samples an MCU that reports raw IADC codes over a serial line.
type SerialADC struct {
	portName    string
	baudRate    int
	readTimeout time.Duration
	logger      *logrus.Logger

	mu      sync.Mutex
	conn    serialPort
	pending bool
	line    []byte
}

// NewSerialADC creates a serial sampler. Nothing is opened until Initialize.
func NewSerialADC(port string, baudRate int, readTimeout time.Duration, logger *logrus.Logger) *SerialADC {
	if logger == nil {
		logger = logrus.New()
	}
	return &SerialADC{
		portName:    port,
		baudRate:    baudRate,
		readTimeout: readTimeout,
		logger:      logger,
	}
}

func (s *SerialADC) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return ErrAlreadyInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := openPort(s.portName, s.baudRate)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.portName, err)
	}
	if err := conn.SetReadTimeout(s.readTimeout); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to set serial read timeout: %w", err)
	}

	s.conn = conn
	s.logger.WithFields(logrus.Fields{
		"port": s.portName,
		"baud": s.baudRate,
	}).Debug("Serial ADC initialized")
	return nil
}

func (s *SerialADC) StartConversion() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.pending {
		return
	}
	if _, err := s.conn.Write([]byte(serialStartCommand)); err != nil {
		s.logger.WithError(err).Warn("Failed to send conversion start")
		return
	}
	s.pending = true
}

// ReadResult reads the answer line. A read that returns no data counts as one read
// timeout; the context is checked between reads.
func (s *SerialADC) ReadResult(ctx context.Context) (Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return 0, ErrNotInitialized
	}
	if !s.pending {
		return 0, ErrNoConversion
	}

	buf := make([]byte, 32)
	for {
		if i := strings.IndexByte(string(s.line), '\n'); i >= 0 {
			raw := strings.TrimSpace(string(s.line[:i]))
			s.line = s.line[i+1:]
			s.pending = false

			code, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				return 0, fmt.Errorf("invalid serial adc reply %q: %w", raw, err)
			}
			return Millivolts(uint32(code)), nil
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, err := s.conn.Read(buf)
		if err != nil {
			s.pending = false
			return 0, fmt.Errorf("failed to read serial adc: %w", err)
		}
		if n == 0 {
			s.logger.Trace("Serial ADC read timed out, retrying")
			continue
		}
		s.line = append(s.line, buf[:n]...)
	}
}

func (s *SerialADC) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.pending = false
	s.line = nil
	return err
}
