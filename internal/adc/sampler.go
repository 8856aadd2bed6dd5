// Package adc drives a single-channel, single-ended analog-to-digital conversion and
// converts raw codes to millivolts.
//
// Three backends implement Sampler:
//   - IADC: register-level driver that busy-polls the peripheral status, used with
//     SimRegisters on hosts without the peripheral
//   - IIO: Linux Industrial I/O sysfs channel
//   - SerialADC: an MCU reporting raw codes over a serial line
package adc

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/pkg/config"
)

// Sampler errors
var (
	ErrAlreadyInitialized = errors.New("adc already initialized")
	ErrNotInitialized     = errors.New("adc not initialized")
	ErrNoConversion       = errors.New("no conversion in progress")
)

// Sampler performs one conversion at a time on a single input.
type Sampler interface {
	// Initialize configures clocks, reference and input routing and claims the input.
	// It fails with ErrAlreadyInitialized when called twice without Close.
	Initialize(ctx context.Context) error

	// StartConversion triggers one conversion. It never blocks and is ignored while a
	// conversion is already in progress.
	StartConversion()

	// ReadResult waits for the pending conversion and returns it in millivolts.
	ReadResult(ctx context.Context) (Measurement, error)

	// Close releases the input.
	Close() error
}

// Sample runs one start/read cycle.
func Sample(ctx context.Context, s Sampler) (Measurement, error) {
	s.StartConversion()
	return s.ReadResult(ctx)
}

// SamplerFactory creates the Sampler selected by the configuration.
// This is a variable so that it can be overridden in tests.
var SamplerFactory = func(cfg config.ADCConfig, logger *logrus.Logger) (Sampler, error) {
	if logger == nil {
		logger = logrus.New()
	}

	switch cfg.Driver {
	case "sim", "":
		regs := NewSimRegisters(SourceFromConfig(cfg.Sim), cfg.Sim.ConversionTime)
		return NewIADC(regs, DefaultIADCConfig(), logger), nil
	case "iio":
		return NewIIO(cfg.IIO.Root, cfg.IIO.Device, cfg.IIO.Channel, logger), nil
	case "serial":
		return NewSerialADC(cfg.Serial.Port, cfg.Serial.BaudRate, cfg.Serial.ReadTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown adc driver %q", cfg.Driver)
	}
}

// New creates a Sampler through SamplerFactory.
func New(cfg config.ADCConfig, logger *logrus.Logger) (Sampler, error) {
	return SamplerFactory(cfg, logger)
}
