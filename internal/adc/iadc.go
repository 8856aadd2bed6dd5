package adc

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// IADC status register bits.
const (
	StatusConverting   uint32 = 1 << 6
	StatusSingleFIFODV uint32 = 1 << 8
)

// IADC commands.
const (
	CmdStartSingle uint32 = 1 << 0
	CmdStopSingle  uint32 = 1 << 1
)

const (
	// FSRCOFrequency is the fixed source oscillator the IADC clock runs from in EM2.
	FSRCOFrequency = 20_000_000

	// maxSrcClkPrescale and maxAdcClkPrescale are the widths of the prescaler fields.
	maxSrcClkPrescale = 7
	maxAdcClkPrescale = 1023

	// pollCheckInterval is how many status reads happen between context checks.
	pollCheckInterval = 1 << 14
)

// Reference selects the conversion reference.
type Reference int

const (
	ReferenceInternal1V2 Reference = iota
	ReferenceExternal1V25
	ReferenceVddx
	ReferenceVddx0P8Buf
)

// Input selects a positive or negative mux input.
type Input int

const (
	InputGround Input = iota
	InputPortCPin2
	InputPortCPin6
)

// Warmup selects what the peripheral does between conversions.
type Warmup int

const (
	WarmupNormal Warmup = iota
	WarmupKeepInStandby
	WarmupKeepWarm
)

// TriggerAction selects whether a trigger runs one conversion or converts continuously.
type TriggerAction int

const (
	TriggerOnce TriggerAction = iota
	TriggerContinuous
)

// IADCConfig holds the board-level choices of a single-ended conversion.
type IADCConfig struct {
	SourceClockHz   uint32 // clock feeding the IADC (FSRCO)
	SrcClockHz      uint32 // CLK_SRC_ADC target
	ADCClockHz      uint32 // CLK_ADC target, 10 MHz max in normal mode
	Reference       Reference
	PositiveInput   Input
	NegativeInput   Input
	Warmup          Warmup
	TriggerAction   TriggerAction
	DataValidLevel  int
	BusAllocateMask uint32
}

// DefaultIADCConfig returns the configuration of the sampled board: FSRCO source,
// 40 MHz CLK_SRC_ADC target, 10 MHz CLK_ADC, AVDD reference, port C pin 2 against ground.
func DefaultIADCConfig() IADCConfig {
	return IADCConfig{
		SourceClockHz:   FSRCOFrequency,
		SrcClockHz:      40_000_000,
		ADCClockHz:      10_000_000,
		Reference:       ReferenceVddx,
		PositiveInput:   InputPortCPin2,
		NegativeInput:   InputGround,
		Warmup:          WarmupKeepWarm,
		TriggerAction:   TriggerOnce,
		DataValidLevel:  1,
		BusAllocateMask: 1 << 0, // CDEVEN0 -> ADC0
	}
}

// IADCInit is the register image computed by Initialize.
type IADCInit struct {
	SrcClkPrescale uint32
	AdcClkPrescale uint32
	Reference      Reference
	PositiveInput  Input
	NegativeInput  Input
	Warmup         Warmup
	TriggerAction  TriggerAction
	DataValidLevel int
}

// FIFOResult is one entry of the single-conversion FIFO.
type FIFOResult struct {
	Data uint32
	ID   uint8
}

// Registers is the register-level view of the IADC peripheral.
type Registers interface {
	Reset()
	Configure(init IADCInit) error
	AllocateBus(mask uint32)
	ReleaseBus(mask uint32)
	Command(cmd uint32)
	Status() uint32
	PullSingleFIFO() FIFOResult
}

// SrcClkPrescale returns the prescaler that divides clkIn down to at most target.
func SrcClkPrescale(clkIn, target uint32) uint32 {
	return prescale(clkIn, target, maxSrcClkPrescale)
}

// AdcClkPrescale returns the prescaler that divides the CLK_SRC_ADC frequency down to
// at most target.
func AdcClkPrescale(srcClk, target uint32) uint32 {
	return prescale(srcClk, target, maxAdcClkPrescale)
}

func prescale(in, target, max uint32) uint32 {
	if target == 0 || target >= in {
		return 0
	}
	p := (in+target-1)/target - 1
	if p > max {
		return max
	}
	return p
}

// IADC is a Sampler that talks to the peripheral through its registers and waits for
// results by spinning on the status register.
type IADC struct {
	regs   Registers
	cfg    IADCConfig
	logger *logrus.Logger

	mu          sync.Mutex
	initialized bool
}

// NewIADC creates an IADC sampler over the given registers.
func NewIADC(regs Registers, cfg IADCConfig, logger *logrus.Logger) *IADC {
	if logger == nil {
		logger = logrus.New()
	}
	return &IADC{regs: regs, cfg: cfg, logger: logger}
}

// Initialize resets the peripheral, programs clocks, reference and inputs, and
// allocates the analog bus for the input pin.
func (a *IADC) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return ErrAlreadyInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.regs.Reset()

	srcClk := a.cfg.SourceClockHz
	srcPrescale := SrcClkPrescale(a.cfg.SourceClockHz, a.cfg.SrcClockHz)
	srcClk /= srcPrescale + 1

	init := IADCInit{
		SrcClkPrescale: srcPrescale,
		AdcClkPrescale: AdcClkPrescale(srcClk, a.cfg.ADCClockHz),
		Reference:      a.cfg.Reference,
		PositiveInput:  a.cfg.PositiveInput,
		NegativeInput:  a.cfg.NegativeInput,
		Warmup:         a.cfg.Warmup,
		TriggerAction:  a.cfg.TriggerAction,
		DataValidLevel: a.cfg.DataValidLevel,
	}
	if err := a.regs.Configure(init); err != nil {
		return err
	}
	a.regs.AllocateBus(a.cfg.BusAllocateMask)

	a.initialized = true
	a.logger.WithFields(logrus.Fields{
		"src_prescale": init.SrcClkPrescale,
		"adc_prescale": init.AdcClkPrescale,
	}).Debug("IADC initialized")
	return nil
}

// StartConversion issues a single-conversion start command. The peripheral ignores it
// while converting.
func (a *IADC) StartConversion() {
	a.mu.Lock()
	initialized := a.initialized
	a.mu.Unlock()

	if !initialized {
		return
	}
	a.regs.Command(CmdStartSingle)
}

// ReadResult spins until the conversion is done and the FIFO holds a result, then
// drains it. The context is only consulted every pollCheckInterval reads.
func (a *IADC) ReadResult(ctx context.Context) (Measurement, error) {
	a.mu.Lock()
	initialized := a.initialized
	a.mu.Unlock()

	if !initialized {
		return 0, ErrNotInitialized
	}

	for i := 1; ; i++ {
		if a.regs.Status()&(StatusConverting|StatusSingleFIFODV) == StatusSingleFIFODV {
			break
		}
		if i%pollCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
	}

	return Millivolts(a.regs.PullSingleFIFO().Data), nil
}

// Close stops any conversion and releases the analog bus.
func (a *IADC) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return nil
	}
	a.regs.Command(CmdStopSingle)
	a.regs.ReleaseBus(a.cfg.BusAllocateMask)
	a.initialized = false
	return nil
}
