package adc

import (
	"math"
	"sync"
	"time"

	"github.com/srg/blesense/pkg/config"
)

// CodeSource produces the raw code of the next conversion.
type CodeSource func() uint32

// ConstantCode always converts to code.
func ConstantCode(code uint32) CodeSource {
	return func() uint32 { return code & MaxCode }
}

// SineWave converts a sine of the given amplitude around mid, sampled at wall-clock time.
func SineWave(mid, amplitude uint32, period time.Duration) CodeSource {
	start := time.Now()
	return func() uint32 {
		if period <= 0 {
			return clampCode(float64(mid))
		}
		phase := 2 * math.Pi * float64(time.Since(start)) / float64(period)
		return clampCode(float64(mid) + float64(amplitude)*math.Sin(phase))
	}
}

func clampCode(v float64) uint32 {
	switch {
	case v < 0:
		return 0
	case v > MaxCode:
		return MaxCode
	default:
		return uint32(v)
	}
}

// SourceFromConfig builds the CodeSource of the simulated peripheral.
func SourceFromConfig(cfg config.SimADCConfig) CodeSource {
	switch cfg.Waveform {
	case "sine":
		return SineWave(uint32(cfg.Code), uint32(cfg.Amplitude), cfg.Period)
	default:
		return ConstantCode(uint32(cfg.Code))
	}
}

// SimRegisters emulates the IADC register file. A start command sets CONVERTING and
// pushes a result into the single FIFO once the conversion time has elapsed. Starts
// received while converting are ignored.
type SimRegisters struct {
	source         CodeSource
	conversionTime time.Duration

	mu         sync.Mutex
	status     uint32
	fifo       []FIFOResult
	init       IADCInit
	configured bool
	bus        uint32
	starts     int
	timer      *time.Timer
}

// NewSimRegisters creates a simulated peripheral.
func NewSimRegisters(source CodeSource, conversionTime time.Duration) *SimRegisters {
	if source == nil {
		source = ConstantCode(0)
	}
	return &SimRegisters{source: source, conversionTime: conversionTime}
}

func (r *SimRegisters) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.status = 0
	r.fifo = nil
	r.configured = false
	r.init = IADCInit{}
}

func (r *SimRegisters) Configure(init IADCInit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.init = init
	r.configured = true
	return nil
}

func (r *SimRegisters) AllocateBus(mask uint32) {
	r.mu.Lock()
	r.bus |= mask
	r.mu.Unlock()
}

func (r *SimRegisters) ReleaseBus(mask uint32) {
	r.mu.Lock()
	r.bus &^= mask
	r.mu.Unlock()
}

func (r *SimRegisters) Command(cmd uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case cmd&CmdStopSingle != 0:
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		r.status &^= StatusConverting
	case cmd&CmdStartSingle != 0:
		if !r.configured || r.status&StatusConverting != 0 {
			return
		}
		r.starts++
		r.status |= StatusConverting
		if r.conversionTime <= 0 {
			r.completeLocked()
			return
		}
		r.timer = time.AfterFunc(r.conversionTime, r.complete)
	}
}

func (r *SimRegisters) complete() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status&StatusConverting == 0 {
		return
	}
	r.completeLocked()
}

func (r *SimRegisters) completeLocked() {
	r.timer = nil
	r.fifo = append(r.fifo, FIFOResult{Data: r.source() & MaxCode})
	r.status &^= StatusConverting
	r.status |= StatusSingleFIFODV
}

func (r *SimRegisters) Status() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// PullSingleFIFO pops the oldest result. Reading an empty FIFO returns a zero result.
func (r *SimRegisters) PullSingleFIFO() FIFOResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.fifo) == 0 {
		return FIFOResult{}
	}
	res := r.fifo[0]
	r.fifo = r.fifo[1:]
	if len(r.fifo) == 0 {
		r.status &^= StatusSingleFIFODV
	}
	return res
}

// Starts returns how many start commands began a conversion.
func (r *SimRegisters) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Configured returns the last programmed register image.
func (r *SimRegisters) Configured() (IADCInit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.init, r.configured
}

// Bus returns the allocated analog bus mask.
func (r *SimRegisters) Bus() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bus
}
