package app

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/adc"
	"github.com/srg/blesense/internal/gattdb"
	"github.com/srg/blesense/internal/indicator"
	"github.com/srg/blesense/internal/queue"
)

// Task defaults.
const (
	DefaultSamplePeriod    = 1000 * time.Millisecond
	DefaultSendTimeout     = 1000 * time.Millisecond
	DefaultReceiveTimeout  = 500 * time.Millisecond
	DefaultIndicatorPeriod = 500 * time.Millisecond
)

// SamplingTask converts one sample per period, publishes it to the ADCData attribute
// and hands it to the indicator task.
type SamplingTask struct {
	Sampler     adc.Sampler
	Store       AttributeStore
	Channel     *queue.Channel[adc.Measurement]
	Period      time.Duration
	SendTimeout time.Duration
	Logger      *logrus.Logger
}

// Run samples until ctx is cancelled.
func (t *SamplingTask) Run(ctx context.Context) error {
	return t.RunN(ctx, 0)
}

// RunN runs n cycles, or forever when n is 0. It returns nil when the cycles are
// done and ctx.Err() when cancelled.
func (t *SamplingTask) RunN(ctx context.Context, n int) error {
	log := taskLogger(t.Logger, "iadc_task")

	for i := 0; n == 0 || i < n; i++ {
		t.cycle(ctx, log)
		if n != 0 && i == n-1 {
			return nil
		}
		if err := sleep(ctx, t.Period); err != nil {
			return err
		}
	}
	return nil
}

func (t *SamplingTask) cycle(ctx context.Context, log *logrus.Entry) {
	log.Trace("ADC task")

	mv, err := adc.Sample(ctx, t.Sampler)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("Failed to read the ADC")
		}
		return
	}

	if err := t.Store.Write(gattdb.ADCData, 0, mv.Bytes()); err != nil {
		log.WithError(err).Warn("Failed to write ADCData")
	}

	if !t.Channel.Send(ctx, mv, t.SendTimeout) {
		if ctx.Err() == nil {
			log.WithField("mv", int32(mv)).Warn("Failed to send to the queue")
		}
		return
	}
	log.WithField("mv", int32(mv)).Debug("Measurement queued")
}

// IndicatorTask toggles the indicator once for every measurement it receives.
type IndicatorTask struct {
	Channel        *queue.Channel[adc.Measurement]
	LED            indicator.Indicator
	Period         time.Duration
	ReceiveTimeout time.Duration
	Logger         *logrus.Logger
}

// Run toggles until ctx is cancelled.
func (t *IndicatorTask) Run(ctx context.Context) error {
	return t.RunN(ctx, 0)
}

// RunN runs n cycles, or forever when n is 0.
func (t *IndicatorTask) RunN(ctx context.Context, n int) error {
	log := taskLogger(t.Logger, "led_task")

	for i := 0; n == 0 || i < n; i++ {
		t.cycle(ctx, log)
		if n != 0 && i == n-1 {
			return nil
		}
		if err := sleep(ctx, t.Period); err != nil {
			return err
		}
	}
	return nil
}

func (t *IndicatorTask) cycle(ctx context.Context, log *logrus.Entry) {
	log.Trace("LED task")

	mv, ok := t.Channel.Receive(ctx, t.ReceiveTimeout)
	if !ok {
		if ctx.Err() == nil {
			log.Warn("Failed to receive from the queue")
		}
		return
	}

	if err := t.LED.Toggle(); err != nil {
		log.WithError(err).Warn("Failed to toggle LED")
		return
	}
	log.WithFields(logrus.Fields{
		"mv":  int32(mv),
		"led": t.LED.State(),
	}).Debug("LED toggled")
}

func taskLogger(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = logrus.New()
	}
	return logger.WithField("task", name)
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
