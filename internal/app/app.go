// Package app is the application core: the sampling and indicator tasks, and the
// stack event handler that runs the advertising lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/adc"
	"github.com/srg/blesense/internal/groutine"
	"github.com/srg/blesense/internal/indicator"
	"github.com/srg/blesense/internal/queue"
	"github.com/srg/blesense/internal/stack"
	"github.com/srg/blesense/pkg/config"
)

// ErrEventStreamClosed is returned when the stack stops delivering events while the
// application is still running.
var ErrEventStreamClosed = errors.New("stack event stream closed")

// App wires the sampler, the stack and the indicator together.
type App struct {
	Stack   stack.Stack
	Store   AttributeStore
	Sampler adc.Sampler
	LED     indicator.Indicator
	Tasks   config.TasksConfig
	Logger  *logrus.Logger

	mu      sync.Mutex
	channel *queue.Channel[adc.Measurement]
	handler *Handler
}

// Run initializes the sampler, starts the stack and runs the three tasks until ctx is
// cancelled or one of them fails. A cancelled ctx is a clean shutdown and returns nil;
// a failed stack command returns its *AssertionError.
func (a *App) Run(ctx context.Context) error {
	if a.Logger == nil {
		a.Logger = logrus.New()
	}
	a.applyDefaults()

	if err := a.Sampler.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize adc: %w", err)
	}
	defer func() {
		if err := a.Sampler.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close adc")
		}
	}()

	channel := queue.New[adc.Measurement](queue.MeasurementCapacity)
	a.mu.Lock()
	a.channel = channel
	a.mu.Unlock()
	a.handler = NewHandler(a.Stack, a.Store, a.LED, a.Logger)

	g, gctx := groutine.NewGroup(ctx)

	if err := a.Stack.Start(gctx); err != nil {
		g.Cancel()
		return fmt.Errorf("failed to start stack: %w", err)
	}
	defer func() {
		if err := a.Stack.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close stack")
		}
	}()

	sampling := &SamplingTask{
		Sampler:     a.Sampler,
		Store:       a.Store,
		Channel:     channel,
		Period:      a.Tasks.SamplePeriod,
		SendTimeout: a.Tasks.SendTimeout,
		Logger:      a.Logger,
	}
	indicatorTask := &IndicatorTask{
		Channel:        channel,
		LED:            a.LED,
		Period:         a.Tasks.IndicatorPeriod,
		ReceiveTimeout: a.Tasks.ReceiveTimeout,
		Logger:         a.Logger,
	}

	g.Go("bt_event", a.dispatch)
	g.Go("iadc_task", sampling.Run)
	g.Go("led_task", indicatorTask.Run)

	a.Logger.WithFields(logrus.Fields{
		"sample_period":    a.Tasks.SamplePeriod,
		"indicator_period": a.Tasks.IndicatorPeriod,
	}).Info("Application started")

	err := g.Wait()

	m := channel.Metrics()
	a.Logger.WithFields(logrus.Fields{
		"sent":             m.Sent,
		"received":         m.Received,
		"send_timeouts":    m.SendTimeouts,
		"receive_timeouts": m.ReceiveTimeouts,
	}).Info("Application stopped")

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Metrics returns the measurement channel counters of the current run.
func (a *App) Metrics() queue.Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.channel == nil {
		return queue.Metrics{}
	}
	return a.channel.Metrics()
}

// dispatch feeds stack events to the handler in delivery order.
func (a *App) dispatch(ctx context.Context) error {
	events := a.Stack.Events()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrEventStreamClosed
			}
			if err := a.handler.Handle(evt); err != nil {
				a.Logger.WithError(err).WithField("event", evt.EventName()).Error("Fatal stack error")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *App) applyDefaults() {
	if a.Tasks.SamplePeriod <= 0 {
		a.Tasks.SamplePeriod = DefaultSamplePeriod
	}
	if a.Tasks.SendTimeout <= 0 {
		a.Tasks.SendTimeout = DefaultSendTimeout
	}
	if a.Tasks.ReceiveTimeout <= 0 {
		a.Tasks.ReceiveTimeout = DefaultReceiveTimeout
	}
	if a.Tasks.IndicatorPeriod <= 0 {
		a.Tasks.IndicatorPeriod = DefaultIndicatorPeriod
	}
}
