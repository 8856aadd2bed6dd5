// Package telemetry mirrors ADCData attribute updates to an MQTT broker, so the
// measurements can be followed without a BLE central.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/status     "online" / "offline", retained, offline is the last will
//	<prefix>/adc        {"mv":1199,"timestamp":"2006-01-02T15:04:05Z"}
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/adc"
	"github.com/srg/blesense/internal/gattdb"
	"github.com/srg/blesense/internal/groutine"
	"github.com/srg/blesense/pkg/config"
)

const (
	statusOnline  = "online"
	statusOffline = "offline"

	// queueSize bounds the updates waiting for the broker; newer updates are dropped
	// while it is full.
	queueSize = 16
)

// Source delivers attribute value changes.
type Source interface {
	Subscribe(id gattdb.AttributeID, fn gattdb.Listener) (func(), error)
}

// Sample is the JSON payload of one measurement.
type Sample struct {
	Millivolts int32     `json:"mv"`
	Timestamp  time.Time `json:"timestamp"`
}

// Topics returns the status and measurement topics under prefix.
func Topics(prefix string) (status, measurements string) {
	return prefix + "/status", prefix + "/adc"
}

// Publisher forwards every ADCData write to the broker from its own goroutine, so the
// sampling task never waits on the network.
type Publisher struct {
	cfg    config.MQTTConfig
	src    Source
	logger *logrus.Logger

	client      Client
	statusTopic string
	adcTopic    string

	queue       chan Sample
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewPublisher creates a publisher for cfg. It does not connect until Start.
func NewPublisher(cfg config.MQTTConfig, src Source, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	status, measurements := Topics(cfg.TopicPrefix)
	return &Publisher{
		cfg:         cfg,
		src:         src,
		logger:      logger,
		statusTopic: status,
		adcTopic:    measurements,
		queue:       make(chan Sample, queueSize),
	}
}

// Start connects, announces the device online and begins forwarding.
func (p *Publisher) Start(ctx context.Context) error {
	client, err := ClientFactory(p.cfg, p.statusTopic, p.logger)
	if err != nil {
		return err
	}
	p.client = client

	if err := client.Publish(p.statusTopic, []byte(statusOnline), byte(p.cfg.QoS), true); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to publish status: %w", err)
	}

	unsubscribe, err := p.src.Subscribe(gattdb.ADCData, p.enqueue)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to subscribe to ADCData: %w", err)
	}
	p.unsubscribe = unsubscribe

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	groutine.Go(ctx, "mqtt_publisher", func(ctx context.Context) {
		defer p.wg.Done()
		p.run(ctx)
	})

	p.logger.WithFields(logrus.Fields{
		"broker": p.cfg.Broker,
		"topic":  p.adcTopic,
	}).Info("Telemetry started")
	return nil
}

// Stats returns the number of published, dropped and failed updates.
func (p *Publisher) Stats() (published, dropped, failed int64) {
	return p.published.Load(), p.dropped.Load(), p.failed.Load()
}

// Close stops forwarding and disconnects. Queued updates are discarded.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		if p.client != nil {
			err = p.client.Close()
		}
	})
	return err
}

func (p *Publisher) enqueue(_ gattdb.AttributeID, value []byte) {
	mv, err := adc.ParseMeasurement(value)
	if err != nil {
		p.logger.WithError(err).Debug("Ignoring malformed ADCData value")
		return
	}

	select {
	case p.queue <- Sample{Millivolts: int32(mv), Timestamp: time.Now().UTC()}:
	default:
		p.dropped.Add(1)
	}
}

func (p *Publisher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-p.queue:
			payload, err := json.Marshal(s)
			if err != nil {
				p.failed.Add(1)
				continue
			}
			if err := p.client.Publish(p.adcTopic, payload, byte(p.cfg.QoS), p.cfg.Retained); err != nil {
				p.failed.Add(1)
				p.logger.WithError(err).Warn("Failed to publish measurement")
				continue
			}
			p.published.Add(1)
		}
	}
}
