package telemetry

import (
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/pkg/config"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 500 // milliseconds
	keepAlive         = 30 * time.Second
)

// Errors
var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrNotConnected     = errors.New("mqtt: client not connected")
)

// Client is the part of an MQTT connection the publisher needs.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Close() error
}

// ClientFactory connects to the broker of cfg. The status topic carries the last will.
// This is a variable so that it can be overridden in tests.
var ClientFactory = func(cfg config.MQTTConfig, statusTopic string, logger *logrus.Logger) (Client, error) {
	c, err := connect(cfg, statusTopic, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type pahoClient struct {
	client      pahomqtt.Client
	statusTopic string
	qos         byte
}

func connect(cfg config.MQTTConfig, statusTopic string, logger *logrus.Logger) (*pahoClient, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(statusTopic, statusOffline, byte(cfg.QoS), true)

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		logger.WithField("broker", cfg.Broker).Info("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.WithError(err).WithField("broker", cfg.Broker).Warn("MQTT connection lost")
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return &pahoClient{client: client, statusTopic: statusTopic, qos: byte(cfg.QoS)}, nil
}

func (c *pahoClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close publishes the graceful offline status and disconnects. The client is
// disconnected even when the status could not be published.
func (c *pahoClient) Close() error {
	var err error
	if c.client.IsConnected() {
		token := c.client.Publish(c.statusTopic, c.qos, true, statusOffline)
		if !token.WaitTimeout(publishTimeout) {
			err = fmt.Errorf("%w: offline status timeout after %v", ErrPublishFailed, publishTimeout)
		} else if terr := token.Error(); terr != nil {
			err = fmt.Errorf("%w: offline status: %w", ErrPublishFailed, terr)
		}
	}
	c.client.Disconnect(disconnectQuiesce)
	return err
}
