package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blesense/internal/adc"
	"github.com/srg/blesense/internal/gattdb"
	"github.com/srg/blesense/pkg/config"
	"github.com/stretchr/testify/suite"
)

type message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakeClient struct {
	mu       sync.Mutex
	messages []message
	failOn   string
	closed   bool
}

func (c *fakeClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if topic == c.failOn {
		return ErrNotConnected
	}
	c.messages = append(c.messages, message{topic, append([]byte{}, payload...), qos, retained})
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) on(topic string) []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message
	for _, m := range c.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type PublisherTestSuite struct {
	suite.Suite
	db       *gattdb.Database
	client   *fakeClient
	original func(config.MQTTConfig, string, *logrus.Logger) (Client, error)
	cfg      config.MQTTConfig
	hook     *test.Hook
	logger   *logrus.Logger
	gotTopic string
}

func (s *PublisherTestSuite) SetupTest() {
	var err error
	s.db, err = gattdb.Default("blesense", "srg")
	s.Require().NoError(err)

	s.logger, s.hook = test.NewNullLogger()
	s.client = &fakeClient{}
	s.cfg = config.MQTTConfig{Broker: "tcp://127.0.0.1:1883", ClientID: "blesense", TopicPrefix: "lab/sensor", QoS: 1}

	s.original = ClientFactory
	ClientFactory = func(cfg config.MQTTConfig, statusTopic string, _ *logrus.Logger) (Client, error) {
		s.gotTopic = statusTopic
		return s.client, nil
	}
}

func (s *PublisherTestSuite) TearDownTest() {
	ClientFactory = s.original
}

func (s *PublisherTestSuite) TestTopics() {
	status, measurements := Topics("lab/sensor")
	s.Equal("lab/sensor/status", status)
	s.Equal("lab/sensor/adc", measurements)
}

func (s *PublisherTestSuite) TestStartAnnouncesOnline() {
	p := NewPublisher(s.cfg, s.db, s.logger)
	s.Require().NoError(p.Start(context.Background()))
	defer p.Close()

	s.Equal("lab/sensor/status", s.gotTopic)
	msgs := s.client.on("lab/sensor/status")
	s.Require().Len(msgs, 1)
	s.Equal("online", string(msgs[0].payload))
	s.True(msgs[0].retained)
	s.Equal(byte(1), msgs[0].qos)
}

func (s *PublisherTestSuite) TestForwardsADCData() {
	p := NewPublisher(s.cfg, s.db, s.logger)
	s.Require().NoError(p.Start(context.Background()))
	defer p.Close()

	s.Require().NoError(s.db.Write(gattdb.ADCData, 0, adc.Measurement(1199).Bytes()))
	s.Require().NoError(s.db.Write(gattdb.ADCData, 0, adc.Measurement(2499).Bytes()))

	s.Eventually(func() bool { return len(s.client.on("lab/sensor/adc")) == 2 }, time.Second, 5*time.Millisecond)

	var first Sample
	s.Require().NoError(json.Unmarshal(s.client.on("lab/sensor/adc")[0].payload, &first))
	s.Equal(int32(1199), first.Millivolts)
	s.False(first.Timestamp.IsZero())

	published, dropped, failed := p.Stats()
	s.Equal(int64(2), published)
	s.Zero(dropped)
	s.Zero(failed)
}

func (s *PublisherTestSuite) TestIgnoresOtherAttributes() {
	p := NewPublisher(s.cfg, s.db, s.logger)
	s.Require().NoError(p.Start(context.Background()))

	s.Require().NoError(s.db.Write(gattdb.SystemID, 0, make([]byte, 8)))
	s.Require().NoError(p.Close())

	s.Empty(s.client.on("lab/sensor/adc"))
	s.True(s.client.closed)
}

func (s *PublisherTestSuite) TestPublishFailureIsCounted() {
	s.client.failOn = "lab/sensor/adc"
	p := NewPublisher(s.cfg, s.db, s.logger)
	s.Require().NoError(p.Start(context.Background()))
	defer p.Close()

	s.Require().NoError(s.db.Write(gattdb.ADCData, 0, adc.Measurement(5).Bytes()))

	s.Eventually(func() bool {
		_, _, failed := p.Stats()
		return failed == 1
	}, time.Second, 5*time.Millisecond)
	s.Equal("Failed to publish measurement", s.hook.LastEntry().Message)
}

func (s *PublisherTestSuite) TestStatusFailureAbortsStart() {
	s.client.failOn = "lab/sensor/status"
	p := NewPublisher(s.cfg, s.db, s.logger)

	err := p.Start(context.Background())
	s.Require().ErrorIs(err, ErrNotConnected)
	s.True(s.client.closed)
}

func (s *PublisherTestSuite) TestConnectFailure() {
	ClientFactory = func(config.MQTTConfig, string, *logrus.Logger) (Client, error) {
		return nil, ErrConnectionFailed
	}
	p := NewPublisher(s.cfg, s.db, s.logger)

	s.True(errors.Is(p.Start(context.Background()), ErrConnectionFailed))
	s.NoError(p.Close())
}

func (s *PublisherTestSuite) TestCloseStopsForwarding() {
	p := NewPublisher(s.cfg, s.db, s.logger)
	s.Require().NoError(p.Start(context.Background()))
	s.Require().NoError(p.Close())
	s.Require().NoError(p.Close())

	s.Require().NoError(s.db.Write(gattdb.ADCData, 0, adc.Measurement(7).Bytes()))
	s.Empty(s.client.on("lab/sensor/adc"))
}

func TestPublisherTestSuite(t *testing.T) {
	suite.Run(t, new(PublisherTestSuite))
}
