package transport

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// disconnectQuiesce is how long paho gets to flush in-flight work on
// Disconnect, in milliseconds.
const disconnectQuiesce = 250

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerAddress string
	BrokerPort    int
	// ClientID is the base client identifier. Each dial appends a unique
	// suffix so a recreated session never collides with a half-dead
	// predecessor still known to the broker.
	ClientID  string
	KeepAlive time.Duration
}

// Validate checks the config for required fields and fills defaults.
func (c *MQTTConfig) Validate() error {
	if c.BrokerAddress == "" {
		return errors.New("broker address is required")
	}
	if c.BrokerPort <= 0 || c.BrokerPort > 65535 {
		return errors.Errorf("invalid broker port %d", c.BrokerPort)
	}
	if c.ClientID == "" {
		c.ClientID = "roverlink"
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 30 * time.Second
	}
	return nil
}

// MQTTDialer dials MQTT sessions against one configured broker.
type MQTTDialer struct {
	cfg    MQTTConfig
	logger golog.Logger
}

// NewMQTTDialer returns a Dialer for the configured broker.
func NewMQTTDialer(cfg MQTTConfig, logger golog.Logger) (*MQTTDialer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid mqtt config")
	}
	return &MQTTDialer{cfg: cfg, logger: logger}, nil
}

// Dial builds a fresh, unconnected session. Automatic reconnection is
// disabled; the connection manager owns the retry policy.
func (d *MQTTDialer) Dial(h Handlers) Session {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", d.cfg.BrokerAddress, d.cfg.BrokerPort)).
		SetClientID(fmt.Sprintf("%s-%s", d.cfg.ClientID, uuid.NewString()[:8])).
		SetKeepAlive(d.cfg.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false)
	if h.OnMessage != nil {
		onMessage := h.OnMessage
		opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			onMessage(msg.Topic(), msg.Payload())
		})
	}
	if h.OnConnectionLost != nil {
		onLost := h.OnConnectionLost
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			onLost(err)
		})
	}
	return &mqttSession{client: mqtt.NewClient(opts), logger: d.logger}
}

type mqttSession struct {
	client mqtt.Client
	logger golog.Logger
}

func (s *mqttSession) Connect(ctx context.Context) error {
	tok := s.client.Connect()
	select {
	case <-ctx.Done():
		// the half-open attempt must not linger
		s.client.Disconnect(0)
		return ctx.Err()
	case <-tok.Done():
		return tok.Error()
	}
}

func (s *mqttSession) Disconnect() {
	s.client.Disconnect(disconnectQuiesce)
}

// Publish is fire and forget: the token is drained in the background and
// failures are only logged.
func (s *mqttSession) Publish(topic string, qos byte, payload []byte) error {
	tok := s.client.Publish(topic, qos, false, payload)
	goutils.PanicCapturingGo(func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			s.logger.Debugw("publish failed", "topic", topic, "error", err)
		}
	})
	return nil
}

func (s *mqttSession) Subscribe(topic string, qos byte) error {
	// nil handler routes messages to the default publish handler set at dial
	// time, keeping one inbound path for all topics.
	tok := s.client.Subscribe(topic, qos, nil)
	if !tok.WaitTimeout(10 * time.Second) {
		return errors.Errorf("subscribing to %q timed out", topic)
	}
	return errors.Wrapf(tok.Error(), "subscribing to %q", topic)
}
