// Package notify nudges devices over MQTT when commands are waiting, so they
// can claim without waiting for their next poll.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	// PublishTimeout bounds the wait for broker acknowledgement.
	PublishTimeout time.Duration
}

type pahoClient interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// MQTTNotifier publishes a small JSON nudge to {prefix}/{device}/commands.
type MQTTNotifier struct {
	cli     pahoClient
	prefix  string
	qos     byte
	timeout time.Duration
	now     func() time.Time
}

type nudge struct {
	DeviceID string `json:"device_id"`
	Reason   string `json:"reason"`
	TS       int64  `json:"ts"`
}

// NewMQTTNotifier connects to the broker.
func NewMQTTNotifier(cfg Config) (*MQTTNotifier, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(paho.Client) {
		slog.Info("mqtt connected", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}

	c := newMQTTClient(opts)
	if tok := c.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, tok.Error())
	}
	return newNotifier(c, cfg), nil
}

func newNotifier(c pahoClient, cfg Config) *MQTTNotifier {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTNotifier{
		cli:     c,
		prefix:  strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:     cfg.QoS,
		timeout: timeout,
		now:     time.Now,
	}
}

// Topic returns the nudge topic for a device.
func (n *MQTTNotifier) Topic(deviceID string) string {
	if n.prefix == "" {
		return deviceID + "/commands"
	}
	return n.prefix + "/" + deviceID + "/commands"
}

// NotifyPending publishes without waiting. Delivery failures are logged only;
// devices still find their commands on the next claim.
func (n *MQTTNotifier) NotifyPending(deviceID string) {
	if n == nil || n.cli == nil {
		return
	}
	payload, err := json.Marshal(nudge{DeviceID: deviceID, Reason: "pending", TS: n.now().Unix()})
	if err != nil {
		return
	}
	topic := n.Topic(deviceID)
	tok := n.cli.Publish(topic, n.qos, false, payload)
	go func() {
		if !tok.WaitTimeout(n.timeout) {
			slog.Warn("mqtt publish timed out", "topic", topic)
			return
		}
		if err := tok.Error(); err != nil {
			slog.Warn("mqtt publish failed", "topic", topic, "error", err)
		}
	}()
}

func (n *MQTTNotifier) Close() {
	if n == nil || n.cli == nil {
		return
	}
	n.cli.Disconnect(250)
}
