package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	msgs       []published
	closed     bool
}

func (c *fakeClient) Connect() paho.Token { return &fakeToken{err: c.connectErr} }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{}
}

func withFakeClient(t *testing.T, fc *fakeClient) {
	t.Helper()
	orig := newMQTTClient
	newMQTTClient = func(*paho.ClientOptions) pahoClient { return fc }
	t.Cleanup(func() { newMQTTClient = orig })
}

func TestNotifyPendingPublishesNudge(t *testing.T) {
	fc := &fakeClient{}
	withFakeClient(t, fc)

	n, err := NewMQTTNotifier(Config{Broker: "tcp://broker:1883", TopicPrefix: "coffee/devices/", QoS: 1})
	if err != nil {
		t.Fatalf("NewMQTTNotifier: %v", err)
	}
	n.now = func() time.Time { return time.Unix(1700000000, 0) }
	n.NotifyPending("dev-7")

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(fc.msgs))
	}
	msg := fc.msgs[0]
	if msg.topic != "coffee/devices/dev-7/commands" {
		t.Errorf("topic = %q", msg.topic)
	}
	if msg.qos != 1 {
		t.Errorf("qos = %d, want 1", msg.qos)
	}
	var body nudge
	if err := json.Unmarshal(msg.payload, &body); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if body.DeviceID != "dev-7" || body.TS != 1700000000 {
		t.Errorf("payload = %+v", body)
	}
}

func TestNewMQTTNotifierConnectError(t *testing.T) {
	withFakeClient(t, &fakeClient{connectErr: errors.New("refused")})
	if _, err := NewMQTTNotifier(Config{Broker: "tcp://broker:1883"}); err == nil {
		t.Fatal("expected connect error")
	}
}

func TestNewMQTTNotifierRequiresBroker(t *testing.T) {
	if _, err := NewMQTTNotifier(Config{}); err == nil {
		t.Fatal("expected error without broker")
	}
}

func TestTopicWithoutPrefix(t *testing.T) {
	n := newNotifier(&fakeClient{}, Config{})
	if got := n.Topic("d1"); got != "d1/commands" {
		t.Fatalf("topic = %q", got)
	}
}

func TestNilNotifierIsSafe(t *testing.T) {
	var n *MQTTNotifier
	n.NotifyPending("d1")
	n.Close()
}

func TestCloseDisconnects(t *testing.T) {
	fc := &fakeClient{}
	newNotifier(fc, Config{}).Close()
	if !fc.closed {
		t.Fatal("client not disconnected")
	}
}
