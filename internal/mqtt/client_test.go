package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/signalsfoundry/cognitive-radio-sim/internal/config"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type publishedMsg struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakePaho stands in for a connected paho client.
type fakePaho struct {
	mu           sync.Mutex
	connected    bool
	published    []publishedMsg
	handlers     map[string]pahomqtt.MessageHandler
	subscribes   int
	unsubscribed []string
	disconnected bool
	publishErr   error
	subscribeErr error
}

func newFakePaho() *fakePaho {
	return &fakePaho{connected: true, handlers: make(map[string]pahomqtt.MessageHandler)}
}

func (f *fakePaho) IsConnected() bool      { return f.connected }
func (f *fakePaho) IsConnectionOpen() bool { return f.connected }
func (f *fakePaho) Connect() pahomqtt.Token {
	f.connected = true
	return &fakeToken{}
}

func (f *fakePaho) Disconnect(uint) {
	f.connected = false
	f.disconnected = true
}

func (f *fakePaho) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = p
	case string:
		b = []byte(p)
	}
	f.published = append(f.published, publishedMsg{topic: topic, qos: qos, retained: retained, payload: b})
	return &fakeToken{err: f.publishErr}
}

func (f *fakePaho) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	if f.subscribeErr == nil {
		f.handlers[topic] = cb
	}
	return &fakeToken{err: f.subscribeErr}
}

func (f *fakePaho) SubscribeMultiple(filters map[string]byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	for topic, qos := range filters {
		f.Subscribe(topic, qos, cb)
	}
	return &fakeToken{}
}

func (f *fakePaho) Unsubscribe(topics ...string) pahomqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range topics {
		delete(f.handlers, t)
	}
	f.unsubscribed = append(f.unsubscribed, topics...)
	return &fakeToken{}
}

func (f *fakePaho) AddRoute(string, pahomqtt.MessageHandler) {}

func (f *fakePaho) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

func (f *fakePaho) deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		h(f, fakeMessage{topic: topic, payload: payload})
	}
}

func (f *fakePaho) last() publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "crn-test",
		},
		QoS:         1,
		TopicPrefix: "lab",
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func connectedClient(t *testing.T) (*Client, *fakePaho) {
	t.Helper()
	fp := newFakePaho()
	c := newClient(testConfig(), "crn-test", nil)
	c.client = fp
	c.setConnected(true)
	return c, fp
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "sim"
	cfg.Auth.Password = "secret"
	opts := buildClientOptions(cfg, "crn-test")
	configureLWT(opts, Topics{Prefix: cfg.TopicPrefix}, "crn-test")

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Fatalf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "crn-test" || opts.Username != "sim" || opts.Password != "secret" {
		t.Fatalf("identity = %q/%q/%q", opts.ClientID, opts.Username, opts.Password)
	}
	if !opts.WillEnabled || opts.WillTopic != "lab/system/status" || !opts.WillRetained {
		t.Fatalf("LWT = enabled %v topic %q retained %v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	if !strings.Contains(string(opts.WillPayload), `"status":"offline"`) {
		t.Fatalf("LWT payload = %s", opts.WillPayload)
	}

	cfg.Broker.TLS = true
	if got := buildClientOptions(cfg, "x").Servers[0].Scheme; got != "ssl" {
		t.Fatalf("TLS scheme = %q, want ssl", got)
	}
}

func TestClientIDDefaultsToRandom(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = ""
	a, b := clientID(cfg), clientID(cfg)
	if !strings.HasPrefix(a, "crn-sim-") || a == b {
		t.Fatalf("generated IDs %q and %q, want distinct crn-sim-* IDs", a, b)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on uninitialised client = %v", err)
	}
}

func TestPublish(t *testing.T) {
	c, fp := connectedClient(t)

	if err := c.Publish("lab/nodes/n1", []byte(`{}`), 1, true); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	got := fp.last()
	if got.topic != "lab/nodes/n1" || got.qos != 1 || !got.retained || string(got.payload) != "{}" {
		t.Fatalf("published %+v", got)
	}

	fp.publishErr = errors.New("broker says no")
	if err := c.Publish("lab/nodes/n1", nil, 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Fatalf("Publish() error = %v, want ErrPublishFailed", err)
	}
}

func TestPublishValidation(t *testing.T) {
	c, _ := connectedClient(t)

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", nil, 0, ErrInvalidTopic},
		{"invalid qos", "t", nil, 3, ErrInvalidQoS},
		{"payload too large", "t", make([]byte, maxPayloadSize+1), 0, ErrPublishFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
			if err := c.PublishAsync(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("PublishAsync() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPublishDisconnected(t *testing.T) {
	c, fp := connectedClient(t)
	fp.connected = false

	if err := c.Publish("t", nil, 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.PublishAsync("t", nil, 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishAsync() error = %v, want ErrNotConnected", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestPublishAsyncDoesNotSurfaceDeliveryErrors(t *testing.T) {
	c, fp := connectedClient(t)
	fp.publishErr = errors.New("dropped")

	if err := c.PublishAsync("lab/nodes/n2", []byte("x"), 0, true); err != nil {
		t.Fatalf("PublishAsync() error = %v", err)
	}
	if got := fp.last(); got.topic != "lab/nodes/n2" {
		t.Fatalf("published %+v", got)
	}
}

func TestSubscribeAndDeliver(t *testing.T) {
	c, fp := connectedClient(t)

	var got []string
	err := c.Subscribe("lab/nodes/n1", 1, func(topic string, payload []byte) error {
		got = append(got, topic+"="+string(payload))
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if c.SubscriptionCount() != 1 {
		t.Fatalf("SubscriptionCount() = %d, want 1", c.SubscriptionCount())
	}

	fp.deliver("lab/nodes/n1", []byte("on"))
	if len(got) != 1 || got[0] != "lab/nodes/n1=on" {
		t.Fatalf("handler saw %v", got)
	}

	if err := c.Unsubscribe("lab/nodes/n1"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if c.SubscriptionCount() != 0 || len(fp.unsubscribed) != 1 {
		t.Fatalf("after Unsubscribe: count %d, broker unsubscribes %v", c.SubscriptionCount(), fp.unsubscribed)
	}
}

func TestSubscribeValidation(t *testing.T) {
	c, fp := connectedClient(t)
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 0, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe("t", 5, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid qos error = %v", err)
	}
	if err := c.Subscribe("t", 0, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}

	fp.subscribeErr = errors.New("not authorised")
	if err := c.Subscribe("t", 0, noop); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("broker failure error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("failed subscription is still tracked")
	}
}

func TestHandlerPanicAndErrorAreContained(t *testing.T) {
	c, fp := connectedClient(t)

	if err := c.Subscribe("boom", 0, func(string, []byte) error { panic("handler bug") }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.Subscribe("fail", 0, func(string, []byte) error { return errors.New("bad payload") }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	fp.deliver("boom", nil)
	fp.deliver("fail", nil)
}

func TestReconnectRestoresSubscriptionsAndStatus(t *testing.T) {
	c, fp := connectedClient(t)
	if err := c.Subscribe("lab/nodes/+", 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	c.handleDisconnect(errors.New("network down"))
	if c.IsConnected() {
		t.Fatalf("IsConnected() after connection loss")
	}

	c.handleConnect()
	if !c.IsConnected() {
		t.Fatalf("IsConnected() = false after reconnect")
	}
	if fp.subscribes != 2 {
		t.Fatalf("broker saw %d subscribes, want original plus restore", fp.subscribes)
	}
	status := fp.last()
	if status.topic != "lab/system/status" || !status.retained || !strings.Contains(string(status.payload), `"online"`) {
		t.Fatalf("status publish = %+v", status)
	}
}

func TestClosePublishesOfflineStatus(t *testing.T) {
	c, fp := connectedClient(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !fp.disconnected || c.IsConnected() {
		t.Fatalf("Close() did not disconnect")
	}
	status := fp.last()
	if status.topic != "lab/system/status" || !strings.Contains(string(status.payload), "graceful_shutdown") {
		t.Fatalf("offline status = %+v", status)
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"node report", Topics{Prefix: "lab"}.NodeReport("cr-1"), "lab/nodes/cr-1"},
		{"trailing slash", Topics{Prefix: "lab/"}.AllNodeReports(), "lab/nodes/+"},
		{"default prefix", Topics{}.SystemStatus(), "crn/system/status"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}

	topics := Topics{Prefix: "lab"}
	if id, ok := topics.NodeIDFromTopic("lab/nodes/cr-7"); !ok || id != "cr-7" {
		t.Errorf("NodeIDFromTopic = %q, %v", id, ok)
	}
	for _, bad := range []string{"lab/nodes/", "lab/nodes/a/b", "other/nodes/a", "lab/system/status"} {
		if _, ok := topics.NodeIDFromTopic(bad); ok {
			t.Errorf("NodeIDFromTopic(%q) accepted", bad)
		}
	}
}
