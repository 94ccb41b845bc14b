package telemetry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/timeutil"
)

type dummyToken struct{ err error }

func (d *dummyToken) Wait() bool                     { return true }
func (d *dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d *dummyToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (d *dummyToken) Error() error { return d.err }

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 0 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type mockClient struct {
	mu         sync.Mutex
	subscribed []string
	published  []string
	onPublish  func(topic string, payload []byte)
}

func (m *mockClient) IsConnected() bool   { return true }
func (m *mockClient) Connect() paho.Token { return &dummyToken{} }
func (m *mockClient) Disconnect(uint)     {}
func (m *mockClient) Subscribe(topic string, _ byte, _ paho.MessageHandler) paho.Token {
	m.mu.Lock()
	m.subscribed = append(m.subscribed, topic)
	m.mu.Unlock()
	return &dummyToken{}
}
func (m *mockClient) Publish(topic string, _ byte, _ bool, payload interface{}) paho.Token {
	m.mu.Lock()
	m.published = append(m.published, topic)
	hook := m.onPublish
	m.mu.Unlock()
	if hook != nil {
		go hook(topic, payload.([]byte))
	}
	return &dummyToken{}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if len(cfg.Labels) == 0 {
		cfg.Labels = []string{"battery_soc"}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	m, err := newManager(cfg, nil, prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestProcessPayloads(t *testing.T) {
	m := newTestManager(t, Config{})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }

	if err := m.process("ems/state/battery_soc", []byte(" 0.42\n")); err != nil {
		t.Fatalf("bare value: %v", err)
	}
	v, err := m.Point(context.Background(), "battery_soc")
	if err != nil || v != 0.42 {
		t.Fatalf("expected 0.42, got %v (%v)", v, err)
	}

	ts := now.Add(-time.Minute).Unix()
	payload := []byte(`{"label":"battery_soc","value":0.5,"ts":` + strconv.FormatInt(ts, 10) + `}`)
	if err := m.process("ems/state/other", payload); err != nil {
		t.Fatalf("object: %v", err)
	}
	if v, _ := m.Point(context.Background(), "battery_soc"); v != 0.42 {
		t.Fatalf("older reading must not replace a newer one, got %v", v)
	}

	if err := m.process("ems/state/battery_soc", []byte(`{"soc":1}`)); err == nil {
		t.Fatal("expected decode error")
	}
	if err := m.process("ems/state/unknown", []byte("3")); err != nil {
		t.Fatalf("unknown label should be ignored: %v", err)
	}
}

func TestPointStaleInPushMode(t *testing.T) {
	m := newTestManager(t, Config{MaxAge: time.Minute})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }
	if _, err := m.Point(context.Background(), "battery_soc"); !errors.Is(err, data.ErrDataAccess) {
		t.Fatalf("expected data access error before any reading, got %v", err)
	}
	if err := m.process("ems/state/battery_soc", []byte("0.3")); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := m.Point(context.Background(), "battery_soc"); !errors.Is(err, data.ErrDataAccess) {
		t.Fatalf("expected stale reading error, got %v", err)
	}
	if _, err := m.Point(context.Background(), "grid_price"); !errors.Is(err, data.ErrDataAccess) {
		t.Fatalf("expected unknown label error, got %v", err)
	}
}

func TestPollAnswered(t *testing.T) {
	m := newTestManager(t, Config{Mode: ModePull, Timeout: time.Second})
	mc := &mockClient{}
	mc.onPublish = func(topic string, _ []byte) {
		if topic != "ems/state/request" {
			return
		}
		m.onResponse(nil, message{topic: "ems/state/response/battery_soc", payload: []byte("0.66")})
	}
	m.cli = mc
	m.subscribe(mc)
	if len(mc.subscribed) != 1 || mc.subscribed[0] != "ems/state/response/+" {
		t.Fatalf("unexpected subscriptions %v", mc.subscribed)
	}

	v, err := m.Point(context.Background(), "battery_soc")
	if err != nil {
		t.Fatalf("point: %v", err)
	}
	if v != 0.66 {
		t.Fatalf("expected 0.66, got %v", v)
	}
	if got := testutil.ToFloat64(m.pollReq); got != 1 {
		t.Fatalf("expected 1 poll request, got %v", got)
	}
	if got := testutil.ToFloat64(m.pollResp); got != 1 {
		t.Fatalf("expected 1 poll response, got %v", got)
	}
}

func TestPollTimeout(t *testing.T) {
	m := newTestManager(t, Config{Mode: ModeHybrid, Timeout: 20 * time.Millisecond})
	mc := &mockClient{}
	m.cli = mc
	m.subscribe(mc)
	if len(mc.subscribed) != 2 {
		t.Fatalf("hybrid mode should subscribe twice, got %v", mc.subscribed)
	}
	if _, err := m.Point(context.Background(), "battery_soc"); !errors.Is(err, data.ErrDataAccess) {
		t.Fatalf("expected timeout as data access error, got %v", err)
	}
	if got := testutil.ToFloat64(m.pollTimeout); got != 1 {
		t.Fatalf("expected 1 timeout, got %v", got)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) != 0 {
		t.Fatalf("waiter leaked: %v", m.waiters)
	}
}

func TestSeriesUnsupported(t *testing.T) {
	m := newTestManager(t, Config{})
	_, err := m.Series(context.Background(), []string{"battery_soc"}, timeutil.Interval{})
	if !errors.Is(err, data.ErrDataAccess) {
		t.Fatalf("expected data access error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	c := Config{Mode: "stream", Labels: []string{"x"}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected mode error")
	}
	c = Config{}
	c.SetDefaults()
	if err := c.Validate(); err == nil {
		t.Fatal("expected labels error")
	}
}
