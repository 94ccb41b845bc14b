// Package telemetry serves live readings published over MQTT, such as the
// battery state of charge, as data.Provider points.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/ems/core/data"
	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/timeutil"
	infmqtt "github.com/kilianp07/ems/infra/mqtt"
)

// Collection modes.
const (
	ModePush   = "push"
	ModePull   = "pull"
	ModeHybrid = "hybrid"
)

// Config holds the topics and freshness rules of the live readings.
type Config struct {
	Mode string `json:"mode"`
	// StatePrefix receives pushed readings on <prefix>/<label>.
	StatePrefix string `json:"state_topic_prefix"`
	// RequestTopic receives poll requests in pull and hybrid modes.
	RequestTopic string `json:"request_topic"`
	// ResponsePrefix receives poll responses on <prefix>/<label>.
	ResponsePrefix string        `json:"response_topic_prefix"`
	Timeout        time.Duration `json:"timeout"`
	// MaxAge is the age above which a reading is no longer served.
	MaxAge time.Duration `json:"max_age"`
	Labels []string      `json:"labels"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModePush
	}
	c.Mode = strings.ToLower(c.Mode)
	if c.StatePrefix == "" {
		c.StatePrefix = "ems/state"
	}
	if c.RequestTopic == "" {
		c.RequestTopic = "ems/state/request"
	}
	if c.ResponsePrefix == "" {
		c.ResponsePrefix = "ems/state/response"
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 15 * time.Minute
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	switch c.Mode {
	case ModePush, ModePull, ModeHybrid:
	default:
		return fmt.Errorf("unknown telemetry mode %q", c.Mode)
	}
	if len(c.Labels) == 0 {
		return errors.New("telemetry needs at least one label")
	}
	return nil
}

func (c Config) pushes() bool { return c.Mode == ModePush || c.Mode == ModeHybrid }
func (c Config) polls() bool  { return c.Mode == ModePull || c.Mode == ModeHybrid }

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

type reading struct {
	value float64
	at    time.Time
}

// Manager keeps the latest reading of every configured label.
type Manager struct {
	cfg   Config
	cli   pahoClient
	log   logger.Logger
	clock func() time.Time

	mu      sync.Mutex
	latest  map[string]reading
	waiters map[string][]chan reading

	pollReq     prometheus.Counter
	pollResp    prometheus.Counter
	pollTimeout prometheus.Counter
	lastCollect prometheus.Gauge
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewManager connects to the broker with its own client ID and subscribes
// to the reading topics on every connection.
func NewManager(mqttCfg infmqtt.Config, cfg Config, log logger.Logger) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := infmqtt.NewClientOptions(mqttCfg)
	if err != nil {
		return nil, err
	}
	id := mqttCfg.ClientID
	if id != "" {
		id += "-telemetry"
	} else {
		id = "telemetry-" + uuid.NewString()
	}
	opts.SetClientID(id)
	m, err := newManager(cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	opts.OnConnect = func(c paho.Client) { m.subscribe(c) }
	cli := newMQTTClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	m.cli = cli
	return m, nil
}

func newManager(cfg Config, log logger.Logger, reg prometheus.Registerer) (*Manager, error) {
	if log == nil {
		log = logger.Nop()
	}
	m := &Manager{
		cfg:         cfg,
		log:         log,
		clock:       time.Now,
		latest:      make(map[string]reading),
		waiters:     make(map[string][]chan reading),
		pollReq:     prometheus.NewCounter(prometheus.CounterOpts{Name: "ems_telemetry_poll_requests_total", Help: "Number of telemetry poll requests"}),
		pollResp:    prometheus.NewCounter(prometheus.CounterOpts{Name: "ems_telemetry_poll_responses_total", Help: "Number of telemetry poll responses"}),
		pollTimeout: prometheus.NewCounter(prometheus.CounterOpts{Name: "ems_telemetry_poll_timeout_total", Help: "Number of telemetry poll timeouts"}),
		lastCollect: prometheus.NewGauge(prometheus.GaugeOpts{Name: "ems_telemetry_last_collect_timestamp_seconds", Help: "Unix timestamp of the last telemetry reading"}),
	}
	for _, c := range []*prometheus.Counter{&m.pollReq, &m.pollResp, &m.pollTimeout} {
		if err := reg.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
			*c = are.ExistingCollector.(prometheus.Counter)
		}
	}
	if err := reg.Register(m.lastCollect); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		m.lastCollect = are.ExistingCollector.(prometheus.Gauge)
	}
	return m, nil
}

func (m *Manager) subscribe(c pahoClient) {
	if m.cfg.pushes() {
		topic := strings.TrimSuffix(m.cfg.StatePrefix, "/") + "/+"
		if token := c.Subscribe(topic, 0, m.onPush); token.Wait() && token.Error() != nil {
			m.log.Errorf("subscribe state: %v", token.Error())
		}
	}
	if m.cfg.polls() {
		topic := strings.TrimSuffix(m.cfg.ResponsePrefix, "/") + "/+"
		if token := c.Subscribe(topic, 0, m.onResponse); token.Wait() && token.Error() != nil {
			m.log.Errorf("subscribe response: %v", token.Error())
		}
	}
}

func (m *Manager) onPush(_ paho.Client, msg paho.Message) {
	if err := m.process(msg.Topic(), msg.Payload()); err != nil {
		m.log.Errorf("push decode: %v", err)
	}
}

func (m *Manager) onResponse(_ paho.Client, msg paho.Message) {
	if err := m.process(msg.Topic(), msg.Payload()); err != nil {
		m.log.Errorf("poll decode: %v", err)
		return
	}
	m.pollResp.Inc()
}

func extractLabel(topic string) string {
	parts := strings.Split(topic, "/")
	return parts[len(parts)-1]
}

// process stores a reading. Payloads are either a bare number or a JSON
// object with a value and an optional unix timestamp.
func (m *Manager) process(topic string, payload []byte) error {
	var msg struct {
		Label string   `json:"label"`
		Value *float64 `json:"value"`
		TS    *int64   `json:"ts"`
	}
	r := reading{at: m.clock()}
	if err := json.Unmarshal(payload, &msg); err == nil && msg.Value != nil {
		r.value = *msg.Value
		if msg.TS != nil {
			r.at = time.Unix(*msg.TS, 0)
		}
	} else {
		v, perr := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
		if perr != nil {
			return fmt.Errorf("reading on %s: %q is neither a number nor a reading object", topic, payload)
		}
		r.value = v
	}
	label := msg.Label
	if label == "" {
		label = extractLabel(topic)
	}
	if !slices.Contains(m.cfg.Labels, label) {
		m.log.Debugf("ignoring reading for unknown label %s", label)
		return nil
	}
	m.mu.Lock()
	if prev, ok := m.latest[label]; !ok || !r.at.Before(prev.at) {
		m.latest[label] = r
	}
	for _, w := range m.waiters[label] {
		w <- r
	}
	delete(m.waiters, label)
	m.mu.Unlock()
	m.lastCollect.Set(float64(r.at.Unix()))
	return nil
}

// Labels returns the labels served by the manager.
func (m *Manager) Labels() []string { return slices.Clone(m.cfg.Labels) }

// Series implements data.Provider. Telemetry only serves points.
func (m *Manager) Series(_ context.Context, labels []string, _ timeutil.Interval) (data.Table, error) {
	return data.Table{}, fmt.Errorf("%w: telemetry has no history for %v", data.ErrDataAccess, labels)
}

// Point returns the latest reading of label. A missing or stale reading is
// polled for in pull and hybrid modes.
func (m *Manager) Point(ctx context.Context, label string) (float64, error) {
	if !slices.Contains(m.cfg.Labels, label) {
		return 0, fmt.Errorf("%w: unknown telemetry label %s", data.ErrDataAccess, label)
	}
	m.mu.Lock()
	r, ok := m.latest[label]
	m.mu.Unlock()
	if ok && m.clock().Sub(r.at) <= m.cfg.MaxAge {
		return r.value, nil
	}
	if !m.cfg.polls() {
		if !ok {
			return 0, fmt.Errorf("%w: no reading for %s yet", data.ErrDataAccess, label)
		}
		return 0, fmt.Errorf("%w: reading for %s is %s old", data.ErrDataAccess, label, m.clock().Sub(r.at).Round(time.Second))
	}
	return m.poll(ctx, label)
}

func (m *Manager) poll(ctx context.Context, label string) (float64, error) {
	if m.cli == nil {
		return 0, fmt.Errorf("%w: telemetry is not connected", data.ErrDataAccess)
	}
	w := make(chan reading, 1)
	m.mu.Lock()
	m.waiters[label] = append(m.waiters[label], w)
	m.mu.Unlock()
	defer m.dropWaiter(label, w)

	payload, err := json.Marshal(map[string]string{"label": label})
	if err != nil {
		return 0, err
	}
	m.pollReq.Inc()
	token := m.cli.Publish(m.cfg.RequestTopic, 0, false, payload)
	if token.Wait() && token.Error() != nil {
		return 0, fmt.Errorf("%w: poll %s: %w", data.ErrDataAccess, label, token.Error())
	}
	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()
	select {
	case r := <-w:
		return r.value, nil
	case <-timer.C:
		m.pollTimeout.Inc()
		return 0, fmt.Errorf("%w: no response for %s within %s", data.ErrDataAccess, label, m.cfg.Timeout)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) dropWaiter(label string, w chan reading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.waiters[label]
	for i, c := range ws {
		if c == w {
			m.waiters[label] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(m.waiters[label]) == 0 {
		delete(m.waiters, label)
	}
}

// Close disconnects from the broker.
func (m *Manager) Close() {
	if m.cli != nil && m.cli.IsConnected() {
		m.cli.Disconnect(250)
	}
}
