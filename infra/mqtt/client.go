// Package mqtt publishes battery setpoints derived from dispatch results.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/ems/core/logger"
	"github.com/kilianp07/ems/core/monitoring"
	"github.com/kilianp07/ems/core/optimizer"
)

// ErrAckTimeout is returned when no acknowledgment is received before the timeout.
var ErrAckTimeout = errors.New("timeout waiting for ack")

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker        string          `json:"broker"`
	ClientID      string          `json:"client_id"`
	Username      string          `json:"username"`
	Password      string          `json:"password"`
	SetpointTopic string          `json:"setpoint_topic"`
	AckTopic      string          `json:"ack_topic"`
	AckTimeout    time.Duration   `json:"ack_timeout"`
	Retain        bool            `json:"retain"`
	UseTLS        bool            `json:"use_tls"`
	ClientCert    string          `json:"client_cert"`
	ClientKey     string          `json:"client_key"`
	CABundle      string          `json:"ca_bundle"`
	AuthMethod    string          `json:"auth_method"`
	QoS           map[string]byte `json:"qos"`
	LWTTopic      string          `json:"lwt_topic"`
	LWTPayload    string          `json:"lwt_payload"`
	LWTQoS        byte            `json:"lwt_qos"`
	LWTRetain     bool            `json:"lwt_retain"`
	MaxRetries    int             `json:"max_retries"`
	BackoffMS     int             `json:"backoff_ms"`
	TLSConfig     *tls.Config     `json:"-"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "ems"
	}
	if c.SetpointTopic == "" {
		c.SetpointTopic = "ems/battery/setpoint"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.New("mqtt broker is required")
	}
	if c.AckTimeout > 0 && c.AckTopic == "" {
		return errors.New("mqtt ack_topic is required when waiting for acks")
	}
	return nil
}

// Setpoint is the order sent to the battery controller for the first period
// of a plan. PowerKW is positive when discharging.
type Setpoint struct {
	CommandID  string    `json:"command_id"`
	RunID      string    `json:"run_id,omitempty"`
	Battery    string    `json:"battery"`
	TargetSOC  float64   `json:"target_soc"`
	PowerKW    float64   `json:"power_kw"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	Timestamp  int64     `json:"timestamp"`
}

// SetpointFor derives the setpoint of the first period of r.
func SetpointFor(r *optimizer.DispatchResult) (Setpoint, bool) {
	if !r.HasBattery() || r.Periods() == 0 {
		return Setpoint{}, false
	}
	start := r.Timestamps[0]
	return Setpoint{
		RunID:      r.RunID,
		Battery:    r.Battery.Name,
		TargetSOC:  r.TargetSOC,
		PowerKW:    r.BatteryEnergyFlow[0] / r.Step.Hours(),
		ValidFrom:  start,
		ValidUntil: start.Add(r.Step.Duration()),
	}, true
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// Publisher sends setpoints with Eclipse Paho and tracks acknowledgments.
type Publisher struct {
	cli     pahoClient
	cfg     Config
	log     logger.Logger
	monitor monitoring.Monitor

	mu       sync.Mutex
	ackChans map[string]chan struct{}
	backoff  time.Duration
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPublisher connects to the MQTT broker and subscribes to the ack topic
// when one is configured.
func NewPublisher(cfg Config, log logger.Logger, monitor monitoring.Monitor) (*Publisher, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	p := &Publisher{
		cfg:      cfg,
		log:      log,
		monitor:  monitoring.OrNop(monitor),
		ackChans: make(map[string]chan struct{}),
		backoff:  time.Duration(cfg.BackoffMS) * time.Millisecond,
	}
	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if cfg.AckTopic == "" {
			return
		}
		if token := c.Subscribe(cfg.AckTopic, p.qos("ack"), p.onAck); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe error: %v", token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	p.cli = c
	return p, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (p *Publisher) qos(kind string) byte {
	if q, ok := p.cfg.QoS[kind]; ok {
		return q
	}
	return 0
}

func (p *Publisher) onAck(_ paho.Client, msg paho.Message) {
	var m struct {
		CommandID string `json:"command_id"`
	}
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		p.log.Errorf("failed to decode ack: %v", err)
		return
	}
	p.mu.Lock()
	ch, ok := p.ackChans[m.CommandID]
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
		p.log.Infof("received ack %s", m.CommandID)
	}
	p.mu.Unlock()
}

// SendSetpoint publishes sp and returns the command identifier used for
// acknowledgment tracking. Failed attempts are retried with exponential
// backoff.
func (p *Publisher) SendSetpoint(ctx context.Context, sp Setpoint) (string, error) {
	sp.CommandID = uuid.NewString()
	sp.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(sp)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.ackChans[sp.CommandID] = make(chan struct{}, 1)
	p.mu.Unlock()

	var publishErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		token := p.cli.Publish(p.cfg.SetpointTopic, p.qos("setpoint"), p.cfg.Retain, payload)
		token.Wait()
		if publishErr = token.Error(); publishErr == nil {
			p.log.Infof("sent setpoint %s to %s", sp.CommandID, p.cfg.SetpointTopic)
			return sp.CommandID, nil
		}
		p.log.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		if attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			publishErr = errors.Join(publishErr, ctx.Err())
			attempt = p.cfg.MaxRetries
		case <-time.After(p.backoff * time.Duration(1<<attempt)):
		}
	}
	p.forget(sp.CommandID)
	p.monitor.CaptureException(publishErr, map[string]string{"module": "mqtt", "battery": sp.Battery})
	return "", publishErr
}

func (p *Publisher) forget(commandID string) {
	p.mu.Lock()
	delete(p.ackChans, commandID)
	p.mu.Unlock()
}

// WaitForAck blocks until an ACK for the given command ID is received or timeout.
func (p *Publisher) WaitForAck(commandID string, timeout time.Duration) (bool, error) {
	p.mu.Lock()
	ch := p.ackChans[commandID]
	p.mu.Unlock()
	if ch == nil {
		return false, fmt.Errorf("unknown command %s", commandID)
	}
	defer p.forget(commandID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, ErrAckTimeout
	}
}

// Write implements results.Sink with the setpoint of the first period. It
// waits for the acknowledgment when an ack timeout is configured.
func (p *Publisher) Write(ctx context.Context, r *optimizer.DispatchResult) error {
	sp, ok := SetpointFor(r)
	if !ok {
		return nil
	}
	id, err := p.SendSetpoint(ctx, sp)
	if err != nil {
		return fmt.Errorf("publish setpoint: %w", err)
	}
	if p.cfg.AckTimeout <= 0 {
		p.forget(id)
		return nil
	}
	if _, err := p.WaitForAck(id, p.cfg.AckTimeout); err != nil {
		p.monitor.CaptureException(err, map[string]string{"module": "mqtt", "battery": sp.Battery, "command_id": id})
		return fmt.Errorf("setpoint %s: %w", id, err)
	}
	return nil
}

// Disconnect gracefully closes the MQTT connection.
func (p *Publisher) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}

// Close implements io.Closer.
func (p *Publisher) Close() error {
	p.Disconnect()
	return nil
}
