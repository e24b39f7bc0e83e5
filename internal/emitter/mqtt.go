package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var ErrNotConnected = errors.New("mqtt not connected")

// MQTTOptions configures the MQTT sink.
type MQTTOptions struct {
	Broker   string // host:port or full URL
	ClientID string
	Topic    string // events go to <Topic>/<session>
	QoS      byte
	Username string
	Password string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// MQTT publishes events to a broker, reconnecting automatically.
type MQTT struct {
	opts   MQTTOptions
	client mqtt.Client
	log    *slog.Logger

	mu        sync.RWMutex
	connected bool
	published atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTT builds the sink. Call Connect before Emit.
func NewMQTT(opts MQTTOptions) *MQTT {
	if opts.Topic == "" {
		opts.Topic = "facerecognize/events"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &MQTT{opts: opts, log: logger.With("component", "mqtt", "broker", opts.Broker)}

	co := mqtt.NewClientOptions()
	co.AddBroker(brokerURL(opts.Broker))
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		m.log.Info("mqtt connection established", "client_id", opts.ClientID)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.log.Warn("mqtt connection lost, will auto-reconnect", "error", err)
	}
	m.client = mqtt.NewClient(co)
	return m
}

func brokerURL(b string) string {
	if strings.Contains(b, "://") {
		return b
	}
	return "tcp://" + b
}

// Connect waits up to ctx's deadline (or five seconds) for the first
// connection.
func (m *MQTT) Connect(ctx context.Context) error {
	m.log.Info("connecting to mqtt broker")
	wait := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	token := m.client.Connect()
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	m.setConnected(true)
	return nil
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Topic returns the topic events of session are published to.
func (m *MQTT) Topic(session string) string {
	return m.opts.Topic + "/" + session
}

func (m *MQTT) Emit(_ context.Context, ev Event) error {
	if !m.isConnected() {
		m.errors.Add(1)
		return ErrNotConnected
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		m.errors.Add(1)
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	topic := m.Topic(ev.Session)
	token := m.client.Publish(topic, m.opts.QoS, false, payload)
	if !token.WaitTimeout(m.opts.Timeout) {
		m.errors.Add(1)
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		m.errors.Add(1)
		return fmt.Errorf("publish failed: %w", err)
	}
	m.published.Add(1)
	m.log.Debug("event published", "topic", topic, "faces", len(ev.Results), "size", len(payload))
	return nil
}

// MQTTStats counts publishes since start.
type MQTTStats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

func (m *MQTT) Stats() MQTTStats {
	return MQTTStats{Connected: m.isConnected(), Published: m.published.Load(), Errors: m.errors.Load()}
}

func (m *MQTT) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
		m.log.Info("mqtt disconnected")
	}
	m.setConnected(false)
	return nil
}
