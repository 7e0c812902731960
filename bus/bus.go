// Package bus manages the MQTT connection of the mixer node.
//
// The Manager owns the paho client exclusively. Reconnection is left to
// paho's automatic retry; the Manager only reacts to connection callbacks,
// tracks the resulting State, re-issues every subscription each time the
// connection comes up (sessions are clean) and fires the liveness hook.
package bus

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/d1nch8g/avsim-mixer/fault"
)

// Status is the connectivity of the node.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is a read-only view of the connection.
type State struct {
	Status Status
	// Attempts counts connection attempts since the last successful connect
	Attempts int
	// LastCode is the CONNACK return code of the initial Connect. With
	// connect retry enabled paho keeps retrying a refused CONNACK without
	// completing the token, so a refusal shows up as a growing Attempts
	// count while LastCode stays 0.
	LastCode byte
	// LastError describes why the connection was last lost
	LastError string
}

// QoS used for every subscription and publication (at most once).
const QoS byte = 0

const (
	DefaultPort      = 1883
	DefaultKeepAlive = 60 * time.Second
	clientIDPrefix   = "flame-avsim-mixer"
)

// Client is the subset of mqtt.Client used by the Manager.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Config describes the broker connection and the hooks into the node.
type Config struct {
	BrokerURL string
	ClientID  string
	KeepAlive time.Duration

	// Topics are (re)subscribed every time the connection comes up
	Topics []string

	// Deliver receives every inbound message. It must not block.
	Deliver func(topic string, payload []byte)

	// OnConnected runs after the subscriptions are issued
	OnConnected func()
}

// NewClientID returns a unique client identity for this process.
func NewClientID() string {
	return clientIDPrefix + "-" + uuid.NewString()
}

// Manager drives the connection state machine.
type Manager struct {
	config Config
	logger *slog.Logger

	client Client

	mu       sync.RWMutex
	state    State
	watchers []func(State)
}

// New creates a Manager backed by a paho client configured for clean,
// auto-reconnecting sessions.
func New(config Config, logger *slog.Logger) *Manager {
	if config.ClientID == "" {
		config.ClientID = NewClientID()
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = DefaultKeepAlive
	}

	m := newManager(config, logger)

	opts := mqtt.NewClientOptions().
		AddBroker(config.BrokerURL).
		SetClientID(config.ClientID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetKeepAlive(config.KeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectionAttemptHandler(func(broker *url.URL, cfg *tls.Config) *tls.Config {
			m.handleAttempt(broker.String())
			return cfg
		}).
		SetOnConnectHandler(func(mqtt.Client) { m.handleConnect() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { m.handleConnectionLost(err) }).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) { m.handleReconnecting() })

	m.client = mqtt.NewClient(opts)
	return m
}

// NewWithClient creates a Manager around an existing client. The caller is
// responsible for routing the client's connection callbacks to the Manager.
func NewWithClient(config Config, client Client, logger *slog.Logger) *Manager {
	m := newManager(config, logger)
	m.client = client
	return m
}

func newManager(config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config: config,
		logger: logger.With("component", "bus", "client_id", config.ClientID),
		state:  State{Status: StatusDisconnected},
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Connected reports whether publishing is currently possible.
func (m *Manager) Connected() bool {
	return m.State().Status == StatusConnected
}

// Watch registers fn to be called with every new state.
func (m *Manager) Watch(fn func(State)) {
	m.mu.Lock()
	m.watchers = append(m.watchers, fn)
	state := m.state
	m.mu.Unlock()

	fn(state)
}

func (m *Manager) transition(update func(*State)) State {
	m.mu.Lock()
	update(&m.state)
	state := m.state
	watchers := append([]func(State){}, m.watchers...)
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(state)
	}
	return state
}

// Connect starts connecting in the background and returns immediately.
func (m *Manager) Connect() {
	m.transition(func(s *State) { s.Status = StatusConnecting })
	m.logger.Info("connecting to broker", "broker", m.config.BrokerURL)

	token := m.client.Connect()
	go func() {
		token.Wait()
		if ct, ok := token.(*mqtt.ConnectToken); ok {
			code := ct.ReturnCode()
			m.transition(func(s *State) { s.LastCode = code })
		}
		if err := token.Error(); err != nil {
			m.logger.Warn("broker connection attempt failed", "error", err)
		}
	}()
}

func (m *Manager) handleConnect() {
	m.transition(func(s *State) {
		s.Status = StatusConnected
		s.Attempts = 0
		s.LastCode = 0
		s.LastError = ""
	})
	m.logger.Info("connected to broker")

	for _, topic := range m.config.Topics {
		m.logger.Debug("subscribing topic", "topic", topic)
		m.client.Subscribe(topic, QoS, m.onMessage)
	}

	if m.config.OnConnected != nil {
		m.config.OnConnected()
	}
}

func (m *Manager) handleAttempt(broker string) {
	state := m.transition(func(s *State) { s.Attempts++ })
	if state.Attempts > 1 {
		m.logger.Warn("broker connection attempt", "broker", broker, "attempt", state.Attempts)
		return
	}
	m.logger.Debug("broker connection attempt", "broker", broker, "attempt", state.Attempts)
}

func (m *Manager) handleConnectionLost(err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	m.transition(func(s *State) {
		s.Status = StatusDisconnected
		s.LastError = reason
	})
	m.logger.Warn("disconnected from broker", "error", err)
}

func (m *Manager) handleReconnecting() {
	m.transition(func(s *State) { s.Status = StatusConnecting })
	m.logger.Info("reconnecting to broker")
}

func (m *Manager) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m.deliver(msg.Topic(), msg.Payload())
}

func (m *Manager) deliver(topic string, payload []byte) {
	if m.config.Deliver == nil {
		return
	}
	m.config.Deliver(topic, payload)
}

// Publish sends payload at most once. It never waits for the broker and
// fails with NotConnected while the connection is down.
func (m *Manager) Publish(topic string, payload []byte) error {
	if !m.Connected() {
		return fault.New(fault.CodeNotConnected, "bus.publish", "%s", topic)
	}
	m.client.Publish(topic, QoS, false, payload)
	return nil
}

// Close disconnects from the broker.
func (m *Manager) Close() {
	m.client.Disconnect(250)
	m.transition(func(s *State) { s.Status = StatusDisconnected })
	m.logger.Info("broker connection closed")
}
