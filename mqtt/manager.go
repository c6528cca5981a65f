package mqtt

import (
	"github.com/rs/zerolog"

	"github.com/eddielth/heatpump-core/config"
	"github.com/eddielth/heatpump-core/health"
)

// Manager binds the broker connection to the telemetry subscription
type Manager struct {
	client  *Client
	topic   string
	handler MessageHandler
}

// NewManager creates a manager delivering every telemetry message to handler
func NewManager(cfg config.MQTTConfig, handler MessageHandler, reporter *health.Reporter, log zerolog.Logger) (*Manager, error) {
	client, err := NewClient(cfg, reporter, log)
	if err != nil {
		return nil, err
	}
	reporter.SetMQTTConfigured(true)

	return &Manager{
		client:  client,
		topic:   cfg.SubscriptionTopic(),
		handler: handler,
	}, nil
}

// Start registers the telemetry subscription and starts connecting. It does not wait for the broker.
func (m *Manager) Start() error {
	if err := m.client.Subscribe(m.topic, m.handler); err != nil {
		return err
	}
	m.client.Start()
	return nil
}

// StopIntake stops delivering new messages
func (m *Manager) StopIntake() {
	m.client.StopIntake()
}

// Stop closes the broker connection
func (m *Manager) Stop() {
	m.client.Shutdown()
}

// Client returns the underlying connection, e.g. for publishing
func (m *Manager) Client() *Client {
	return m.client
}
