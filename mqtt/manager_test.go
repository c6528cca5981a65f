package mqtt

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/heatpump-core/config"
	"github.com/eddielth/heatpump-core/health"
)

func TestNewManager(t *testing.T) {
	reporter := health.NewReporter(prometheus.NewRegistry())
	handler := func(topic string, payload []byte) {}

	_, err := NewManager(config.MQTTConfig{TopicPrefix: "heatpumps"}, handler, reporter, zerolog.Nop())
	assert.Error(t, err)
	assert.False(t, reporter.Snapshot().MQTT.Configured)

	m, err := NewManager(config.MQTTConfig{Broker: "tcp://127.0.0.1:1", TopicPrefix: "heatpumps/"}, handler, reporter, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "heatpumps/+/+/telemetry", m.topic)
	assert.True(t, reporter.Snapshot().MQTT.Configured)
	assert.False(t, m.Client().State().Connected)
}
