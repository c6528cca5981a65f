package transformer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/heatpump-core/config"
	"github.com/eddielth/heatpump-core/models"
	"github.com/eddielth/heatpump-core/storage"
)

const topic = "heatpumps/site-1/hp-1/telemetry"

var receivedAt = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

func newTestNormalizer(t *testing.T, cfg config.NormalizerConfig) (*Normalizer, models.Device) {
	store := storage.NewMemoryStorage()
	device := store.AddDevice(models.Device{
		ExternalID: "hp-1", SiteExternalID: "site-1", OrgID: 1, SiteID: 10, Model: "nibe-f2120",
	})

	n, err := NewNormalizer("heatpumps", cfg, store)
	require.NoError(t, err)
	n.now = func() time.Time { return receivedAt }
	return n, device
}

func requireRejection(t *testing.T, err error, reason RejectReason) {
	t.Helper()
	rej, ok := AsRejection(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	assert.Equal(t, reason, rej.Reason)
}

func TestNormalize_PartialPayload(t *testing.T) {
	n, device := newTestNormalizer(t, config.NormalizerConfig{})
	payload := []byte(`{"timestamp":"2026-03-01T12:00:00Z","readings":{"supply_temperature_c":45,"power_w":1200,"fan_mode":"auto"}}`)

	snap, err := n.Normalize(context.Background(), topic, payload)

	require.NoError(t, err)
	assert.Equal(t, map[string]float64{models.MetricSupplyTemp: 45, models.MetricPowerKW: 1.2}, snap.Metrics)
	assert.Equal(t, device.ID, snap.DeviceID)
	assert.Equal(t, device.OrgID, snap.OrgID)
	assert.Equal(t, device.SiteID, snap.SiteID)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), snap.Timestamp)
	assert.Equal(t, receivedAt, snap.ReceivedAt)
	assert.JSONEq(t, string(payload), string(snap.Raw))

	_, hasReturn := snap.Metric(models.MetricReturnTemp)
	assert.False(t, hasReturn)
}

func TestNormalize_FlatPayload(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{})

	snap, err := n.Normalize(context.Background(), topic, []byte(`{"supply_temperature_c":48.2,"power_w":1200}`))

	require.NoError(t, err)
	assert.Equal(t, map[string]float64{models.MetricSupplyTemp: 48.2, models.MetricPowerKW: 1.2}, snap.Metrics)
	for _, metric := range []string{models.MetricReturnTemp, models.MetricFlowRate, models.MetricCOP} {
		_, ok := snap.Metric(metric)
		assert.False(t, ok, metric)
	}
	assert.Equal(t, receivedAt, snap.Timestamp)

	snap, err = n.Normalize(context.Background(), topic, []byte(`{"timestamp":"2026-03-01T12:00:00Z","cop":3.5}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{models.MetricCOP: 3.5}, snap.Metrics)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), snap.Timestamp)
}

func TestNormalizeAt_UsesReceiptTime(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{})
	queuedAt := receivedAt.Add(-2 * time.Second)

	snap, err := n.NormalizeAt(context.Background(), topic, []byte(`{"readings":{"cop":3}}`), queuedAt)

	require.NoError(t, err)
	assert.Equal(t, queuedAt, snap.Timestamp)
	assert.Equal(t, queuedAt, snap.ReceivedAt)
}

func TestNormalize_LeadingSlashPrefix(t *testing.T) {
	store := storage.NewMemoryStorage()
	store.AddDevice(models.Device{ExternalID: "hp-1", SiteExternalID: "site-1", OrgID: 1, SiteID: 10})
	mqttCfg := config.MQTTConfig{TopicPrefix: "/heatpumps"}
	n, err := NewNormalizer(mqttCfg.TopicPrefix, config.NormalizerConfig{}, store)
	require.NoError(t, err)

	subscribed := strings.Replace(strings.Replace(mqttCfg.SubscriptionTopic(), "+", "site-1", 1), "+", "hp-1", 1)
	assert.Equal(t, "/heatpumps/site-1/hp-1/telemetry", subscribed)

	snap, err := n.Normalize(context.Background(), subscribed, []byte(`{"readings":{"cop":3}}`))
	require.NoError(t, err)
	assert.Equal(t, 3.0, snap.Metrics[models.MetricCOP])
}

func TestNormalize_Rejections(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{})

	tests := []struct {
		name    string
		topic   string
		payload string
		reason  RejectReason
	}{
		{"unknown topic", "devices/temperature/hp-1", `{"readings":{"supply_temperature_c":45}}`, RejectUnknownTopic},
		{"extra topic level", "heatpumps/site-1/hp-1/telemetry/raw", `{"readings":{"supply_temperature_c":45}}`, RejectUnknownTopic},
		{"invalid json", topic, `{"readings":`, RejectInvalidJSON},
		{"trailing data", topic, `{"readings":{}} {}`, RejectInvalidJSON},
		{"null payload", topic, `null`, RejectInvalidPayload},
		{"timestamp only", topic, `{"timestamp":1772366400}`, RejectNoMetrics},
		{"data not an object", topic, `{"data":"45"}`, RejectInvalidPayload},
		{"readings not an object", topic, `{"readings":[1,2]}`, RejectInvalidPayload},
		{"unknown device", "heatpumps/site-1/hp-404/telemetry", `{"readings":{"supply_temperature_c":45}}`, RejectUnknownDevice},
		{"no known metrics", topic, `{"readings":{"fan_mode":"auto","supply_temperature_c":"45"}}`, RejectNoMetrics},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(context.Background(), tt.topic, []byte(tt.payload))
			requireRejection(t, err, tt.reason)
		})
	}
}

func TestNormalize_UnknownDeviceWrapsSentinel(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{})

	_, err := n.Normalize(context.Background(), "heatpumps/site-9/hp-1/telemetry", []byte(`{"readings":{"cop":3}}`))
	assert.True(t, errors.Is(err, ErrUnknownDevice))
}

func TestNormalize_Timestamps(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{})
	ctx := context.Background()

	tests := []struct {
		name    string
		payload string
		want    time.Time
	}{
		{"missing falls back to receipt", `{"readings":{"cop":3}}`, receivedAt},
		{"unparseable falls back to receipt", `{"timestamp":"yesterday","readings":{"cop":3}}`, receivedAt},
		{"epoch seconds", `{"timestamp":1772366400,"readings":{"cop":3}}`, time.Unix(1772366400, 0).UTC()},
		{"epoch milliseconds", `{"timestamp":1772366400123,"readings":{"cop":3}}`, time.UnixMilli(1772366400123).UTC()},
		{"offset is normalized to UTC", `{"timestamp":"2026-03-01T13:00:00+01:00","readings":{"cop":3}}`, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := n.Normalize(ctx, topic, []byte(tt.payload))
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(snap.Timestamp), "got %s want %s", snap.Timestamp, tt.want)
			assert.Equal(t, time.UTC, snap.Timestamp.Location())
		})
	}
}

func TestNormalize_UnitConversions(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{})

	snap, err := n.Normalize(context.Background(), topic,
		[]byte(`{"readings":{"supply_temperature_f":212,"return_temperature_f":32,"flow_rate_m3h":0.6}}`))

	require.NoError(t, err)
	assert.InDelta(t, 100.0, snap.Metrics[models.MetricSupplyTemp], 1e-9)
	assert.InDelta(t, 0.0, snap.Metrics[models.MetricReturnTemp], 1e-9)
	assert.InDelta(t, 10.0, snap.Metrics[models.MetricFlowRate], 1e-9)
}

func TestNormalize_CanonicalNameWins(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{})

	snap, err := n.Normalize(context.Background(), topic,
		[]byte(`{"readings":{"supply_temp":40,"supply_temperature_c":45}}`))

	require.NoError(t, err)
	assert.Equal(t, 40.0, snap.Metrics[models.MetricSupplyTemp])
}

func TestNormalize_ConfiguredFieldsAndDataKey(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{
		Fields: map[string]config.FieldMapping{
			"dhw_temperature_dc": {Metric: "dhw_temp", Scale: 0.1},
			"outdoor_c":          {Metric: "outdoor_temp"},
		},
	})

	snap, err := n.Normalize(context.Background(), topic,
		[]byte(`{"data":{"dhw_temperature_dc":512,"outdoor_c":-4.5}}`))

	require.NoError(t, err)
	assert.InDelta(t, 51.2, snap.Metrics["dhw_temp"], 1e-9)
	assert.Equal(t, -4.5, snap.Metrics["outdoor_temp"])
}

func TestNormalize_RangesDiscardImplausibleValues(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{
		Ranges: map[string]config.Range{
			models.MetricSupplyTemp: {Min: -30, Max: 110},
			models.MetricPowerKW:    {Min: 0, Max: 100},
		},
	})
	ctx := context.Background()

	snap, err := n.Normalize(ctx, topic, []byte(`{"readings":{"supply_temperature_c":500,"power_w":1200}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{models.MetricPowerKW: 1.2}, snap.Metrics)
	assert.Equal(t, []string{models.MetricSupplyTemp}, snap.Discarded)

	_, err = n.Normalize(ctx, topic, []byte(`{"readings":{"supply_temperature_c":500}}`))
	requireRejection(t, err, RejectNoMetrics)
}

func TestNormalize_ScriptExtension(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{
		Scripts: map[string]config.Script{
			"NIBE-F2120": {ScriptCode: `
				function transform(readings) {
					return {
						compressor_freq: readings.compressor_hz,
						cop: readings.heat_output_w / readings.power_w,
						supply_temp: 0,
						label: "ignored"
					};
				}`},
		},
	})

	snap, err := n.Normalize(context.Background(), topic,
		[]byte(`{"readings":{"supply_temperature_c":45,"power_w":2000,"heat_output_w":7000,"compressor_hz":52}}`))

	require.NoError(t, err)
	assert.Equal(t, 52.0, snap.Metrics["compressor_freq"])
	assert.InDelta(t, 3.5, snap.Metrics[models.MetricCOP], 1e-9)
	// scripts never override mapped metrics
	assert.Equal(t, 45.0, snap.Metrics[models.MetricSupplyTemp])
	assert.NotContains(t, snap.Metrics, "label")
}

func TestNormalize_ScriptErrorRejects(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{
		Scripts: map[string]config.Script{
			"nibe-f2120": {ScriptCode: `function transform(readings) { return readings.missing.value; }`},
		},
	})

	_, err := n.Normalize(context.Background(), topic, []byte(`{"readings":{"supply_temperature_c":45}}`))
	requireRejection(t, err, RejectScriptError)
}

func TestNormalize_ReloadKeepsScriptsOnError(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{
		Scripts: map[string]config.Script{
			"nibe-f2120": {ScriptCode: `function transform(r) { return { compressor_freq: 50 }; }`},
		},
	})

	err := n.Reload(config.NormalizerConfig{
		Scripts: map[string]config.Script{"nibe-f2120": {ScriptCode: `function transform(r) {`}},
		Ranges:  map[string]config.Range{models.MetricSupplyTemp: {Min: 0, Max: 1}},
	})
	assert.Error(t, err)

	snap, err := n.Normalize(context.Background(), topic, []byte(`{"readings":{"supply_temperature_c":45}}`))
	require.NoError(t, err)
	assert.Equal(t, 50.0, snap.Metrics["compressor_freq"])
	assert.Equal(t, 45.0, snap.Metrics[models.MetricSupplyTemp])
}

func TestNormalizer_RouteKey(t *testing.T) {
	n, _ := newTestNormalizer(t, config.NormalizerConfig{})

	key, err := n.RouteKey(topic)
	require.NoError(t, err)
	assert.Equal(t, "site-1/hp-1", key)

	_, err = n.RouteKey("heatpumps/+/hp-1/telemetry")
	requireRejection(t, err, RejectUnknownTopic)
}
