package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/heatpump-core/config"
	"github.com/eddielth/heatpump-core/health"
	"github.com/eddielth/heatpump-core/models"
	"github.com/eddielth/heatpump-core/storage"
	"github.com/eddielth/heatpump-core/transformer"
)

type recordingEvaluator struct {
	mu    sync.Mutex
	snaps []models.DeviceSnapshot
}

func (r *recordingEvaluator) Evaluate(ctx context.Context, snap models.DeviceSnapshot) (health.RunStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return health.RunStats{Evaluated: 1}, nil
}

func (r *recordingEvaluator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

type processorFixture struct {
	store     *storage.MemoryStorage
	reporter  *health.Reporter
	evaluator *recordingEvaluator
	processor *Processor
	device    models.Device
}

func newProcessorFixture(t *testing.T, cfg config.PipelineConfig) *processorFixture {
	store := storage.NewMemoryStorage()
	device := store.AddDevice(models.Device{ExternalID: "hp-1", SiteExternalID: "site-1", OrgID: 1, SiteID: 10})

	normalizer, err := transformer.NewNormalizer("heatpumps", config.NormalizerConfig{}, store)
	require.NoError(t, err)

	f := &processorFixture{
		store:     store,
		reporter:  health.NewReporter(nil),
		evaluator: &recordingEvaluator{},
		device:    device,
	}
	f.processor = NewProcessor(cfg, normalizer, store, f.evaluator, f.reporter, zerolog.Nop())
	return f
}

func defaultPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Lanes:          4,
		QueueSize:      16,
		EnqueueTimeout: 10 * time.Millisecond,
		DrainTimeout:   5 * time.Second,
	}
}

const telemetryTopic = "heatpumps/site-1/hp-1/telemetry"

func TestProcessor_MalformedMessageDoesNotBlockNext(t *testing.T) {
	f := newProcessorFixture(t, defaultPipelineConfig())
	f.processor.Start()

	f.processor.HandleMessage(telemetryTopic, []byte(`{"readings":`))
	f.processor.HandleMessage(telemetryTopic, []byte(`{"timestamp":"2026-03-01T12:00:00Z","readings":{"supply_temperature_c":45,"power_w":1200}}`))
	require.NoError(t, f.processor.Stop())

	snap := f.reporter.Snapshot()
	assert.Equal(t, int64(2), snap.MQTT.Received)
	assert.Equal(t, int64(1), snap.MQTT.Rejected[string(transformer.RejectInvalidJSON)])
	assert.Equal(t, int64(1), snap.MQTT.Accepted)
	assert.Equal(t, int64(2), snap.MQTT.PointsWritten)
	assert.Equal(t, 2, f.store.PointCount())
	assert.Equal(t, 1, f.evaluator.count())

	latest, err := f.store.LatestSnapshot(context.Background(), f.device.ID)
	require.NoError(t, err)
	assert.Equal(t, 45.0, latest.Metrics[models.MetricSupplyTemp])
	assert.Equal(t, 1.2, latest.Metrics[models.MetricPowerKW])
}

func TestProcessor_UnknownTopicRejectedBeforeQueueing(t *testing.T) {
	f := newProcessorFixture(t, defaultPipelineConfig())

	f.processor.HandleMessage("devices/temperature/sensor-1", []byte(`{}`))

	snap := f.reporter.Snapshot()
	assert.Equal(t, int64(1), snap.MQTT.Rejected[string(transformer.RejectUnknownTopic)])
	assert.Equal(t, 0, f.processor.pool.Pending())
	require.NoError(t, f.processor.Stop())
}

func TestProcessor_StaleSnapshotSkipsEvaluation(t *testing.T) {
	f := newProcessorFixture(t, defaultPipelineConfig())
	f.processor.Start()

	f.processor.HandleMessage(telemetryTopic, []byte(`{"timestamp":"2026-03-01T12:05:00Z","readings":{"supply_temperature_c":50}}`))
	f.processor.HandleMessage(telemetryTopic, []byte(`{"timestamp":"2026-03-01T12:00:00Z","readings":{"supply_temperature_c":40}}`))
	require.NoError(t, f.processor.Stop())

	snap := f.reporter.Snapshot()
	assert.Equal(t, int64(2), snap.MQTT.Accepted)
	assert.Equal(t, int64(1), snap.MQTT.Stale)
	assert.Equal(t, 2, f.store.PointCount())
	assert.Equal(t, 1, f.evaluator.count())

	latest, err := f.store.LatestSnapshot(context.Background(), f.device.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, latest.Metrics[models.MetricSupplyTemp])
}

func TestProcessor_ReceiptTimeTakenAtIntake(t *testing.T) {
	f := newProcessorFixture(t, defaultPipelineConfig())
	intake := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.processor.now = func() time.Time { return intake }

	// queued before the lanes start, so processing happens later than intake
	f.processor.HandleMessage(telemetryTopic, []byte(`{"readings":{"supply_temperature_c":45}}`))
	f.processor.Start()
	require.NoError(t, f.processor.Stop())

	latest, err := f.store.LatestSnapshot(context.Background(), f.device.ID)
	require.NoError(t, err)
	assert.True(t, intake.Equal(latest.Timestamp), "got %s", latest.Timestamp)
	assert.True(t, intake.Equal(latest.ReceivedAt), "got %s", latest.ReceivedAt)

	device, err := f.store.GetDevice(context.Background(), f.device.ID)
	require.NoError(t, err)
	assert.True(t, intake.Equal(device.LastSeenAt), "got %s", device.LastSeenAt)
}

func TestProcessor_UnknownDeviceRejected(t *testing.T) {
	f := newProcessorFixture(t, defaultPipelineConfig())
	f.processor.Start()

	f.processor.HandleMessage("heatpumps/site-1/hp-404/telemetry", []byte(`{"readings":{"supply_temperature_c":45}}`))
	require.NoError(t, f.processor.Stop())

	snap := f.reporter.Snapshot()
	assert.Equal(t, int64(1), snap.MQTT.Rejected[string(transformer.RejectUnknownDevice)])
	assert.Equal(t, int64(0), snap.MQTT.Accepted)
	assert.Equal(t, 0, f.evaluator.count())
}

func TestProcessor_DropsWhenLaneFull(t *testing.T) {
	cfg := defaultPipelineConfig()
	cfg.Lanes = 1
	cfg.QueueSize = 1
	cfg.EnqueueTimeout = 0
	f := newProcessorFixture(t, cfg)

	// workers are not started, so the second message finds the lane full
	f.processor.HandleMessage(telemetryTopic, []byte(`{"readings":{"supply_temperature_c":45}}`))
	f.processor.HandleMessage(telemetryTopic, []byte(`{"readings":{"supply_temperature_c":46}}`))

	snap := f.reporter.Snapshot()
	assert.Equal(t, int64(2), snap.MQTT.Received)
	assert.Equal(t, int64(1), snap.MQTT.Dropped)
	require.NoError(t, f.processor.Stop())
}

type mockAppender struct {
	mock.Mock
}

func (m *mockAppender) Append(ctx context.Context, snap models.DeviceSnapshot) (models.AppendResult, error) {
	args := m.Called(ctx, snap)
	return args.Get(0).(models.AppendResult), args.Error(1)
}

func TestProcessor_StoreFailureSkipsEvaluation(t *testing.T) {
	// Setup
	store := storage.NewMemoryStorage()
	store.AddDevice(models.Device{ExternalID: "hp-1", SiteExternalID: "site-1", OrgID: 1, SiteID: 10})
	normalizer, err := transformer.NewNormalizer("heatpumps", config.NormalizerConfig{}, store)
	require.NoError(t, err)

	appender := &mockAppender{}
	appender.On("Append", mock.Anything, mock.MatchedBy(func(snap models.DeviceSnapshot) bool {
		return snap.Metrics["power_kw"] == 1.2
	})).Return(models.AppendResult{}, errors.New("database unavailable")).Once()

	evaluator := &recordingEvaluator{}
	reporter := health.NewReporter(nil)
	p := NewProcessor(defaultPipelineConfig(), normalizer, appender, evaluator, reporter, zerolog.Nop())
	p.Start()

	// Execute
	p.HandleMessage(telemetryTopic, []byte(`{"readings":{"power_w":1200}}`))
	require.NoError(t, p.Stop())

	// Assert
	appender.AssertExpectations(t)
	assert.Equal(t, 0, evaluator.count())
	snap := reporter.Snapshot().MQTT
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(0), snap.Accepted)
}
