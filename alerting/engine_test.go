package alerting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/heatpump-core/health"
	"github.com/eddielth/heatpump-core/models"
	"github.com/eddielth/heatpump-core/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *storage.MemoryStorage
	reporter *health.Reporter
	engine   *Engine
	device   models.Device
	now      time.Time
	ids      int
}

func newFixture(t *testing.T, rules ...models.RuleRecord) *fixture {
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    storage.NewMemoryStorage(),
		reporter: health.NewReporter(nil),
		now:      t0,
	}
	f.device = f.store.AddDevice(models.Device{ExternalID: "hp-1", SiteExternalID: "site-1", OrgID: 1, SiteID: 10})
	f.store.SetRules(rules...)
	f.reporter.SetAlertsConfigured(true)

	f.engine = NewEngine(f.store, f.reporter, 15*time.Minute, zerolog.Nop())
	f.engine.now = func() time.Time { return f.now }
	f.engine.newID = func() string {
		f.ids++
		return fmt.Sprintf("alert-%d", f.ids)
	}
	require.NoError(t, f.engine.Reload(f.ctx))
	return f
}

// ingest stores a reading received at ts and evaluates it
func (f *fixture) ingest(ts time.Time, metrics map[string]float64) health.RunStats {
	snap := models.DeviceSnapshot{
		DeviceID:   f.device.ID,
		OrgID:      f.device.OrgID,
		SiteID:     f.device.SiteID,
		Timestamp:  ts,
		ReceivedAt: ts,
		Metrics:    metrics,
	}
	_, err := f.store.Append(f.ctx, snap)
	require.NoError(f.t, err)

	stats, err := f.engine.Evaluate(f.ctx, snap)
	require.NoError(f.t, err)
	return stats
}

func thresholdRule(id int64, value float64, severity models.Severity) models.RuleRecord {
	return models.RuleRecord{
		ID: id, OrgID: 1, Metric: models.MetricSupplyTemp, Type: models.RuleTypeThreshold,
		Direction: models.DirectionAbove, Threshold: float64Ptr(value), Severity: severity,
		SnoozeDefaultSec: 1800, Enabled: true,
	}
}

func offlineRule(id int64, graceSec *int) models.RuleRecord {
	return models.RuleRecord{
		ID: id, OrgID: 1, Type: models.RuleTypeOffline, OfflineGraceSec: graceSec,
		Severity: models.SeverityCritical, Enabled: true,
	}
}

func TestEngine_ThresholdOpensOneAlertPerEpisode(t *testing.T) {
	f := newFixture(t, thresholdRule(1, 60, models.SeverityWarning))

	stats := f.ingest(t0, map[string]float64{models.MetricSupplyTemp: 65})
	assert.Equal(t, 1, stats.Triggered)
	assert.Equal(t, 1, f.reporter.Snapshot().AlertsEngine.ActiveBySeverity[string(models.SeverityWarning)])

	stats = f.ingest(t0.Add(time.Minute), map[string]float64{models.MetricSupplyTemp: 70})
	assert.Equal(t, 0, stats.Triggered)

	alerts := f.store.Alerts(1, f.device.ID)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertActive, alerts[0].Status)
	assert.Equal(t, t0, alerts[0].FirstSeenAt)
	assert.Equal(t, t0.Add(time.Minute), alerts[0].LastSeenAt)
	assert.Equal(t, models.RuleTypeThreshold, alerts[0].Type)
	assert.Equal(t, f.device.SiteID, alerts[0].SiteID)
}

func TestEngine_ClearThenBreachOpensNewInstance(t *testing.T) {
	f := newFixture(t, thresholdRule(1, 60, models.SeverityWarning))

	f.ingest(t0, map[string]float64{models.MetricSupplyTemp: 65})
	stats := f.ingest(t0.Add(time.Minute), map[string]float64{models.MetricSupplyTemp: 50})
	assert.Equal(t, 1, stats.Cleared)

	_, err := f.store.ActiveAlert(f.ctx, 1, f.device.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stats = f.ingest(t0.Add(2*time.Minute), map[string]float64{models.MetricSupplyTemp: 61})
	assert.Equal(t, 1, stats.Triggered)

	alerts := f.store.Alerts(1, f.device.ID)
	require.Len(t, alerts, 2)
	assert.Equal(t, models.AlertCleared, alerts[0].Status)
	require.NotNil(t, alerts[0].ClearedAt)
	assert.Equal(t, t0.Add(time.Minute), *alerts[0].ClearedAt)
	assert.Equal(t, models.AlertActive, alerts[1].Status)
	assert.NotEqual(t, alerts[0].ID, alerts[1].ID)
}

func TestEngine_AbsentMetricChangesNothing(t *testing.T) {
	f := newFixture(t, thresholdRule(1, 60, models.SeverityWarning))

	f.ingest(t0, map[string]float64{models.MetricSupplyTemp: 65})
	stats := f.ingest(t0.Add(time.Minute), map[string]float64{models.MetricPowerKW: 1.2})

	assert.Equal(t, health.RunStats{}, stats)
	active, err := f.store.ActiveAlert(f.ctx, 1, f.device.ID)
	require.NoError(t, err)
	assert.Equal(t, t0, active.LastSeenAt)
}

func TestEngine_OutOfScopeRuleIgnored(t *testing.T) {
	rule := thresholdRule(1, 60, models.SeverityWarning)
	rule.DeviceID = int64Ptr(999)
	f := newFixture(t, rule)

	stats := f.ingest(t0, map[string]float64{models.MetricSupplyTemp: 90})
	assert.Equal(t, health.RunStats{}, stats)
	assert.Empty(t, f.store.Alerts(1, f.device.ID))
}

func TestEngine_RateOfChangeNeedsTwoPoints(t *testing.T) {
	f := newFixture(t, models.RuleRecord{
		ID: 2, OrgID: 1, Metric: models.MetricSupplyTemp, Type: models.RuleTypeRateOfChange,
		Threshold: float64Ptr(5), ROCWindowSec: intPtr(600), Severity: models.SeverityWarning, Enabled: true,
	})

	stats := f.ingest(t0, map[string]float64{models.MetricSupplyTemp: 40})
	assert.Equal(t, 1, stats.Evaluated)
	assert.Equal(t, 0, stats.Triggered)

	stats = f.ingest(t0.Add(5*time.Minute), map[string]float64{models.MetricSupplyTemp: 50})
	assert.Equal(t, 1, stats.Triggered)

	// both earlier points have left the window
	stats = f.ingest(t0.Add(16*time.Minute), map[string]float64{models.MetricSupplyTemp: 51})
	assert.Equal(t, 1, stats.Cleared)
}

func TestEngine_SweepRaisesAndMessageClearsOffline(t *testing.T) {
	f := newFixture(t, offlineRule(3, intPtr(300)))

	// never seen devices are not raised
	stats, err := f.engine.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, health.RunStats{}, stats)

	f.ingest(t0, map[string]float64{models.MetricSupplyTemp: 40})

	f.now = t0.Add(4 * time.Minute)
	stats, err = f.engine.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Triggered)

	f.now = t0.Add(10 * time.Minute)
	stats, err = f.engine.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Triggered)

	// a second sweep keeps the same instance
	f.now = t0.Add(11 * time.Minute)
	stats, err = f.engine.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Triggered)
	require.Len(t, f.store.Alerts(3, f.device.ID), 1)

	snap := f.reporter.Snapshot()
	assert.Equal(t, 1, snap.AlertsEngine.ActiveBySeverity[string(models.SeverityCritical)])
	assert.True(t, snap.AlertsEngine.Healthy)

	stats = f.ingest(t0.Add(12*time.Minute), map[string]float64{models.MetricSupplyTemp: 41})
	assert.Equal(t, 1, stats.Cleared)
	_, err = f.store.ActiveAlert(f.ctx, 3, f.device.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, f.reporter.Snapshot().AlertsEngine.ActiveBySeverity[string(models.SeverityCritical)])
}

func TestEngine_OfflineDefaultGrace(t *testing.T) {
	f := newFixture(t, offlineRule(3, nil))
	f.ingest(t0, map[string]float64{models.MetricSupplyTemp: 40})

	f.now = t0.Add(10 * time.Minute)
	stats, err := f.engine.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Triggered)

	f.now = t0.Add(20 * time.Minute)
	stats, err = f.engine.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Triggered)
}

func TestEngine_ReloadSkipsMalformedRules(t *testing.T) {
	f := newFixture(t,
		thresholdRule(1, 60, models.SeverityWarning),
		models.RuleRecord{ID: 9, OrgID: 1, Type: models.RuleTypeThreshold, Severity: models.SeverityWarning, Enabled: true},
	)

	require.Len(t, f.engine.Rules(), 1)
	assert.Equal(t, int64(1), f.engine.Rules()[0].ID)

	snap := f.reporter.Snapshot()
	assert.Equal(t, 1, snap.AlertsEngine.RulesLoaded)
	assert.Equal(t, 1, snap.AlertsEngine.RulesSkipped)
}

func TestEngine_MutedAlertKeepsSeverity(t *testing.T) {
	f := newFixture(t, thresholdRule(1, 60, models.SeverityWarning))
	f.ingest(t0, map[string]float64{models.MetricSupplyTemp: 65})
	active, err := f.store.ActiveAlert(f.ctx, 1, f.device.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.Snooze(f.ctx, active.ID, t0.Add(time.Hour)))

	f.store.SetRules(thresholdRule(1, 60, models.SeverityCritical))
	require.NoError(t, f.engine.Reload(f.ctx))

	f.ingest(t0.Add(time.Minute), map[string]float64{models.MetricSupplyTemp: 66})
	muted, err := f.store.GetAlert(f.ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityWarning, muted.Severity)
	assert.Equal(t, t0.Add(time.Minute), muted.LastSeenAt)

	f.now = t0.Add(2 * time.Hour)
	f.ingest(t0.Add(2*time.Hour), map[string]float64{models.MetricSupplyTemp: 66})
	unmuted, err := f.store.GetAlert(f.ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, unmuted.Severity)
}

func TestEngine_AcknowledgeKeepsAlertActive(t *testing.T) {
	f := newFixture(t, thresholdRule(1, 60, models.SeverityWarning))
	f.ingest(t0, map[string]float64{models.MetricSupplyTemp: 65})
	active, err := f.store.ActiveAlert(f.ctx, 1, f.device.ID)
	require.NoError(t, err)

	f.now = t0.Add(5 * time.Minute)
	require.NoError(t, f.engine.Acknowledge(f.ctx, active.ID, "ops@example.com"))

	acked, err := f.store.GetAlert(f.ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertActive, acked.Status)
	assert.Equal(t, "ops@example.com", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Equal(t, t0.Add(5*time.Minute), *acked.AcknowledgedAt)

	assert.Error(t, f.engine.Acknowledge(f.ctx, active.ID, ""))
	assert.ErrorIs(t, f.engine.Acknowledge(f.ctx, "missing", "ops"), storage.ErrNotFound)
}

func TestEngine_SnoozeUsesRuleDefault(t *testing.T) {
	f := newFixture(t, thresholdRule(1, 60, models.SeverityWarning), offlineRule(3, intPtr(60)))
	f.ingest(t0, map[string]float64{models.MetricSupplyTemp: 65})
	active, err := f.store.ActiveAlert(f.ctx, 1, f.device.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.Snooze(f.ctx, active.ID, time.Time{}))
	snoozed, err := f.store.GetAlert(f.ctx, active.ID)
	require.NoError(t, err)
	require.NotNil(t, snoozed.MutedUntil)
	assert.Equal(t, t0.Add(30*time.Minute), *snoozed.MutedUntil)
	assert.Equal(t, models.AlertActive, snoozed.Status)

	// offline rule 3 has no default snooze
	f.now = t0.Add(5 * time.Minute)
	_, err = f.engine.Sweep(f.ctx)
	require.NoError(t, err)
	offline, err := f.store.ActiveAlert(f.ctx, 3, f.device.ID)
	require.NoError(t, err)
	assert.Error(t, f.engine.Snooze(f.ctx, offline.ID, time.Time{}))
}
