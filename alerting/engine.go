package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eddielth/heatpump-core/health"
	"github.com/eddielth/heatpump-core/models"
	"github.com/eddielth/heatpump-core/storage"
)

// Store is what the engine reads and writes
type Store interface {
	storage.SnapshotStore
	storage.DeviceStore
	storage.RuleStore
	storage.AlertStore
}

const deviceLockStripes = 64

// Engine evaluates alert rules and persists their transitions as AlertInstance rows.
// All alert state lives in the store, so a restarted engine continues where it left off.
type Engine struct {
	store        Store
	reporter     *health.Reporter
	log          zerolog.Logger
	defaultGrace time.Duration
	now          func() time.Time
	newID        func() string

	mu    sync.RWMutex
	rules []Rule

	locks [deviceLockStripes]sync.Mutex
}

// NewEngine creates an engine. defaultGrace applies to offline rules without their own grace.
func NewEngine(store Store, reporter *health.Reporter, defaultGrace time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		store:        store,
		reporter:     reporter,
		log:          log,
		defaultGrace: defaultGrace,
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

// Reload replaces the rule cache from the store. Malformed rules are skipped and counted.
func (e *Engine) Reload(ctx context.Context) error {
	records, err := e.store.ListRules(ctx)
	if err != nil {
		e.reporter.AlertError("reload", err)
		return fmt.Errorf("load alert rules: %w", err)
	}

	rules := make([]Rule, 0, len(records))
	skipped := 0
	for _, rec := range records {
		rule, err := ParseRule(rec)
		if err != nil {
			skipped++
			e.log.Warn().Err(err).Int64("rule_id", rec.ID).Msg("skipping malformed alert rule")
			continue
		}
		rules = append(rules, rule)
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()

	e.reporter.RulesLoaded(len(rules), skipped)
	e.log.Info().Int("loaded", len(rules)).Int("skipped", skipped).Msg("alert rules loaded")
	return nil
}

// Rules returns the cached rules
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

func (e *Engine) rulesFor(orgID, siteID, deviceID int64, offlineOnly bool) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Rule
	for _, r := range e.rules {
		if _, isOffline := r.Condition.(Offline); offlineOnly && !isOffline {
			continue
		}
		if r.Scope.Covers(orgID, siteID, deviceID) {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) deviceLock(deviceID int64) *sync.Mutex {
	return &e.locks[uint64(deviceID)%deviceLockStripes]
}

// Evaluate runs every rule covering the snapshot's device against it.
// Threshold and rate-of-change rules fire or clear on the snapshot's values; offline
// rules clear because the device just reported. A failing rule does not stop the others.
func (e *Engine) Evaluate(ctx context.Context, snap models.DeviceSnapshot) (health.RunStats, error) {
	var (
		stats health.RunStats
		errs  []error
	)

	rules := e.rulesFor(snap.OrgID, snap.SiteID, snap.DeviceID, false)
	if len(rules) == 0 {
		return stats, nil
	}

	lock := e.deviceLock(snap.DeviceID)
	lock.Lock()
	defer lock.Unlock()

	for _, rule := range rules {
		v, at, err := e.evaluateSnapshot(ctx, rule, snap)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !v.known {
			continue
		}
		stats.Evaluated++
		if err := e.apply(ctx, rule, snap.DeviceID, snap.SiteID, v, at, &stats); err != nil {
			errs = append(errs, err)
		}
	}

	if stats.Triggered+stats.Cleared > 0 {
		e.refreshActiveCounts(ctx)
	}
	e.reporter.EvaluationRun("message", stats)
	return stats, e.reportErrors("evaluate", errs)
}

func (e *Engine) evaluateSnapshot(ctx context.Context, rule Rule, snap models.DeviceSnapshot) (verdict, time.Time, error) {
	switch c := rule.Condition.(type) {
	case Threshold:
		value, ok := snap.Metric(c.Metric)
		if !ok {
			return verdict{}, snap.Timestamp, nil
		}
		return c.evaluate(value), snap.Timestamp, nil
	case RateOfChange:
		if _, ok := snap.Metric(c.Metric); !ok {
			return verdict{}, snap.Timestamp, nil
		}
		points, err := e.store.Points(ctx, snap.DeviceID, c.Metric, snap.Timestamp.Add(-c.Window), snap.Timestamp)
		if err != nil {
			return verdict{}, snap.Timestamp, fmt.Errorf("rule %d: load points: %w", rule.ID, err)
		}
		return c.evaluate(points), snap.Timestamp, nil
	case Offline:
		seenAt := snap.ReceivedAt
		if seenAt.IsZero() {
			seenAt = snap.Timestamp
		}
		return e.offline(c).evaluate(seenAt, seenAt), seenAt, nil
	default:
		return verdict{}, snap.Timestamp, fmt.Errorf("rule %d: unsupported condition %T", rule.ID, c)
	}
}

func (e *Engine) offline(c Offline) Offline {
	if c.Grace <= 0 {
		c.Grace = e.defaultGrace
	}
	return c
}

// Sweep evaluates offline rules for every provisioned device at the current time
func (e *Engine) Sweep(ctx context.Context) (health.RunStats, error) {
	var (
		stats health.RunStats
		errs  []error
	)

	devices, err := e.store.ListDevices(ctx)
	if err != nil {
		e.reporter.AlertError("sweep", err)
		return stats, fmt.Errorf("list devices: %w", err)
	}

	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		rules := e.rulesFor(device.OrgID, device.SiteID, device.ID, true)
		if len(rules) == 0 {
			continue
		}

		lock := e.deviceLock(device.ID)
		lock.Lock()
		// re-read under the lock so a message that just arrived is not raised as offline
		current, err := e.store.GetDevice(ctx, device.ID)
		if err != nil {
			lock.Unlock()
			errs = append(errs, fmt.Errorf("device %d: %w", device.ID, err))
			continue
		}
		now := e.now().UTC()
		for _, rule := range rules {
			v := e.offline(rule.Condition.(Offline)).evaluate(current.LastSeenAt, now)
			if !v.known {
				continue
			}
			stats.Evaluated++
			if err := e.apply(ctx, rule, current.ID, current.SiteID, v, now, &stats); err != nil {
				errs = append(errs, err)
			}
		}
		lock.Unlock()
	}

	e.refreshActiveCounts(ctx)
	err = e.reportErrors("sweep", errs)
	if err == nil {
		e.reporter.EvaluationRun("sweep", stats)
	}
	return stats, err
}

func (e *Engine) refreshActiveCounts(ctx context.Context) {
	counts, err := e.store.ActiveAlertCounts(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to count active alerts")
		return
	}
	bySeverity := make(map[string]int, len(counts))
	for severity, n := range counts {
		bySeverity[string(severity)] = n
	}
	e.reporter.SetActiveAlerts(bySeverity)
}

func (e *Engine) reportErrors(kind string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	err := errors.Join(errs...)
	e.reporter.AlertError(kind, err)
	e.log.Error().Err(err).Str("kind", kind).Msg("alert evaluation errors")
	return err
}

// apply persists the transition implied by v for (rule, device)
func (e *Engine) apply(ctx context.Context, rule Rule, deviceID, siteID int64, v verdict, at time.Time, stats *health.RunStats) error {
	active, err := e.store.ActiveAlert(ctx, rule.ID, deviceID)
	hasActive := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("rule %d device %d: %w", rule.ID, deviceID, err)
	}

	log := e.log.With().Int64("rule_id", rule.ID).Int64("device_id", deviceID).Logger()

	if !v.firing {
		if !hasActive {
			return nil
		}
		if err := e.store.ClearAlert(ctx, active.ID, at); err != nil {
			return fmt.Errorf("rule %d device %d: %w", rule.ID, deviceID, err)
		}
		stats.Cleared++
		log.Info().Str("alert_id", active.ID).Msg("alert cleared")
		return nil
	}

	if !hasActive {
		inst, created, err := e.store.OpenAlert(ctx, models.AlertInstance{
			ID:          e.newID(),
			RuleID:      rule.ID,
			DeviceID:    deviceID,
			SiteID:      siteID,
			Severity:    rule.Severity,
			Type:        rule.Type(),
			Message:     v.message,
			FirstSeenAt: at,
			LastSeenAt:  at,
		})
		if err != nil {
			return fmt.Errorf("rule %d device %d: %w", rule.ID, deviceID, err)
		}
		if created {
			stats.Triggered++
			log.Info().Str("alert_id", inst.ID).Str("severity", string(inst.Severity)).Str("message", inst.Message).Msg("alert opened")
			return nil
		}
		active = inst
	}

	// muted instances keep tracking last_seen_at but keep their severity
	severity := active.Severity
	if !active.Muted(e.now()) {
		severity = rule.Severity
	}
	if err := e.store.TouchAlert(ctx, active.ID, at, severity); err != nil {
		return fmt.Errorf("rule %d device %d: %w", rule.ID, deviceID, err)
	}
	if severity != active.Severity {
		log.Info().Str("alert_id", active.ID).Str("from", string(active.Severity)).Str("to", string(severity)).Msg("alert severity changed")
	}
	return nil
}

// Acknowledge records an operator acknowledgement. The alert stays active.
func (e *Engine) Acknowledge(ctx context.Context, alertID, by string) error {
	if by == "" {
		return fmt.Errorf("acknowledge alert %s: acknowledging user is required", alertID)
	}
	if err := e.store.AcknowledgeAlert(ctx, alertID, by, e.now().UTC()); err != nil {
		return fmt.Errorf("acknowledge alert %s: %w", alertID, err)
	}
	e.log.Info().Str("alert_id", alertID).Str("by", by).Msg("alert acknowledged")
	return nil
}

// Snooze mutes an alert until the given time. A zero until uses the rule's default snooze.
func (e *Engine) Snooze(ctx context.Context, alertID string, until time.Time) error {
	if until.IsZero() {
		alert, err := e.store.GetAlert(ctx, alertID)
		if err != nil {
			return fmt.Errorf("snooze alert %s: %w", alertID, err)
		}
		rule, ok := e.rule(alert.RuleID)
		if !ok || rule.SnoozeDefault <= 0 {
			return fmt.Errorf("snooze alert %s: rule %d has no default snooze", alertID, alert.RuleID)
		}
		until = e.now().Add(rule.SnoozeDefault)
	}

	if err := e.store.MuteAlert(ctx, alertID, until.UTC()); err != nil {
		return fmt.Errorf("snooze alert %s: %w", alertID, err)
	}
	e.log.Info().Str("alert_id", alertID).Time("until", until).Msg("alert snoozed")
	return nil
}

func (e *Engine) rule(id int64) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}
