package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eddielth/heatpump-core/models"
)

// dialect holds the statements that differ between database engines.
// Statements use '?' placeholders; rebind converts them for engines with numbered placeholders.
type dialect struct {
	name   string
	schema []string

	numbered bool

	// insertPoints is the statement prefix; rows are appended as "(?, ?, ?, ?)" tuples followed by pointsConflict
	insertPoints   string
	pointsConflict string

	// upsertLatest must only overwrite a row whose ts is not newer than the incoming one
	upsertLatest string

	// insertAlert must be a no-op when an active instance for (rule_id, device_id) exists
	insertAlert string
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

const (
	deviceColumns = `id, external_id, org_id, site_id, site_external_id, model, last_seen_at`
	ruleColumns   = `id, org_id, site_id, device_id, metric, rule_type, direction, threshold, roc_window_sec, offline_grace_sec, severity, snooze_default_sec, enabled`
	alertColumns  = `id, rule_id, device_id, site_id, severity, alert_type, message, status, first_seen_at, last_seen_at, cleared_at, acknowledged_by, acknowledged_at, muted_until`

	touchDeviceSQL = `UPDATE devices SET last_seen_at = ? WHERE id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)`
)

// sqlStore implements Backend over database/sql for one dialect
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlStore) q(query string) string {
	return s.dialect.rebind(query)
}

// InitDatabase creates the tables the core needs when they do not exist
func (s *sqlStore) InitDatabase() error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Append(ctx context.Context, snap models.DeviceSnapshot) (res models.AppendResult, err error) {
	metricsJSON, err := json.Marshal(snap.Metrics)
	if err != nil {
		return res, fmt.Errorf("serialize metrics: %w", err)
	}
	raw := []byte(snap.Raw)
	if raw == nil {
		raw = []byte("null")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	points := snap.Points()
	if len(points) > 0 {
		rows := make([]string, 0, len(points))
		args := make([]interface{}, 0, len(points)*4)
		for _, p := range points {
			rows = append(rows, "(?, ?, ?, ?)")
			args = append(args, p.DeviceID, p.Metric, p.Timestamp, p.Value)
		}
		query := s.dialect.insertPoints + strings.Join(rows, ", ") + s.dialect.pointsConflict

		var result sql.Result
		result, err = tx.ExecContext(ctx, s.q(query), args...)
		if err != nil {
			return res, fmt.Errorf("insert telemetry points: %w", err)
		}
		if n, rerr := result.RowsAffected(); rerr == nil {
			res.PointsWritten = int(n)
		}
	}

	var result sql.Result
	result, err = tx.ExecContext(ctx, s.q(s.dialect.upsertLatest), snap.DeviceID, snap.Timestamp, metricsJSON, raw, snap.ReceivedAt)
	if err != nil {
		return res, fmt.Errorf("upsert latest snapshot: %w", err)
	}
	if n, rerr := result.RowsAffected(); rerr == nil {
		res.LatestApplied = n > 0
	}

	seenAt := snap.ReceivedAt
	if seenAt.IsZero() {
		seenAt = snap.Timestamp
	}
	if _, err = tx.ExecContext(ctx, s.q(touchDeviceSQL), seenAt, snap.DeviceID, seenAt); err != nil {
		return res, fmt.Errorf("update device last seen: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return res, fmt.Errorf("commit transaction: %w", err)
	}
	return res, nil
}

func (s *sqlStore) LatestSnapshot(ctx context.Context, deviceID int64) (models.DeviceSnapshot, error) {
	var (
		snap        models.DeviceSnapshot
		metricsJSON []byte
		raw         []byte
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT device_id, ts, metrics, raw FROM latest_snapshots WHERE device_id = ?`), deviceID).
		Scan(&snap.DeviceID, &snap.Timestamp, &metricsJSON, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, fmt.Errorf("latest snapshot for device %d: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return snap, fmt.Errorf("query latest snapshot: %w", err)
	}
	if err := json.Unmarshal(metricsJSON, &snap.Metrics); err != nil {
		return snap, fmt.Errorf("decode latest metrics: %w", err)
	}
	snap.Raw = raw
	snap.Timestamp = snap.Timestamp.UTC()
	return snap, nil
}

func (s *sqlStore) Points(ctx context.Context, deviceID int64, metric string, from, to time.Time) ([]models.TelemetryPoint, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT device_id, metric, ts, value FROM telemetry_points WHERE device_id = ? AND metric = ? AND ts >= ? AND ts <= ? ORDER BY ts`),
		deviceID, metric, from, to)
	if err != nil {
		return nil, fmt.Errorf("query telemetry points: %w", err)
	}
	defer rows.Close()

	var points []models.TelemetryPoint
	for rows.Next() {
		var p models.TelemetryPoint
		if err := rows.Scan(&p.DeviceID, &p.Metric, &p.Timestamp, &p.Value); err != nil {
			return nil, fmt.Errorf("scan telemetry point: %w", err)
		}
		p.Timestamp = p.Timestamp.UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (models.Device, error) {
	var (
		d        models.Device
		lastSeen sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.ExternalID, &d.OrgID, &d.SiteID, &d.SiteExternalID, &d.Model, &lastSeen); err != nil {
		return d, err
	}
	if lastSeen.Valid {
		d.LastSeenAt = lastSeen.Time.UTC()
	}
	return d, nil
}

func (s *sqlStore) FindDevice(ctx context.Context, siteExternalID, deviceExternalID string) (models.Device, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+deviceColumns+` FROM devices WHERE site_external_id = ? AND external_id = ?`), siteExternalID, deviceExternalID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("device %s/%s: %w", siteExternalID, deviceExternalID, ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("query device: %w", err)
	}
	return d, nil
}

func (s *sqlStore) GetDevice(ctx context.Context, id int64) (models.Device, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`), id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("query device: %w", err)
	}
	return d, nil
}

func (s *sqlStore) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *sqlStore) ListRules(ctx context.Context) ([]models.RuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE enabled = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query alert rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RuleRecord
	for rows.Next() {
		var (
			r          models.RuleRecord
			siteID     sql.NullInt64
			deviceID   sql.NullInt64
			threshold  sql.NullFloat64
			rocWindow  sql.NullInt64
			grace      sql.NullInt64
			severity   string
			snoozeSecs sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.OrgID, &siteID, &deviceID, &r.Metric, &r.Type, &r.Direction,
			&threshold, &rocWindow, &grace, &severity, &snoozeSecs, &r.Enabled); err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		if siteID.Valid {
			r.SiteID = &siteID.Int64
		}
		if deviceID.Valid {
			r.DeviceID = &deviceID.Int64
		}
		if threshold.Valid {
			r.Threshold = &threshold.Float64
		}
		if rocWindow.Valid {
			v := int(rocWindow.Int64)
			r.ROCWindowSec = &v
		}
		if grace.Valid {
			v := int(grace.Int64)
			r.OfflineGraceSec = &v
		}
		r.Severity = models.Severity(severity)
		r.SnoozeDefaultSec = int(snoozeSecs.Int64)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanAlert(row rowScanner) (models.AlertInstance, error) {
	var (
		a         models.AlertInstance
		severity  string
		status    string
		clearedAt sql.NullTime
		ackBy     sql.NullString
		ackAt     sql.NullTime
		muted     sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.RuleID, &a.DeviceID, &a.SiteID, &severity, &a.Type, &a.Message, &status,
		&a.FirstSeenAt, &a.LastSeenAt, &clearedAt, &ackBy, &ackAt, &muted); err != nil {
		return a, err
	}
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	a.FirstSeenAt = a.FirstSeenAt.UTC()
	a.LastSeenAt = a.LastSeenAt.UTC()
	a.ClearedAt = nullTime(clearedAt)
	a.AcknowledgedBy = ackBy.String
	a.AcknowledgedAt = nullTime(ackAt)
	a.MutedUntil = nullTime(muted)
	return a, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *sqlStore) ActiveAlert(ctx context.Context, ruleID, deviceID int64) (models.AlertInstance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+alertColumns+` FROM alert_instances WHERE rule_id = ? AND device_id = ? AND status = 'active'`), ruleID, deviceID)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("active alert for rule %d device %d: %w", ruleID, deviceID, ErrNotFound)
	}
	if err != nil {
		return a, fmt.Errorf("query active alert: %w", err)
	}
	return a, nil
}

func (s *sqlStore) GetAlert(ctx context.Context, id string) (models.AlertInstance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+alertColumns+` FROM alert_instances WHERE id = ?`), id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return a, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

func (s *sqlStore) OpenAlert(ctx context.Context, a models.AlertInstance) (models.AlertInstance, bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(s.dialect.insertAlert),
		a.ID, a.RuleID, a.DeviceID, a.SiteID, string(a.Severity), a.Type, a.Message, string(models.AlertActive), a.FirstSeenAt, a.LastSeenAt)
	if err != nil {
		return a, false, fmt.Errorf("insert alert: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return a, false, fmt.Errorf("insert alert: %w", err)
	}
	if n > 0 {
		a.Status = models.AlertActive
		return a, true, nil
	}

	existing, err := s.ActiveAlert(ctx, a.RuleID, a.DeviceID)
	if err != nil {
		return a, false, err
	}
	return existing, false, nil
}

func (s *sqlStore) TouchAlert(ctx context.Context, id string, seenAt time.Time, severity models.Severity) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE alert_instances SET last_seen_at = CASE WHEN last_seen_at < ? THEN ? ELSE last_seen_at END, severity = ? WHERE id = ? AND status = 'active'`),
		seenAt, seenAt, string(severity), id)
	if err != nil {
		return fmt.Errorf("touch alert %s: %w", id, err)
	}
	return nil
}

func (s *sqlStore) ClearAlert(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE alert_instances SET status = 'cleared', cleared_at = ? WHERE id = ? AND status = 'active'`), at, id)
	if err != nil {
		return fmt.Errorf("clear alert %s: %w", id, err)
	}
	return nil
}

func (s *sqlStore) updateAlert(ctx context.Context, id, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, s.q(query), append(args, id)...)
	if err != nil {
		return fmt.Errorf("update alert %s: %w", id, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		if _, err := s.GetAlert(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error {
	return s.updateAlert(ctx, id, `UPDATE alert_instances SET acknowledged_by = ?, acknowledged_at = ? WHERE id = ?`, by, at)
}

func (s *sqlStore) MuteAlert(ctx context.Context, id string, until time.Time) error {
	return s.updateAlert(ctx, id, `UPDATE alert_instances SET muted_until = ? WHERE id = ?`, until)
}

func (s *sqlStore) ActiveAlertCounts(ctx context.Context) (map[models.Severity]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM alert_instances WHERE status = 'active' GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("count active alerts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Severity]int)
	for rows.Next() {
		var (
			severity string
			n        int
		)
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, fmt.Errorf("scan alert count: %w", err)
		}
		counts[models.Severity(severity)] = n
	}
	return counts, rows.Err()
}

func (s *sqlStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close %s connection: %w", s.dialect.name, err)
	}
	return nil
}
