package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddielth/heatpump-core/models"
)

type pointKey struct {
	deviceID int64
	metric   string
	ts       int64
}

// MemoryStorage is an in-process Backend with the same guards as the SQL backends
type MemoryStorage struct {
	mu      sync.RWMutex
	devices map[int64]models.Device
	points  map[pointKey]models.TelemetryPoint
	latest  map[int64]models.DeviceSnapshot
	rules   []models.RuleRecord
	alerts  map[string]models.AlertInstance
	nextID  int64
}

// NewMemoryStorage creates an empty in-memory backend
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		devices: make(map[int64]models.Device),
		points:  make(map[pointKey]models.TelemetryPoint),
		latest:  make(map[int64]models.DeviceSnapshot),
		alerts:  make(map[string]models.AlertInstance),
	}
}

func (m *MemoryStorage) InitDatabase() error {
	return nil
}

// AddDevice provisions a device. A zero ID is assigned.
func (m *MemoryStorage) AddDevice(d models.Device) models.Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ID == 0 {
		m.nextID++
		d.ID = m.nextID
	} else if d.ID > m.nextID {
		m.nextID = d.ID
	}
	m.devices[d.ID] = d
	return d
}

// SetRules replaces the rule set
func (m *MemoryStorage) SetRules(rules ...models.RuleRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = append([]models.RuleRecord(nil), rules...)
}

func (m *MemoryStorage) Append(ctx context.Context, snap models.DeviceSnapshot) (models.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return models.AppendResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var res models.AppendResult
	for _, p := range snap.Points() {
		key := pointKey{deviceID: p.DeviceID, metric: p.Metric, ts: p.Timestamp.UnixNano()}
		if _, exists := m.points[key]; exists {
			continue
		}
		m.points[key] = p
		res.PointsWritten++
	}

	if current, ok := m.latest[snap.DeviceID]; !ok || !snap.Timestamp.Before(current.Timestamp) {
		m.latest[snap.DeviceID] = snap
		res.LatestApplied = true
	}

	if d, ok := m.devices[snap.DeviceID]; ok {
		seenAt := snap.ReceivedAt
		if seenAt.IsZero() {
			seenAt = snap.Timestamp
		}
		if d.LastSeenAt.Before(seenAt) {
			d.LastSeenAt = seenAt
			m.devices[snap.DeviceID] = d
		}
	}

	return res, nil
}

func (m *MemoryStorage) LatestSnapshot(ctx context.Context, deviceID int64) (models.DeviceSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.latest[deviceID]
	if !ok {
		return models.DeviceSnapshot{}, fmt.Errorf("latest snapshot for device %d: %w", deviceID, ErrNotFound)
	}
	return snap, nil
}

func (m *MemoryStorage) Points(ctx context.Context, deviceID int64, metric string, from, to time.Time) ([]models.TelemetryPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var points []models.TelemetryPoint
	for key, p := range m.points {
		if key.deviceID != deviceID || key.metric != metric {
			continue
		}
		if p.Timestamp.Before(from) || p.Timestamp.After(to) {
			continue
		}
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}

// PointCount returns the number of stored telemetry points
func (m *MemoryStorage) PointCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

func (m *MemoryStorage) FindDevice(ctx context.Context, siteExternalID, deviceExternalID string) (models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.devices {
		if d.SiteExternalID == siteExternalID && d.ExternalID == deviceExternalID {
			return d, nil
		}
	}
	return models.Device{}, fmt.Errorf("device %s/%s: %w", siteExternalID, deviceExternalID, ErrNotFound)
}

func (m *MemoryStorage) GetDevice(ctx context.Context, id int64) (models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[id]
	if !ok {
		return models.Device{}, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return d, nil
}

func (m *MemoryStorage) ListDevices(ctx context.Context) ([]models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (m *MemoryStorage) ListRules(ctx context.Context) ([]models.RuleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]models.RuleRecord, 0, len(m.rules))
	for _, r := range m.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func (m *MemoryStorage) activeAlertLocked(ruleID, deviceID int64) (models.AlertInstance, bool) {
	for _, a := range m.alerts {
		if a.RuleID == ruleID && a.DeviceID == deviceID && a.Status == models.AlertActive {
			return a, true
		}
	}
	return models.AlertInstance{}, false
}

func (m *MemoryStorage) ActiveAlert(ctx context.Context, ruleID, deviceID int64) (models.AlertInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.activeAlertLocked(ruleID, deviceID)
	if !ok {
		return a, fmt.Errorf("active alert for rule %d device %d: %w", ruleID, deviceID, ErrNotFound)
	}
	return a, nil
}

func (m *MemoryStorage) GetAlert(ctx context.Context, id string) (models.AlertInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return a, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a, nil
}

// Alerts returns every instance for (ruleID, deviceID), oldest first
func (m *MemoryStorage) Alerts(ruleID, deviceID int64) []models.AlertInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.AlertInstance
	for _, a := range m.alerts {
		if a.RuleID == ruleID && a.DeviceID == deviceID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out
}

func (m *MemoryStorage) OpenAlert(ctx context.Context, a models.AlertInstance) (models.AlertInstance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.activeAlertLocked(a.RuleID, a.DeviceID); ok {
		return existing, false, nil
	}
	if _, exists := m.alerts[a.ID]; exists {
		return a, false, fmt.Errorf("alert id %s already used", a.ID)
	}
	a.Status = models.AlertActive
	m.alerts[a.ID] = a
	return a, true, nil
}

func (m *MemoryStorage) TouchAlert(ctx context.Context, id string, seenAt time.Time, severity models.Severity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if a.Status != models.AlertActive {
		return nil
	}
	if a.LastSeenAt.Before(seenAt) {
		a.LastSeenAt = seenAt
	}
	a.Severity = severity
	m.alerts[id] = a
	return nil
}

func (m *MemoryStorage) ClearAlert(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if a.Status != models.AlertActive {
		return nil
	}
	a.Status = models.AlertCleared
	a.ClearedAt = &at
	m.alerts[id] = a
	return nil
}

func (m *MemoryStorage) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	a.AcknowledgedBy = by
	a.AcknowledgedAt = &at
	m.alerts[id] = a
	return nil
}

func (m *MemoryStorage) MuteAlert(ctx context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	a.MutedUntil = &until
	m.alerts[id] = a
	return nil
}

func (m *MemoryStorage) ActiveAlertCounts(ctx context.Context) (map[models.Severity]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[models.Severity]int)
	for _, a := range m.alerts {
		if a.Status == models.AlertActive {
			counts[a.Severity]++
		}
	}
	return counts, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
