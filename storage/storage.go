package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddielth/heatpump-core/logger"
	"github.com/eddielth/heatpump-core/models"
)

// ErrNotFound is returned by lookups that match no row
var ErrNotFound = errors.New("not found")

// SnapshotStore persists canonical snapshots
type SnapshotStore interface {
	// Append writes one TelemetryPoint per metric (ignoring existing (device, metric, ts) keys),
	// upserts the latest snapshot unless a newer one is stored, and advances the device's
	// last-seen time. All three happen atomically.
	Append(ctx context.Context, snap models.DeviceSnapshot) (models.AppendResult, error)
	LatestSnapshot(ctx context.Context, deviceID int64) (models.DeviceSnapshot, error)
	// Points returns points for one metric with from <= ts <= to, oldest first
	Points(ctx context.Context, deviceID int64, metric string, from, to time.Time) ([]models.TelemetryPoint, error)
}

// DeviceStore reads provisioned devices
type DeviceStore interface {
	FindDevice(ctx context.Context, siteExternalID, deviceExternalID string) (models.Device, error)
	GetDevice(ctx context.Context, id int64) (models.Device, error)
	ListDevices(ctx context.Context) ([]models.Device, error)
}

// RuleStore reads enabled alert rules
type RuleStore interface {
	ListRules(ctx context.Context) ([]models.RuleRecord, error)
}

// AlertStore persists alert instances. At most one active instance exists per (rule, device).
type AlertStore interface {
	ActiveAlert(ctx context.Context, ruleID, deviceID int64) (models.AlertInstance, error)
	GetAlert(ctx context.Context, id string) (models.AlertInstance, error)
	// OpenAlert inserts a as active unless an active instance already exists for its
	// (rule, device); in that case the existing instance is returned with created=false.
	OpenAlert(ctx context.Context, a models.AlertInstance) (inst models.AlertInstance, created bool, err error)
	// TouchAlert advances last_seen_at (never backwards) and sets severity on an active instance
	TouchAlert(ctx context.Context, id string, seenAt time.Time, severity models.Severity) error
	ClearAlert(ctx context.Context, id string, at time.Time) error
	AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error
	MuteAlert(ctx context.Context, id string, until time.Time) error
	ActiveAlertCounts(ctx context.Context) (map[models.Severity]int, error)
}

// Backend is a complete primary store
type Backend interface {
	SnapshotStore
	DeviceStore
	RuleStore
	AlertStore
	Close() error
}

// Mirror receives snapshots after the primary store accepted them
type Mirror interface {
	Mirror(ctx context.Context, snap models.DeviceSnapshot, res models.AppendResult) error
	Close() error
}

// Manager fronts the primary backend with bounded retries and fans accepted snapshots out to mirrors
type Manager struct {
	Backend

	mirrors    []Mirror
	maxRetries int
	retryDelay time.Duration
	mutex      sync.RWMutex
}

// NewManager creates a storage manager around primary
func NewManager(primary Backend, maxRetries int, retryDelay time.Duration, mirrors ...Mirror) *Manager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Manager{
		Backend:    primary,
		mirrors:    mirrors,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Append writes snap to the primary store, retrying up to maxRetries times, then mirrors it.
// Mirror failures are logged only.
func (m *Manager) Append(ctx context.Context, snap models.DeviceSnapshot) (models.AppendResult, error) {
	var (
		res models.AppendResult
		err error
	)

	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		res, err = m.Backend.Append(ctx, snap)
		if err == nil {
			break
		}
		if attempt == m.maxRetries {
			return res, fmt.Errorf("append snapshot for device %d after %d attempts: %w", snap.DeviceID, attempt+1, err)
		}
		logger.Warn("append snapshot for device %d failed (attempt %d): %v", snap.DeviceID, attempt+1, err)

		select {
		case <-time.After(m.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return res, fmt.Errorf("append snapshot for device %d: %w", snap.DeviceID, ctx.Err())
		}
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, mirror := range m.mirrors {
		if err := mirror.Mirror(ctx, snap, res); err != nil {
			logger.Error("failed to mirror snapshot for device %d: %v", snap.DeviceID, err)
		}
	}

	return res, nil
}

// AddMirror adds a new mirror
func (m *Manager) AddMirror(mirror Mirror) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.mirrors = append(m.mirrors, mirror)
}

// Close closes the mirrors and the primary backend
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, mirror := range m.mirrors {
		if err := mirror.Close(); err != nil {
			logger.Error("failed to close storage mirror: %v", err)
		}
	}
	return m.Backend.Close()
}
