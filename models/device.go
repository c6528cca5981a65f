package models

import (
	"encoding/json"
	"sort"
	"time"
)

// Canonical metric names
const (
	MetricSupplyTemp = "supply_temp"
	MetricReturnTemp = "return_temp"
	MetricPowerKW    = "power_kw"
	MetricFlowRate   = "flow_rate"
	MetricCOP        = "cop"
)

// Device is a provisioned heat pump. Provisioning owns the row; the core only advances LastSeenAt.
type Device struct {
	ID             int64     `json:"id"`
	ExternalID     string    `json:"external_id"` // MAC or serial
	OrgID          int64     `json:"org_id"`
	SiteID         int64     `json:"site_id"`
	SiteExternalID string    `json:"site_external_id"`
	Model          string    `json:"model"`
	LastSeenAt     time.Time `json:"last_seen_at"` // zero when never seen
}

// DeviceSnapshot is one accepted reading. Absent metrics are missing from Metrics, never zero.
type DeviceSnapshot struct {
	DeviceID   int64              `json:"device_id"`
	OrgID      int64              `json:"org_id"`
	SiteID     int64              `json:"site_id"`
	Timestamp  time.Time          `json:"timestamp"`
	ReceivedAt time.Time          `json:"received_at"`
	Metrics    map[string]float64 `json:"metrics"`
	Raw        json.RawMessage    `json:"raw"`
	// Discarded lists metrics dropped by plausibility ranges
	Discarded []string `json:"discarded,omitempty"`
}

// Metric returns the value of a canonical metric and whether it was reported.
func (s DeviceSnapshot) Metric(name string) (float64, bool) {
	v, ok := s.Metrics[name]
	return v, ok
}

// Points expands the snapshot into one TelemetryPoint per present metric, ordered by metric name.
func (s DeviceSnapshot) Points() []TelemetryPoint {
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	points := make([]TelemetryPoint, 0, len(names))
	for _, name := range names {
		points = append(points, TelemetryPoint{
			DeviceID:  s.DeviceID,
			Metric:    name,
			Timestamp: s.Timestamp,
			Value:     s.Metrics[name],
		})
	}
	return points
}

// TelemetryPoint is one time-series row, unique per (device, metric, timestamp).
type TelemetryPoint struct {
	DeviceID  int64     `json:"device_id"`
	Metric    string    `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// AppendResult reports what an append changed.
type AppendResult struct {
	PointsWritten int
	// LatestApplied is false when a newer snapshot was already stored
	LatestApplied bool
}
