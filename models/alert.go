package models

import "time"

// Rule types as stored
const (
	RuleTypeThreshold    = "threshold"
	RuleTypeRateOfChange = "rate_of_change"
	RuleTypeOffline      = "offline"
)

// Threshold directions
const (
	DirectionAbove = "above"
	DirectionBelow = "below"
)

// Severity of a rule or alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// RuleRecord is an alert rule row as operators edit it. Only the field matching Type is meaningful.
type RuleRecord struct {
	ID               int64    `json:"id"`
	OrgID            int64    `json:"org_id"`
	SiteID           *int64   `json:"site_id,omitempty"`
	DeviceID         *int64   `json:"device_id,omitempty"`
	Metric           string   `json:"metric"`
	Type             string   `json:"type"`
	Direction        string   `json:"direction,omitempty"`
	Threshold        *float64 `json:"threshold,omitempty"`
	ROCWindowSec     *int     `json:"roc_window_sec,omitempty"`
	OfflineGraceSec  *int     `json:"offline_grace_sec,omitempty"`
	Severity         Severity `json:"severity"`
	SnoozeDefaultSec int      `json:"snooze_default_sec"`
	Enabled          bool     `json:"enabled"`
}

// AlertStatus is the lifecycle state of an AlertInstance
type AlertStatus string

const (
	AlertActive  AlertStatus = "active"
	AlertCleared AlertStatus = "cleared"
)

// AlertInstance is one firing episode of a rule for a device.
type AlertInstance struct {
	ID             string      `json:"id"`
	RuleID         int64       `json:"rule_id"`
	DeviceID       int64       `json:"device_id"`
	SiteID         int64       `json:"site_id"`
	Severity       Severity    `json:"severity"`
	Type           string      `json:"type"`
	Message        string      `json:"message"`
	Status         AlertStatus `json:"status"`
	FirstSeenAt    time.Time   `json:"first_seen_at"`
	LastSeenAt     time.Time   `json:"last_seen_at"`
	ClearedAt      *time.Time  `json:"cleared_at,omitempty"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	MutedUntil     *time.Time  `json:"muted_until,omitempty"`
}

// Muted reports whether the instance is muted at now.
func (a AlertInstance) Muted(now time.Time) bool {
	return a.MutedUntil != nil && now.Before(*a.MutedUntil)
}
