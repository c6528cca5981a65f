package alerting

import (
	"fmt"
	"math"
	"time"

	"github.com/eddielth/heatpump-core/models"
	"github.com/eddielth/heatpump-core/validator"
)

// Condition is one of Threshold, RateOfChange or Offline
type Condition interface {
	ruleType() string
}

// Threshold fires while the latest value of Metric is beyond Value in Direction
type Threshold struct {
	Metric    string
	Value     float64
	Direction string
}

// RateOfChange fires while the metric moved by more than Delta within Window
type RateOfChange struct {
	Metric string
	Window time.Duration
	Delta  float64
}

// Offline fires while a device has been silent for longer than Grace.
// A zero Grace uses the engine default.
type Offline struct {
	Grace time.Duration
}

func (Threshold) ruleType() string    { return models.RuleTypeThreshold }
func (RateOfChange) ruleType() string { return models.RuleTypeRateOfChange }
func (Offline) ruleType() string      { return models.RuleTypeOffline }

// Scope limits a rule to an organisation and optionally one site or device
type Scope struct {
	OrgID    int64
	SiteID   *int64
	DeviceID *int64
}

// Covers reports whether the device is in scope
func (s Scope) Covers(orgID, siteID, deviceID int64) bool {
	if s.OrgID != orgID {
		return false
	}
	if s.SiteID != nil && *s.SiteID != siteID {
		return false
	}
	if s.DeviceID != nil && *s.DeviceID != deviceID {
		return false
	}
	return true
}

// Rule is a validated alert rule
type Rule struct {
	ID            int64
	Scope         Scope
	Severity      models.Severity
	SnoozeDefault time.Duration
	Condition     Condition
}

// Type is the stored rule type
func (r Rule) Type() string {
	return r.Condition.ruleType()
}

var ruleValidator validator.Validator = validator.RuleValidator{}

// ParseRule converts a stored rule record into a Rule.
// Fields that do not belong to the record's type are ignored.
func ParseRule(rec models.RuleRecord) (Rule, error) {
	if err := ruleValidator.Validate(rec); err != nil {
		return Rule{}, err
	}

	rule := Rule{
		ID:            rec.ID,
		Scope:         Scope{OrgID: rec.OrgID, SiteID: rec.SiteID, DeviceID: rec.DeviceID},
		Severity:      rec.Severity,
		SnoozeDefault: time.Duration(rec.SnoozeDefaultSec) * time.Second,
	}

	switch rec.Type {
	case models.RuleTypeThreshold:
		direction := rec.Direction
		if direction == "" {
			direction = models.DirectionAbove
		}
		rule.Condition = Threshold{Metric: rec.Metric, Value: *rec.Threshold, Direction: direction}
	case models.RuleTypeRateOfChange:
		rule.Condition = RateOfChange{
			Metric: rec.Metric,
			Window: time.Duration(*rec.ROCWindowSec) * time.Second,
			Delta:  *rec.Threshold,
		}
	case models.RuleTypeOffline:
		var grace time.Duration
		if rec.OfflineGraceSec != nil {
			grace = time.Duration(*rec.OfflineGraceSec) * time.Second
		}
		rule.Condition = Offline{Grace: grace}
	default:
		return Rule{}, fmt.Errorf("%w %d: unknown rule type %q", validator.ErrInvalidRule, rec.ID, rec.Type)
	}

	return rule, nil
}

// verdict is the outcome of evaluating one condition for one device
type verdict struct {
	// known is false when the input needed to decide is missing; no transition happens
	known   bool
	firing  bool
	message string
}

func (t Threshold) evaluate(value float64) verdict {
	var firing bool
	if t.Direction == models.DirectionBelow {
		firing = value < t.Value
	} else {
		firing = value > t.Value
	}
	return verdict{
		known:   true,
		firing:  firing,
		message: fmt.Sprintf("%s %g %s threshold %g", t.Metric, value, t.Direction, t.Value),
	}
}

// evaluate compares the oldest and newest point of the window. Fewer than two points never fire.
func (r RateOfChange) evaluate(points []models.TelemetryPoint) verdict {
	if len(points) < 2 {
		return verdict{known: true}
	}
	delta := points[len(points)-1].Value - points[0].Value
	msg := fmt.Sprintf("%s changed by %g within %s (limit %g)", r.Metric, delta, r.Window, r.Delta)
	return verdict{
		known:   true,
		firing:  math.Abs(delta) > r.Delta,
		message: msg,
	}
}

// evaluate decides on silence at now. Devices that were never seen are not raised.
func (o Offline) evaluate(lastSeen, now time.Time) verdict {
	if lastSeen.IsZero() {
		return verdict{}
	}
	silence := now.Sub(lastSeen)
	return verdict{
		known:   true,
		firing:  silence > o.Grace,
		message: fmt.Sprintf("no telemetry for %s (grace %s)", silence.Truncate(time.Second), o.Grace),
	}
}
