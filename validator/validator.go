package validator

import (
	"errors"
	"fmt"
	"math"

	"github.com/eddielth/heatpump-core/models"
)

// ErrInvalidRule marks a rule definition the engine cannot evaluate
var ErrInvalidRule = errors.New("invalid rule")

// ErrOutOfRange marks an implausible metric value
var ErrOutOfRange = errors.New("value out of range")

// Validator validates data
type Validator interface {
	Validate(data interface{}) error
}

// RangeValidator checks that one canonical metric lies within [Min, Max].
// data may be a map[string]float64 of metrics or a bare float64.
type RangeValidator struct {
	Field string
	Min   float64
	Max   float64
}

// Validate returns ErrOutOfRange when the metric is present and outside the range.
// An absent metric is valid.
func (rv *RangeValidator) Validate(data interface{}) error {
	var value float64
	switch v := data.(type) {
	case map[string]float64:
		val, ok := v[rv.Field]
		if !ok {
			return nil
		}
		value = val
	case float64:
		value = v
	case int:
		value = float64(v)
	case int64:
		value = float64(v)
	default:
		return fmt.Errorf("unsupported data type %T for field %s", data, rv.Field)
	}

	if math.IsNaN(value) || value < rv.Min || value > rv.Max {
		return fmt.Errorf("%w: %s=%g not in [%g, %g]", ErrOutOfRange, rv.Field, value, rv.Min, rv.Max)
	}
	return nil
}

// RuleValidator checks that a rule record carries the fields its type needs.
type RuleValidator struct{}

// Validate expects a models.RuleRecord or *models.RuleRecord
func (RuleValidator) Validate(data interface{}) error {
	var rec models.RuleRecord
	switch v := data.(type) {
	case models.RuleRecord:
		rec = v
	case *models.RuleRecord:
		if v == nil {
			return fmt.Errorf("%w: nil rule", ErrInvalidRule)
		}
		rec = *v
	default:
		return fmt.Errorf("unsupported data type %T", data)
	}

	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w %d: %s", ErrInvalidRule, rec.ID, fmt.Sprintf(format, args...))
	}

	if rec.Severity.Rank() == 0 {
		return invalid("unknown severity %q", rec.Severity)
	}
	if rec.SnoozeDefaultSec < 0 {
		return invalid("negative snooze_default_sec")
	}

	switch rec.Type {
	case models.RuleTypeThreshold:
		if rec.Metric == "" {
			return invalid("threshold rule without metric")
		}
		if rec.Threshold == nil || math.IsNaN(*rec.Threshold) {
			return invalid("threshold rule without threshold")
		}
		switch rec.Direction {
		case "", models.DirectionAbove, models.DirectionBelow:
		default:
			return invalid("unknown direction %q", rec.Direction)
		}
	case models.RuleTypeRateOfChange:
		if rec.Metric == "" {
			return invalid("rate_of_change rule without metric")
		}
		if rec.Threshold == nil || *rec.Threshold < 0 || math.IsNaN(*rec.Threshold) {
			return invalid("rate_of_change rule needs a non-negative threshold")
		}
		if rec.ROCWindowSec == nil || *rec.ROCWindowSec <= 0 {
			return invalid("rate_of_change rule needs a positive roc_window_sec")
		}
	case models.RuleTypeOffline:
		if rec.OfflineGraceSec != nil && *rec.OfflineGraceSec <= 0 {
			return invalid("offline rule needs a positive offline_grace_sec")
		}
	default:
		return invalid("unknown rule type %q", rec.Type)
	}

	return nil
}
