package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eddielth/heatpump-core/models"
)

func TestRangeValidator(t *testing.T) {
	rv := &RangeValidator{Field: "supply_temp", Min: -30, Max: 110}

	assert.NoError(t, rv.Validate(map[string]float64{"supply_temp": 45}))
	assert.NoError(t, rv.Validate(map[string]float64{"power_kw": 1}), "absent metric is valid")
	assert.NoError(t, rv.Validate(110.0))
	assert.ErrorIs(t, rv.Validate(map[string]float64{"supply_temp": 111}), ErrOutOfRange)
	assert.ErrorIs(t, rv.Validate(-31), ErrOutOfRange)
	assert.Error(t, rv.Validate("45"))
}

func TestRuleValidator(t *testing.T) {
	threshold := 60.0
	window := 300

	var v Validator = RuleValidator{}
	assert.NoError(t, v.Validate(models.RuleRecord{
		ID: 1, Metric: "supply_temp", Type: models.RuleTypeThreshold, Threshold: &threshold, Severity: models.SeverityWarning,
	}))
	assert.NoError(t, v.Validate(&models.RuleRecord{
		ID: 2, Metric: "supply_temp", Type: models.RuleTypeRateOfChange, Threshold: &threshold, ROCWindowSec: &window, Severity: models.SeverityCritical,
	}))
	assert.NoError(t, v.Validate(models.RuleRecord{ID: 3, Type: models.RuleTypeOffline, Severity: models.SeverityInfo}))

	err := v.Validate(models.RuleRecord{ID: 4, Type: models.RuleTypeOffline, Severity: models.SeverityInfo, SnoozeDefaultSec: -1})
	assert.ErrorIs(t, err, ErrInvalidRule)

	var nilRule *models.RuleRecord
	assert.ErrorIs(t, v.Validate(nilRule), ErrInvalidRule)
	assert.Error(t, v.Validate(42))
}
