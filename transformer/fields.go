package transformer

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/eddielth/heatpump-core/config"
	"github.com/eddielth/heatpump-core/models"
)

// Conversion converts a raw sensor value into the canonical unit
type Conversion func(float64) float64

// FieldSpec maps one raw field name onto a canonical metric
type FieldSpec struct {
	Metric  string
	Convert Conversion
}

// FieldTable is keyed by raw field name
type FieldTable map[string]FieldSpec

func identity(v float64) float64 { return v }

func fahrenheitToCelsius(v float64) float64 { return convertTemperature(v, "F", "C") }

func divideBy(d float64) Conversion {
	return func(v float64) float64 { return v / d }
}

func linear(scale, offset float64) Conversion {
	return func(v float64) float64 { return v*scale + offset }
}

// DefaultFieldTable returns the built-in heat pump mapping. Canonical units are
// degrees Celsius, kilowatts and litres per minute.
func DefaultFieldTable() FieldTable {
	return FieldTable{
		"supply_temperature_c": {Metric: models.MetricSupplyTemp, Convert: identity},
		"supply_temperature_f": {Metric: models.MetricSupplyTemp, Convert: fahrenheitToCelsius},
		"return_temperature_c": {Metric: models.MetricReturnTemp, Convert: identity},
		"return_temperature_f": {Metric: models.MetricReturnTemp, Convert: fahrenheitToCelsius},
		"power_w":              {Metric: models.MetricPowerKW, Convert: divideBy(1000)},
		"flow_rate_lpm":        {Metric: models.MetricFlowRate, Convert: identity},
		"flow_rate_m3h":        {Metric: models.MetricFlowRate, Convert: linear(1000.0/60.0, 0)}, // m3/h -> l/min

		models.MetricSupplyTemp: {Metric: models.MetricSupplyTemp, Convert: identity},
		models.MetricReturnTemp: {Metric: models.MetricReturnTemp, Convert: identity},
		models.MetricPowerKW:    {Metric: models.MetricPowerKW, Convert: identity},
		models.MetricFlowRate:   {Metric: models.MetricFlowRate, Convert: identity},
		models.MetricCOP:        {Metric: models.MetricCOP, Convert: identity},
	}
}

// WithFields returns a copy of t extended (or overridden) by configured linear mappings.
// A zero scale is read as 1.
func (t FieldTable) WithFields(fields map[string]config.FieldMapping) FieldTable {
	out := make(FieldTable, len(t)+len(fields))
	for raw, spec := range t {
		out[raw] = spec
	}
	for raw, f := range fields {
		if f.Metric == "" {
			continue
		}
		scale := f.Scale
		if scale == 0 {
			scale = 1
		}
		out[raw] = FieldSpec{Metric: f.Metric, Convert: linear(scale, f.Offset)}
	}
	return out
}

// Map converts the raw readings present into canonical metrics. Fields that are absent,
// unmapped or non-numeric produce nothing. When several raw fields map to the same metric
// a field named exactly like the metric wins, otherwise the first raw name in sorted order.
func (t FieldTable) Map(readings map[string]interface{}) map[string]float64 {
	raws := make([]string, 0, len(readings))
	for raw := range readings {
		raws = append(raws, raw)
	}
	sort.Strings(raws)

	metrics := make(map[string]float64)
	exact := make(map[string]bool)
	for _, raw := range raws {
		spec, ok := t[raw]
		if !ok {
			continue
		}
		value, ok := toFloat(readings[raw])
		if !ok {
			continue
		}
		converted := spec.Convert(value)
		if math.IsNaN(converted) || math.IsInf(converted, 0) {
			continue
		}

		isExact := raw == spec.Metric
		if _, seen := metrics[spec.Metric]; seen && (exact[spec.Metric] || !isExact) {
			continue
		}
		metrics[spec.Metric] = converted
		exact[spec.Metric] = isExact
	}
	return metrics
}

// toFloat accepts JSON and JS numeric representations only; strings and booleans are not numbers.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
