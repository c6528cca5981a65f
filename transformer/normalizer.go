package transformer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eddielth/heatpump-core/config"
	"github.com/eddielth/heatpump-core/models"
	"github.com/eddielth/heatpump-core/storage"
	"github.com/eddielth/heatpump-core/validator"
)

var (
	// ErrUnknownTopic is returned for topics outside {prefix}/{site}/{device}/telemetry
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrInvalidPayload is returned for payloads that are not a JSON object with a readings object
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnknownDevice is returned when the topic names a device that was never provisioned
	ErrUnknownDevice = errors.New("unknown device")
)

// RejectReason classifies a rejected message for counting
type RejectReason string

const (
	RejectUnknownTopic   RejectReason = "unknown_topic"
	RejectInvalidJSON    RejectReason = "invalid_json"
	RejectInvalidPayload RejectReason = "invalid_payload"
	RejectUnknownDevice  RejectReason = "unknown_device"
	RejectNoMetrics      RejectReason = "no_metrics"
	RejectScriptError    RejectReason = "script_error"
)

// Rejection is a structured refusal of one message. It is expected input noise, not a fault.
type Rejection struct {
	Reason RejectReason
	Topic  string
	Err    error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected %s (%s): %v", r.Topic, r.Reason, r.Err)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// AsRejection returns the Rejection inside err, if any
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Normalizer turns raw topic/payload pairs into canonical DeviceSnapshots
type Normalizer struct {
	topics   *TopicParser
	resolver *DeviceResolver
	scripts  *ScriptExtensions
	now      func() time.Time

	mu          sync.RWMutex
	fields      FieldTable
	ranges      []*validator.RangeValidator
	readingsKey string
}

// NewNormalizer builds a normalizer for topics under topicPrefix
func NewNormalizer(topicPrefix string, cfg config.NormalizerConfig, lookup DeviceLookup) (*Normalizer, error) {
	scripts, err := NewScriptExtensions(cfg.Scripts)
	if err != nil {
		return nil, err
	}

	n := &Normalizer{
		topics:   NewTopicParser(topicPrefix),
		resolver: NewDeviceResolver(lookup),
		scripts:  scripts,
		now:      time.Now,
	}
	n.applyConfig(cfg)
	return n, nil
}

func (n *Normalizer) applyConfig(cfg config.NormalizerConfig) {
	fields := DefaultFieldTable().WithFields(cfg.Fields)

	metrics := make([]string, 0, len(cfg.Ranges))
	for metric := range cfg.Ranges {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)
	ranges := make([]*validator.RangeValidator, 0, len(metrics))
	for _, metric := range metrics {
		r := cfg.Ranges[metric]
		ranges = append(ranges, &validator.RangeValidator{Field: metric, Min: r.Min, Max: r.Max})
	}

	readingsKey := cfg.ReadingsKey
	if readingsKey == "" {
		readingsKey = "readings"
	}

	n.mu.Lock()
	n.fields = fields
	n.ranges = ranges
	n.readingsKey = readingsKey
	n.mu.Unlock()
}

// Reload swaps the field table, plausibility ranges and extension scripts.
// If a script fails to compile nothing changes.
func (n *Normalizer) Reload(cfg config.NormalizerConfig) error {
	if err := n.scripts.Reload(cfg.Scripts); err != nil {
		return err
	}
	n.applyConfig(cfg)
	return nil
}

// RouteKey returns the per-device ordering key for topic without touching the payload
func (n *Normalizer) RouteKey(topic string) (string, error) {
	key, err := n.topics.RouteKey(topic)
	if err != nil {
		return "", &Rejection{Reason: RejectUnknownTopic, Topic: topic, Err: err}
	}
	return key, nil
}

// Normalize parses one message received now. See NormalizeAt.
func (n *Normalizer) Normalize(ctx context.Context, topic string, payload []byte) (models.DeviceSnapshot, error) {
	return n.NormalizeAt(ctx, topic, payload, n.now())
}

// NormalizeAt parses one message taken off the broker at receivedAt, which is the
// timestamp fallback. Malformed input yields a *Rejection; other errors
// (device lookup failures) are transient and worth retrying.
func (n *Normalizer) NormalizeAt(ctx context.Context, topic string, payload []byte, receivedAt time.Time) (models.DeviceSnapshot, error) {
	receivedAt = receivedAt.UTC()

	site, deviceExternalID, err := n.topics.Parse(topic)
	if err != nil {
		return models.DeviceSnapshot{}, &Rejection{Reason: RejectUnknownTopic, Topic: topic, Err: err}
	}

	var body map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return models.DeviceSnapshot{}, &Rejection{Reason: RejectInvalidJSON, Topic: topic, Err: err}
	}
	if dec.More() {
		return models.DeviceSnapshot{}, &Rejection{Reason: RejectInvalidJSON, Topic: topic, Err: errors.New("trailing data after JSON object")}
	}
	if body == nil {
		return models.DeviceSnapshot{}, &Rejection{Reason: RejectInvalidPayload, Topic: topic, Err: fmt.Errorf("%w: null payload", ErrInvalidPayload)}
	}

	n.mu.RLock()
	fields, ranges, readingsKey := n.fields, n.ranges, n.readingsKey
	n.mu.RUnlock()

	readings, ok := readingsObject(body, readingsKey)
	if !ok {
		return models.DeviceSnapshot{}, &Rejection{Reason: RejectInvalidPayload, Topic: topic, Err: fmt.Errorf("%w: no %q object", ErrInvalidPayload, readingsKey)}
	}

	device, err := n.resolver.Resolve(ctx, site, deviceExternalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.DeviceSnapshot{}, &Rejection{Reason: RejectUnknownDevice, Topic: topic, Err: fmt.Errorf("%w: %s/%s", ErrUnknownDevice, site, deviceExternalID)}
		}
		return models.DeviceSnapshot{}, fmt.Errorf("resolve device %s/%s: %w", site, deviceExternalID, err)
	}

	metrics := fields.Map(readings)

	if n.scripts.Has(device.Model) {
		extra, err := n.scripts.Apply(device.Model, plainJSON(readings).(map[string]interface{}))
		if err != nil {
			return models.DeviceSnapshot{}, &Rejection{Reason: RejectScriptError, Topic: topic, Err: err}
		}
		for name, v := range extra {
			if _, exists := metrics[name]; !exists {
				metrics[name] = v
			}
		}
	}

	var discarded []string
	for _, r := range ranges {
		if err := r.Validate(metrics); err != nil {
			delete(metrics, r.Field)
			discarded = append(discarded, r.Field)
		}
	}

	if len(metrics) == 0 {
		return models.DeviceSnapshot{}, &Rejection{Reason: RejectNoMetrics, Topic: topic, Err: errors.New("no canonical metrics in readings")}
	}

	ts, ok := parseTimestamp(body["timestamp"])
	if !ok {
		ts = receivedAt
	}

	return models.DeviceSnapshot{
		DeviceID:   device.ID,
		OrgID:      device.OrgID,
		SiteID:     device.SiteID,
		Timestamp:  ts.UTC().Truncate(time.Microsecond),
		ReceivedAt: receivedAt,
		Metrics:    metrics,
		Raw:        append(json.RawMessage(nil), payload...),
		Discarded:  discarded,
	}, nil
}

// readingsObject returns the nested readings object, or the top level minus timestamp
// for flat payloads
func readingsObject(body map[string]interface{}, key string) (map[string]interface{}, bool) {
	for _, k := range []string{key, "data"} {
		if v, ok := body[k]; ok {
			obj, isObj := v.(map[string]interface{})
			return obj, isObj
		}
	}

	flat := make(map[string]interface{}, len(body))
	for k, v := range body {
		if k != "timestamp" {
			flat[k] = v
		}
	}
	return flat, true
}

// parseTimestamp accepts RFC3339 strings and epoch seconds or milliseconds
func parseTimestamp(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	case json.Number:
		f, err := t.Float64()
		if err != nil || f <= 0 {
			return time.Time{}, false
		}
		if f > 1e12 {
			return time.UnixMilli(int64(f)), true
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)), true
	}
	return time.Time{}, false
}

// plainJSON replaces json.Number with float64 so script runtimes see real numbers
func plainJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = plainJSON(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = plainJSON(val)
		}
		return out
	default:
		return v
	}
}
