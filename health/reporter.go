package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MQTTStatus is the "mqtt" section of the health document
type MQTTStatus struct {
	Configured      bool       `json:"configured"`
	Healthy         bool       `json:"healthy"`
	Connected       bool       `json:"connected"`
	LastConnectedAt *time.Time `json:"lastConnectedAt,omitempty"`
	LastIngestAt    *time.Time `json:"lastIngestAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	LastErrorAt     *time.Time `json:"lastErrorAt,omitempty"`
	Reconnects      int64      `json:"reconnects"`

	Received      int64            `json:"received"`
	Accepted      int64            `json:"accepted"`
	Rejected      map[string]int64 `json:"rejected"`
	Dropped       int64            `json:"dropped"`
	Failed        int64            `json:"failed"`
	PointsWritten int64            `json:"pointsWritten"`
	Stale         int64            `json:"stale"`
	Discarded     int64            `json:"discardedMetrics"`
}

// RunStats are the counts of one evaluation run
type RunStats struct {
	Evaluated int `json:"evaluated"`
	Triggered int `json:"triggered"`
	Cleared   int `json:"cleared"`
}

// AlertsStatus is the "alertsEngine" section of the health document
type AlertsStatus struct {
	Configured       bool             `json:"configured"`
	Healthy          bool             `json:"healthy"`
	RulesLoaded      int              `json:"rulesLoaded"`
	RulesSkipped     int              `json:"rulesSkipped"`
	LastHeartbeatAt  *time.Time       `json:"lastHeartbeatAt,omitempty"`
	LastSweep        RunStats         `json:"lastSweep"`
	Totals           RunStats         `json:"totals"`
	ActiveBySeverity map[string]int   `json:"activeBySeverity"`
	LastError        string           `json:"lastError,omitempty"`
	LastErrorAt      *time.Time       `json:"lastErrorAt,omitempty"`
	Errors           map[string]int64 `json:"errors,omitempty"`
}

// Snapshot is the health document this core contributes
type Snapshot struct {
	MQTT         MQTTStatus   `json:"mqtt"`
	AlertsEngine AlertsStatus `json:"alertsEngine"`
}

// Healthy reports whether every configured section is healthy
func (s Snapshot) Healthy() bool {
	return (!s.MQTT.Configured || s.MQTT.Healthy) && (!s.AlertsEngine.Configured || s.AlertsEngine.Healthy)
}

type promMetrics struct {
	received      prometheus.Counter
	rejected      *prometheus.CounterVec
	dropped       prometheus.Counter
	failed        prometheus.Counter
	pointsWritten prometheus.Counter
	stale         prometheus.Counter
	discarded     prometheus.Counter
	connected     prometheus.Gauge
	reconnects    prometheus.Counter
	evaluated     *prometheus.CounterVec
	triggered     *prometheus.CounterVec
	cleared       *prometheus.CounterVec
	rulesLoaded   prometheus.Gauge
	rulesSkipped  prometheus.Gauge
	activeAlerts  *prometheus.GaugeVec
	alertErrors   prometheus.Counter
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	f := promauto.With(reg)
	return &promMetrics{
		received: f.NewCounter(prometheus.CounterOpts{
			Name: "heatpump_messages_received_total",
			Help: "Total number of telemetry messages delivered by the broker",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heatpump_messages_rejected_total",
			Help: "Total number of telemetry messages rejected by the normalizer",
		}, []string{"reason"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "heatpump_messages_dropped_total",
			Help: "Total number of telemetry messages dropped because a lane queue was full",
		}),
		failed: f.NewCounter(prometheus.CounterOpts{
			Name: "heatpump_messages_failed_total",
			Help: "Total number of telemetry messages that could not be persisted",
		}),
		pointsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "heatpump_points_written_total",
			Help: "Total number of telemetry points inserted",
		}),
		stale: f.NewCounter(prometheus.CounterOpts{
			Name: "heatpump_snapshots_stale_total",
			Help: "Total number of snapshots older than the stored latest snapshot",
		}),
		discarded: f.NewCounter(prometheus.CounterOpts{
			Name: "heatpump_metrics_discarded_total",
			Help: "Total number of metric values outside their plausibility range",
		}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "heatpump_mqtt_connected",
			Help: "1 when the broker connection is up",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "heatpump_mqtt_reconnects_total",
			Help: "Total number of broker reconnect attempts",
		}),
		evaluated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heatpump_rules_evaluated_total",
			Help: "Total number of (rule, device) evaluations",
		}, []string{"source"}),
		triggered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heatpump_alerts_triggered_total",
			Help: "Total number of alert instances opened",
		}, []string{"source"}),
		cleared: f.NewCounterVec(prometheus.CounterOpts{
			Name: "heatpump_alerts_cleared_total",
			Help: "Total number of alert instances cleared",
		}, []string{"source"}),
		rulesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "heatpump_alert_rules_loaded",
			Help: "Number of alert rules currently loaded",
		}),
		rulesSkipped: f.NewGauge(prometheus.GaugeOpts{
			Name: "heatpump_alert_rules_skipped",
			Help: "Number of malformed alert rules skipped on the last reload",
		}),
		activeAlerts: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "heatpump_alerts_active",
			Help: "Active alert instances by severity",
		}, []string{"severity"}),
		alertErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "heatpump_alert_errors_total",
			Help: "Total number of rule evaluation errors",
		}),
	}
}

// Reporter aggregates counters and timestamps from the ingestion and alerting components.
// Every component gets the same Reporter; tests create a fresh one per case.
type Reporter struct {
	mu     sync.RWMutex
	now    func() time.Time
	mqtt   MQTTStatus
	alerts AlertsStatus
	prom   *promMetrics
}

// NewReporter creates a reporter registering its Prometheus collectors on reg.
// A nil reg keeps the collectors unregistered.
func NewReporter(reg prometheus.Registerer) *Reporter {
	return &Reporter{
		now: time.Now,
		mqtt: MQTTStatus{
			Rejected: make(map[string]int64),
		},
		alerts: AlertsStatus{
			ActiveBySeverity: make(map[string]int),
			Errors:           make(map[string]int64),
		},
		prom: newPromMetrics(reg),
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// SetMQTTConfigured marks the transport section as configured
func (r *Reporter) SetMQTTConfigured(configured bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt.Configured = configured
}

// SetAlertsConfigured marks the alerting section as configured
func (r *Reporter) SetAlertsConfigured(configured bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts.Configured = configured
}

func (r *Reporter) MQTTConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt.Connected = true
	r.mqtt.LastConnectedAt = timePtr(r.now().UTC())
	r.prom.connected.Set(1)
}

func (r *Reporter) MQTTDisconnected(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt.Connected = false
	if err != nil {
		r.mqtt.LastError = err.Error()
		r.mqtt.LastErrorAt = timePtr(r.now().UTC())
	}
	r.prom.connected.Set(0)
}

// MQTTError records a transport failure that did not change the connection state
func (r *Reporter) MQTTError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt.LastError = err.Error()
	r.mqtt.LastErrorAt = timePtr(r.now().UTC())
}

func (r *Reporter) MQTTReconnecting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt.Reconnects++
	r.prom.reconnects.Inc()
}

func (r *Reporter) MessageReceived() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt.Received++
	r.prom.received.Inc()
}

func (r *Reporter) MessageDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt.Dropped++
	r.prom.dropped.Inc()
}

func (r *Reporter) MessageRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt.Rejected[reason]++
	r.prom.rejected.WithLabelValues(reason).Inc()
}

// MessageFailed records a message that was normalized but could not be persisted
func (r *Reporter) MessageFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt.Failed++
	r.mqtt.LastError = err.Error()
	r.mqtt.LastErrorAt = timePtr(r.now().UTC())
	r.prom.failed.Inc()
}

// MessageAccepted records a persisted snapshot
func (r *Reporter) MessageAccepted(pointsWritten int, latestApplied bool, discarded int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt.Accepted++
	r.mqtt.PointsWritten += int64(pointsWritten)
	r.mqtt.Discarded += int64(discarded)
	r.mqtt.LastIngestAt = timePtr(r.now().UTC())
	if !latestApplied {
		r.mqtt.Stale++
		r.prom.stale.Inc()
	}
	r.prom.pointsWritten.Add(float64(pointsWritten))
	r.prom.discarded.Add(float64(discarded))
}

// RulesLoaded records the outcome of a rule reload
func (r *Reporter) RulesLoaded(loaded, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts.RulesLoaded = loaded
	r.alerts.RulesSkipped = skipped
	r.prom.rulesLoaded.Set(float64(loaded))
	r.prom.rulesSkipped.Set(float64(skipped))
}

// EvaluationRun records one evaluation pass. source is "message" or "sweep"; sweeps
// also advance the engine heartbeat.
func (r *Reporter) EvaluationRun(source string, stats RunStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts.Totals.Evaluated += stats.Evaluated
	r.alerts.Totals.Triggered += stats.Triggered
	r.alerts.Totals.Cleared += stats.Cleared
	if source == "sweep" {
		r.alerts.LastSweep = stats
		r.alerts.LastHeartbeatAt = timePtr(r.now().UTC())
	}
	r.prom.evaluated.WithLabelValues(source).Add(float64(stats.Evaluated))
	r.prom.triggered.WithLabelValues(source).Add(float64(stats.Triggered))
	r.prom.cleared.WithLabelValues(source).Add(float64(stats.Cleared))
}

// AlertError records a rule evaluation or reload failure under kind
func (r *Reporter) AlertError(kind string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts.Errors[kind]++
	r.alerts.LastError = err.Error()
	r.alerts.LastErrorAt = timePtr(r.now().UTC())
	r.prom.alertErrors.Inc()
}

// SetActiveAlerts replaces the active alert counts by severity
func (r *Reporter) SetActiveAlerts(counts map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for severity := range r.alerts.ActiveBySeverity {
		if _, ok := counts[severity]; !ok {
			r.prom.activeAlerts.WithLabelValues(severity).Set(0)
		}
	}
	r.alerts.ActiveBySeverity = make(map[string]int, len(counts))
	for severity, n := range counts {
		r.alerts.ActiveBySeverity[severity] = n
		r.prom.activeAlerts.WithLabelValues(severity).Set(float64(n))
	}
}

// Snapshot returns a copy of the current state
func (r *Reporter) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := r.mqtt
	m.Rejected = make(map[string]int64, len(r.mqtt.Rejected))
	for k, v := range r.mqtt.Rejected {
		m.Rejected[k] = v
	}
	m.Healthy = m.Configured && m.Connected

	a := r.alerts
	a.ActiveBySeverity = make(map[string]int, len(r.alerts.ActiveBySeverity))
	for k, v := range r.alerts.ActiveBySeverity {
		a.ActiveBySeverity[k] = v
	}
	a.Errors = make(map[string]int64, len(r.alerts.Errors))
	for k, v := range r.alerts.Errors {
		a.Errors[k] = v
	}
	// healthy once a sweep completed after the most recent error
	a.Healthy = a.Configured && a.LastHeartbeatAt != nil &&
		(a.LastErrorAt == nil || a.LastHeartbeatAt.After(*a.LastErrorAt))

	return Snapshot{MQTT: m, AlertsEngine: a}
}
