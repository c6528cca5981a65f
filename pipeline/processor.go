package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddielth/heatpump-core/config"
	"github.com/eddielth/heatpump-core/health"
	"github.com/eddielth/heatpump-core/models"
	"github.com/eddielth/heatpump-core/transformer"
)

// Normalizer turns a raw delivery into a snapshot
type Normalizer interface {
	RouteKey(topic string) (string, error)
	NormalizeAt(ctx context.Context, topic string, payload []byte, receivedAt time.Time) (models.DeviceSnapshot, error)
}

// Appender persists a snapshot, retrying transient failures itself
type Appender interface {
	Append(ctx context.Context, snap models.DeviceSnapshot) (models.AppendResult, error)
}

// Evaluator runs alert rules against an accepted snapshot
type Evaluator interface {
	Evaluate(ctx context.Context, snap models.DeviceSnapshot) (health.RunStats, error)
}

// Processor receives broker deliveries and runs them through normalize, append and
// evaluate on per-device lanes
type Processor struct {
	normalizer   Normalizer
	store        Appender
	evaluator    Evaluator
	reporter     *health.Reporter
	log          zerolog.Logger
	pool         *LanePool
	drainTimeout time.Duration
	now          func() time.Time
}

// NewProcessor creates a processor. evaluator may be nil to only ingest.
func NewProcessor(cfg config.PipelineConfig, normalizer Normalizer, store Appender, evaluator Evaluator,
	reporter *health.Reporter, log zerolog.Logger) *Processor {

	p := &Processor{
		normalizer:   normalizer,
		store:        store,
		evaluator:    evaluator,
		reporter:     reporter,
		log:          log,
		drainTimeout: cfg.DrainTimeout,
		now:          time.Now,
	}
	p.pool = NewLanePool(cfg.Lanes, cfg.QueueSize, cfg.EnqueueTimeout, p.process)
	return p
}

// Start launches the lane workers
func (p *Processor) Start() {
	p.pool.Start()
	p.log.Info().Int("lanes", len(p.pool.lanes)).Msg("pipeline started")
}

// HandleMessage is the broker callback. It never blocks longer than the enqueue timeout.
func (p *Processor) HandleMessage(topic string, payload []byte) {
	p.reporter.MessageReceived()

	key, err := p.normalizer.RouteKey(topic)
	if err != nil {
		p.reject(topic, err)
		return
	}

	msg := Message{Topic: topic, Payload: payload, ReceivedAt: p.now()}
	if err := p.pool.Submit(key, msg); err != nil {
		p.reporter.MessageDropped()
		p.log.Warn().Err(err).Str("topic", topic).Msg("dropping telemetry message")
	}
}

func (p *Processor) reject(topic string, err error) {
	rej, ok := transformer.AsRejection(err)
	if !ok {
		return
	}
	p.reporter.MessageRejected(string(rej.Reason))
	if rej.Reason == transformer.RejectUnknownTopic {
		p.log.Debug().Str("topic", topic).Msg("ignoring message on unknown topic")
		return
	}
	p.log.Warn().Err(rej.Err).Str("topic", topic).Str("reason", string(rej.Reason)).Msg("rejected telemetry message")
}

func (p *Processor) process(ctx context.Context, msg Message) {
	snap, err := p.normalizer.NormalizeAt(ctx, msg.Topic, msg.Payload, msg.ReceivedAt)
	if err != nil {
		if _, ok := transformer.AsRejection(err); ok {
			p.reject(msg.Topic, err)
			return
		}
		p.reporter.MessageFailed(err)
		p.log.Error().Err(err).Str("topic", msg.Topic).Msg("failed to normalize telemetry message")
		return
	}

	log := p.log.With().Int64("device_id", snap.DeviceID).Logger()
	if len(snap.Discarded) > 0 {
		log.Warn().Strs("metrics", snap.Discarded).Msg("discarded implausible metric values")
	}

	res, err := p.store.Append(ctx, snap)
	if err != nil {
		p.reporter.MessageFailed(err)
		log.Error().Err(err).Msg("failed to store snapshot")
		return
	}
	p.reporter.MessageAccepted(res.PointsWritten, res.LatestApplied, len(snap.Discarded))

	if !res.LatestApplied {
		log.Debug().Time("timestamp", snap.Timestamp).Msg("stale snapshot, skipping rule evaluation")
		return
	}
	if p.evaluator == nil {
		return
	}

	if _, err := p.evaluator.Evaluate(ctx, snap); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Msg("rule evaluation finished with errors")
	}
}

// Stop stops accepting messages and drains queued ones within the drain timeout
func (p *Processor) Stop() error {
	pending := p.pool.Pending()
	err := p.pool.Stop(p.drainTimeout)
	if err != nil {
		p.log.Warn().Err(err).Int("pending", pending).Msg("pipeline stopped before draining")
		return err
	}
	p.log.Info().Int("drained", pending).Msg("pipeline stopped")
	return nil
}
