package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper runs offline detection on a fixed interval and periodically reloads rules.
// It runs independently of message processing.
type Sweeper struct {
	engine       *Engine
	interval     time.Duration
	rulesRefresh time.Duration
	log          zerolog.Logger

	reload chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper. A non-positive rulesRefresh disables periodic rule reloads.
func NewSweeper(engine *Engine, interval, rulesRefresh time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		engine:       engine,
		interval:     interval,
		rulesRefresh: rulesRefresh,
		log:          log,
		reload:       make(chan struct{}, 1),
	}
}

// Start launches the sweep loop
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return errors.New("sweeper is already running")
	}
	if s.interval <= 0 {
		return errors.New("sweep interval must be positive")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.ctx)
	}()

	s.log.Info().Dur("interval", s.interval).Msg("offline sweeper started")
	return nil
}

// Stop cancels the loop and waits for an in-progress sweep to return
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return errors.New("sweeper is not running")
	}

	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil

	s.log.Info().Msg("offline sweeper stopped")
	return nil
}

// TriggerReload asks the loop to reload rules before the next refresh tick
func (s *Sweeper) TriggerReload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var refresh <-chan time.Time
	if s.rulesRefresh > 0 {
		refreshTicker := time.NewTicker(s.rulesRefresh)
		defer refreshTicker.Stop()
		refresh = refreshTicker.C
	}

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-refresh:
			s.reloadRules(ctx)
		case <-s.reload:
			s.reloadRules(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	stats, err := s.engine.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("offline sweep failed")
		return
	}
	s.log.Debug().Int("evaluated", stats.Evaluated).Int("triggered", stats.Triggered).Int("cleared", stats.Cleared).Msg("offline sweep done")
}

func (s *Sweeper) reloadRules(ctx context.Context) {
	if err := s.engine.Reload(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("alert rule reload failed")
	}
}
