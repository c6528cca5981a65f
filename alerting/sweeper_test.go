package alerting

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// TestSweeper_StartStop tests the running state guards of the Sweeper.
func TestSweeper_StartStop(t *testing.T) {
	// Setup
	f := newFixture(t, offlineRule(3, intPtr(300)))
	s := NewSweeper(f.engine, time.Hour, 0, zerolog.Nop())

	// Execute
	err := s.Start()

	// Assert
	assert.NoError(t, err)

	err = s.Start()
	assert.Error(t, err)
	assert.Equal(t, "sweeper is already running", err.Error())

	err = s.Stop()
	assert.NoError(t, err)

	err = s.Stop()
	assert.Error(t, err)
	assert.Equal(t, "sweeper is not running", err.Error())
}

func TestSweeper_RejectsNonPositiveInterval(t *testing.T) {
	f := newFixture(t)
	s := NewSweeper(f.engine, 0, time.Minute, zerolog.Nop())

	err := s.Start()
	assert.EqualError(t, err, "sweep interval must be positive")
}

// TestSweeper_SweepsOnStart tests that the first sweep runs without waiting for the interval.
func TestSweeper_SweepsOnStart(t *testing.T) {
	f := newFixture(t, offlineRule(3, intPtr(60)))
	f.ingest(t0, map[string]float64{"supply_temp": 40})
	f.now = t0.Add(10 * time.Minute)

	s := NewSweeper(f.engine, time.Hour, 0, zerolog.Nop())
	assert.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return f.reporter.Snapshot().AlertsEngine.LastSweep.Triggered == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSweeper_TriggerReload(t *testing.T) {
	f := newFixture(t)
	s := NewSweeper(f.engine, time.Hour, 0, zerolog.Nop())
	assert.NoError(t, s.Start())
	defer s.Stop()

	f.store.SetRules(offlineRule(3, intPtr(60)))
	s.TriggerReload()

	assert.Eventually(t, func() bool {
		return len(f.engine.Rules()) == 1
	}, time.Second, 10*time.Millisecond)
}
