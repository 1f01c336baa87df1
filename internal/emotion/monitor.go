package emotion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrMonitorRunning is returned by Start when the monitor is already active.
var ErrMonitorRunning = errors.New("monitor already running")

// Sampler is the part of Detector the monitor drives.
type Sampler interface {
	Sample(ctx context.Context, userID string, bypassCache bool) Sample
}

// Monitor samples on a fixed interval so the cache stays fresh between turns.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	userID string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(sampler Sampler, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Monitor{
		sampler:  sampler,
		interval: interval,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
}

// SetUser switches the subject whose calibration is used for sampling.
func (m *Monitor) SetUser(userID string) {
	m.mu.Lock()
	m.userID = userID
	m.mu.Unlock()
}

func (m *Monitor) currentUser() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Running reports whether the sampling loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Start launches the sampling loop. It runs until Stop is called or ctx is
// cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return ErrMonitorRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(loopCtx, m.done)
	m.logger.Info().Dur("interval", m.interval).Msg("Emotion monitor started")
	return nil
}

// Stop cancels the loop and waits for the in-flight sample to finish.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info().Msg("Emotion monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.exited(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		s := m.sampler.Sample(ctx, m.currentUser(), true)
		m.logger.Debug().Str("emotion", string(s.Label)).Float64("confidence", s.Confidence).Msg("Background sample")

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// exited clears the running state when the loop ends on its own, which
// happens when the parent context is cancelled without Stop.
func (m *Monitor) exited(done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == done {
		m.cancel()
		m.cancel, m.done = nil, nil
	}
}
