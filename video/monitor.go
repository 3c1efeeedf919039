// Package video supervises the liveness of the rover's video feed. The feed
// itself is delivered out of band; this package only sees frame-arrival
// notifications and decides when the stream has stalled and when to force a
// reconnect.
package video

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/openteleop/roverlink/state"
	"github.com/openteleop/roverlink/utils"
)

// A Reconnector re-establishes the underlying video stream on request.
type Reconnector interface {
	RequestReconnect()
}

// MonitorConfig configures stall detection and recovery.
type MonitorConfig struct {
	// CheckInterval is the stall check tick. Default 2s.
	CheckInterval time.Duration
	// StallThreshold is how long without a frame before the feed is declared
	// stalled. Default 3s.
	StallThreshold time.Duration
	// ReconnectAfter is how long a stall must persist before a reconnect is
	// forced, so brief hiccups recover on their own. Default twice the stall
	// threshold.
	ReconnectAfter time.Duration
	// ReconnectCooldown is the minimum spacing between forced reconnects.
	// Default 5s.
	ReconnectCooldown time.Duration
	// RecentFrameWindow double-checks that no frame arrived just before a
	// forced reconnect would fire. Default 2s.
	RecentFrameWindow time.Duration
	// MaxRetries is how many consecutive forced reconnects are allowed
	// before backing off. Default 3.
	MaxRetries int
	// RetryPause is how long stall-driven reconnects stay paused after the
	// retry budget is exhausted. Default 5s.
	RetryPause time.Duration
}

// Validate fills defaults.
func (c *MonitorConfig) Validate() error {
	if c.CheckInterval == 0 {
		c.CheckInterval = 2 * time.Second
	}
	if c.StallThreshold == 0 {
		c.StallThreshold = 3 * time.Second
	}
	if c.ReconnectAfter == 0 {
		c.ReconnectAfter = 2 * c.StallThreshold
	}
	if c.ReconnectCooldown == 0 {
		c.ReconnectCooldown = 5 * time.Second
	}
	if c.RecentFrameWindow == 0 {
		c.RecentFrameWindow = 2 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryPause == 0 {
		c.RetryPause = 5 * time.Second
	}
	if c.ReconnectAfter < c.StallThreshold {
		return errors.New("reconnect-after must not be shorter than the stall threshold")
	}
	return nil
}

// LivenessMonitor tracks frame arrivals, declares stalls and drives stream
// recovery. It is active only while the rover is running; a feed from a
// stopped rover is meaningless by definition.
type LivenessMonitor struct {
	robot  *state.Robot
	recon  Reconnector
	cfg    MonitorConfig
	logger golog.Logger
	clock  clock.Clock

	mu            sync.Mutex
	lastFrameAt   time.Time
	stalled       bool
	lastReconnect time.Time // zero until the first forced reconnect
	retryCount    int
	pausedUntil   time.Time

	workers *utils.StoppableWorkers
}

// MonitorOption configures a LivenessMonitor.
type MonitorOption func(*LivenessMonitor)

// WithMonitorClock substitutes the wall clock, for tests.
func WithMonitorClock(c clock.Clock) MonitorOption {
	return func(m *LivenessMonitor) { m.clock = c }
}

// NewLivenessMonitor returns an unstarted monitor. recon may be nil, in
// which case stalls are flagged but never acted on.
func NewLivenessMonitor(
	robot *state.Robot,
	recon Reconnector,
	cfg MonitorConfig,
	logger golog.Logger,
	opts ...MonitorOption,
) (*LivenessMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid monitor config")
	}
	m := &LivenessMonitor{
		robot:  robot,
		recon:  recon,
		cfg:    cfg,
		logger: logger,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start begins stall checking. The first stall window is measured from now,
// so a feed that never delivers a single frame still stalls.
func (m *LivenessMonitor) Start() {
	m.mu.Lock()
	m.lastFrameAt = m.clock.Now()
	m.mu.Unlock()
	m.workers = utils.NewStoppableWorkers(m.check)
}

// Close stops the monitor.
func (m *LivenessMonitor) Close() error {
	if m.workers != nil {
		m.workers.Stop()
	}
	return nil
}

// OnFrameReceived is called by the video transport for every decoded frame.
// A frame is the recovery signal: the state layer clears the stall flag and
// restores availability in one batched notification, including a stall flag
// left over from before a stop/restart cycle.
func (m *LivenessMonitor) OnFrameReceived() {
	now := m.clock.Now()
	m.mu.Lock()
	m.lastFrameAt = now
	wasStalled := m.stalled
	m.stalled = false
	if wasStalled {
		m.retryCount = 0
	}
	m.mu.Unlock()

	m.robot.MarkVideoFrame(now)
	if wasStalled {
		m.logger.Infow("video feed recovered")
	}
}

// Stalled reports whether the feed is currently considered stalled.
func (m *LivenessMonitor) Stalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stalled
}

// StalledFor reports whether no frame has arrived within the given
// threshold.
func (m *LivenessMonitor) StalledFor(threshold time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastFrameAt.IsZero() {
		return false
	}
	return m.clock.Now().Sub(m.lastFrameAt) >= threshold
}

func (m *LivenessMonitor) check(ctx context.Context) {
	ticker := m.clock.Ticker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.checkOnce()
	}
}

func (m *LivenessMonitor) checkOnce() {
	snap := m.robot.Snapshot()
	now := m.clock.Now()

	m.mu.Lock()
	if !snap.Running {
		// Stall tracking is meaningless while the rover is stopped; the
		// shared state already forces VideoAvailable false. Keeping the
		// reference point fresh gives a full stall window on restart.
		m.stalled = false
		m.lastFrameAt = now
		m.mu.Unlock()
		m.robot.SetVideoStalled(false)
		return
	}

	sinceFrame := now.Sub(m.lastFrameAt)
	if sinceFrame < m.cfg.StallThreshold {
		m.mu.Unlock()
		return
	}

	newlyStalled := !m.stalled
	m.stalled = true

	if !m.pausedUntil.IsZero() && !now.Before(m.pausedUntil) {
		m.pausedUntil = time.Time{}
	}

	shouldReconnect := sinceFrame >= m.cfg.ReconnectAfter &&
		now.Sub(m.lastReconnect) >= m.cfg.ReconnectCooldown &&
		sinceFrame >= m.cfg.RecentFrameWindow &&
		m.pausedUntil.IsZero()
	var retry int
	var pausing bool
	if shouldReconnect {
		m.lastReconnect = now
		m.retryCount++
		retry = m.retryCount
		if m.retryCount >= m.cfg.MaxRetries {
			// budget exhausted: pause stall-driven reconnects, then start
			// the count over
			m.pausedUntil = now.Add(m.cfg.RetryPause)
			m.retryCount = 0
			pausing = true
		}
	}
	recon := m.recon
	m.mu.Unlock()

	if newlyStalled {
		m.logger.Warnw("video feed stalled", "since_last_frame", sinceFrame)
		m.robot.MarkVideoStalled()
	}
	if shouldReconnect && recon != nil {
		m.logger.Infow("forcing video reconnect", "retry", retry, "since_last_frame", sinceFrame)
		recon.RequestReconnect()
	}
	if pausing {
		m.logger.Warnw("video reconnect budget exhausted; pausing stall-driven reconnects",
			"pause", m.cfg.RetryPause)
	}
}
