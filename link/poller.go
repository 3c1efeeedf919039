package link

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/openteleop/roverlink/state"
	"github.com/openteleop/roverlink/transport"
	"github.com/openteleop/roverlink/utils"
)

// PollerConfig configures the status poll loop.
type PollerConfig struct {
	RequestTopic  string
	ResponseTopic string
	// Interval between polls. Default 2s.
	Interval time.Duration
	// ResponseTimeout is how long to wait for an answer before declaring the
	// rover stopped. Default 1s.
	ResponseTimeout time.Duration
}

// Validate fills defaults and checks required fields.
func (c *PollerConfig) Validate() error {
	if c.RequestTopic == "" || c.ResponseTopic == "" {
		return errors.New("request and response topics are required")
	}
	if c.Interval == 0 {
		c.Interval = 2 * time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = time.Second
	}
	return nil
}

// StatusPoller requests rover status once per interval while the link is up.
// A missing response within the timeout is the sole liveness signal: it
// forces the battery voltage to zero, which drives Running false. The
// layer does not distinguish "broker unreachable" from "rover powered off".
type StatusPoller struct {
	conn   Connection
	robot  *state.Robot
	cfg    PollerConfig
	logger golog.Logger
	clock  clock.Clock

	mu      sync.Mutex
	timeout *clock.Timer // pending response timeout, nil when none

	workers *utils.StoppableWorkers
}

// PollerOption configures a StatusPoller.
type PollerOption func(*StatusPoller)

// WithPollerClock substitutes the wall clock, for tests.
func WithPollerClock(c clock.Clock) PollerOption {
	return func(p *StatusPoller) { p.clock = c }
}

// NewStatusPoller returns an unstarted poller. Wire inbound messages to it
// with ConnectionManager.SetMessageHandler(p.HandleMessage).
func NewStatusPoller(
	conn Connection,
	robot *state.Robot,
	cfg PollerConfig,
	logger golog.Logger,
	opts ...PollerOption,
) (*StatusPoller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid poller config")
	}
	p := &StatusPoller{
		conn:   conn,
		robot:  robot,
		cfg:    cfg,
		logger: logger,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start begins the poll loop.
func (p *StatusPoller) Start() {
	p.workers = utils.NewStoppableWorkers(p.poll)
}

// Close stops the poll loop and cancels any pending response timeout.
func (p *StatusPoller) Close() error {
	if p.workers != nil {
		p.workers.Stop()
	}
	p.mu.Lock()
	if p.timeout != nil {
		p.timeout.Stop()
		p.timeout = nil
	}
	p.mu.Unlock()
	return nil
}

func (p *StatusPoller) poll(ctx context.Context) {
	ticker := p.clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p.tick()
	}
}

func (p *StatusPoller) tick() {
	if !p.conn.Connected() {
		// no point polling a dead link; nudge the connection instead
		p.conn.Kick()
		return
	}
	if err := p.conn.Publish(p.cfg.RequestTopic, transport.QoSExactlyOnce, statusRequest); err != nil {
		p.logger.Debugw("status request dropped", "error", err)
		return
	}
	p.armTimeout()
}

// armTimeout cancels and replaces the pending response timeout, keeping at
// most one outstanding.
func (p *StatusPoller) armTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeout != nil {
		p.timeout.Stop()
	}
	p.timeout = p.clock.AfterFunc(p.cfg.ResponseTimeout, p.expire)
}

func (p *StatusPoller) expire() {
	p.mu.Lock()
	p.timeout = nil
	p.mu.Unlock()
	p.logger.Debugw("status response timed out; marking rover stopped")
	p.robot.MarkUnresponsive()
}

// HandleMessage consumes inbound broker messages, reacting only to the
// status response topic. Malformed responses are logged and discarded,
// leaving the shared state untouched.
func (p *StatusPoller) HandleMessage(topic string, payload []byte) {
	if topic != p.cfg.ResponseTopic {
		return
	}
	p.mu.Lock()
	if p.timeout != nil {
		p.timeout.Stop()
		p.timeout = nil
	}
	p.mu.Unlock()

	upd, err := parseStatusResponse(payload)
	if err != nil {
		p.logger.Warnw("discarding malformed status response", "error", err)
		return
	}
	p.robot.Apply(upd)
}
