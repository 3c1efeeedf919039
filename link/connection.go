// Package link implements the robot link manager: it keeps the broker
// session alive, polls the rover for status with bounded timeouts, and turns
// the operator's raw control input into a minimal outbound message stream.
package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/openteleop/roverlink/transport"
	"github.com/openteleop/roverlink/utils"
)

// ErrNotConnected is returned by Publish while the broker session is down.
var ErrNotConnected = errors.New("not connected to broker")

// Connection is the subset of ConnectionManager that the poller and the
// control publisher rely on.
type Connection interface {
	Connected() bool
	// Kick nudges the manager to attempt a connect now if it is idle.
	Kick()
	Publish(topic string, qos byte, payload []byte) error
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// ConnectionConfig configures the session lifecycle.
type ConnectionConfig struct {
	// StatusTopic is subscribed after every successful connect.
	StatusTopic string
	// ConnectTimeout bounds a single connect attempt. Default 5s.
	ConnectTimeout time.Duration
	// ReconnectDelay is how long to hold off after an unexpected disconnect.
	// It is deliberately longer than the status poll period so a flapping
	// broker does not cause a connection storm. Default 10s.
	ReconnectDelay time.Duration
	// SuperviseEvery is the supervisor tick that dials when the session is
	// idle, catching states a missed event would otherwise leave stuck.
	// Default 3s.
	SuperviseEvery time.Duration
}

// Validate fills defaults and checks required fields.
func (c *ConnectionConfig) Validate() error {
	if c.StatusTopic == "" {
		return errors.New("status topic is required")
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 10 * time.Second
	}
	if c.SuperviseEvery == 0 {
		c.SuperviseEvery = 3 * time.Second
	}
	return nil
}

// ConnectionManager owns the broker session lifecycle: it dials fresh
// sessions, detects drops and retries forever. Connect attempts are only
// ever initiated from the Disconnected state, so two can never race.
type ConnectionManager struct {
	dialer transport.Dialer
	cfg    ConnectionConfig
	logger golog.Logger
	clock  clock.Clock

	mu        sync.Mutex
	state     connState
	session   transport.Session
	holdUntil time.Time
	// lostMidDial records a lost event that arrived between the handshake
	// and promotion, so maybeConnect fails the attempt instead of promoting
	// a session that is already dead.
	lostMidDial bool
	listeners   []func(connected bool)
	onMessage   func(topic string, payload []byte)

	connected atomic.Bool
	kick      chan struct{}
	workers   *utils.StoppableWorkers
}

// ConnectionOption configures a ConnectionManager.
type ConnectionOption func(*ConnectionManager)

// WithConnectionClock substitutes the wall clock, for tests.
func WithConnectionClock(c clock.Clock) ConnectionOption {
	return func(cm *ConnectionManager) { cm.clock = c }
}

// NewConnectionManager returns an unstarted manager.
func NewConnectionManager(
	dialer transport.Dialer,
	cfg ConnectionConfig,
	logger golog.Logger,
	opts ...ConnectionOption,
) (*ConnectionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid connection config")
	}
	cm := &ConnectionManager{
		dialer: dialer,
		cfg:    cfg,
		logger: logger,
		clock:  clock.New(),
		kick:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm, nil
}

// SetMessageHandler registers the single inbound message handler. It must be
// called before Start.
func (cm *ConnectionManager) SetMessageHandler(h func(topic string, payload []byte)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onMessage = h
}

// OnConnectionChange registers a listener invoked with true on connect and
// false on disconnect.
func (cm *ConnectionManager) OnConnectionChange(f func(connected bool)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, f)
}

// Start begins the connection lifecycle. The first attempt happens
// immediately; afterwards the supervisor retries on its own schedule.
func (cm *ConnectionManager) Start() {
	cm.Kick()
	cm.workers = utils.NewStoppableWorkers(cm.supervise)
}

// Close stops all background work and tears down any live session.
func (cm *ConnectionManager) Close() error {
	if cm.workers != nil {
		cm.workers.Stop()
	}
	cm.mu.Lock()
	session := cm.session
	cm.session = nil
	cm.state = stateDisconnected
	cm.mu.Unlock()
	cm.connected.Store(false)
	if session != nil {
		session.Disconnect()
	}
	return nil
}

// Connected reports whether the session is currently established.
func (cm *ConnectionManager) Connected() bool {
	return cm.connected.Load()
}

// Kick asks the supervisor to attempt a connect on its next pass without
// waiting for the tick. No-op while connecting or connected.
func (cm *ConnectionManager) Kick() {
	select {
	case cm.kick <- struct{}{}:
	default:
	}
}

// Publish sends a message over the live session.
func (cm *ConnectionManager) Publish(topic string, qos byte, payload []byte) error {
	cm.mu.Lock()
	session := cm.session
	connected := cm.state == stateConnected
	cm.mu.Unlock()
	if !connected || session == nil {
		return ErrNotConnected
	}
	return session.Publish(topic, qos, payload)
}

func (cm *ConnectionManager) supervise(ctx context.Context) {
	ticker := cm.clock.Ticker(cm.cfg.SuperviseEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-cm.kick:
		}
		cm.maybeConnect(ctx)
	}
}

// maybeConnect dials a fresh session if the manager is idle and outside the
// post-disconnect hold-off window.
func (cm *ConnectionManager) maybeConnect(ctx context.Context) {
	cm.mu.Lock()
	if cm.state != stateDisconnected || cm.clock.Now().Before(cm.holdUntil) {
		cm.mu.Unlock()
		return
	}
	cm.state = stateConnecting
	cm.lostMidDial = false
	var session transport.Session
	session = cm.dialer.Dial(transport.Handlers{
		OnMessage: cm.dispatchMessage,
		OnConnectionLost: func(err error) {
			cm.handleConnectionLost(session, err)
		},
	})
	cm.session = session
	cm.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, cm.cfg.ConnectTimeout)
	err := session.Connect(dialCtx)
	cancel()
	if err == nil {
		err = session.Subscribe(cm.cfg.StatusTopic, transport.QoSBestEffort)
	}

	cm.mu.Lock()
	if err == nil && cm.lostMidDial {
		err = errors.New("transport dropped during connect")
	}
	if err != nil {
		cm.state = stateDisconnected
		cm.session = nil
		cm.mu.Unlock()
		session.Disconnect()
		cm.logger.Warnw("broker connect failed; will retry", "error", err)
		return
	}
	cm.state = stateConnected
	cm.connected.Store(true)
	listeners := make([]func(bool), len(cm.listeners))
	copy(listeners, cm.listeners)
	cm.mu.Unlock()

	cm.logger.Infow("connected to broker")
	for _, l := range listeners {
		l(true)
	}
}

func (cm *ConnectionManager) handleConnectionLost(from transport.Session, err error) {
	cm.mu.Lock()
	if cm.session != from {
		// a stale session's death rattle; the lifecycle has moved on
		cm.mu.Unlock()
		return
	}
	if cm.state == stateConnecting {
		cm.lostMidDial = true
		cm.mu.Unlock()
		return
	}
	if cm.state != stateConnected {
		cm.mu.Unlock()
		return
	}
	cm.state = stateDisconnected
	cm.session = nil
	cm.holdUntil = cm.clock.Now().Add(cm.cfg.ReconnectDelay)
	listeners := make([]func(bool), len(cm.listeners))
	copy(listeners, cm.listeners)
	cm.mu.Unlock()
	cm.connected.Store(false)

	cm.logger.Warnw("broker connection lost", "error", err, "retry_in", cm.cfg.ReconnectDelay)
	for _, l := range listeners {
		l(false)
	}
}

func (cm *ConnectionManager) dispatchMessage(topic string, payload []byte) {
	cm.mu.Lock()
	h := cm.onMessage
	cm.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}
