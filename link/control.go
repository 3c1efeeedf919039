package link

import (
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/openteleop/roverlink/transport"
)

type intentKind int

const (
	intentDrive intentKind = iota
	intentPanTilt
	intentPosition
	intentKinds
)

func (k intentKind) String() string {
	switch k {
	case intentDrive:
		return "drive"
	case intentPanTilt:
		return "pan_tilt"
	case intentPosition:
		return "position"
	default:
		return "unknown"
	}
}

type driveCommand struct {
	Speed float64 `json:"speed"`
	Turn  float64 `json:"turn"`
}

type panTiltCommand struct {
	Pan  float64 `json:"pan"`
	Tilt float64 `json:"tilt"`
}

type positionCommand struct {
	Command  string `json:"command"`
	Position int64  `json:"position"`
}

// ControlConfig configures the outbound control stream.
type ControlConfig struct {
	Topic string
	// Debounce is the coalescing window for continuous intents. Default 50ms.
	Debounce time.Duration
	// Epsilon is the per-component dedupe tolerance. Default 0.01.
	Epsilon float64
}

// Validate fills defaults and checks required fields.
func (c *ControlConfig) Validate() error {
	if c.Topic == "" {
		return errors.New("control topic is required")
	}
	if c.Debounce == 0 {
		c.Debounce = 50 * time.Millisecond
	}
	if c.Epsilon == 0 {
		c.Epsilon = 0.01
	}
	return nil
}

// ControlPublisher turns a stream of rapid, noisy control intents into a
// minimal outbound message stream. Per intent kind it remembers the last
// value sent, drops values within epsilon of it, and coalesces bursts into
// one publish of the latest value per debounce window. Absolute position
// commands skip the debounce so discrete actions keep their latency, but
// are still deduped. Everything is dropped silently while disconnected.
type ControlPublisher struct {
	conn   Connection
	cfg    ControlConfig
	logger golog.Logger

	mu       sync.Mutex
	lastSent [intentKinds][]float64
	pending  [intentKinds][]float64
	debounce [intentKinds]func(func())

	closed atomic.Bool
}

// NewControlPublisher returns a publisher ready for use; it has no
// background work of its own until intents arrive.
func NewControlPublisher(conn Connection, cfg ControlConfig, logger golog.Logger) (*ControlPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid control config")
	}
	cp := &ControlPublisher{conn: conn, cfg: cfg, logger: logger}
	for k := range cp.debounce {
		cp.debounce[k] = debounce.New(cfg.Debounce)
	}
	return cp, nil
}

// Close stops the publisher; any debounce timer still pending becomes a
// no-op.
func (cp *ControlPublisher) Close() error {
	cp.closed.Store(true)
	return nil
}

// PublishDrive submits a drive intent. Callable at arbitrary frequency.
func (cp *ControlPublisher) PublishDrive(speed, turn float64) {
	cp.submit(intentDrive, []float64{speed, turn}, false)
}

// PublishPanTilt submits a camera pan/tilt intent. Callable at arbitrary
// frequency.
func (cp *ControlPublisher) PublishPanTilt(pan, tilt float64) {
	cp.submit(intentPanTilt, []float64{pan, tilt}, false)
}

// PublishPosition submits an absolute target position. It publishes
// immediately rather than waiting out a debounce window.
func (cp *ControlPublisher) PublishPosition(target int64) {
	cp.submit(intentPosition, []float64{float64(target)}, true)
}

func (cp *ControlPublisher) submit(kind intentKind, vals []float64, immediate bool) {
	if cp.closed.Load() || !cp.conn.Connected() {
		return
	}
	cp.mu.Lock()
	if withinEpsilon(cp.lastSent[kind], vals, cp.cfg.Epsilon) {
		cp.mu.Unlock()
		return
	}
	cp.pending[kind] = vals
	cp.mu.Unlock()

	if immediate {
		cp.flush(kind)
		return
	}
	cp.debounce[kind](func() { cp.flush(kind) })
}

// flush publishes the latest pending value for the kind, if it still
// clears the dedupe check.
func (cp *ControlPublisher) flush(kind intentKind) {
	if cp.closed.Load() {
		return
	}
	cp.mu.Lock()
	vals := cp.pending[kind]
	if vals == nil || withinEpsilon(cp.lastSent[kind], vals, cp.cfg.Epsilon) {
		cp.pending[kind] = nil
		cp.mu.Unlock()
		return
	}
	cp.pending[kind] = nil
	cp.mu.Unlock()

	payload, err := marshalIntent(kind, vals)
	if err != nil {
		cp.logger.Errorw("failed to encode control intent", "kind", kind.String(), "error", err)
		return
	}
	if err := cp.conn.Publish(cp.cfg.Topic, transport.QoSExactlyOnce, payload); err != nil {
		// not recorded as sent: the same value after the link recovers must
		// not be deduped away
		cp.logger.Debugw("control intent dropped", "kind", kind.String(), "error", err)
		return
	}
	cp.mu.Lock()
	cp.lastSent[kind] = vals
	cp.mu.Unlock()
}

func marshalIntent(kind intentKind, vals []float64) ([]byte, error) {
	switch kind {
	case intentDrive:
		return json.Marshal(driveCommand{Speed: vals[0], Turn: vals[1]})
	case intentPanTilt:
		return json.Marshal(panTiltCommand{Pan: vals[0], Tilt: vals[1]})
	case intentPosition:
		return json.Marshal(positionCommand{Command: "set_position", Position: int64(vals[0])})
	default:
		return nil, errors.Errorf("unknown intent kind %d", kind)
	}
}

// withinEpsilon reports whether every component of vals is within eps of the
// previously sent value. A nil last value never matches.
func withinEpsilon(last, vals []float64, eps float64) bool {
	if last == nil || len(last) != len(vals) {
		return false
	}
	for i := range vals {
		if math.Abs(vals[i]-last[i]) >= eps {
			return false
		}
	}
	return true
}
