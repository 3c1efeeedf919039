// Package state holds the shared snapshot of rover telemetry and the flags
// derived from it. One Robot instance lives for the whole session; every
// mutation goes through its methods so the derived flags can never tear.
package state

import (
	"sync"
	"time"
)

// SubsystemFlags reports the health of the rover's onboard subsystems.
type SubsystemFlags struct {
	GPIO   bool
	I2C    bool
	ADC    bool
	Camera bool
}

// Snapshot is a consistent copy of the rover state at a point in time.
type Snapshot struct {
	BatteryVoltage float64
	Position       float64
	TargetPosition float64
	Distance       float64

	// Running is derived: it is true exactly when BatteryVoltage > 0.
	Running bool

	Subsystems SubsystemFlags

	VideoAvailable bool
	VideoStalled   bool
	// LastVideoFrame is the arrival time of the most recent video frame,
	// zero if no frame has been seen yet.
	LastVideoFrame time.Time
}

// Update is a sparse telemetry update: nil fields leave the prior value
// untouched.
type Update struct {
	BatteryVoltage *float64
	Position       *float64
	Distance       *float64

	GPIO   *bool
	I2C    *bool
	ADC    *bool
	Camera *bool
}

// A Listener is invoked with a fresh snapshot after each mutation that
// changed something. Listeners run on the mutating goroutine and should
// return quickly.
type Listener func(Snapshot)

// Robot is the single shared state instance.
type Robot struct {
	mu        sync.Mutex
	snap      Snapshot
	listeners []Listener
}

// NewRobot returns a Robot with all-zero state.
func NewRobot() *Robot {
	return &Robot{}
}

// AddListener registers l to be called after each state change.
func (r *Robot) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Snapshot returns a consistent copy of the current state.
func (r *Robot) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Apply merges a sparse telemetry update into the state. Fields absent from
// the update keep their prior values. A camera flag arriving while the rover
// is running drives VideoAvailable.
func (r *Robot) Apply(u Update) {
	r.mutate(func(s *Snapshot) {
		if u.BatteryVoltage != nil {
			s.BatteryVoltage = *u.BatteryVoltage
		}
		if u.Position != nil {
			s.Position = *u.Position
		}
		if u.Distance != nil {
			// The rangefinder reports -2 when nothing is in range. That is
			// an external sensor convention; it passes through unchanged.
			s.Distance = *u.Distance
		}
		if u.GPIO != nil {
			s.Subsystems.GPIO = *u.GPIO
		}
		if u.I2C != nil {
			s.Subsystems.I2C = *u.I2C
		}
		if u.ADC != nil {
			s.Subsystems.ADC = *u.ADC
		}
		if u.Camera != nil {
			s.Subsystems.Camera = *u.Camera
			if *u.Camera && s.BatteryVoltage > 0 {
				s.VideoAvailable = true
			} else if !*u.Camera {
				s.VideoAvailable = false
			}
		}
	})
}

// MarkUnresponsive records that the rover failed to answer a status request.
// Forcing the voltage to zero drives Running false, which in turn clears
// VideoAvailable.
func (r *Robot) MarkUnresponsive() {
	r.mutate(func(s *Snapshot) {
		s.BatteryVoltage = 0
	})
}

// SetTargetPosition records the position the operator asked the rover to
// move to.
func (r *Robot) SetTargetPosition(target float64) {
	r.mutate(func(s *Snapshot) {
		s.TargetPosition = target
	})
}

// SetVideoAvailable sets the video availability flag. Setting it true while
// the rover is not running has no effect.
func (r *Robot) SetVideoAvailable(available bool) {
	r.mutate(func(s *Snapshot) {
		s.VideoAvailable = available
	})
}

// SetVideoStalled sets the video stall flag.
func (r *Robot) SetVideoStalled(stalled bool) {
	r.mutate(func(s *Snapshot) {
		s.VideoStalled = stalled
	})
}

// MarkVideoStalled declares the feed stalled: the stall flag is raised and
// availability cleared in one batched notification.
func (r *Robot) MarkVideoStalled() {
	r.mutate(func(s *Snapshot) {
		s.VideoStalled = true
		s.VideoAvailable = false
	})
}

// MarkVideoFrame records the arrival of a video frame. A frame is proof the
// feed is live, so any stall flag clears, and if the rover is running video
// becomes available; all in one batched notification. When nothing but the
// timestamp changes this is silent.
func (r *Robot) MarkVideoFrame(at time.Time) {
	r.mutate(func(s *Snapshot) {
		s.LastVideoFrame = at
		s.VideoStalled = false
		if s.BatteryVoltage > 0 && !s.VideoAvailable {
			s.VideoAvailable = true
		}
	})
}

// mutate serializes all writes, re-derives the invariant flags and notifies
// listeners once per batch. Mutations that leave the state unchanged are
// dropped silently.
func (r *Robot) mutate(f func(*Snapshot)) {
	r.mu.Lock()
	old := r.snap
	f(&r.snap)
	r.snap.Running = r.snap.BatteryVoltage > 0
	if !r.snap.Running {
		r.snap.VideoAvailable = false
	}
	changed := notifiablyDifferent(old, r.snap)
	snap := r.snap
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	if !changed {
		return
	}
	for _, l := range listeners {
		l(snap)
	}
}

// notifiablyDifferent ignores the frame timestamp: it advances on every
// frame and is not worth a notification on its own.
func notifiablyDifferent(a, b Snapshot) bool {
	a.LastVideoFrame = b.LastVideoFrame
	return a != b
}
