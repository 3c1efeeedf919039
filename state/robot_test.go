package state

import (
	"testing"
	"time"

	"go.viam.com/test"
)

func f64(v float64) *float64 { return &v }

func boolp(v bool) *bool { return &v }

func TestRunningTracksVoltage(t *testing.T) {
	r := NewRobot()
	test.That(t, r.Snapshot().Running, test.ShouldBeFalse)

	r.Apply(Update{BatteryVoltage: f64(7.6)})
	test.That(t, r.Snapshot().Running, test.ShouldBeTrue)

	r.Apply(Update{BatteryVoltage: f64(0)})
	test.That(t, r.Snapshot().Running, test.ShouldBeFalse)

	r.Apply(Update{BatteryVoltage: f64(-0.1)})
	test.That(t, r.Snapshot().Running, test.ShouldBeFalse)
}

func TestMarkUnresponsive(t *testing.T) {
	r := NewRobot()
	r.Apply(Update{BatteryVoltage: f64(7.6)})
	test.That(t, r.Snapshot().Running, test.ShouldBeTrue)

	r.MarkUnresponsive()
	snap := r.Snapshot()
	test.That(t, snap.BatteryVoltage, test.ShouldEqual, 0)
	test.That(t, snap.Running, test.ShouldBeFalse)
}

func TestSparseUpdatesRetainPriorValues(t *testing.T) {
	r := NewRobot()
	r.Apply(Update{BatteryVoltage: f64(7.6), Distance: f64(1.5), GPIO: boolp(true)})
	r.Apply(Update{BatteryVoltage: f64(7.5)})

	snap := r.Snapshot()
	test.That(t, snap.Distance, test.ShouldEqual, 1.5)
	test.That(t, snap.Subsystems.GPIO, test.ShouldBeTrue)

	// the -2 "nothing in range" sentinel passes through untouched
	r.Apply(Update{Distance: f64(-2)})
	test.That(t, r.Snapshot().Distance, test.ShouldEqual, -2)
}

func TestVideoAvailableRequiresRunning(t *testing.T) {
	r := NewRobot()

	// camera flag while stopped must not make video available
	r.Apply(Update{Camera: boolp(true)})
	test.That(t, r.Snapshot().VideoAvailable, test.ShouldBeFalse)

	r.Apply(Update{BatteryVoltage: f64(7.6), Camera: boolp(true)})
	test.That(t, r.Snapshot().VideoAvailable, test.ShouldBeTrue)

	// running flipping false clears availability immediately
	r.Apply(Update{BatteryVoltage: f64(0)})
	snap := r.Snapshot()
	test.That(t, snap.Running, test.ShouldBeFalse)
	test.That(t, snap.VideoAvailable, test.ShouldBeFalse)

	// and SetVideoAvailable cannot override the invariant
	r.SetVideoAvailable(true)
	test.That(t, r.Snapshot().VideoAvailable, test.ShouldBeFalse)
}

func TestMarkVideoFrame(t *testing.T) {
	r := NewRobot()
	now := time.Now()

	r.MarkVideoFrame(now)
	snap := r.Snapshot()
	test.That(t, snap.LastVideoFrame, test.ShouldEqual, now)
	test.That(t, snap.VideoAvailable, test.ShouldBeFalse)

	r.Apply(Update{BatteryVoltage: f64(7.6)})
	r.MarkVideoFrame(now.Add(time.Second))
	test.That(t, r.Snapshot().VideoAvailable, test.ShouldBeTrue)
}

func TestVideoStallBatches(t *testing.T) {
	r := NewRobot()
	r.Apply(Update{BatteryVoltage: f64(7.6)})
	r.MarkVideoFrame(time.Now())

	var calls []Snapshot
	r.AddListener(func(s Snapshot) { calls = append(calls, s) })

	// declaring a stall flips the flag and availability in one notification
	r.MarkVideoStalled()
	test.That(t, calls, test.ShouldHaveLength, 1)
	test.That(t, calls[0].VideoStalled, test.ShouldBeTrue)
	test.That(t, calls[0].VideoAvailable, test.ShouldBeFalse)

	// a frame clears the stall and restores availability, again in one
	r.MarkVideoFrame(time.Now())
	test.That(t, calls, test.ShouldHaveLength, 2)
	test.That(t, calls[1].VideoStalled, test.ShouldBeFalse)
	test.That(t, calls[1].VideoAvailable, test.ShouldBeTrue)
}

func TestListenerNotifiedOncePerBatch(t *testing.T) {
	r := NewRobot()
	var calls []Snapshot
	r.AddListener(func(s Snapshot) { calls = append(calls, s) })

	r.Apply(Update{BatteryVoltage: f64(7.6), Distance: f64(2), Camera: boolp(true)})
	test.That(t, calls, test.ShouldHaveLength, 1)
	test.That(t, calls[0].Running, test.ShouldBeTrue)
	test.That(t, calls[0].VideoAvailable, test.ShouldBeTrue)

	// identical update: no notification
	r.Apply(Update{BatteryVoltage: f64(7.6), Distance: f64(2), Camera: boolp(true)})
	test.That(t, calls, test.ShouldHaveLength, 1)

	// a frame timestamp alone is not worth a notification
	r.MarkVideoFrame(time.Now())
	test.That(t, calls, test.ShouldHaveLength, 1)
}
