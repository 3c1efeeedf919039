package link

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/openteleop/roverlink/transport"
	"github.com/openteleop/roverlink/transport/fake"
)

func newTestManager(t *testing.T, dialer *fake.Dialer, mock *clock.Mock) *ConnectionManager {
	t.Helper()
	cm, err := NewConnectionManager(
		dialer,
		ConnectionConfig{StatusTopic: "rover/status/response"},
		golog.NewTestLogger(t),
		WithConnectionClock(mock),
	)
	test.That(t, err, test.ShouldBeNil)
	return cm
}

func TestConnectsAndSubscribes(t *testing.T) {
	dialer := fake.NewDialer()
	mock := clock.NewMock()
	cm := newTestManager(t, dialer, mock)

	var mu sync.Mutex
	var changes []bool
	cm.OnConnectionChange(func(connected bool) {
		mu.Lock()
		changes = append(changes, connected)
		mu.Unlock()
	})

	cm.Start()
	defer func() {
		test.That(t, cm.Close(), test.ShouldBeNil)
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, cm.Connected(), test.ShouldBeTrue)
	})
	test.That(t, dialer.DialCount(), test.ShouldEqual, 1)
	test.That(t, dialer.Last().Subscriptions(), test.ShouldResemble, []string{"rover/status/response"})

	mu.Lock()
	test.That(t, changes, test.ShouldResemble, []bool{true})
	mu.Unlock()
}

func TestConnectFailureRetriesOnSupervisorTick(t *testing.T) {
	dialer := fake.NewDialer()
	dialer.SetConnectErr(errors.New("broker down"))
	mock := clock.NewMock()
	cm := newTestManager(t, dialer, mock)

	cm.Start()
	defer func() {
		test.That(t, cm.Close(), test.ShouldBeNil)
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, dialer.DialCount(), test.ShouldEqual, 1)
	})
	test.That(t, cm.Connected(), test.ShouldBeFalse)

	// broker comes back; the next supervisor tick picks it up
	dialer.SetConnectErr(nil)
	mock.Add(3 * time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, cm.Connected(), test.ShouldBeTrue)
	})
	test.That(t, dialer.DialCount(), test.ShouldEqual, 2)
}

func TestUnexpectedDisconnectHoldsOffReconnect(t *testing.T) {
	dialer := fake.NewDialer()
	mock := clock.NewMock()
	cm := newTestManager(t, dialer, mock)

	cm.Start()
	defer func() {
		test.That(t, cm.Close(), test.ShouldBeNil)
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, cm.Connected(), test.ShouldBeTrue)
	})

	dialer.Last().DropConnection(errors.New("EOF"))
	test.That(t, cm.Connected(), test.ShouldBeFalse)

	// supervisor ticks inside the 10s hold-off window must not dial
	mock.Add(3 * time.Second)
	mock.Add(3 * time.Second)
	mock.Add(3 * time.Second)
	time.Sleep(50 * time.Millisecond)
	test.That(t, dialer.DialCount(), test.ShouldEqual, 1)

	// first tick past the window reconnects
	mock.Add(3 * time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, cm.Connected(), test.ShouldBeTrue)
	})
	test.That(t, dialer.DialCount(), test.ShouldEqual, 2)
}

// dropMidDialDialer hands out one session whose transport dies right as the
// subscribe completes, then behaves like the plain fake dialer.
type dropMidDialDialer struct {
	*fake.Dialer
	mu      sync.Mutex
	dropped bool
}

func (d *dropMidDialDialer) Dial(h transport.Handlers) transport.Session {
	s := d.Dialer.Dial(h).(*fake.Session)
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dropped {
		d.dropped = true
		return &dropOnSubscribeSession{Session: s}
	}
	return s
}

type dropOnSubscribeSession struct {
	*fake.Session
}

func (s *dropOnSubscribeSession) Subscribe(topic string, qos byte) error {
	if err := s.Session.Subscribe(topic, qos); err != nil {
		return err
	}
	s.Session.DropConnection(errors.New("EOF"))
	return nil
}

func TestDropDuringConnectFailsAttempt(t *testing.T) {
	dialer := &dropMidDialDialer{Dialer: fake.NewDialer()}
	mock := clock.NewMock()
	cm, err := NewConnectionManager(
		dialer,
		ConnectionConfig{StatusTopic: "rover/status/response"},
		golog.NewTestLogger(t),
		WithConnectionClock(mock),
	)
	test.That(t, err, test.ShouldBeNil)

	cm.Start()
	defer func() {
		test.That(t, cm.Close(), test.ShouldBeNil)
	}()

	// the first transport dies between the handshake and promotion; the
	// manager must not report the dead session as connected
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, dialer.DialCount(), test.ShouldEqual, 1)
	})
	time.Sleep(50 * time.Millisecond)
	test.That(t, cm.Connected(), test.ShouldBeFalse)

	// the next supervisor tick dials a fresh session
	mock.Add(3 * time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, cm.Connected(), test.ShouldBeTrue)
	})
	test.That(t, dialer.DialCount(), test.ShouldEqual, 2)
}

func TestPublishRequiresConnection(t *testing.T) {
	dialer := fake.NewDialer()
	dialer.SetConnectErr(errors.New("broker down"))
	mock := clock.NewMock()
	cm := newTestManager(t, dialer, mock)

	err := cm.Publish("rover/control", 2, []byte(`{}`))
	test.That(t, errors.Is(err, ErrNotConnected), test.ShouldBeTrue)
}
