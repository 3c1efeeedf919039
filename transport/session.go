// Package transport abstracts the publish/subscribe broker session the link
// layer runs over.
package transport

import "context"

// Delivery guarantees used on the wire. Commands and status requests ride on
// the broker's strongest guarantee; the status subscription is best effort
// since only the latest value matters.
const (
	QoSBestEffort  byte = 0
	QoSExactlyOnce byte = 2
)

// Handlers receive session callbacks. Any field may be nil.
type Handlers struct {
	// OnMessage is invoked for every inbound message on a subscribed topic.
	OnMessage func(topic string, payload []byte)
	// OnConnectionLost is invoked when an established session drops
	// unexpectedly.
	OnConnectionLost func(err error)
}

// Session is a single broker connection. A Session is used for at most one
// connect attempt; reconnecting means dialing a fresh one.
type Session interface {
	// Connect establishes the session, honoring ctx for cancellation and
	// timeout.
	Connect(ctx context.Context) error
	// Disconnect tears the session down. Safe to call on a session that
	// never connected.
	Disconnect()
	// Publish sends a message. Delivery is best effort from the caller's
	// perspective: implementations must not block on network I/O.
	Publish(topic string, qos byte, payload []byte) error
	// Subscribe registers interest in a topic. Inbound messages arrive via
	// the session's OnMessage handler.
	Subscribe(topic string, qos byte) error
}

// A Dialer creates a fresh Session per connect attempt.
type Dialer interface {
	Dial(h Handlers) Session
}
