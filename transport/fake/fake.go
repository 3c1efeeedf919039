// Package fake provides an in-memory transport for tests: sessions record
// their publishes and let tests inject inbound messages and connection
// drops.
package fake

import (
	"context"
	"sync"

	"github.com/openteleop/roverlink/transport"
)

// Publication is one recorded publish call.
type Publication struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// Dialer hands out fake sessions and remembers them in dial order.
type Dialer struct {
	mu         sync.Mutex
	connectErr error
	sessions   []*Session
}

// NewDialer returns a Dialer whose sessions connect successfully.
func NewDialer() *Dialer {
	return &Dialer{}
}

// SetConnectErr makes future sessions fail their Connect with err.
func (d *Dialer) SetConnectErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(h transport.Handlers) transport.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &Session{handlers: h, connectErr: d.connectErr}
	d.sessions = append(d.sessions, s)
	return s
}

// DialCount reports how many sessions have been dialed.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Last returns the most recently dialed session, nil if none.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// Session is a scriptable in-memory transport session.
type Session struct {
	mu           sync.Mutex
	handlers     transport.Handlers
	connectErr   error
	connected    bool
	disconnected bool
	pubs         []Publication
	subs         []string
}

// Connect implements transport.Session.
func (s *Session) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

// Disconnect implements transport.Session.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.disconnected = true
}

// Publish implements transport.Session.
func (s *Session) Publish(topic string, qos byte, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), payload...)
	s.pubs = append(s.pubs, Publication{Topic: topic, QoS: qos, Payload: cp})
	return nil
}

// Subscribe implements transport.Session.
func (s *Session) Subscribe(topic string, qos byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, topic)
	return nil
}

// Publications returns a copy of everything published so far.
func (s *Session) Publications() []Publication {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Publication(nil), s.pubs...)
}

// Subscriptions returns the subscribed topics in order.
func (s *Session) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subs...)
}

// Connected reports whether the session connected and has not been
// disconnected or dropped.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Deliver injects an inbound message as if it arrived from the broker.
func (s *Session) Deliver(topic string, payload []byte) {
	s.mu.Lock()
	h := s.handlers.OnMessage
	s.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

// DropConnection simulates an unexpected transport disconnect.
func (s *Session) DropConnection(err error) {
	s.mu.Lock()
	s.connected = false
	h := s.handlers.OnConnectionLost
	s.mu.Unlock()
	if h != nil {
		h(err)
	}
}
