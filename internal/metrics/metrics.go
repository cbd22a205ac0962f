// Package metrics tracks simple process counters exposed by the admin
// HTTP surface, using plain atomics rather than a metrics client library —
// the admin surface reports a handful of gauges, not a scrape target.
package metrics

import "sync/atomic"

// Metrics holds the server-wide counters updated by the dispatcher and
// connection multiplexer.
type Metrics struct {
	connectionsAccepted atomic.Int64
	connectionsActive   atomic.Int64
	messagesRelayed      atomic.Int64
	commandsHandled      atomic.Int64
	roomsCreated         atomic.Int64
	authFailures         atomic.Int64
}

// New returns a zeroed Metrics.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) ConnectionAccepted() {
	m.connectionsAccepted.Add(1)
	m.connectionsActive.Add(1)
}

func (m *Metrics) ConnectionClosed() {
	m.connectionsActive.Add(-1)
}

func (m *Metrics) MessageRelayed() {
	m.messagesRelayed.Add(1)
}

func (m *Metrics) CommandHandled() {
	m.commandsHandled.Add(1)
}

func (m *Metrics) RoomCreated() {
	m.roomsCreated.Add(1)
}

func (m *Metrics) AuthFailure() {
	m.authFailures.Add(1)
}

// Snapshot is a point-in-time copy of every counter, suitable for JSON
// encoding by the admin HTTP surface.
type Snapshot struct {
	ConnectionsAccepted int64 `json:"connections_accepted"`
	ConnectionsActive   int64 `json:"connections_active"`
	MessagesRelayed     int64 `json:"messages_relayed"`
	CommandsHandled     int64 `json:"commands_handled"`
	RoomsCreated        int64 `json:"rooms_created"`
	AuthFailures        int64 `json:"auth_failures"`
}

// Snapshot reads every counter without blocking writers.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsAccepted: m.connectionsAccepted.Load(),
		ConnectionsActive:   m.connectionsActive.Load(),
		MessagesRelayed:     m.messagesRelayed.Load(),
		CommandsHandled:     m.commandsHandled.Load(),
		RoomsCreated:        m.roomsCreated.Load(),
		AuthFailures:        m.authFailures.Load(),
	}
}
