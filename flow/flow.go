// Package flow implements bidirectional byte-stream pipeline stages.
//
// A data flow exposes callback-based Connect/Read/Write operations
// whose completions are delivered on the owning runloop. Flows compose
// into pipelines: each stage owns the next hop exclusively and drives
// it with at most one inner read and one inner write at a time.
package flow

import (
	"errors"

	"github.com/goburrow/netkit"
)

// DataType describes the framing of a flow.
type DataType int

// Data types
const (
	// Stream is a byte stream without message boundaries.
	Stream DataType = iota
	// Packet preserves message boundaries.
	Packet
)

// DataHandler receives the result of a Read. On success data holds at
// least one byte; on failure data is nil. Ownership of data moves to
// the handler.
type DataHandler func(data []byte, err error)

// EventHandler receives the result of a Connect, Write or CloseWrite.
type EventHandler func(err error)

// ErrTLS is the general TLS failure surfaced when the tunnel engine
// reports a handshake or record-layer error.
var ErrTLS = errors.New("tls: protocol error")

// DataFlow is a bidirectional byte-stream stage.
//
// All operations must be invoked on the flow's runloop goroutine. At
// most one read and one write may be outstanding at any time; issuing
// a second one, or any operation after an error was delivered, is a
// programming error. Handlers are never invoked inline with the call
// that armed them. The returned cancelable prevents delivery of the
// handler; it does not abort the underlying I/O.
type DataFlow interface {
	Read(b []byte, h DataHandler) netkit.Cancelable
	Write(b []byte, h EventHandler) netkit.Cancelable
	CloseWrite(h EventHandler) netkit.Cancelable
	// Close cancels outstanding completions and releases the flow and
	// everything it owns. In-flight completions observe their tokens as
	// canceled and return without side effects.
	Close() error

	StateMachine() *StateMachine
	NextHop() DataFlow
	DataType() DataType
	Session() *netkit.Session
	Runloop() *netkit.Runloop
}

// RemoteDataFlow is a data flow that actively connects to a remote
// endpoint. Connect completes exactly once, with nil after the stage
// is established or with the first error otherwise.
type RemoteDataFlow interface {
	DataFlow
	Connect(endpoint *netkit.Endpoint, h EventHandler) netkit.Cancelable
	ConnectingTo() *netkit.Endpoint
}
