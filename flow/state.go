package flow

import (
	"fmt"
)

// State is the lifecycle state of a data flow.
type State int

// Flow states
const (
	Init State = iota
	Connecting
	Established
	Reading
	Writing
	ReadingWriting
	ReadClosed
	WriteClosed
	Closed
	Errored
)

var stateNames = [...]string{
	Init:           "init",
	Connecting:     "connecting",
	Established:    "established",
	Reading:        "reading",
	Writing:        "writing",
	ReadingWriting: "reading_writing",
	ReadClosed:     "read_closed",
	WriteClosed:    "write_closed",
	Closed:         "closed",
	Errored:        "errored",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateMachine guards the legality of operation orderings on a data
// flow. Illegal transitions are programmer errors and panic.
type StateMachine struct {
	state State
}

// State returns the current state.
func (m *StateMachine) State() State {
	return m.state
}

// ConnectBegin moves Init to Connecting.
func (m *StateMachine) ConnectBegin() {
	if m.state != Init {
		panic("flow: connect from " + m.state.String())
	}
	m.state = Connecting
}

// Connected moves Connecting to Established.
func (m *StateMachine) Connected() {
	if m.state != Connecting {
		panic("flow: connected from " + m.state.String())
	}
	m.state = Established
}

// ReadBegin registers an outstanding read.
func (m *StateMachine) ReadBegin() {
	switch m.state {
	case Established, WriteClosed:
		m.state = Reading
	case Writing:
		m.state = ReadingWriting
	default:
		panic("flow: read from " + m.state.String())
	}
}

// ReadEnd completes the outstanding read.
func (m *StateMachine) ReadEnd() {
	switch m.state {
	case Reading:
		m.state = Established
	case ReadingWriting:
		m.state = Writing
	default:
		panic("flow: read end from " + m.state.String())
	}
}

// WriteBegin registers an outstanding write.
func (m *StateMachine) WriteBegin() {
	switch m.state {
	case Established, ReadClosed:
		m.state = Writing
	case Reading:
		m.state = ReadingWriting
	default:
		panic("flow: write from " + m.state.String())
	}
}

// WriteEnd completes the outstanding write.
func (m *StateMachine) WriteEnd() {
	switch m.state {
	case Writing:
		m.state = Established
	case ReadingWriting:
		m.state = Reading
	default:
		panic("flow: write end from " + m.state.String())
	}
}

// Errored marks the flow failed. Terminal for data operations.
func (m *StateMachine) Errored() {
	m.state = Errored
}

// Close marks the flow closed.
func (m *StateMachine) Close() {
	m.state = Closed
}

// IsReading reports whether a read is outstanding.
func (m *StateMachine) IsReading() bool {
	return m.state == Reading || m.state == ReadingWriting
}

// IsWriting reports whether a write is outstanding.
func (m *StateMachine) IsWriting() bool {
	return m.state == Writing || m.state == ReadingWriting
}
