package flow

import (
	"testing"
)

func TestStateMachineLifecycle(t *testing.T) {
	m := &StateMachine{}
	if m.State() != Init {
		t.Fatalf("expect state %v, actual %v", Init, m.State())
	}
	m.ConnectBegin()
	if m.State() != Connecting {
		t.Fatalf("expect state %v, actual %v", Connecting, m.State())
	}
	m.Connected()
	if m.State() != Established {
		t.Fatalf("expect state %v, actual %v", Established, m.State())
	}
	m.ReadBegin()
	if !m.IsReading() || m.IsWriting() {
		t.Fatalf("expect reading, actual %v", m.State())
	}
	m.WriteBegin()
	if m.State() != ReadingWriting {
		t.Fatalf("expect state %v, actual %v", ReadingWriting, m.State())
	}
	if !m.IsReading() || !m.IsWriting() {
		t.Fatalf("expect reading and writing, actual %v", m.State())
	}
	m.ReadEnd()
	if m.State() != Writing {
		t.Fatalf("expect state %v, actual %v", Writing, m.State())
	}
	m.WriteEnd()
	if m.State() != Established {
		t.Fatalf("expect state %v, actual %v", Established, m.State())
	}
	m.Close()
	if m.State() != Closed {
		t.Fatalf("expect state %v, actual %v", Closed, m.State())
	}
}

func TestStateMachineErrored(t *testing.T) {
	m := &StateMachine{}
	m.ConnectBegin()
	m.Connected()
	m.ReadBegin()
	m.Errored()
	if m.State() != Errored {
		t.Fatalf("expect state %v, actual %v", Errored, m.State())
	}
	if m.IsReading() || m.IsWriting() {
		t.Fatalf("expect no outstanding operations, actual %v", m.State())
	}
	expectPanic(t, func() { m.ReadBegin() })
	expectPanic(t, func() { m.WriteBegin() })
}

func TestStateMachineIllegal(t *testing.T) {
	expectPanic(t, func() { (&StateMachine{}).Connected() })
	expectPanic(t, func() { (&StateMachine{}).ReadBegin() })
	expectPanic(t, func() { (&StateMachine{}).WriteBegin() })
	expectPanic(t, func() {
		m := &StateMachine{}
		m.ConnectBegin()
		m.ReadBegin()
	})
	expectPanic(t, func() {
		m := &StateMachine{}
		m.ConnectBegin()
		m.Connected()
		m.ReadEnd()
	})
	expectPanic(t, func() {
		m := &StateMachine{}
		m.ConnectBegin()
		m.Connected()
		m.ReadBegin()
		m.ReadBegin()
	})
}

func expectPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("expect panic, actual none")
		}
	}()
	f()
}
