package flow

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/goburrow/netkit"
)

// scriptTunnel scripts handshake actions and ciphers steady-state data
// with ROT1 so tests can assert exact bytes on both sides.
type scriptTunnel struct {
	domain string

	actions   []HandshakeAction
	cipherOut [][]byte // scripted handshake flights
	fed       [][]byte // ciphertext fed during handshake

	established bool
	plainRecv   []byte
	plainSend   []byte
	cipherSend  []byte
	errored     bool
}

func rot1(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c + 1
	}
	return out
}

func unrot1(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = c - 1
	}
	return out
}

func (s *scriptTunnel) SetDomain(host string) {
	s.domain = host
}

func (s *scriptTunnel) Handshake() HandshakeAction {
	if s.errored {
		return HandshakeError
	}
	if len(s.actions) == 0 {
		return HandshakeError
	}
	a := s.actions[0]
	s.actions = s.actions[1:]
	if a == HandshakeSuccess {
		s.established = true
	}
	return a
}

func (s *scriptTunnel) ReadCipherText() []byte {
	if len(s.cipherOut) > 0 {
		b := s.cipherOut[0]
		s.cipherOut = s.cipherOut[1:]
		return b
	}
	if s.established {
		s.cipherSend = append(s.cipherSend, rot1(s.plainSend)...)
		s.plainSend = nil
	}
	b := s.cipherSend
	s.cipherSend = nil
	return b
}

func (s *scriptTunnel) WriteCipherText(b []byte) {
	if !s.established {
		s.fed = append(s.fed, append([]byte(nil), b...))
		return
	}
	s.plainRecv = append(s.plainRecv, unrot1(b)...)
}

func (s *scriptTunnel) HasPlainText() bool {
	return len(s.plainRecv) > 0
}

func (s *scriptTunnel) ReadPlainText() []byte {
	b := s.plainRecv
	s.plainRecv = nil
	return b
}

func (s *scriptTunnel) WritePlainText(b []byte) {
	s.plainSend = append(s.plainSend, b...)
}

func (s *scriptTunnel) NeedCipherInput() bool {
	return !s.errored && len(s.plainRecv) == 0
}

func (s *scriptTunnel) FinishedWriting() bool {
	return len(s.plainSend) == 0 && len(s.cipherSend) == 0
}

func (s *scriptTunnel) Errored() bool {
	return s.errored
}

// mockFlow is a scriptable inner remote data flow. Completions are
// posted to the runloop like the real TCP flow. Its state machine
// enforces the at-most-one-read/one-write invariant by panicking.
type mockFlow struct {
	runloop   *netkit.Runloop
	session   *netkit.Session
	state     StateMachine
	connectTo *netkit.Endpoint

	connectErr error

	writes    [][]byte
	writeErrs []error

	readScript []mockRead
	armedRead  *mockArmedRead

	closed bool
}

type mockRead struct {
	data []byte
	err  error
}

type mockArmedRead struct {
	h          DataHandler
	cancelable netkit.Cancelable
}

var _ RemoteDataFlow = (*mockFlow)(nil)

func newMockFlow(l *netkit.Runloop) *mockFlow {
	return &mockFlow{
		runloop: l,
		session: netkit.NewSession(),
	}
}

func (m *mockFlow) Connect(endpoint *netkit.Endpoint, h EventHandler) netkit.Cancelable {
	m.state.ConnectBegin()
	m.connectTo = endpoint
	cancelable := netkit.NewCancelable()
	m.runloop.Post(func() {
		if cancelable.Canceled() {
			return
		}
		if m.connectErr != nil {
			m.state.Errored()
			h(m.connectErr)
			return
		}
		m.state.Connected()
		h(nil)
	})
	return cancelable
}

func (m *mockFlow) Read(b []byte, h DataHandler) netkit.Cancelable {
	m.state.ReadBegin()
	cancelable := netkit.NewCancelable()
	if len(m.readScript) > 0 {
		r := m.readScript[0]
		m.readScript = m.readScript[1:]
		m.completeRead(r, h, cancelable)
	} else {
		m.armedRead = &mockArmedRead{h: h, cancelable: cancelable}
	}
	return cancelable
}

// feedRead completes the armed inner read, or scripts the result for
// the next one. Must run on the runloop.
func (m *mockFlow) feedRead(r mockRead) {
	if m.armedRead == nil {
		m.readScript = append(m.readScript, r)
		return
	}
	armed := m.armedRead
	m.armedRead = nil
	m.completeRead(r, armed.h, armed.cancelable)
}

func (m *mockFlow) completeRead(r mockRead, h DataHandler, cancelable netkit.Cancelable) {
	m.runloop.Post(func() {
		if cancelable.Canceled() {
			return
		}
		if r.err != nil {
			m.state.Errored()
			h(nil, r.err)
			return
		}
		m.state.ReadEnd()
		h(r.data, nil)
	})
}

func (m *mockFlow) Write(b []byte, h EventHandler) netkit.Cancelable {
	m.state.WriteBegin()
	m.writes = append(m.writes, append([]byte(nil), b...))
	var err error
	if len(m.writeErrs) > 0 {
		err = m.writeErrs[0]
		m.writeErrs = m.writeErrs[1:]
	}
	cancelable := netkit.NewCancelable()
	m.runloop.Post(func() {
		if cancelable.Canceled() {
			return
		}
		if err != nil {
			m.state.Errored()
			h(err)
			return
		}
		m.state.WriteEnd()
		h(nil)
	})
	return cancelable
}

func (m *mockFlow) CloseWrite(h EventHandler) netkit.Cancelable {
	return netkit.NewCancelable()
}

func (m *mockFlow) Close() error {
	m.closed = true
	return nil
}

func (m *mockFlow) StateMachine() *StateMachine    { return &m.state }
func (m *mockFlow) NextHop() DataFlow              { return nil }
func (m *mockFlow) ConnectingTo() *netkit.Endpoint { return m.connectTo }
func (m *mockFlow) DataType() DataType             { return Stream }
func (m *mockFlow) Session() *netkit.Session       { return m.session }
func (m *mockFlow) Runloop() *netkit.Runloop       { return m.runloop }

type tlsEnv struct {
	loop  *netkit.Runloop
	inner *mockFlow
	tun   *scriptTunnel
	flow  *TLSDataFlow
}

func newTLSEnv(t *testing.T, tun *scriptTunnel) *tlsEnv {
	t.Helper()
	loop := netkit.NewRunloop()
	inner := newMockFlow(loop)
	f := NewTLSDataFlow(inner.session, tun, inner)
	f.SetLogger(netkit.LeveledLogger(netkit.LevelOff))
	go loop.Run()
	t.Cleanup(loop.Close)
	return &tlsEnv{loop: loop, inner: inner, tun: tun, flow: f}
}

// do runs f on the runloop and waits for it to finish.
func (e *tlsEnv) do(f func()) {
	done := make(chan struct{})
	e.loop.Post(func() {
		f()
		close(done)
	})
	<-done
}

// settle waits for chained completions to drain.
func (e *tlsEnv) settle() {
	for i := 0; i < 10; i++ {
		e.do(func() {})
	}
}

// connect drives a scripted handshake to completion.
func (e *tlsEnv) connect(t *testing.T) {
	t.Helper()
	var calls int
	var connectErr error
	e.do(func() {
		e.flow.Connect(netkit.NewEndpoint("example.com", 443), func(err error) {
			calls++
			connectErr = err
		})
	})
	e.settle()
	if calls != 1 || connectErr != nil {
		t.Fatalf("expect connect calls %v error %v, actual %v %v", 1, nil, calls, connectErr)
	}
}

func establishedTunnel() *scriptTunnel {
	return &scriptTunnel{
		actions: []HandshakeAction{HandshakeSuccess},
	}
}

func TestTLSHandshake(t *testing.T) {
	tun := &scriptTunnel{
		actions:   []HandshakeAction{HandshakeWantIO, HandshakeWantIO, HandshakeSuccess},
		cipherOut: [][]byte{[]byte("CH"), []byte("CKE")},
	}
	e := newTLSEnv(t, tun)
	e.connect(t)

	want := [][]byte{[]byte("CH"), []byte("CKE")}
	if diff := cmp.Diff(want, e.inner.writes); diff != "" {
		t.Fatalf("inner writes mismatch (-want +got):\n%s", diff)
	}
	if tun.domain != "example.com" {
		t.Fatalf("expect domain %q, actual %q", "example.com", tun.domain)
	}
	e.do(func() {
		if e.flow.StateMachine().State() != Established {
			t.Errorf("expect state %v, actual %v", Established, e.flow.StateMachine().State())
		}
	})
}

func TestTLSHandshakeReadsCipher(t *testing.T) {
	// WantIo with no pending ciphertext issues an inner read; the bytes
	// read are fed to the tunnel before the driver re-enters.
	tun := &scriptTunnel{
		actions: []HandshakeAction{HandshakeWantIO, HandshakeSuccess},
	}
	e := newTLSEnv(t, tun)
	e.do(func() {
		e.inner.readScript = []mockRead{{data: []byte("SH")}}
	})
	e.connect(t)

	want := [][]byte{[]byte("SH")}
	if diff := cmp.Diff(want, tun.fed); diff != "" {
		t.Fatalf("tunnel input mismatch (-want +got):\n%s", diff)
	}
}

func TestTLSWrite(t *testing.T) {
	e := newTLSEnv(t, establishedTunnel())
	e.connect(t)

	var calls int
	var writeErr error
	e.do(func() {
		e.flow.Write([]byte("hello"), func(err error) {
			calls++
			writeErr = err
		})
	})
	e.settle()
	if calls != 1 || writeErr != nil {
		t.Fatalf("expect write calls %v error %v, actual %v %v", 1, nil, calls, writeErr)
	}
	want := [][]byte{[]byte("ifmmp")}
	if diff := cmp.Diff(want, e.inner.writes); diff != "" {
		t.Fatalf("inner writes mismatch (-want +got):\n%s", diff)
	}
	e.do(func() {
		if e.flow.StateMachine().IsWriting() {
			t.Errorf("expect write finished, actual %v", e.flow.StateMachine().State())
		}
	})
}

func TestTLSRead(t *testing.T) {
	e := newTLSEnv(t, establishedTunnel())
	e.connect(t)

	var got []byte
	var calls int
	e.do(func() {
		e.flow.Read(nil, func(data []byte, err error) {
			calls++
			got = data
			if err != nil {
				t.Errorf("expect no error, actual %v", err)
			}
		})
	})
	e.do(func() {
		e.inner.feedRead(mockRead{data: []byte("ifmmp")})
	})
	e.settle()
	if calls != 1 || string(got) != "hello" {
		t.Fatalf("expect read calls %v data %q, actual %v %q", 1, "hello", calls, got)
	}
}

func TestTLSReadPostDiscipline(t *testing.T) {
	// Plaintext already buffered when Read is issued: the handler must
	// run on a later runloop turn, never inline.
	tun := establishedTunnel()
	e := newTLSEnv(t, tun)
	e.connect(t)

	fired := make(chan struct{})
	e.do(func() {
		tun.plainRecv = []byte("hello")
		e.flow.Read(nil, func(data []byte, err error) {
			close(fired)
		})
		select {
		case <-fired:
			t.Error("expect deferred delivery, actual inline")
		default:
		}
	})
	e.settle()
	select {
	case <-fired:
	default:
		t.Fatal("read handler did not run")
	}
}

func TestTLSCloseDuringHandshake(t *testing.T) {
	// Drop the flow while a handshake inner read is outstanding. The
	// completion observes the canceled token and must not fire the
	// connect handler.
	tun := &scriptTunnel{
		actions: []HandshakeAction{HandshakeWantIO},
	}
	e := newTLSEnv(t, tun)
	var calls int
	e.do(func() {
		e.flow.Connect(netkit.NewEndpoint("example.com", 443), func(err error) {
			calls++
		})
	})
	e.settle()
	e.do(func() {
		e.flow.Close()
		e.inner.feedRead(mockRead{data: []byte("late")})
	})
	e.settle()
	if calls != 0 {
		t.Fatalf("expect connect calls %v, actual %v", 0, calls)
	}
	if !e.inner.closed {
		t.Fatalf("expect inner flow closed, actual open")
	}
}

func TestTLSWriteErrorToUserWrite(t *testing.T) {
	e := newTLSEnv(t, establishedTunnel())
	e.connect(t)

	connReset := errors.New("connection reset by peer")
	var calls int
	var writeErr error
	e.do(func() {
		e.inner.writeErrs = []error{connReset}
		e.flow.Write([]byte("x"), func(err error) {
			calls++
			writeErr = err
		})
	})
	e.settle()
	if calls != 1 || writeErr != connReset {
		t.Fatalf("expect write calls %v error %v, actual %v %v", 1, connReset, calls, writeErr)
	}
	// The error has been reported: further operations are usage errors.
	e.do(func() {
		expectPanic(t, func() {
			e.flow.Read(nil, func(data []byte, err error) {})
		})
	})
}

func TestTLSReadErrorPending(t *testing.T) {
	// An inner read error with no user read armed latches as pending
	// and surfaces on the next user operation.
	e := newTLSEnv(t, establishedTunnel())
	e.connect(t)

	// A write pump arms an opportunistic inner read.
	e.do(func() {
		e.flow.Write([]byte("x"), func(err error) {
			if err != nil {
				t.Errorf("expect write success, actual %v", err)
			}
		})
	})
	e.settle()

	innerErr := errors.New("read: connection reset")
	e.do(func() {
		e.inner.feedRead(mockRead{err: innerErr})
	})
	e.settle()

	var calls int
	var readErr error
	var readData []byte
	e.do(func() {
		e.flow.Read(nil, func(data []byte, err error) {
			calls++
			readData = data
			readErr = err
		})
	})
	e.settle()
	if calls != 1 || readErr != innerErr || readData != nil {
		t.Fatalf("expect read calls %v error %v data %v, actual %v %v %v", 1, innerErr, nil, calls, readErr, readData)
	}
	// Only one error is ever surfaced.
	e.do(func() {
		expectPanic(t, func() {
			e.flow.Write([]byte("y"), func(err error) {})
		})
	})
}

func TestTLSReadCancel(t *testing.T) {
	e := newTLSEnv(t, establishedTunnel())
	e.connect(t)

	var calls int
	var cancelable netkit.Cancelable
	e.do(func() {
		cancelable = e.flow.Read(nil, func(data []byte, err error) {
			calls++
		})
	})
	e.do(func() {
		cancelable.Cancel()
		cancelable.Cancel() // idempotent
		e.inner.feedRead(mockRead{data: []byte("ifmmp")})
	})
	e.settle()
	if calls != 0 {
		t.Fatalf("expect read calls %v, actual %v", 0, calls)
	}
}

func TestTLSConnectInnerError(t *testing.T) {
	tun := &scriptTunnel{}
	e := newTLSEnv(t, tun)
	connRefused := errors.New("connection refused")
	var calls int
	var connectErr error
	e.do(func() {
		e.inner.connectErr = connRefused
		e.flow.Connect(netkit.NewEndpoint("example.com", 443), func(err error) {
			calls++
			connectErr = err
		})
	})
	e.settle()
	if calls != 1 || connectErr != connRefused {
		t.Fatalf("expect connect calls %v error %v, actual %v %v", 1, connRefused, calls, connectErr)
	}
}

func TestTLSHandshakeTunnelError(t *testing.T) {
	tun := &scriptTunnel{
		actions: []HandshakeAction{HandshakeError},
	}
	e := newTLSEnv(t, tun)
	var calls int
	var connectErr error
	e.do(func() {
		e.flow.Connect(netkit.NewEndpoint("example.com", 443), func(err error) {
			calls++
			connectErr = err
		})
	})
	e.settle()
	if calls != 1 || connectErr != ErrTLS {
		t.Fatalf("expect connect calls %v error %v, actual %v %v", 1, ErrTLS, calls, connectErr)
	}
	e.do(func() {
		if e.flow.StateMachine().State() != Errored {
			t.Errorf("expect state %v, actual %v", Errored, e.flow.StateMachine().State())
		}
	})
}

func TestTLSEcho(t *testing.T) {
	// Writes W1..Wn followed by reads reproduce the concatenation.
	e := newTLSEnv(t, establishedTunnel())
	e.connect(t)

	words := []string{"alpha", "beta", "gamma"}
	for _, w := range words {
		w := w
		e.do(func() {
			e.flow.Write([]byte(w), func(err error) {
				if err != nil {
					t.Errorf("write %q: %v", w, err)
				}
			})
		})
		e.settle()
	}
	// Echo the ciphered bytes back through the inner read path.
	var echoed []byte
	for _, w := range e.inner.writes {
		echoed = append(echoed, w...)
	}
	var got []byte
	for len(got) < len("alphabetagamma") {
		done := make(chan struct{})
		e.do(func() {
			e.flow.Read(nil, func(data []byte, err error) {
				if err != nil {
					t.Errorf("read: %v", err)
				}
				got = append(got, data...)
				close(done)
			})
		})
		e.do(func() {
			if len(echoed) > 0 {
				e.inner.feedRead(mockRead{data: echoed})
				echoed = nil
			}
		})
		<-done
	}
	if string(got) != "alphabetagamma" {
		t.Fatalf("expect %q, actual %q", "alphabetagamma", got)
	}
}
