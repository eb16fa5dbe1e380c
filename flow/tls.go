package flow

import (
	"fmt"

	"github.com/goburrow/netkit"
)

// HandshakeAction is the tunnel's answer to a handshake step.
type HandshakeAction int

// Handshake actions
const (
	// HandshakeSuccess indicates the handshake is complete. Ciphertext
	// produced by the final step may still be queued for sending.
	HandshakeSuccess HandshakeAction = iota
	// HandshakeWantIO indicates the engine needs ciphertext I/O with the
	// peer before it can advance.
	HandshakeWantIO
	// HandshakeError indicates the engine is in a permanent failure state.
	HandshakeError
)

func (a HandshakeAction) String() string {
	switch a {
	case HandshakeSuccess:
		return "success"
	case HandshakeWantIO:
		return "want_io"
	case HandshakeError:
		return "error"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Tunnel is a synchronous TLS engine with four byte queues: plaintext
// in/out and ciphertext in/out. The flow is the sole driver of its
// progress; the engine never blocks and never starts goroutines.
type Tunnel interface {
	// SetDomain sets the SNI and certificate validation name. It must be
	// called before the first Handshake.
	SetDomain(host string)
	// Handshake advances the handshake using whatever ciphertext is
	// already queued, producing any required output into the out-queue.
	Handshake() HandshakeAction
	// ReadCipherText drains pending outbound ciphertext. Empty means
	// nothing to send right now.
	ReadCipherText() []byte
	// WriteCipherText feeds inbound ciphertext into the engine.
	WriteCipherText(b []byte)
	// HasPlainText reports whether deciphered data is ready to read.
	HasPlainText() bool
	// ReadPlainText drains deciphered data.
	ReadPlainText() []byte
	// WritePlainText queues outbound plaintext to be ciphered.
	WritePlainText(b []byte)
	// NeedCipherInput reports that the engine cannot make further
	// progress without more inbound ciphertext.
	NeedCipherInput() bool
	// FinishedWriting reports that all queued plaintext has been
	// ciphered and its ciphertext drained by ReadCipherText.
	FinishedWriting() bool
	// Errored reports a permanent engine failure.
	Errored() bool
}

// TLSDataFlow layers TLS over an inner remote data flow. It owns the
// tunnel and the inner flow exclusively, performs the handshake during
// Connect and thereafter ciphers outbound plaintext and deciphers
// inbound ciphertext transparently.
//
// All methods must be called on the runloop goroutine.
type TLSDataFlow struct {
	session *netkit.Session
	tunnel  Tunnel
	next    RemoteDataFlow

	state StateMachine

	connectTo *netkit.Endpoint

	connectHandler EventHandler
	readHandler    DataHandler
	writeHandler   EventHandler

	readCancelable      netkit.Cancelable
	writeCancelable     netkit.Cancelable
	connectCancelable   netkit.Cancelable
	nextReadCancelable  netkit.Cancelable
	nextWriteCancelable netkit.Cancelable

	pendingError  error
	errorReported bool

	logger netkit.Logger
}

var _ RemoteDataFlow = (*TLSDataFlow)(nil)

// NewTLSDataFlow creates a TLS stage over next. The flow takes
// exclusive ownership of both the tunnel and the inner flow.
func NewTLSDataFlow(session *netkit.Session, tunnel Tunnel, next RemoteDataFlow) *TLSDataFlow {
	return &TLSDataFlow{
		session: session,
		tunnel:  tunnel,
		next:    next,
		logger:  netkit.LeveledLogger(netkit.LevelInfo),
	}
}

// SetLogger sets transaction logger.
func (f *TLSDataFlow) SetLogger(v netkit.Logger) {
	f.logger = v
}

// Connect connects the inner flow to endpoint and then drives the TLS
// handshake. The handler is invoked exactly once: with nil once the
// flow is established, or with the first error.
func (f *TLSDataFlow) Connect(endpoint *netkit.Endpoint, h EventHandler) netkit.Cancelable {
	f.connectCancelable = netkit.NewCancelable()
	f.connectTo = endpoint
	f.tunnel.SetDomain(endpoint.Host)

	f.connectHandler = h
	f.state.ConnectBegin()
	cancelable := f.connectCancelable
	f.next.Connect(endpoint, func(err error) {
		if cancelable.Canceled() {
			return
		}
		if err != nil {
			f.deliverConnect(err)
			return
		}
		f.handshake()
	})
	return f.connectCancelable
}

// Read arms the user read. The hint buffer is ignored; plaintext is
// delivered in tunnel-owned buffers. On success at least one byte is
// delivered. At most one read may be outstanding.
func (f *TLSDataFlow) Read(b []byte, h DataHandler) netkit.Cancelable {
	if f.errorReported {
		panic("flow: read after error reported")
	}
	if f.readHandler != nil {
		panic("flow: concurrent read")
	}

	f.readCancelable = netkit.NewCancelable()
	f.readHandler = h

	f.state.ReadBegin()
	f.process()

	return f.readCancelable
}

// Write queues b to be ciphered and written to the inner flow. The
// handler fires once all of b has been encrypted and handed to the
// inner flow's write. At most one write may be outstanding.
func (f *TLSDataFlow) Write(b []byte, h EventHandler) netkit.Cancelable {
	if f.errorReported {
		panic("flow: write after error reported")
	}
	if f.writeHandler != nil {
		panic("flow: concurrent write")
	}

	f.writeCancelable = netkit.NewCancelable()
	f.writeHandler = h

	f.state.WriteBegin()

	f.tunnel.WritePlainText(b)

	f.process()

	return f.writeCancelable
}

// CloseWrite is a placeholder: the tunnel does not expose a shutdown
// operation, so no close_notify is sent and the handler never fires.
// It returns the current write cancelable.
func (f *TLSDataFlow) CloseWrite(h EventHandler) netkit.Cancelable {
	return f.writeCancelable
}

// Close cancels all outstanding completions and closes the inner flow.
// In-flight completions observe their tokens as canceled and return
// without touching the flow.
func (f *TLSDataFlow) Close() error {
	f.readCancelable.Cancel()
	f.writeCancelable.Cancel()
	f.connectCancelable.Cancel()
	f.nextReadCancelable.Cancel()
	f.nextWriteCancelable.Cancel()
	f.state.Close()
	return f.next.Close()
}

// StateMachine returns the flow's state machine.
func (f *TLSDataFlow) StateMachine() *StateMachine {
	return &f.state
}

// NextHop returns the inner flow.
func (f *TLSDataFlow) NextHop() DataFlow {
	return f.next
}

// ConnectingTo returns the endpoint passed to Connect.
func (f *TLSDataFlow) ConnectingTo() *netkit.Endpoint {
	return f.connectTo
}

// DataType returns Stream.
func (f *TLSDataFlow) DataType() DataType {
	return Stream
}

// Session returns the shared request context.
func (f *TLSDataFlow) Session() *netkit.Session {
	return f.session
}

// Runloop returns the inner flow's runloop.
func (f *TLSDataFlow) Runloop() *netkit.Runloop {
	return f.next.Runloop()
}

// handshake runs one cycle of the handshake driver. Every inner
// completion it arms checks the connect cancelable before touching the
// flow again.
func (f *TLSDataFlow) handshake() {
	action := f.tunnel.Handshake()
	f.logger.Log(netkit.LevelTrace, "tls_handshake addr=%s action=%s", f.connectTo, action)
	switch action {
	case HandshakeSuccess:
		if b := f.tunnel.ReadCipherText(); len(b) > 0 {
			cancelable := f.connectCancelable
			f.nextWriteCancelable = f.next.Write(b, func(err error) {
				if cancelable.Canceled() {
					return
				}
				if err != nil {
					f.state.Errored()
					f.deliverConnect(err)
					return
				}
				f.handshake()
			})
			return
		}
		f.state.Connected()
		f.deliverConnect(nil)
	case HandshakeWantIO:
		if b := f.tunnel.ReadCipherText(); len(b) > 0 {
			cancelable := f.connectCancelable
			f.nextWriteCancelable = f.next.Write(b, func(err error) {
				if cancelable.Canceled() {
					return
				}
				if err != nil {
					f.state.Errored()
					f.deliverConnect(err)
					return
				}
				f.handshake()
			})
		} else {
			buf := newBuffer()
			cancelable := f.connectCancelable
			f.nextReadCancelable = f.next.Read(buf.buf[:], func(data []byte, err error) {
				if cancelable.Canceled() {
					return
				}
				if err != nil {
					freeBuffer(buf)
					f.state.Errored()
					f.deliverConnect(err)
					return
				}
				f.tunnel.WriteCipherText(data)
				freeBuffer(buf)
				if f.tunnel.Errored() {
					f.state.Errored()
					f.deliverConnect(ErrTLS)
					return
				}
				f.handshake()
			})
		}
	case HandshakeError:
		f.state.Errored()
		f.deliverConnect(ErrTLS)
	}
}

func (f *TLSDataFlow) deliverConnect(err error) {
	h := f.connectHandler
	f.connectHandler = nil
	if h != nil {
		h(err)
	}
}

// process pumps the tunnel after every state change: user call, inner
// read completion or inner write completion.
func (f *TLSDataFlow) process() {
	if f.errorReported {
		return
	}

	if f.pendingError != nil {
		if f.reportError(f.pendingError, true) {
			f.errorReported = true
		}
		return
	}

	f.tryRead()
	f.tryWrite()
}

func (f *TLSDataFlow) tryRead() {
	if f.readHandler != nil {
		if f.tunnel.HasPlainText() {
			// The slot is cleared before the delivery is posted: the
			// flow never holds a user handler across its invocation.
			data := f.tunnel.ReadPlainText()
			h := f.readHandler
			f.readHandler = nil
			cancelable := f.readCancelable
			f.Runloop().Post(func() {
				if cancelable.Canceled() {
					return
				}
				f.state.ReadEnd()
				h(data, nil)
			})

			if f.tunnel.NeedCipherInput() {
				f.tryReadNextHop()
			}
			return
		}
		f.tryReadNextHop()
		return
	}
	if f.tunnel.NeedCipherInput() {
		// No user read pending: still drain the record in progress.
		f.tryReadNextHop()
	}
}

func (f *TLSDataFlow) tryWrite() {
	if f.tunnel.FinishedWriting() && f.writeHandler != nil {
		h := f.writeHandler
		f.writeHandler = nil
		cancelable := f.writeCancelable
		f.Runloop().Post(func() {
			if cancelable.Canceled() {
				return
			}
			f.state.WriteEnd()
			h(nil)
		})
		return
	}

	if !f.tunnel.FinishedWriting() {
		f.tryWriteNextHop()
	}
}

func (f *TLSDataFlow) tryReadNextHop() {
	if f.next.StateMachine().IsReading() {
		// The in-flight read reconverges into process on completion.
		return
	}

	buf := newBuffer()
	f.nextReadCancelable = f.next.Read(buf.buf[:], func(data []byte, err error) {
		if err != nil {
			freeBuffer(buf)
			f.reportInnerError(err, true)
			return
		}
		f.tunnel.WriteCipherText(data)
		freeBuffer(buf)
		if f.tunnel.Errored() {
			f.reportInnerError(ErrTLS, true)
			return
		}
		f.process()
	})
}

func (f *TLSDataFlow) tryWriteNextHop() {
	if f.next.StateMachine().IsWriting() {
		return
	}
	b := f.tunnel.ReadCipherText()
	if len(b) == 0 {
		return
	}
	f.nextWriteCancelable = f.next.Write(b, func(err error) {
		if err != nil {
			f.reportInnerError(err, false)
			return
		}
		f.process()
	})
}

// reportInnerError records an inner flow error. Read errors prefer the
// user read as the reporting surface, write errors the user write;
// when neither handler is armed the error is kept pending for the next
// user operation.
func (f *TLSDataFlow) reportInnerError(err error, tryReadFirst bool) {
	f.logger.Log(netkit.LevelDebug, "tls_flow_error addr=%s read_first=%v message=%v", f.connectTo, tryReadFirst, err)
	if f.reportError(err, tryReadFirst) {
		f.errorReported = true
	} else {
		f.pendingError = err
	}
}

func (f *TLSDataFlow) reportError(err error, tryReadFirst bool) bool {
	if tryReadFirst {
		return f.readReportError(err) || f.writeReportError(err)
	}
	return f.writeReportError(err) || f.readReportError(err)
}

func (f *TLSDataFlow) readReportError(err error) bool {
	if f.readHandler == nil {
		return false
	}
	h := f.readHandler
	f.readHandler = nil
	cancelable := f.readCancelable
	f.Runloop().Post(func() {
		if cancelable.Canceled() {
			return
		}
		h(nil, err)
	})
	return true
}

func (f *TLSDataFlow) writeReportError(err error) bool {
	if f.writeHandler == nil {
		return false
	}
	h := f.writeHandler
	f.writeHandler = nil
	cancelable := f.writeCancelable
	f.Runloop().Post(func() {
		if cancelable.Canceled() {
			return
		}
		h(err)
	})
	return true
}
