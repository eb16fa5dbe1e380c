package flow

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/goburrow/netkit"
	"github.com/goburrow/netkit/resolver"
)

const defaultDialTimeout = 30 * time.Second

// TCPDataFlow is a remote data flow over a TCP connection. Socket I/O
// runs on helper goroutines; completions are posted to the runloop, so
// handlers always run on the runloop goroutine.
type TCPDataFlow struct {
	runloop *netkit.Runloop
	session *netkit.Session

	resolver   resolver.Resolver
	preference resolver.Preference

	dialTimeout time.Duration

	conn      net.Conn
	state     StateMachine
	connectTo *netkit.Endpoint

	connectCancelable netkit.Cancelable
	readCancelable    netkit.Cancelable
	writeCancelable   netkit.Cancelable

	logger netkit.Logger
}

var _ RemoteDataFlow = (*TCPDataFlow)(nil)

// NewTCPDataFlow creates an unconnected TCP flow.
func NewTCPDataFlow(runloop *netkit.Runloop, session *netkit.Session) *TCPDataFlow {
	return &TCPDataFlow{
		runloop:     runloop,
		session:     session,
		dialTimeout: defaultDialTimeout,
		logger:      netkit.LeveledLogger(netkit.LevelInfo),
	}
}

// SetResolver sets the resolver used for endpoints that carry no
// resolved addresses. Without one, dialing falls back to the system
// resolver inside net.Dial.
func (f *TCPDataFlow) SetResolver(r resolver.Resolver, pref resolver.Preference) {
	f.resolver = r
	f.preference = pref
}

// SetDialTimeout sets the per-address dial timeout.
func (f *TCPDataFlow) SetDialTimeout(d time.Duration) {
	f.dialTimeout = d
}

// SetLogger sets transaction logger.
func (f *TCPDataFlow) SetLogger(v netkit.Logger) {
	f.logger = v
}

// Connect resolves endpoint when needed and dials the candidate
// addresses in order. The handler is invoked exactly once.
func (f *TCPDataFlow) Connect(endpoint *netkit.Endpoint, h EventHandler) netkit.Cancelable {
	f.connectCancelable = netkit.NewCancelable()
	f.connectTo = endpoint
	f.state.ConnectBegin()

	cancelable := f.connectCancelable
	switch {
	case endpoint.IsAddress():
		go f.dial(addresses(endpoint.Addresses, endpoint.Port), cancelable, h)
	case f.resolver != nil:
		f.resolver.Resolve(endpoint.Host, f.preference, func(addrs []net.IP, err error) {
			if cancelable.Canceled() {
				return
			}
			if err != nil {
				f.state.Errored()
				h(err)
				return
			}
			go f.dial(addresses(addrs, endpoint.Port), cancelable, h)
		})
	default:
		go f.dial([]string{endpoint.String()}, cancelable, h)
	}
	return f.connectCancelable
}

func addresses(ips []net.IP, port int) []string {
	addrs := make([]string, len(ips))
	for i, ip := range ips {
		addrs[i] = net.JoinHostPort(ip.String(), strconv.Itoa(port))
	}
	return addrs
}

// dial runs on a helper goroutine and posts the single completion.
func (f *TCPDataFlow) dial(addrs []string, cancelable netkit.Cancelable, h EventHandler) {
	var conn net.Conn
	err := fmt.Errorf("no address for %s", f.connectTo)
	for _, addr := range addrs {
		conn, err = net.DialTimeout("tcp", addr, f.dialTimeout)
		if err == nil {
			break
		}
		f.logger.Log(netkit.LevelDebug, "dial_failed addr=%s message=%v", addr, err)
	}
	f.runloop.Post(func() {
		if cancelable.Canceled() {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			f.state.Errored()
			h(err)
			return
		}
		f.conn = conn
		f.state.Connected()
		f.logger.Log(netkit.LevelTrace, "connected addr=%s", conn.RemoteAddr())
		h(nil)
	})
}

// Read reads into the caller's buffer. On success at least one byte is
// delivered. At most one read may be outstanding.
func (f *TCPDataFlow) Read(b []byte, h DataHandler) netkit.Cancelable {
	f.state.ReadBegin()
	f.readCancelable = netkit.NewCancelable()
	cancelable := f.readCancelable
	conn := f.conn
	go func() {
		n, err := conn.Read(b)
		f.runloop.Post(func() {
			if cancelable.Canceled() {
				return
			}
			if n > 0 {
				f.state.ReadEnd()
				h(b[:n], nil)
				return
			}
			if err == nil {
				err = io.EOF
			}
			f.state.Errored()
			h(nil, err)
		})
	}()
	return f.readCancelable
}

// Write writes all of b to the socket. At most one write may be
// outstanding.
func (f *TCPDataFlow) Write(b []byte, h EventHandler) netkit.Cancelable {
	f.state.WriteBegin()
	f.writeCancelable = netkit.NewCancelable()
	cancelable := f.writeCancelable
	conn := f.conn
	go func() {
		_, err := conn.Write(b)
		f.runloop.Post(func() {
			if cancelable.Canceled() {
				return
			}
			if err != nil {
				f.state.Errored()
				h(err)
				return
			}
			f.state.WriteEnd()
			h(nil)
		})
	}()
	return f.writeCancelable
}

// CloseWrite half-closes the sending side of the socket.
func (f *TCPDataFlow) CloseWrite(h EventHandler) netkit.Cancelable {
	cancelable := netkit.NewCancelable()
	cw, ok := f.conn.(interface{ CloseWrite() error })
	if !ok {
		f.runloop.Post(func() {
			if cancelable.Canceled() {
				return
			}
			h(fmt.Errorf("close write unsupported on %T", f.conn))
		})
		return cancelable
	}
	go func() {
		err := cw.CloseWrite()
		f.runloop.Post(func() {
			if cancelable.Canceled() {
				return
			}
			h(err)
		})
	}()
	return cancelable
}

// Close cancels outstanding completions and closes the socket. Helper
// goroutines blocked in socket I/O are unblocked by the close; their
// completions observe canceled tokens and are dropped.
func (f *TCPDataFlow) Close() error {
	f.connectCancelable.Cancel()
	f.readCancelable.Cancel()
	f.writeCancelable.Cancel()
	f.state.Close()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

// StateMachine returns the flow's state machine.
func (f *TCPDataFlow) StateMachine() *StateMachine {
	return &f.state
}

// NextHop returns nil: the socket is the last hop.
func (f *TCPDataFlow) NextHop() DataFlow {
	return nil
}

// ConnectingTo returns the endpoint passed to Connect.
func (f *TCPDataFlow) ConnectingTo() *netkit.Endpoint {
	return f.connectTo
}

// DataType returns Stream.
func (f *TCPDataFlow) DataType() DataType {
	return Stream
}

// Session returns the shared request context.
func (f *TCPDataFlow) Session() *netkit.Session {
	return f.session
}

// Runloop returns the owning runloop.
func (f *TCPDataFlow) Runloop() *netkit.Runloop {
	return f.runloop
}
