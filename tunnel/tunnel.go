// Package tunnel implements a client-side TLS 1.3 engine with explicit
// plaintext and ciphertext queues.
//
// The engine is synchronous and single-threaded: the data flow driving
// it is the sole source of progress. Handshake and record-content
// logic is delegated to the sans-IO engine in
// github.com/goburrow/quic/tls13; this package owns the stream record
// layer: framing, AEAD record protection and alert handling.
package tunnel

import (
	"crypto/tls"
	"fmt"

	"github.com/goburrow/quic/tls13"

	"github.com/goburrow/netkit/flow"
)

// Client is a client-side TLS tunnel. It implements flow.Tunnel.
//
// The four queues: inbound ciphertext accumulates in recvRaw until
// whole records can be deframed; deciphered application data in
// plainRecv; outbound plaintext in plainSend until it is ciphered;
// ready-to-send records in cipherSend.
type Client struct {
	config *tls.Config
	conn   *tls13.Conn

	domain string

	recvRaw    []byte    // inbound ciphertext, not yet deframed
	crypto     [3][]byte // handshake input for the engine, per level
	plainRecv  []byte    // deciphered application data
	plainSend  []byte    // plaintext queued for ciphering
	cipherSend []byte    // records ready for the transport

	opener    *recordProtection // inbound protection, nil until keys install
	readLevel tls13.EncryptionLevel
	sealers   [3]*recordProtection // outbound protection per level

	readClosed bool // peer sent close_notify
	err        error
}

var (
	_ flow.Tunnel     = (*Client)(nil)
	_ tls13.Transport = (*Client)(nil)
)

// NewClient creates a tunnel using config. ServerName may be left
// empty and set later through SetDomain.
func NewClient(config *tls.Config) *Client {
	if config == nil {
		config = &tls.Config{}
	}
	return &Client{
		config: config.Clone(),
	}
}

// SetDomain sets the SNI and certificate validation name. It must be
// called before the first Handshake.
func (c *Client) SetDomain(host string) {
	c.domain = host
}

// ConnectionState returns basic TLS details once the handshake has
// begun.
func (c *Client) ConnectionState() tls.ConnectionState {
	if c.conn == nil {
		return tls.ConnectionState{}
	}
	return c.conn.ConnectionState()
}

// Handshake advances the handshake as far as the queued ciphertext
// allows, producing any required output into the ciphertext out-queue.
func (c *Client) Handshake() flow.HandshakeAction {
	if c.err != nil {
		return flow.HandshakeError
	}
	if c.conn == nil {
		config := c.config
		if c.domain != "" && config.ServerName != c.domain {
			config = config.Clone()
			config.ServerName = c.domain
		}
		c.conn = tls13.Client(c, config)
	}
	for {
		err := c.conn.Handshake()
		switch err {
		case nil:
			// Records that arrived together with the final flight may
			// still be buffered behind the keys just installed.
			if _, derr := c.decode(); derr != nil {
				c.fail(derr)
				return flow.HandshakeError
			}
			return flow.HandshakeSuccess
		case tls13.ErrWantRead:
			progress, derr := c.decode()
			if derr != nil {
				c.fail(derr)
				return flow.HandshakeError
			}
			if progress {
				continue
			}
			return flow.HandshakeWantIO
		default:
			c.fail(fmt.Errorf("tunnel: handshake alert=%d message=%v", c.conn.Alert(), err))
			return flow.HandshakeError
		}
	}
}

// ReadCipherText drains pending outbound ciphertext, ciphering queued
// plaintext first once application keys are available.
func (c *Client) ReadCipherText() []byte {
	if c.err == nil {
		c.cipher()
	}
	b := c.cipherSend
	c.cipherSend = nil
	return b
}

// WriteCipherText feeds inbound ciphertext into the engine. Complete
// records are deframed, deciphered and routed immediately.
func (c *Client) WriteCipherText(b []byte) {
	if c.err != nil || len(b) == 0 {
		return
	}
	c.recvRaw = append(c.recvRaw, b...)
	if _, err := c.decode(); err != nil {
		c.fail(err)
	}
}

// HasPlainText reports whether deciphered data is ready to read.
func (c *Client) HasPlainText() bool {
	return len(c.plainRecv) > 0
}

// ReadPlainText drains deciphered data.
func (c *Client) ReadPlainText() []byte {
	b := c.plainRecv
	c.plainRecv = nil
	return b
}

// WritePlainText queues outbound plaintext to be ciphered.
func (c *Client) WritePlainText(b []byte) {
	if len(b) == 0 {
		return
	}
	c.plainSend = append(c.plainSend, b...)
}

// NeedCipherInput reports that the engine cannot make further progress
// without more inbound ciphertext.
func (c *Client) NeedCipherInput() bool {
	return c.err == nil && !c.readClosed && len(c.plainRecv) == 0
}

// FinishedWriting reports that all queued plaintext has been ciphered
// and its ciphertext drained by ReadCipherText.
func (c *Client) FinishedWriting() bool {
	return len(c.plainSend) == 0 && len(c.cipherSend) == 0
}

// Errored reports a permanent engine failure.
func (c *Client) Errored() bool {
	return c.err != nil
}

// ReadRecord hands buffered handshake bytes at the given level to the
// engine. It is part of the tls13.Transport contract.
func (c *Client) ReadRecord(level tls13.EncryptionLevel, b []byte) (int, error) {
	n := copy(b, c.crypto[level])
	c.crypto[level] = c.crypto[level][n:]
	return n, nil
}

// WriteRecord frames handshake bytes emitted by the engine into
// records at the given level. It is part of the tls13.Transport
// contract.
func (c *Client) WriteRecord(level tls13.EncryptionLevel, b []byte) (int, error) {
	total := len(b)
	for len(b) > 0 {
		m := len(b)
		if m > maxPlaintext {
			m = maxPlaintext
		}
		if sealer := c.sealers[level]; sealer != nil {
			c.cipherSend = sealer.seal(c.cipherSend, recordTypeHandshake, b[:m])
		} else {
			c.cipherSend = appendPlainRecord(c.cipherSend, recordTypeHandshake, b[:m])
		}
		b = b[m:]
	}
	return total, nil
}

// SetReadSecret installs inbound record protection for the given
// level. Reinstalling at the same level (key update) restarts the
// record sequence.
func (c *Client) SetReadSecret(level tls13.EncryptionLevel, readSecret []byte) error {
	suite := tls13.CipherSuiteByID(c.conn.ConnectionState().CipherSuite)
	if suite == nil {
		return fmt.Errorf("tunnel: connection not yet handshaked")
	}
	opener := &recordProtection{}
	opener.init(suite, readSecret)
	c.opener = opener
	c.readLevel = level
	return nil
}

// SetWriteSecret installs outbound record protection for the given
// level.
func (c *Client) SetWriteSecret(level tls13.EncryptionLevel, writeSecret []byte) error {
	suite := tls13.CipherSuiteByID(c.conn.ConnectionState().CipherSuite)
	if suite == nil {
		return fmt.Errorf("tunnel: connection not yet handshaked")
	}
	sealer := &recordProtection{}
	sealer.init(suite, writeSecret)
	c.sealers[level] = sealer
	return nil
}

// cipher turns queued plaintext into application data records. Only
// possible once the handshake delivered application write keys.
func (c *Client) cipher() {
	if !c.handshakeComplete() {
		return
	}
	sealer := c.sealers[tls13.EncryptionLevelApplication]
	if sealer == nil {
		return
	}
	for len(c.plainSend) > 0 {
		m := len(c.plainSend)
		if m > maxPlaintext {
			m = maxPlaintext
		}
		c.cipherSend = sealer.seal(c.cipherSend, recordTypeApplicationData, c.plainSend[:m])
		c.plainSend = c.plainSend[m:]
	}
}

// decode deframes and routes as many buffered records as the installed
// keys allow. It reports whether any record was consumed.
func (c *Client) decode() (bool, error) {
	progress := false
	for {
		ok, err := c.decodeOne()
		if err != nil {
			return progress, err
		}
		if !ok {
			return progress, nil
		}
		progress = true
		// Let the engine consume post-handshake messages before the
		// next record: a key update changes the read keys.
		if c.handshakeComplete() && len(c.crypto[tls13.EncryptionLevelApplication]) > 0 {
			if err := c.postHandshake(); err != nil {
				return progress, err
			}
		}
	}
}

func (c *Client) decodeOne() (bool, error) {
	typ, payload, n, err := readRecord(c.recvRaw)
	if err != nil || n == 0 {
		return false, err
	}
	if c.readClosed {
		// Discard everything after close_notify.
		c.recvRaw = c.recvRaw[n:]
		return true, nil
	}
	if c.opener == nil {
		switch typ {
		case recordTypeApplicationData:
			// Protected record ahead of our keys: wait for the
			// handshake to install them.
			return false, nil
		case recordTypeHandshake:
			c.recvRaw = c.recvRaw[n:]
			c.crypto[c.readLevel] = append(c.crypto[c.readLevel], payload...)
			return true, nil
		case recordTypeAlert:
			c.recvRaw = c.recvRaw[n:]
			return true, c.handleAlert(payload)
		case recordTypeChangeCipherSpec:
			// Middlebox compatibility, carries nothing.
			c.recvRaw = c.recvRaw[n:]
			return true, nil
		default:
			return false, fmt.Errorf("tunnel: unsupported record type=%d", typ)
		}
	}
	switch typ {
	case recordTypeChangeCipherSpec:
		c.recvRaw = c.recvRaw[n:]
		return true, nil
	case recordTypeApplicationData:
	default:
		return false, fmt.Errorf("tunnel: unprotected record type=%d after key install", typ)
	}
	content, innerTyp, err := c.opener.open(c.recvRaw[:recordHeaderLen], payload)
	if err != nil {
		return false, err
	}
	c.recvRaw = c.recvRaw[n:]
	switch innerTyp {
	case recordTypeHandshake:
		c.crypto[c.readLevel] = append(c.crypto[c.readLevel], content...)
	case recordTypeApplicationData:
		if !c.handshakeComplete() {
			return false, fmt.Errorf("tunnel: application data during handshake")
		}
		c.plainRecv = append(c.plainRecv, content...)
	case recordTypeAlert:
		return true, c.handleAlert(content)
	default:
		return false, fmt.Errorf("tunnel: unsupported inner record type=%d", innerTyp)
	}
	return true, nil
}

// postHandshake drives the engine through buffered post-handshake
// messages (session tickets, key updates).
func (c *Client) postHandshake() error {
	for len(c.crypto[tls13.EncryptionLevelApplication]) > 0 {
		before := len(c.crypto[tls13.EncryptionLevelApplication])
		err := c.conn.Handshake()
		if err != nil && err != tls13.ErrWantRead {
			return fmt.Errorf("tunnel: post-handshake alert=%d message=%v", c.conn.Alert(), err)
		}
		if len(c.crypto[tls13.EncryptionLevelApplication]) == before {
			// Partial message, need more records.
			return nil
		}
	}
	return nil
}

func (c *Client) handleAlert(b []byte) error {
	if len(b) != 2 {
		return fmt.Errorf("tunnel: malformed alert length=%d", len(b))
	}
	if b[1] == alertCloseNotify {
		c.readClosed = true
		return nil
	}
	return fmt.Errorf("tunnel: received alert=%d", b[1])
}

func (c *Client) handshakeComplete() bool {
	return c.conn != nil && c.conn.ConnectionState().HandshakeComplete
}

func (c *Client) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}
