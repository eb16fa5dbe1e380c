package tunnel

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/goburrow/quic/tls13"
	"golang.org/x/crypto/cryptobyte"
)

// TLS record layer.
// https://tools.ietf.org/html/rfc8446#section-5

const (
	recordHeaderLen = 5
	// maxPlaintext is the maximum content length of a record.
	maxPlaintext = 16384
	// maxCiphertext allows for the content type byte, padding and AEAD
	// expansion of a protected record.
	maxCiphertext = maxPlaintext + 256

	aeadNonceLength = 12
)

// Record content types
const (
	recordTypeChangeCipherSpec uint8 = 20
	recordTypeAlert            uint8 = 21
	recordTypeHandshake        uint8 = 22
	recordTypeApplicationData  uint8 = 23
)

const alertCloseNotify = 0

var errNoContentType = errors.New("tunnel: protected record without content type")

// readRecord parses one complete record from b without consuming it.
// n is zero when b does not yet hold a complete record.
func readRecord(b []byte) (typ uint8, payload []byte, n int, err error) {
	s := cryptobyte.String(b)
	var ver, length uint16
	if !s.ReadUint8(&typ) || !s.ReadUint16(&ver) || !s.ReadUint16(&length) {
		return 0, nil, 0, nil
	}
	if int(length) > maxCiphertext {
		return 0, nil, 0, fmt.Errorf("tunnel: oversized record type=%d length=%d", typ, length)
	}
	var body []byte
	if !s.ReadBytes(&body, int(length)) {
		return 0, nil, 0, nil
	}
	return typ, body, recordHeaderLen + int(length), nil
}

// appendRecordHeader appends a record header for a content of the
// given length.
func appendRecordHeader(out []byte, typ uint8, length int) []byte {
	return append(out, typ, 0x03, 0x03, byte(length>>8), byte(length))
}

// appendPlainRecord appends an unprotected record. Only handshake and
// alert records are ever sent unprotected, and only before key
// installation.
func appendPlainRecord(out []byte, typ uint8, content []byte) []byte {
	out = appendRecordHeader(out, typ, len(content))
	return append(out, content...)
}

// recordProtection applies AEAD protection to one direction of the
// record layer. The AEAD already folds the static IV; the nonce is the
// 64-bit record sequence number.
type recordProtection struct {
	aead cipher.AEAD
	seq  uint64
}

func (s *recordProtection) init(suite tls13.CipherSuite, secret []byte) {
	key := suite.ExpandLabel(secret, "key", suite.KeyLen())
	iv := suite.ExpandLabel(secret, "iv", aeadNonceLength)
	s.aead = suite.AEAD(key, iv)
	s.seq = 0
}

// seal appends one protected record carrying typ and content to out.
func (s *recordProtection) seal(out []byte, typ uint8, content []byte) []byte {
	inner := make([]byte, 0, len(content)+1)
	inner = append(inner, content...)
	inner = append(inner, typ)

	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], s.seq)
	s.seq++

	length := len(inner) + s.aead.Overhead()
	out = appendRecordHeader(out, recordTypeApplicationData, length)
	header := out[len(out)-recordHeaderLen:]
	return s.aead.Seal(out, nonce[:], inner, header)
}

// open decrypts a protected record given its header and payload and
// strips the zero padding to recover the inner content type.
func (s *recordProtection) open(header, payload []byte) ([]byte, uint8, error) {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], s.seq)

	plain, err := s.aead.Open(nil, nonce[:], payload, header)
	if err != nil {
		return nil, 0, err
	}
	s.seq++
	i := len(plain) - 1
	for i >= 0 && plain[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, 0, errNoContentType
	}
	return plain[:i], plain[i], nil
}
