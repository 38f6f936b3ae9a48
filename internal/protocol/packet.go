// Package protocol implements the wire codec for the server query protocol
// and the binary directory page format. Encoding is pure and total;
// decoding validates headers, nonces, length prefixes and checksums before
// touching variable-length fields, so corrupted or adversarial packets are
// rejected without panics or partial state.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Packet framing. Every plain packet starts with a four byte marker and a
// type byte, followed by the nonce echoed back by the server. Oversized
// responses are split into fragments carrying their own marker.
const (
	MarkerPlain uint32 = 0xFFFFFFFF
	MarkerSplit uint32 = 0xFFFFFFFE

	TypeInfoRequest   byte = 'I'
	TypeInfoResponse  byte = 'i'
	TypeRulesRequest  byte = 'R'
	TypeRulesResponse byte = 'r'
	TypeDirectoryPage byte = 'd'

	plainHeaderSize = 9  // marker + type + nonce
	splitHeaderSize = 10 // marker + nonce + total + index
)

// Info response flag bits.
const (
	FlagHasRules   byte = 1 << 0
	FlagPassworded byte = 1 << 1
)

// ErrMalformed is the root of every decode failure: truncated buffers,
// bad markers, nonce mismatches, invalid length prefixes and checksum
// failures all wrap it.
var ErrMalformed = errors.New("malformed packet")

// Info is the decoded body of an info response.
type Info struct {
	Name       string
	Map        string
	Game       string
	Version    string
	Nonce      uint32
	Port       uint16
	Protocol   byte
	Flags      byte
	Players    byte
	MaxPlayers byte
}

// HasRules reports whether the server expects a follow-up rules request.
func (i *Info) HasRules() bool {
	return i.Flags&FlagHasRules != 0
}

// Passworded reports whether the server requires a join password.
func (i *Info) Passworded() bool {
	return i.Flags&FlagPassworded != 0
}

// ModEntry is one required mod announced in a rules response.
type ModEntry struct {
	Name string
	ID   uint32
}

// Rules is the decoded body of a rules response.
type Rules struct {
	Mods  []ModEntry
	Nonce uint32
}

// EncodeInfoRequest builds an info request packet carrying the nonce the
// response must echo.
func EncodeInfoRequest(nonce uint32) []byte {
	return encodeRequest(TypeInfoRequest, nonce)
}

// EncodeRulesRequest builds a rules request packet.
func EncodeRulesRequest(nonce uint32) []byte {
	return encodeRequest(TypeRulesRequest, nonce)
}

func encodeRequest(typ byte, nonce uint32) []byte {
	b := make([]byte, plainHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], MarkerPlain)
	b[4] = typ
	binary.LittleEndian.PutUint32(b[5:9], nonce)
	return b
}

// PeekNonce extracts the correlation nonce from a raw inbound datagram
// without fully decoding it. It understands both plain and split framing
// and reports which one it saw. ok is false for anything too short or
// carrying an unknown marker; such datagrams are dropped by the transport.
func PeekNonce(b []byte) (nonce uint32, frag bool, ok bool) {
	if len(b) < 8 {
		return 0, false, false
	}
	switch binary.LittleEndian.Uint32(b[0:4]) {
	case MarkerPlain:
		if len(b) < plainHeaderSize {
			return 0, false, false
		}
		return binary.LittleEndian.Uint32(b[5:9]), false, true
	case MarkerSplit:
		if len(b) < splitHeaderSize {
			return 0, false, false
		}
		return binary.LittleEndian.Uint32(b[4:8]), true, true
	default:
		return 0, false, false
	}
}

// header validates the plain packet framing and expected type byte,
// returning the body past the nonce.
func header(b []byte, typ byte) (nonce uint32, body []byte, err error) {
	if len(b) < plainHeaderSize {
		return 0, nil, fmt.Errorf("%w: %d byte packet", ErrMalformed, len(b))
	}
	if binary.LittleEndian.Uint32(b[0:4]) != MarkerPlain {
		return 0, nil, fmt.Errorf("%w: bad marker", ErrMalformed)
	}
	if b[4] != typ {
		return 0, nil, fmt.Errorf("%w: type 0x%02x, want 0x%02x", ErrMalformed, b[4], typ)
	}
	return binary.LittleEndian.Uint32(b[5:9]), b[9:], nil
}
