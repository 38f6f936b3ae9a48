package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// reader walks a packet body with bounds checking. Every accessor fails
// with ErrMalformed instead of reading past the buffer.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: truncated at byte %d", ErrMalformed, r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, fmt.Errorf("%w: truncated at byte %d", ErrMalformed, r.pos)
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("%w: truncated at byte %d", ErrMalformed, r.pos)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// cstring reads a null-terminated string. A missing terminator means the
// packet was truncated mid-field.
func (r *reader) cstring() (string, error) {
	idx := bytes.IndexByte(r.buf[r.pos:], 0)
	if idx < 0 {
		return "", fmt.Errorf("%w: unterminated string at byte %d", ErrMalformed, r.pos)
	}
	s := string(r.buf[r.pos : r.pos+idx])
	r.pos += idx + 1
	return s, nil
}

// pstring reads a length-prefixed string, rejecting length prefixes that
// exceed the remaining buffer.
func (r *reader) pstring() (string, error) {
	n, err := r.byte()
	if err != nil {
		return "", err
	}
	if int(n) > r.remaining() {
		return "", fmt.Errorf("%w: string length %d exceeds %d remaining bytes",
			ErrMalformed, n, r.remaining())
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// DecodeInfo parses an info response packet.
func DecodeInfo(b []byte) (*Info, error) {
	nonce, body, err := header(b, TypeInfoResponse)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: body}
	info := &Info{Nonce: nonce}
	if info.Protocol, err = r.byte(); err != nil {
		return nil, err
	}
	if info.Flags, err = r.byte(); err != nil {
		return nil, err
	}
	if info.Name, err = r.cstring(); err != nil {
		return nil, err
	}
	if info.Map, err = r.cstring(); err != nil {
		return nil, err
	}
	if info.Game, err = r.cstring(); err != nil {
		return nil, err
	}
	if info.Version, err = r.cstring(); err != nil {
		return nil, err
	}
	if info.Players, err = r.byte(); err != nil {
		return nil, err
	}
	if info.MaxPlayers, err = r.byte(); err != nil {
		return nil, err
	}
	if info.Port, err = r.uint16(); err != nil {
		return nil, err
	}
	return info, nil
}

// DecodeRules parses a rules response packet carrying the mod list.
func DecodeRules(b []byte) (*Rules, error) {
	nonce, body, err := header(b, TypeRulesResponse)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: body}
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	// Each entry needs at least the mod ID and a length byte.
	if int(count)*5 > r.remaining() {
		return nil, fmt.Errorf("%w: %d mod entries in %d bytes", ErrMalformed, count, r.remaining())
	}

	rules := &Rules{Nonce: nonce}
	for i := 0; i < int(count); i++ {
		var mod ModEntry
		if mod.ID, err = r.uint32(); err != nil {
			return nil, err
		}
		if mod.Name, err = r.pstring(); err != nil {
			return nil, err
		}
		rules.Mods = append(rules.Mods, mod)
	}
	return rules, nil
}

// EncodeInfoResponse builds an info response packet. Used by the fake
// server and tests; real servers produce the same layout.
func EncodeInfoResponse(info *Info) []byte {
	b := encodeRequest(TypeInfoResponse, info.Nonce)
	b = append(b, info.Protocol, info.Flags)
	b = appendCString(b, info.Name)
	b = appendCString(b, info.Map)
	b = appendCString(b, info.Game)
	b = appendCString(b, info.Version)
	b = append(b, info.Players, info.MaxPlayers)
	b = binary.LittleEndian.AppendUint16(b, info.Port)
	return b
}

// EncodeRulesResponse builds a rules response packet.
func EncodeRulesResponse(rules *Rules) []byte {
	b := encodeRequest(TypeRulesResponse, rules.Nonce)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(rules.Mods)))
	for _, mod := range rules.Mods {
		b = binary.LittleEndian.AppendUint32(b, mod.ID)
		b = appendPString(b, mod.Name)
	}
	return b
}

func appendCString(b []byte, s string) []byte {
	b = append(b, s...)
	return append(b, 0)
}

func appendPString(b []byte, s string) []byte {
	if len(s) > 255 {
		s = s[:255]
	}
	b = append(b, byte(len(s)))
	return append(b, s...)
}
