package protocol

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cespare/xxhash/v2"
)

// DirectoryEntry is one server address in a binary directory page.
type DirectoryEntry struct {
	IP   net.IP
	Port uint16
}

// DirectoryPage is one decoded page of the binary directory listing. An
// empty Next cursor ends pagination.
type DirectoryPage struct {
	Next    string
	Entries []DirectoryEntry
}

const checksumSize = 8

// DecodeDirectoryPage parses a binary directory page. The trailing eight
// bytes are an xxhash64 over everything before them; a mismatch rejects
// the whole page.
func DecodeDirectoryPage(b []byte) (*DirectoryPage, error) {
	if len(b) < plainHeaderSize+checksumSize {
		return nil, fmt.Errorf("%w: %d byte directory page", ErrMalformed, len(b))
	}

	payload := b[:len(b)-checksumSize]
	want := binary.LittleEndian.Uint64(b[len(b)-checksumSize:])
	if got := xxhash.Sum64(payload); got != want {
		return nil, fmt.Errorf("%w: checksum 0x%016x, want 0x%016x", ErrMalformed, got, want)
	}

	_, body, err := header(payload, TypeDirectoryPage)
	if err != nil {
		return nil, err
	}

	r := &reader{buf: body}
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	if int(count)*6 > r.remaining() {
		return nil, fmt.Errorf("%w: %d directory entries in %d bytes", ErrMalformed, count, r.remaining())
	}

	page := &DirectoryPage{}
	for i := 0; i < int(count); i++ {
		if r.remaining() < 6 {
			return nil, fmt.Errorf("%w: truncated directory entry %d", ErrMalformed, i)
		}
		ip := net.IPv4(r.buf[r.pos], r.buf[r.pos+1], r.buf[r.pos+2], r.buf[r.pos+3])
		r.pos += 4
		port, err := r.uint16()
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, DirectoryEntry{IP: ip, Port: port})
	}
	if page.Next, err = r.cstring(); err != nil {
		return nil, err
	}
	return page, nil
}

// EncodeDirectoryPage builds a binary directory page with its trailing
// checksum. Entries without a valid IPv4 address are skipped.
func EncodeDirectoryPage(page *DirectoryPage) []byte {
	b := encodeRequest(TypeDirectoryPage, 0)

	var entries []DirectoryEntry
	for _, e := range page.Entries {
		if e.IP.To4() != nil {
			entries = append(entries, e)
		}
	}

	b = binary.LittleEndian.AppendUint16(b, uint16(len(entries)))
	for _, e := range entries {
		b = append(b, e.IP.To4()...)
		b = binary.LittleEndian.AppendUint16(b, e.Port)
	}
	b = appendCString(b, page.Next)
	return binary.LittleEndian.AppendUint64(b, xxhash.Sum64(b))
}
