package protocol

import (
	"encoding/binary"
	"fmt"
)

// Fragment is one piece of a split response. The reassembled payload is a
// regular plain packet.
type Fragment struct {
	Payload []byte
	Nonce   uint32
	Total   byte
	Index   byte
}

// ParseFragment validates split packet framing.
func ParseFragment(b []byte) (*Fragment, error) {
	if len(b) < splitHeaderSize {
		return nil, fmt.Errorf("%w: %d byte fragment", ErrMalformed, len(b))
	}
	if binary.LittleEndian.Uint32(b[0:4]) != MarkerSplit {
		return nil, fmt.Errorf("%w: bad split marker", ErrMalformed)
	}

	f := &Fragment{
		Nonce:   binary.LittleEndian.Uint32(b[4:8]),
		Total:   b[8],
		Index:   b[9],
		Payload: b[splitHeaderSize:],
	}
	if f.Total == 0 || f.Index >= f.Total {
		return nil, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, f.Index, f.Total)
	}
	return f, nil
}

// EncodeFragments splits a plain packet into fragments of at most
// chunkSize payload bytes each.
func EncodeFragments(nonce uint32, payload []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = 1200
	}

	total := (len(payload) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	var out [][]byte
	for i := 0; i < total; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(payload) {
			hi = len(payload)
		}

		b := make([]byte, 0, splitHeaderSize+hi-lo)
		b = binary.LittleEndian.AppendUint32(b, MarkerSplit)
		b = binary.LittleEndian.AppendUint32(b, nonce)
		b = append(b, byte(total), byte(i))
		b = append(b, payload[lo:hi]...)
		out = append(out, b)
	}
	return out
}

// Assembler reassembles one split response by sequence index. Duplicate
// and out-of-order fragments are tolerated; a complete set is assembled
// exactly once.
type Assembler struct {
	parts map[byte][]byte
	total byte
	done  bool
}

// Add feeds one fragment. It returns the reassembled plain packet and
// true once the final missing fragment arrives; every later fragment is
// discarded.
func (a *Assembler) Add(f *Fragment) ([]byte, bool, error) {
	if a.done {
		return nil, false, nil
	}
	if a.parts == nil {
		a.parts = make(map[byte][]byte)
		a.total = f.Total
	}
	if f.Total != a.total {
		return nil, false, fmt.Errorf("%w: fragment set size changed from %d to %d",
			ErrMalformed, a.total, f.Total)
	}
	if _, dup := a.parts[f.Index]; dup {
		return nil, false, nil
	}

	a.parts[f.Index] = f.Payload
	if len(a.parts) < int(a.total) {
		return nil, false, nil
	}

	a.done = true
	var full []byte
	for i := byte(0); i < a.total; i++ {
		full = append(full, a.parts[i]...)
	}
	a.parts = nil
	return full, true, nil
}
