package transport

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/karstfell/muster/internal/protocol"
)

// xchgKey derives the correlation key for one exchange from the resolved
// destination address and the per-request nonce.
func xchgKey(addr string, nonce uint32) uint64 {
	var d xxhash.Digest
	_, _ = d.WriteString(addr)
	var nb [4]byte
	binary.LittleEndian.PutUint32(nb[:], nonce)
	_, _ = d.Write(nb[:])
	return d.Sum64()
}

type result struct {
	buf []byte
	err error
}

// pending is one in-flight exchange. The result channel is buffered so the
// read loop never blocks on a caller that already timed out.
type pending struct {
	ch  chan result
	mu  sync.Mutex
	asm protocol.Assembler
}

func (p *pending) deliver(buf []byte) {
	select {
	case p.ch <- result{buf: buf}:
	default:
	}
}

func (p *pending) fail(err error) {
	select {
	case p.ch <- result{err: err}:
	default:
	}
}

// assemble feeds one fragment into the exchange's reassembly state.
func (p *pending) assemble(f *protocol.Fragment) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.asm.Add(f)
}

// xchgTable maps correlation keys to pending exchanges.
type xchgTable struct {
	mu    sync.Mutex
	xchgs map[uint64]*pending
}

func newXchgTable() *xchgTable {
	return &xchgTable{xchgs: make(map[uint64]*pending)}
}

func (x *xchgTable) add(key uint64) (*pending, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, found := x.xchgs[key]; found {
		return nil, fmt.Errorf("correlation key %d already in use", key)
	}
	p := &pending{ch: make(chan result, 1)}
	x.xchgs[key] = p
	return p, nil
}

func (x *xchgTable) lookup(key uint64) (*pending, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	p, found := x.xchgs[key]
	return p, found
}

func (x *xchgTable) remove(key uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.xchgs, key)
}

func (x *xchgTable) removeAll() []*pending {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := make([]*pending, 0, len(x.xchgs))
	for key, p := range x.xchgs {
		out = append(out, p)
		delete(x.xchgs, key)
	}
	return out
}
