// Package transport provides the shared, rate limited UDP sender used by
// every concurrent probe. All outbound sends pass through one token bucket
// so aggregate traffic never exceeds the configured budget, and one receive
// loop demultiplexes inbound datagrams to the exchange that is waiting for
// them. Uncorrelated packets are dropped without error.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/karstfell/muster/internal/models"
	"github.com/karstfell/muster/internal/protocol"
)

// Transport errors, in the order the exchange pipeline can produce them.
var (
	// ErrRateLimited means no send token was granted before the timeout.
	ErrRateLimited = errors.New("rate limit token not granted in time")
	// ErrTimeout means the request was sent but no correlated reply arrived.
	ErrTimeout = errors.New("no response before timeout")
	// ErrUnreachable means the send itself failed.
	ErrUnreachable = errors.New("destination unreachable")
	// ErrClosed means the transport has been shut down.
	ErrClosed = errors.New("transport closed")
)

const readBufferSize = 4096

// Config controls the shared send budget and the per-exchange timeout.
type Config struct {
	// Rate is the sustained send budget in requests per second.
	Rate float64
	// Burst is the token bucket depth.
	Burst int
	// Timeout bounds the token wait and the reply wait, each separately,
	// so a slow token grant never shrinks the reply window.
	Timeout time.Duration
}

// Transport owns one UDP socket, the global token bucket and the table of
// pending exchanges.
type Transport struct {
	conn    net.PacketConn
	limiter *rate.Limiter
	xchgs   *xchgTable
	done    chan struct{}
	timeout time.Duration
}

// New opens the shared socket and starts the receive loop.
func New(cfg Config) (*Transport, error) {
	if cfg.Rate <= 0 {
		return nil, fmt.Errorf("invalid send rate %f", cfg.Rate)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}

	t := &Transport{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		xchgs:   newXchgTable(),
		done:    make(chan struct{}),
		timeout: cfg.Timeout,
	}
	go t.readLoop()
	return t, nil
}

// Close shuts the transport down. Pending exchanges fail with ErrClosed.
func (t *Transport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	err := t.conn.Close()
	for _, p := range t.xchgs.removeAll() {
		p.fail(ErrClosed)
	}
	return err
}

// Exchange sends one request packet to addr and waits for the correlated
// reply, identified by destination address plus the request nonce. The
// caller blocks; other exchanges proceed independently. Fragmented replies
// are reassembled before delivery.
func (t *Transport) Exchange(ctx context.Context, addr models.Address, packet []byte, nonce uint32) ([]byte, error) {
	select {
	case <-t.done:
		return nil, ErrClosed
	default:
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	tokenCtx, cancelToken := context.WithTimeout(ctx, t.timeout)
	err = t.limiter.Wait(tokenCtx)
	cancelToken()
	if err != nil {
		if ctx.Err() == nil {
			return nil, ErrRateLimited
		}
		return nil, ctx.Err()
	}

	// The reply gets its own full window, starting only once the send was
	// allowed.
	replyCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	key := xchgKey(udpAddr.String(), nonce)
	p, err := t.xchgs.add(key)
	if err != nil {
		return nil, err
	}
	defer t.xchgs.remove(key)

	if _, err := t.conn.WriteTo(packet, udpAddr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	select {
	case res := <-p.ch:
		return res.buf, res.err
	case <-replyCtx.Done():
		if errors.Is(replyCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, replyCtx.Err()
	case <-t.done:
		return nil, ErrClosed
	}
}

// readLoop receives every inbound datagram and routes it to the pending
// exchange it correlates with. Late or spurious packets correlate with
// nothing and fall on the floor.
func (t *Transport) readLoop() {
	buf := make([]byte, readBufferSize)

	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			log.Debug().Err(err).Msg("transport read error")
			continue
		}

		nonce, frag, ok := protocol.PeekNonce(buf[:n])
		if !ok {
			log.Trace().Str("from", from.String()).Int("size", n).Msg("dropping unframed packet")
			continue
		}

		key := xchgKey(from.String(), nonce)
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		if !frag {
			if p, found := t.xchgs.lookup(key); found {
				p.deliver(pkt)
			}
			continue
		}

		f, err := protocol.ParseFragment(pkt)
		if err != nil {
			continue
		}
		p, found := t.xchgs.lookup(key)
		if !found {
			continue
		}
		full, done, err := p.assemble(f)
		if err != nil {
			p.fail(err)
			continue
		}
		if done {
			p.deliver(full)
		}
	}
}
