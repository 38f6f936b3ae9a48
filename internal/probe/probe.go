// Package probe drives the query state machine for a single server: an
// info exchange, optionally followed by a rules exchange for the mod list,
// with a bounded retry budget on timeouts. One probe produces exactly one
// outcome; failures are classified, never fatal.
package probe

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/karstfell/muster/internal/models"
	"github.com/karstfell/muster/internal/protocol"
	"github.com/karstfell/muster/internal/transport"
)

// Exchanger is the transport surface a probe needs. *transport.Transport
// satisfies it; tests substitute scripted implementations.
type Exchanger interface {
	Exchange(ctx context.Context, addr models.Address, packet []byte, nonce uint32) ([]byte, error)
}

// State of the probe machine, exported for logging and tests.
type State uint8

// Probe states.
const (
	Idle State = iota
	AwaitingInfo
	AwaitingRules
	Complete
	Failed
)

// String returns a human readable state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingInfo:
		return "awaiting_info"
	case AwaitingRules:
		return "awaiting_rules"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config bounds the retry behavior of each awaiting step.
type Config struct {
	// Retries is the number of extra attempts allowed per step, spent on
	// timeouts only. A successful step restores the full budget for the
	// next one.
	Retries int
	// RetryDelay is slept between attempts of the same step.
	RetryDelay time.Duration
}

// Run executes one full probe cycle against addr and returns its outcome.
func Run(ctx context.Context, ex Exchanger, addr models.Address, cfg Config) models.Outcome {
	p := &prober{ex: ex, addr: addr, cfg: cfg, state: Idle}
	return p.run(ctx)
}

type prober struct {
	ex    Exchanger
	addr  models.Address
	cfg   Config
	state State
}

func (p *prober) run(ctx context.Context) models.Outcome {
	p.state = AwaitingInfo
	nonce := rand.Uint32()

	reply, rtt, err := p.exchangeStep(ctx, protocol.EncodeInfoRequest(nonce), nonce)
	if err != nil {
		return p.fail(classify(err))
	}

	info, err := protocol.DecodeInfo(reply)
	if err != nil || info.Nonce != nonce {
		return p.fail(models.FailMalformed)
	}

	rec := &models.Record{
		Address:    p.addr,
		Name:       info.Name,
		Map:        info.Map,
		Game:       info.Game,
		Version:    info.Version,
		Players:    int(info.Players),
		MaxPlayers: int(info.MaxPlayers),
		Protocol:   info.Protocol,
		Passworded: info.Passworded(),
		Ping:       rtt,
	}

	if !info.HasRules() {
		p.state = Complete
		return models.Outcome{Address: p.addr, Record: rec}
	}

	p.state = AwaitingRules
	nonce = rand.Uint32()
	reply, _, err = p.exchangeStep(ctx, protocol.EncodeRulesRequest(nonce), nonce)
	if err != nil {
		return p.fail(classify(err))
	}

	rules, err := protocol.DecodeRules(reply)
	if err != nil || rules.Nonce != nonce {
		return p.fail(models.FailMalformed)
	}
	for _, mod := range rules.Mods {
		rec.Mods = append(rec.Mods, models.Mod{ID: mod.ID, Name: mod.Name})
	}

	p.state = Complete
	return models.Outcome{Address: p.addr, Record: rec}
}

// exchangeStep performs one protocol step, retrying timeouts until the
// budget runs out. Malformed and unreachable results are terminal. The
// returned round-trip time covers only the attempt that succeeded; failed
// attempts and retry delays never count toward it.
func (p *prober) exchangeStep(ctx context.Context, packet []byte, nonce uint32) ([]byte, time.Duration, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.Retries; attempt++ {
		if attempt > 0 && p.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, transport.ErrTimeout
			case <-time.After(p.cfg.RetryDelay):
			}
		}

		sentAt := time.Now()
		reply, err := p.ex.Exchange(ctx, p.addr, packet, nonce)
		if err == nil {
			return reply, time.Since(sentAt), nil
		}
		lastErr = err
		if !errors.Is(err, transport.ErrTimeout) {
			return nil, 0, err
		}

		log.Trace().
			Str("server", p.addr.String()).
			Str("state", p.state.String()).
			Int("attempt", attempt+1).
			Msg("query timed out")
	}
	return nil, 0, lastErr
}

func (p *prober) fail(reason models.FailReason) models.Outcome {
	p.state = Failed
	log.Debug().
		Str("server", p.addr.String()).
		Str("reason", reason.String()).
		Msg("probe failed")
	return models.Outcome{Address: p.addr, Reason: reason}
}

func classify(err error) models.FailReason {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		return models.FailTimeout
	case errors.Is(err, transport.ErrRateLimited):
		return models.FailRateLimited
	case errors.Is(err, transport.ErrUnreachable):
		return models.FailUnreachable
	case errors.Is(err, protocol.ErrMalformed):
		return models.FailMalformed
	default:
		return models.FailUnreachable
	}
}
