// Package refresh orchestrates one directory refresh cycle: fetch the
// candidate list, fan probes out across the shared transport under a
// bounded concurrency limit, and feed every outcome into the roster store.
// At most one cycle runs at a time; cancellation is cooperative and frees
// the engine for the next cycle immediately.
package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/karstfell/muster/internal/directory"
	"github.com/karstfell/muster/internal/models"
	"github.com/karstfell/muster/internal/probe"
	"github.com/karstfell/muster/internal/roster"
)

// ErrAlreadyRefreshing signals that a cycle is active. It is a caller
// misuse signal, not a fault: retriggering a refresh is idempotent.
var ErrAlreadyRefreshing = errors.New("a refresh cycle is already active")

// Enricher decorates a successful record before it is merged, e.g. with a
// GeoIP country code. May be nil.
type Enricher interface {
	Enrich(rec *models.Record)
}

// Config bounds the probe fan-out of one cycle. The fan-out limits how
// many probes are in flight; the transport's token bucket independently
// limits the send rate.
type Config struct {
	FanOut int
	Probe  probe.Config
}

// Coordinator drives refresh cycles against one store and transport.
type Coordinator struct {
	fetcher  directory.Fetcher
	ex       probe.Exchanger
	store    *roster.Store
	enricher Enricher
	cfg      Config

	mu     sync.Mutex
	active bool
	gen    uint64
}

// New builds a coordinator. enricher may be nil.
func New(fetcher directory.Fetcher, ex probe.Exchanger, store *roster.Store, enricher Enricher, cfg Config) *Coordinator {
	if cfg.FanOut < 1 {
		cfg.FanOut = 32
	}
	return &Coordinator{
		fetcher:  fetcher,
		ex:       ex,
		store:    store,
		enricher: enricher,
		cfg:      cfg,
	}
}

// Cycle is a handle on one in-flight refresh.
type Cycle struct {
	cancel    context.CancelFunc
	done      chan struct{}
	gen       uint64
	issued    atomic.Int64
	completed atomic.Int64
	err       error
	release   func()
	once      sync.Once
}

// Generation returns the cycle's generation number.
func (c *Cycle) Generation() uint64 { return c.gen }

// Done is closed when the cycle has finished dispatching and every issued
// probe has completed, or when the cycle failed at the directory stage.
func (c *Cycle) Done() <-chan struct{} { return c.done }

// Err reports the cycle-level failure, if any. Valid after Done is closed.
func (c *Cycle) Err() error { return c.err }

// Counts reports how many probes the cycle has issued and completed.
func (c *Cycle) Counts() (issued, completed int64) {
	return c.issued.Load(), c.completed.Load()
}

// Cancel stops the cycle cooperatively: probes already in flight finish or
// fail on their own and their outcomes still merge, but no new probes are
// dispatched, and the engine immediately accepts a new refresh.
func (c *Cycle) Cancel() {
	c.cancel()
	c.once.Do(c.release)
}

// Start begins a refresh cycle. A second call while one is active returns
// ErrAlreadyRefreshing.
func (co *Coordinator) Start(ctx context.Context) (*Cycle, error) {
	co.mu.Lock()
	if co.active {
		co.mu.Unlock()
		return nil, ErrAlreadyRefreshing
	}
	co.active = true
	co.gen++
	gen := co.gen
	co.mu.Unlock()

	co.store.SetGeneration(gen)

	ctx, cancel := context.WithCancel(ctx)
	cycle := &Cycle{
		cancel: cancel,
		done:   make(chan struct{}),
		gen:    gen,
		release: func() {
			co.mu.Lock()
			co.active = false
			co.mu.Unlock()
		},
	}

	log.Info().Uint64("generation", gen).Msg("refresh cycle started")
	go co.run(ctx, cycle)
	return cycle, nil
}

func (co *Coordinator) run(ctx context.Context, cycle *Cycle) {
	defer cycle.once.Do(cycle.release)
	defer close(cycle.done)
	defer cycle.cancel()

	addrs, err := co.fetcher.FetchAddresses(ctx)
	if err != nil {
		// A directory failure aborts the whole cycle: probing a partial
		// candidate list would silently shrink the visible population.
		cycle.err = err
		log.Warn().Err(err).Uint64("generation", cycle.gen).Msg("refresh cycle failed")
		return
	}

	var g errgroup.Group
	g.SetLimit(co.cfg.FanOut)

	// Cancellation stops dispatching but deliberately does not propagate
	// into probes already in flight: each one finishes or times out on its
	// own and its outcome still merges.
	probeCtx := context.WithoutCancel(ctx)

dispatch:
	for _, addr := range addrs {
		select {
		case <-ctx.Done():
			break dispatch
		default:
		}

		addr := addr
		cycle.issued.Add(1)
		g.Go(func() error {
			out := probe.Run(probeCtx, co.ex, addr, co.cfg.Probe)
			if !out.Failed() && co.enricher != nil {
				co.enricher.Enrich(out.Record)
			}
			co.store.Merge(out, time.Now())
			cycle.completed.Add(1)
			return nil
		})
	}

	_ = g.Wait()
	issued, completed := cycle.Counts()
	log.Info().
		Uint64("generation", cycle.gen).
		Int64("issued", issued).
		Int64("completed", completed).
		Msg("refresh cycle finished")
}
