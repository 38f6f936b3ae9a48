// main is the entry point of the Muster server browser.
// It initializes the configuration, logger, cache, GeoIP provider and the
// refresh engine, runs refresh cycles and prints the resulting listing.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/karstfell/muster/internal/config"
	"github.com/karstfell/muster/internal/directory"
	"github.com/karstfell/muster/internal/fake"
	"github.com/karstfell/muster/internal/filter"
	"github.com/karstfell/muster/internal/geoip"
	"github.com/karstfell/muster/internal/logger"
	"github.com/karstfell/muster/internal/models"
	"github.com/karstfell/muster/internal/probe"
	"github.com/karstfell/muster/internal/protocol"
	"github.com/karstfell/muster/internal/refresh"
	"github.com/karstfell/muster/internal/roster"
	"github.com/karstfell/muster/internal/storage"
	"github.com/karstfell/muster/internal/transport"
	"github.com/karstfell/muster/internal/vars"
)

func main() {
	cfg := config.Parse()

	logger.Setup(cfg.Logger)
	log.Info().Str("version", vars.Version).Msg("Starting muster...")

	// GeoIP
	var enricher refresh.Enricher
	if !cfg.GeoIP.Skip {
		if err := geoip.EnsureDB(cfg.GeoIP.Path, cfg.GeoIP.URL, cfg.GeoIP.Interval); err != nil {
			log.Error().Err(err).Msg("Failed to download GeoIP database")
		}

		provider, err := geoip.Open(cfg.GeoIP.Path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open GeoIP database, country detection disabled")
		} else {
			defer func() {
				if err := provider.Close(); err != nil {
					log.Error().Err(err).Msg("Error closing GeoIP provider")
				}
			}()
			enricher = provider
		}
	}

	// Roster seeded from the local cache
	store := roster.New(roster.Config{
		StaleAfter:       cfg.Roster.StaleAfter,
		UnreachableAfter: cfg.Roster.UnreachableAfter,
	})

	var cache *storage.Cache
	if !cfg.Cache.Skip {
		var err error
		cache, err = storage.Open(cfg.Cache.Path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open server cache, continuing without it")
			cache = nil
		} else {
			defer func() {
				if err := cache.Close(); err != nil {
					log.Error().Err(err).Msg("Error closing server cache")
				}
			}()

			if cfg.Cache.Prune > 0 {
				if n, err := cache.Prune(time.Now().Add(-cfg.Cache.Prune)); err != nil {
					log.Error().Err(err).Msg("Cache prune failed")
				} else if n > 0 {
					log.Debug().Int64("pruned", n).Msg("Pruned stale cache entries")
				}
			}

			recs, err := cache.LoadRecords()
			if err != nil {
				log.Error().Err(err).Msg("Failed to load cached servers")
			} else if len(recs) > 0 {
				store.Seed(recs, time.Now())
				log.Info().Int("servers", len(recs)).Msg("Seeded roster from cache")
			}
		}
	}

	// Directory: live service or an in-process fake fleet
	baseURL := cfg.Directory.URL
	if cfg.Directory.Fake > 0 {
		url, stopFleet, err := startFakeFleet(cfg.Directory.Fake)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start fake fleet")
		}
		defer stopFleet()
		baseURL = url
		log.Info().Int("servers", cfg.Directory.Fake).Str("url", baseURL).Msg("Running against fake fleet")
	}
	fetcher := directory.NewClient(baseURL, cfg.Directory.Timeout)

	tr, err := transport.New(transport.Config{
		Rate:    cfg.Transport.Rate,
		Burst:   cfg.Transport.Burst,
		Timeout: cfg.Transport.Timeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open query transport")
	}
	defer func() {
		if err := tr.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing query transport")
		}
	}()

	coord := refresh.New(fetcher, tr, store, enricher, refresh.Config{
		FanOut: cfg.Probe.FanOut,
		Probe: probe.Config{
			Retries:    cfg.Probe.Retries,
			RetryDelay: cfg.Probe.RetryDelay,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, unsubscribe := store.Subscribe(256)
	defer unsubscribe()
	go func() {
		for ev := range events {
			if ev.Kind == roster.EventMerge {
				log.Trace().Str("server", ev.Address.String()).Uint64("generation", ev.Generation).Msg("merged")
			}
		}
	}()

	runCycle(ctx, coord)
	printListing(store.Snapshot(), cfg.Output)
	saveCache(cache, store)

	if cfg.Directory.Watch <= 0 {
		return
	}

	watch := time.NewTicker(cfg.Directory.Watch)
	defer watch.Stop()
	sweep := time.NewTicker(cfg.Roster.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down...")
			saveCache(cache, store)
			return
		case <-sweep.C:
			store.AgeSweep(time.Now())
		case <-watch.C:
			runCycle(ctx, coord)
			printListing(store.Snapshot(), cfg.Output)
			saveCache(cache, store)
		}
	}
}

// runCycle starts one refresh and waits for it, cancelling cooperatively on
// interrupt so in-flight probes still land in the roster.
func runCycle(ctx context.Context, coord *refresh.Coordinator) {
	cycle, err := coord.Start(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Refresh not started")
		return
	}

	select {
	case <-cycle.Done():
	case <-ctx.Done():
		cycle.Cancel()
		<-cycle.Done()
	}

	if err := cycle.Err(); err != nil {
		log.Error().Err(err).Msg("Refresh cycle failed")
	}
}

func printListing(snap models.Snapshot, cfg config.Output) {
	var f filter.Filter
	f.SetName(cfg.Name)
	f.SetMap(cfg.Map)
	f.SetMaxPing(int64(cfg.MaxPing))
	f.HideFull(cfg.HideFull)
	f.HideEmpty(cfg.HideEmpty)
	f.HidePassworded(cfg.HidePassworded)

	recs := f.Apply(snap)
	filter.Sort(recs, filter.Criteria{Key: sortKey(cfg.Sort), Ascending: cfg.Ascending})

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMAP\tPLAYERS\tPING\tCC\tSTATE\tADDRESS")
	for i := range recs {
		rec := &recs[i]
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%dms\t%s\t%s\t%s\n",
			rec.Name, rec.Map, rec.Players, rec.MaxPlayers,
			rec.Ping.Milliseconds(), rec.CountryCode, rec.Liveness, rec.Address)
	}
	if err := w.Flush(); err != nil {
		log.Error().Err(err).Msg("Failed to print listing")
	}
	fmt.Printf("%d of %d servers, generation %d\n", len(recs), len(snap.Servers), snap.Generation)
}

func sortKey(name string) filter.SortKey {
	switch name {
	case "map":
		return filter.ByMap
	case "players":
		return filter.ByPlayers
	case "ping":
		return filter.ByPing
	default:
		return filter.ByName
	}
}

func saveCache(cache *storage.Cache, store *roster.Store) {
	if cache == nil {
		return
	}
	snap := store.Snapshot()
	if err := cache.SaveRecords(snap.Servers); err != nil {
		log.Error().Err(err).Msg("Failed to save server cache")
	}
}

// startFakeFleet spins up n loopback game servers and a directory listing
// them, for development without a live directory service.
func startFakeFleet(n int) (baseURL string, stop func(), err error) {
	maps := []string{"oasis", "ridge", "tundra", "foundry"}

	servers := make([]*fake.Server, 0, n)
	addrs := make([]models.Address, 0, n)
	closeAll := func() {
		for _, s := range servers {
			_ = s.Close()
		}
	}

	for i := 0; i < n; i++ {
		srv, err := fake.NewServer(protocol.Info{
			Protocol:   2,
			Name:       fmt.Sprintf("Fake Server %02d", i+1),
			Map:        maps[i%len(maps)],
			Game:       "muster",
			Version:    vars.Version,
			Players:    uint8(i % 60),
			MaxPlayers: 60,
		}, []protocol.ModEntry{{ID: uint32(1000 + i), Name: "basemod"}})
		if err != nil {
			closeAll()
			return "", nil, err
		}
		servers = append(servers, srv)
		addrs = append(addrs, srv.Addr())
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		closeAll()
		return "", nil, err
	}

	httpSrv := &http.Server{
		Handler:           fake.NewDirectory(addrs, 50),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Fake directory stopped")
		}
	}()

	stop = func() {
		_ = httpSrv.Close()
		closeAll()
	}
	return "http://" + ln.Addr().String(), stop, nil
}
