package refresh

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/karstfell/muster/internal/directory"
	"github.com/karstfell/muster/internal/fake"
	"github.com/karstfell/muster/internal/models"
	"github.com/karstfell/muster/internal/probe"
	"github.com/karstfell/muster/internal/protocol"
	"github.com/karstfell/muster/internal/roster"
	"github.com/karstfell/muster/internal/transport"
)

// TestEndToEndFakeFleet runs a full refresh cycle against in-process fake
// servers over real UDP: directory paging, rate limited exchanges, fragment
// reassembly and roster merging all on the live code paths.
func TestEndToEndFakeFleet(t *testing.T) {
	modded, err := fake.NewServer(protocol.Info{
		Protocol:   2,
		Name:       "Modded Haven",
		Map:        "oasis",
		Game:       "muster",
		Version:    "1.0",
		Players:    12,
		MaxPlayers: 60,
	}, []protocol.ModEntry{{ID: 42, Name: "basemod"}, {ID: 43, Name: "mapkit"}})
	if err != nil {
		t.Fatalf("fake server: %v", err)
	}
	defer func() { _ = modded.Close() }()
	// Force the rules reply through the fragment path.
	modded.FragmentSize.Store(16)

	vanilla, err := fake.NewServer(protocol.Info{
		Protocol:   2,
		Name:       "Vanilla Valley",
		Map:        "ridge",
		Game:       "muster",
		Version:    "1.0",
		Players:    3,
		MaxPlayers: 20,
	}, nil)
	if err != nil {
		t.Fatalf("fake server: %v", err)
	}
	defer func() { _ = vanilla.Close() }()

	dead, err := fake.NewServer(protocol.Info{Name: "Dead Air"}, nil)
	if err != nil {
		t.Fatalf("fake server: %v", err)
	}
	defer func() { _ = dead.Close() }()
	dead.Silent.Store(true)

	addrs := []models.Address{modded.Addr(), vanilla.Addr(), dead.Addr()}
	dir := httptest.NewServer(fake.NewDirectory(addrs, 2))
	defer dir.Close()

	tr, err := transport.New(transport.Config{Rate: 500, Burst: 50, Timeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer func() { _ = tr.Close() }()

	store := roster.New(roster.Config{})
	coord := New(directory.NewClient(dir.URL, 5*time.Second), tr, store, nil, Config{
		FanOut: 4,
		Probe:  probe.Config{Retries: 1, RetryDelay: 10 * time.Millisecond},
	})

	cycle, err := coord.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	select {
	case <-cycle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not finish")
	}
	if err := cycle.Err(); err != nil {
		t.Fatalf("cycle error: %v", err)
	}

	snap := store.Snapshot()
	if len(snap.Servers) != 3 {
		t.Fatalf("snapshot has %d servers, want 3", len(snap.Servers))
	}

	byAddr := make(map[models.Address]models.Record, len(snap.Servers))
	for _, rec := range snap.Servers {
		byAddr[rec.Address] = rec
	}

	got := byAddr[modded.Addr()]
	if got.Liveness != models.Fresh || got.Name != "Modded Haven" || got.Map != "oasis" {
		t.Errorf("modded server: %+v", got)
	}
	if len(got.Mods) != 2 || got.Mods[0].Name != "basemod" {
		t.Errorf("modded server mods: %+v", got.Mods)
	}
	if got.Ping <= 0 {
		t.Errorf("modded server ping %v, want > 0", got.Ping)
	}

	got = byAddr[vanilla.Addr()]
	if got.Liveness != models.Fresh || got.Players != 3 || len(got.Mods) != 0 {
		t.Errorf("vanilla server: %+v", got)
	}

	got = byAddr[dead.Addr()]
	if got.Liveness != models.Unreachable || got.Name != "" {
		t.Errorf("dead server: %+v", got)
	}
}
