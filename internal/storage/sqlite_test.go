package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/karstfell/muster/internal/models"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()

	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	c := openTestCache(t)

	want := models.Record{
		Address:     models.Address{Host: "192.0.2.1", Port: 2302},
		Name:        "Rusty Nail",
		Map:         "oasis",
		Game:        "exile",
		Version:     "1.2",
		CountryCode: "DE",
		Mods:        []models.Mod{{ID: 42, Name: "base"}},
		Players:     7,
		MaxPlayers:  60,
		Protocol:    2,
		Passworded:  true,
		Ping:        45 * time.Millisecond,
		LastSuccess: time.Now().Add(-time.Minute).UTC().Truncate(time.Second),
	}

	if err := c.SaveRecords([]models.Record{want}); err != nil {
		t.Fatalf("SaveRecords() error: %v", err)
	}

	got, err := c.LoadRecords()
	if err != nil {
		t.Fatalf("LoadRecords() error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d records, want 1", len(got))
	}

	ignore := cmpopts.IgnoreFields(models.Record{}, "LastSuccess", "Liveness")
	if diff := cmp.Diff(want, got[0], ignore); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	if !got[0].LastSuccess.Equal(want.LastSuccess) {
		t.Errorf("last success %v, want %v", got[0].LastSuccess, want.LastSuccess)
	}
}

func TestSaveSkipsNeverSucceededRecords(t *testing.T) {
	c := openTestCache(t)

	recs := []models.Record{
		{Address: models.Address{Host: "192.0.2.1", Port: 2302}, Name: "kept", LastSuccess: time.Now()},
		{Address: models.Address{Host: "192.0.2.2", Port: 2302}, Liveness: models.Unreachable},
	}
	if err := c.SaveRecords(recs); err != nil {
		t.Fatalf("SaveRecords() error: %v", err)
	}

	got, err := c.LoadRecords()
	if err != nil {
		t.Fatalf("LoadRecords() error: %v", err)
	}
	if len(got) != 1 || got[0].Name != "kept" {
		t.Errorf("cached records: %+v", got)
	}
}

func TestUpsertKeepsCountryWhenBlank(t *testing.T) {
	c := openTestCache(t)
	addr := models.Address{Host: "192.0.2.1", Port: 2302}

	first := models.Record{Address: addr, Name: "srv", CountryCode: "FR", LastSuccess: time.Now()}
	if err := c.SaveRecords([]models.Record{first}); err != nil {
		t.Fatalf("SaveRecords() error: %v", err)
	}

	second := first
	second.CountryCode = ""
	second.Players = 3
	if err := c.SaveRecords([]models.Record{second}); err != nil {
		t.Fatalf("SaveRecords() update error: %v", err)
	}

	got, _ := c.LoadRecords()
	if len(got) != 1 || got[0].CountryCode != "FR" || got[0].Players != 3 {
		t.Errorf("after update: %+v", got)
	}
}

func TestReopenAppliesMigrationsOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	first, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	rec := models.Record{Address: models.Address{Host: "192.0.2.1", Port: 2302}, Name: "srv", LastSuccess: time.Now()}
	if err := first.SaveRecords([]models.Record{rec}); err != nil {
		t.Fatalf("SaveRecords() error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	second, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer func() { _ = second.Close() }()

	got, err := second.LoadRecords()
	if err != nil {
		t.Fatalf("LoadRecords() after reopen: %v", err)
	}
	if len(got) != 1 || got[0].Name != "srv" {
		t.Errorf("after reopen: %+v", got)
	}
}

func TestPrune(t *testing.T) {
	c := openTestCache(t)
	now := time.Now()

	recs := []models.Record{
		{Address: models.Address{Host: "192.0.2.1", Port: 2302}, Name: "old", LastSuccess: now.Add(-48 * time.Hour)},
		{Address: models.Address{Host: "192.0.2.2", Port: 2302}, Name: "new", LastSuccess: now},
	}
	if err := c.SaveRecords(recs); err != nil {
		t.Fatalf("SaveRecords() error: %v", err)
	}

	deleted, err := c.Prune(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("pruned %d records, want 1", deleted)
	}

	got, _ := c.LoadRecords()
	if len(got) != 1 || got[0].Name != "new" {
		t.Errorf("after prune: %+v", got)
	}
}
