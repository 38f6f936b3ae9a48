// Package roster maintains the authoritative in-memory table of known
// servers. Probe outcomes from any number of goroutines funnel through one
// serialized merge path; readers pull immutable snapshots that never block
// on writers beyond the time it takes to copy the table.
package roster

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/karstfell/muster/internal/models"
)

// Config holds the staleness thresholds applied by the age sweep.
type Config struct {
	// StaleAfter is the age of the last successful probe past which a
	// record is demoted from Fresh to Stale.
	StaleAfter time.Duration
	// UnreachableAfter demotes a record to Unreachable.
	UnreachableAfter time.Duration
}

// Store is the snapshot store. The zero value is not usable; construct
// with New.
type Store struct {
	mu      sync.Mutex
	records map[models.Address]*models.Record
	order   []models.Address
	gen     uint64
	cfg     Config
	subs    *subscribers
}

// New creates an empty store.
func New(cfg Config) *Store {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	if cfg.UnreachableAfter <= cfg.StaleAfter {
		cfg.UnreachableAfter = 4 * cfg.StaleAfter
	}
	return &Store{
		records: make(map[models.Address]*models.Record),
		cfg:     cfg,
		subs:    newSubscribers(),
	}
}

// SetGeneration records the refresh generation that tags snapshots from
// now on. Called by the refresh coordinator when a cycle starts.
func (s *Store) SetGeneration(gen uint64) {
	s.mu.Lock()
	s.gen = gen
	s.mu.Unlock()
}

// Merge applies one probe outcome. A successful outcome upserts the record
// and resets liveness to Fresh; a failed outcome only demotes liveness and
// never touches previously learned fields. Merges are atomic from any
// reader's view.
func (s *Store) Merge(out models.Outcome, now time.Time) {
	s.mu.Lock()
	s.applyLocked(out, now)
	gen := s.gen
	s.mu.Unlock()

	// Notify outside the critical section so a subscriber can call back
	// into the store without deadlocking.
	s.subs.publish(Event{Kind: EventMerge, Address: out.Address, Generation: gen})
}

func (s *Store) applyLocked(out models.Outcome, now time.Time) {
	rec, known := s.records[out.Address]
	if !known {
		rec = &models.Record{Address: out.Address}
		s.records[out.Address] = rec
		s.order = append(s.order, out.Address)
	}

	if out.Failed() {
		switch {
		case rec.LastSuccess.IsZero():
			// Nothing true is known about this server; show it as down
			// without fabricating fields.
			rec.Liveness = models.Unreachable
		case rec.Liveness < models.Unreachable:
			rec.Liveness++
		}
		log.Trace().
			Str("server", out.Address.String()).
			Str("reason", out.Reason.String()).
			Str("liveness", rec.Liveness.String()).
			Msg("merged failed probe")
		return
	}

	upd := out.Record
	rec.Name = upd.Name
	rec.Map = upd.Map
	rec.Game = upd.Game
	rec.Version = upd.Version
	rec.Players = upd.Players
	rec.MaxPlayers = upd.MaxPlayers
	rec.Protocol = upd.Protocol
	rec.Passworded = upd.Passworded
	rec.Ping = upd.Ping
	if upd.CountryCode != "" {
		rec.CountryCode = upd.CountryCode
	}
	if upd.Mods != nil {
		rec.Mods = append([]models.Mod(nil), upd.Mods...)
	}
	rec.LastSuccess = now
	rec.Liveness = models.Fresh
}

// Seed inserts records loaded from a previous run, preserving their stored
// order and recomputing liveness from their age.
func (s *Store) Seed(recs []models.Record, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range recs {
		if _, dup := s.records[rec.Address]; dup {
			continue
		}
		r := rec.Clone()
		r.Liveness = s.livenessFor(r.LastSuccess, now)
		s.records[rec.Address] = &r
		s.order = append(s.order, rec.Address)
	}
}

// AgeSweep demotes records whose last success is older than the configured
// thresholds. A record past both thresholds lands on Unreachable in a
// single sweep. Runs independently of probe activity.
func (s *Store) AgeSweep(now time.Time) int {
	s.mu.Lock()
	demoted := 0
	for _, rec := range s.records {
		if rec.LastSuccess.IsZero() {
			continue
		}
		if want := s.livenessFor(rec.LastSuccess, now); want > rec.Liveness {
			rec.Liveness = want
			demoted++
		}
	}
	gen := s.gen
	s.mu.Unlock()

	if demoted > 0 {
		log.Debug().Int("demoted", demoted).Msg("age sweep demoted records")
	}
	s.subs.publish(Event{Kind: EventSweep, Generation: gen})
	return demoted
}

func (s *Store) livenessFor(lastSuccess time.Time, now time.Time) models.Liveness {
	age := now.Sub(lastSuccess)
	switch {
	case age >= s.cfg.UnreachableAfter:
		return models.Unreachable
	case age >= s.cfg.StaleAfter:
		return models.Stale
	default:
		return models.Fresh
	}
}

// Snapshot returns an immutable copy of the table in discovery order.
func (s *Store) Snapshot() models.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	servers := make([]models.Record, 0, len(s.order))
	for _, addr := range s.order {
		servers = append(servers, s.records[addr].Clone())
	}
	return models.Snapshot{
		Servers:    servers,
		Generation: s.gen,
		Taken:      time.Now(),
	}
}

// Len returns the number of known servers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
