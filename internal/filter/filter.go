// Package filter provides pure filtering and sorting over snapshots. The
// store never sorts; presentation decides what to show and in what order.
package filter

import (
	"regexp"
	"sort"

	"github.com/karstfell/muster/internal/models"
)

// Filter is a set of predicates a record must satisfy. The zero value
// matches everything.
type Filter struct {
	name       *regexp.Regexp
	mapName    *regexp.Regexp
	maxPing    int64 // milliseconds, 0 means no bound
	hideFull   bool
	hideEmpty  bool
	passworded bool // when true, passworded servers are excluded
	liveness   *models.Liveness
}

// SetName restricts matches to server names containing the given text,
// case-insensitively. The text is escaped, not treated as a pattern.
func (f *Filter) SetName(text string) {
	f.name = containsPattern(text)
}

// SetMap restricts matches to map names containing the given text.
func (f *Filter) SetMap(text string) {
	f.mapName = containsPattern(text)
}

// SetMaxPing excludes servers with a higher round-trip latency, in
// milliseconds. Zero removes the bound.
func (f *Filter) SetMaxPing(ms int64) {
	f.maxPing = ms
}

// HideFull excludes servers with no free player slots.
func (f *Filter) HideFull(hide bool) {
	f.hideFull = hide
}

// HideEmpty excludes servers with zero players.
func (f *Filter) HideEmpty(hide bool) {
	f.hideEmpty = hide
}

// HidePassworded excludes password protected servers.
func (f *Filter) HidePassworded(hide bool) {
	f.passworded = hide
}

// SetLiveness restricts matches to one liveness state; nil removes the
// restriction.
func (f *Filter) SetLiveness(l *models.Liveness) {
	f.liveness = l
}

func containsPattern(text string) *regexp.Regexp {
	if text == "" {
		return nil
	}
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(text))
}

// Matches reports whether the record satisfies every predicate.
func (f *Filter) Matches(rec *models.Record) bool {
	if f.name != nil && !f.name.MatchString(rec.Name) {
		return false
	}
	if f.mapName != nil && !f.mapName.MatchString(rec.Map) {
		return false
	}
	if f.maxPing > 0 && rec.Ping.Milliseconds() > f.maxPing {
		return false
	}
	if f.hideFull && rec.MaxPlayers > 0 && rec.Players >= rec.MaxPlayers {
		return false
	}
	if f.hideEmpty && rec.Players == 0 {
		return false
	}
	if f.passworded && rec.Passworded {
		return false
	}
	if f.liveness != nil && rec.Liveness != *f.liveness {
		return false
	}
	return true
}

// Apply returns the records of the snapshot that match, preserving order.
func (f *Filter) Apply(snap models.Snapshot) []models.Record {
	var out []models.Record
	for i := range snap.Servers {
		if f.Matches(&snap.Servers[i]) {
			out = append(out, snap.Servers[i])
		}
	}
	return out
}

// SortKey selects the field records are ordered by.
type SortKey uint8

// Sortable fields.
const (
	ByName SortKey = iota
	ByMap
	ByPlayers
	ByPing
)

// Criteria pairs a sort key with a direction.
type Criteria struct {
	Key       SortKey
	Ascending bool
}

// Reversed returns the same key with the direction flipped.
func (c Criteria) Reversed() Criteria {
	return Criteria{Key: c.Key, Ascending: !c.Ascending}
}

// Sort orders records in place by the criteria, breaking ties by address
// so the order is deterministic.
func Sort(recs []models.Record, c Criteria) {
	less := func(a, b *models.Record) bool {
		switch c.Key {
		case ByMap:
			if a.Map != b.Map {
				return a.Map < b.Map
			}
		case ByPlayers:
			if a.Players != b.Players {
				return a.Players < b.Players
			}
		case ByPing:
			if a.Ping != b.Ping {
				return a.Ping < b.Ping
			}
		default:
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		}
		return a.Address.String() < b.Address.String()
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if c.Ascending {
			return less(&recs[i], &recs[j])
		}
		return less(&recs[j], &recs[i])
	})
}
