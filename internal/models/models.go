// Package models defines the data structures shared between the directory
// engine components: server addresses, aggregated server records, probe
// outcomes and immutable snapshots.
package models

import (
	"net"
	"strconv"
	"time"
)

// Liveness classifies how recently a server answered a probe.
type Liveness uint8

// Liveness states, ordered. A record only moves forward through these on
// failure or age, and resets to Fresh on any successful probe.
const (
	Fresh Liveness = iota
	Stale
	Unreachable
)

// String returns a human readable liveness name.
func (l Liveness) String() string {
	switch l {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// FailReason classifies a failed probe cycle.
type FailReason uint8

// Probe failure classifications.
const (
	FailNone FailReason = iota
	FailTimeout
	FailMalformed
	FailUnreachable
	FailRateLimited
)

// String returns a human readable failure name.
func (f FailReason) String() string {
	switch f {
	case FailNone:
		return "none"
	case FailTimeout:
		return "timeout"
	case FailMalformed:
		return "malformed"
	case FailUnreachable:
		return "unreachable"
	case FailRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Address identifies a server query endpoint. Equality is address based,
// so Address is usable directly as a map key.
type Address struct {
	Host string
	Port uint16
}

// String renders the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// Mod identifies one required server mod.
type Mod struct {
	Name string `json:"name"`
	ID   uint32 `json:"id"`
}

// Record is the aggregated knowledge about one server. Records are owned
// by the roster store; readers always receive copies.
type Record struct {
	LastSuccess time.Time
	Address     Address
	Name        string
	Map         string
	Game        string
	Version     string
	CountryCode string
	Mods        []Mod
	Ping        time.Duration
	Players     int
	MaxPlayers  int
	Protocol    byte
	Passworded  bool
	Liveness    Liveness
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.Mods != nil {
		out.Mods = make([]Mod, len(r.Mods))
		copy(out.Mods, r.Mods)
	}
	return out
}

// Outcome is the result of one probe cycle for a single address. A nil
// Record means the probe failed and Reason carries the classification.
// Outcomes are transient: the roster store consumes each one exactly once.
type Outcome struct {
	Record  *Record
	Address Address
	Reason  FailReason
}

// Failed reports whether the probe produced no usable record.
func (o Outcome) Failed() bool {
	return o.Record == nil
}

// Snapshot is an immutable point-in-time copy of the server table, tagged
// with the refresh generation that most recently fed it. The order of
// Servers preserves discovery order; sorting is a presentation concern.
type Snapshot struct {
	Servers    []Record
	Generation uint64
	Taken      time.Time
}

// Len returns the number of servers in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Servers)
}
