// Package policy resolves the effective snapshot and replication policy of a
// dataset from the nearest configured ancestors.
package policy

import (
	"github.com/raoulx24/zfs-archiver/internal/compress"
	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
)

// Node is one configured section. A nil field is unset and inherits.
type Node struct {
	Location dataset.Location

	Counts map[snapshot.Tier]int // only the tiers the section names
	Snap   *bool
	Clean  *bool
	Key    *string // credential for a remote source section

	Dest     []string // nil when unset
	DestKeys []string
	Compress []string
	RawSend  []bool
	Exclude  []string

	// Err is set by loaders for a section they could not parse. It
	// disables the section's subtree like any other conflict.
	Err error
}

// Destination is one replication target, its auxiliary settings already
// aligned with it.
type Destination struct {
	Location dataset.Location
	Key      string
	Compress compress.Codec
	RawSend  bool
}

// Target maps ds, found below origin on the source side, onto the
// corresponding dataset under this destination.
func (d Destination) Target(ds, origin dataset.Path) dataset.Location {
	return d.Location.WithPath(d.Location.Path.Join(ds.Rel(origin)))
}

func (d Destination) String() string { return d.Location.String() }

// Effective is a fully populated policy for one dataset.
type Effective struct {
	Location dataset.Location
	// Node is the nearest configured section at or above Location.
	Node dataset.Location

	Counts snapshot.Counts
	Snap   bool
	Clean  bool
	Key    string

	Destinations []Destination
	// DestOrigin is the section that set the destination list. Descendants
	// replicate to the same relative path below each destination.
	DestOrigin dataset.Path
	Exclude    []string
}

// Count returns the retention count for tier, 0 when unset.
func (e Effective) Count(t snapshot.Tier) int { return e.Counts[t] }

// Targets returns the destination location of e.Location for every
// destination, aligned with e.Destinations.
func (e Effective) Targets() []dataset.Location {
	out := make([]dataset.Location, len(e.Destinations))
	for i, d := range e.Destinations {
		out[i] = d.Target(e.Location.Path, e.DestOrigin)
	}
	return out
}

// Bool helps callers build Nodes.
func Bool(b bool) *bool { return &b }

// String helps callers build Nodes.
func String(s string) *string { return &s }
