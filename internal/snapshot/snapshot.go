// Package snapshot names, parses and orders the snapshots this tool owns.
package snapshot

import (
	"sort"
	"time"

	"github.com/raoulx24/zfs-archiver/internal/dataset"
)

// Snapshot is one immutable point-in-time copy of a dataset.
type Snapshot struct {
	Dataset   dataset.Path
	Name      string // part after '@'
	Tier      Tier   // empty when the name is not ours
	Timestamp time.Time
	Created   time.Time // creation property reported by the volume manager
}

// FullName is dataset@name.
func (s Snapshot) FullName() string {
	return s.Dataset.String() + "@" + s.Name
}

// Ours reports whether the name was recognised by a Namer.
func (s Snapshot) Ours() bool { return s.Tier != "" }

func (s Snapshot) String() string { return s.FullName() }

// Sort orders oldest first: by parsed timestamp, then creation, then name.
func Sort(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		a, b := snaps[i], snaps[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.Name < b.Name
	})
}

// ByTier groups our snapshots per tier, each group oldest first. Foreign
// snapshots are dropped.
func ByTier(snaps []Snapshot) map[Tier][]Snapshot {
	out := make(map[Tier][]Snapshot)
	for _, s := range snaps {
		if !s.Ours() {
			continue
		}
		out[s.Tier] = append(out[s.Tier], s)
	}
	for t := range out {
		Sort(out[t])
	}
	return out
}

// Names returns the set of snapshot names.
func Names(snaps []Snapshot) map[string]struct{} {
	out := make(map[string]struct{}, len(snaps))
	for _, s := range snaps {
		out[s.Name] = struct{}{}
	}
	return out
}
