package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raoulx24/zfs-archiver/internal/dataset"
)

// DefaultPrefix marks snapshots managed by this tool.
const DefaultPrefix = "zfs-archiver"

// TimeLayout sorts lexicographically in time order.
const TimeLayout = "2006-01-02_15:04:05"

// ErrNotOurSnapshot is returned for names owned by other tooling.
var ErrNotOurSnapshot = errors.New("not our snapshot")

// Namer encodes (tier, timestamp) into snapshot names: <prefix>_<time>_<tier>.
type Namer struct {
	Prefix string
}

// NewNamer falls back to DefaultPrefix.
func NewNamer(prefix string) Namer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Namer{Prefix: prefix}
}

// Format builds the name for a tier at ts. Timestamps are truncated to
// seconds in UTC.
func (n Namer) Format(tier Tier, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%s", n.prefix(), ts.UTC().Format(TimeLayout), tier)
}

// Parse recovers tier and timestamp. Anything else yields ErrNotOurSnapshot.
func (n Namer) Parse(name string) (Tier, time.Time, error) {
	rest, ok := strings.CutPrefix(name, n.prefix()+"_")
	if !ok {
		return "", time.Time{}, ErrNotOurSnapshot
	}
	i := strings.LastIndex(rest, "_")
	if i < 0 {
		return "", time.Time{}, ErrNotOurSnapshot
	}
	tier := Tier(rest[i+1:])
	if !tier.Valid() {
		return "", time.Time{}, ErrNotOurSnapshot
	}
	ts, err := time.ParseInLocation(TimeLayout, rest[:i], time.UTC)
	if err != nil {
		return "", time.Time{}, ErrNotOurSnapshot
	}
	return tier, ts, nil
}

// New builds a snapshot value for a planned creation.
func (n Namer) New(ds dataset.Path, tier Tier, ts time.Time) Snapshot {
	return Snapshot{
		Dataset:   ds,
		Name:      n.Format(tier, ts),
		Tier:      tier,
		Timestamp: ts.UTC().Truncate(time.Second),
	}
}

// Classify fills Tier and Timestamp for names it recognises and leaves
// foreign snapshots untouched.
func (n Namer) Classify(snaps []Snapshot) []Snapshot {
	out := make([]Snapshot, len(snaps))
	for i, s := range snaps {
		if tier, ts, err := n.Parse(s.Name); err == nil {
			s.Tier, s.Timestamp = tier, ts
		} else {
			s.Tier = ""
			if s.Timestamp.IsZero() {
				s.Timestamp = s.Created
			}
		}
		out[i] = s
	}
	return out
}

func (n Namer) prefix() string {
	if n.Prefix == "" {
		return DefaultPrefix
	}
	return n.Prefix
}
