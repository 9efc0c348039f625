package snapshot

import (
	"fmt"
	"strings"
)

// Tier is a named snapshot cadence with its own retention count.
type Tier string

const (
	Frequent Tier = "frequent"
	Hourly   Tier = "hourly"
	Daily    Tier = "daily"
	Weekly   Tier = "weekly"
	Monthly  Tier = "monthly"
	Yearly   Tier = "yearly"
)

// Tiers lists every tier from the shortest cadence to the longest.
var Tiers = []Tier{Frequent, Hourly, Daily, Weekly, Monthly, Yearly}

// Valid reports whether t is one of Tiers.
func (t Tier) Valid() bool {
	for _, k := range Tiers {
		if k == t {
			return true
		}
	}
	return false
}

// ParseTier is case-insensitive.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown snapshot tier %q", s)
	}
	return t, nil
}

// Counts holds a retention count per tier.
type Counts map[Tier]int
