package policy

import (
	"sort"

	"github.com/gobwas/glob"

	"github.com/raoulx24/zfs-archiver/internal/compress"
	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
)

// Tree is an immutable index of configured sections. Inheritance is purely
// structural: an unset attribute takes the value of the closest configured
// ancestor on the same endpoint.
type Tree struct {
	nodes     map[string]*Node
	conflicts map[string]error
	excludes  map[string][]glob.Glob
}

// NewTree indexes nodes. Sections that are malformed on their own are kept
// as conflicts and reported by Resolve for their whole subtree; the map of
// those errors is also returned for reporting.
func NewTree(nodes []Node) (*Tree, map[string]error) {
	t := &Tree{
		nodes:     make(map[string]*Node, len(nodes)),
		conflicts: make(map[string]error),
		excludes:  make(map[string][]glob.Glob),
	}
	for i := range nodes {
		n := nodes[i]
		key := n.Location.String()
		if _, dup := t.nodes[key]; dup {
			t.conflicts[key] = conflict(key, "section defined twice")
			continue
		}
		t.nodes[key] = &n
		if err := validateNode(&n); err != nil {
			t.conflicts[key] = err
			continue
		}
		globs, err := compileExcludes(key, n.Exclude)
		if err != nil {
			t.conflicts[key] = err
			continue
		}
		t.excludes[key] = globs
	}
	conflicts := make(map[string]error, len(t.conflicts))
	for k, v := range t.conflicts {
		conflicts[k] = v
	}
	return t, conflicts
}

// Nodes returns the configured sections sorted by location.
func (t *Tree) Nodes() []dataset.Location {
	out := make([]dataset.Location, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n.Location)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Roots returns the sections that have no configured ancestor.
func (t *Tree) Roots() []dataset.Location {
	var out []dataset.Location
	for _, loc := range t.Nodes() {
		if len(t.chain(loc)) == 1 {
			out = append(out, loc)
		}
	}
	return out
}

// Configured reports whether loc has its own section.
func (t *Tree) Configured(loc dataset.Location) bool {
	_, ok := t.nodes[loc.String()]
	return ok
}

// Resolve computes the effective policy of loc. It fails with
// ErrNotConfigured outside every section and with a *ConflictError when a
// section on the way up is malformed or the resolved lists disagree.
func (t *Tree) Resolve(loc dataset.Location) (Effective, error) {
	chain := t.chain(loc)
	if len(chain) == 0 {
		return Effective{}, ErrNotConfigured
	}
	for _, n := range chain {
		if err := t.conflicts[n.Location.String()]; err != nil {
			return Effective{}, err
		}
	}

	eff := Effective{
		Location: loc,
		Node:     chain[0].Location,
		Counts:   make(snapshot.Counts, len(snapshot.Tiers)),
	}
	for _, tier := range snapshot.Tiers {
		for _, n := range chain {
			if c, ok := n.Counts[tier]; ok {
				eff.Counts[tier] = c
				break
			}
		}
	}

	var (
		dest, keys, codecs []string
		raws               []bool
		destFrom           *Node
	)
	for i := len(chain) - 1; i >= 0; i-- {
		// walk root to leaf so the closest section is applied last
		n := chain[i]
		if n.Snap != nil {
			eff.Snap = *n.Snap
		}
		if n.Clean != nil {
			eff.Clean = *n.Clean
		}
		if n.Key != nil {
			eff.Key = *n.Key
		}
		if n.Dest != nil {
			dest, destFrom = n.Dest, n
		}
		if n.DestKeys != nil {
			keys = n.DestKeys
		}
		if n.Compress != nil {
			codecs = n.Compress
		}
		if n.RawSend != nil {
			raws = n.RawSend
		}
		if n.Exclude != nil {
			eff.Exclude = append([]string(nil), n.Exclude...)
		}
	}

	section := eff.Node.String()
	if destFrom != nil {
		eff.DestOrigin = destFrom.Location.Path
		dests, err := alignDestinations(section, dest, keys, codecs, raws)
		if err != nil {
			return Effective{}, err
		}
		eff.Destinations = dests
	} else if len(keys) > 0 || len(codecs) > 0 || len(raws) > 0 {
		return Effective{}, conflict(section, "dest_keys, compress or raw_send set without dest")
	}
	return eff, nil
}

// Excluded reports whether loc is removed from consideration by the exclude
// patterns of its nearest section. A section is never excluded by its own
// or an ancestor's patterns; any path strictly below the section, up to and
// including loc, that matches a pattern excludes loc.
func (t *Tree) Excluded(loc dataset.Location) bool {
	n, ok := t.nearest(loc)
	if !ok {
		return false
	}
	globs := t.effectiveExcludes(n.Location)
	if len(globs) == 0 {
		return false
	}
	for p := loc.Path; p.IsDescendantOf(n.Location.Path); p = p.Parent() {
		for _, g := range globs {
			if g.Match(p.String()) {
				return true
			}
		}
	}
	return false
}

// effectiveExcludes returns the compiled patterns loc inherits.
func (t *Tree) effectiveExcludes(loc dataset.Location) []glob.Glob {
	for _, n := range t.chain(loc) {
		if n.Exclude != nil {
			return t.excludes[n.Location.String()]
		}
	}
	return nil
}

// chain lists the configured sections from loc (inclusive) up to the root.
func (t *Tree) chain(loc dataset.Location) []*Node {
	var out []*Node
	if n, ok := t.nodes[loc.String()]; ok {
		out = append(out, n)
	}
	for _, p := range loc.Path.Ancestors() {
		if n, ok := t.nodes[loc.WithPath(p).String()]; ok {
			out = append(out, n)
		}
	}
	return out
}

func (t *Tree) nearest(loc dataset.Location) (*Node, bool) {
	chain := t.chain(loc)
	if len(chain) == 0 {
		return nil, false
	}
	return chain[0], true
}

func alignDestinations(section string, dest, keys, codecs []string, raws []bool) ([]Destination, error) {
	for name, n := range map[string]int{"dest_keys": len(keys), "compress": len(codecs), "raw_send": len(raws)} {
		if n > len(dest) {
			return nil, conflict(section, "%s has %d entries but dest has %d", name, n, len(dest))
		}
	}
	out := make([]Destination, 0, len(dest))
	for i, raw := range dest {
		loc, err := dataset.ParseLocation(raw)
		if err != nil {
			return nil, conflict(section, "dest %q: %v", raw, err)
		}
		d := Destination{Location: loc, Compress: compress.Default}
		if i < len(keys) {
			d.Key = keys[i]
		}
		if i < len(codecs) {
			cc, err := compress.Parse(codecs[i])
			if err != nil {
				return nil, conflict(section, "%v", err)
			}
			d.Compress = cc
		}
		if i < len(raws) {
			d.RawSend = raws[i]
		}
		out = append(out, d)
	}
	return out, nil
}

func validateNode(n *Node) error {
	key := n.Location.String()
	if n.Err != nil {
		return n.Err
	}
	if n.Location.Path == "" {
		return conflict(key, "empty dataset path")
	}
	for tier, c := range n.Counts {
		if !tier.Valid() {
			return conflict(key, "unknown tier %q", tier)
		}
		if c < 0 {
			return conflict(key, "%s must not be negative", tier)
		}
	}
	if n.Dest != nil {
		if _, err := alignDestinations(key, n.Dest, n.DestKeys, n.Compress, n.RawSend); err != nil {
			return err
		}
	}
	return nil
}

func compileExcludes(section string, patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, conflict(section, "exclude %q: %v", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}
