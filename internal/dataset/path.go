// Package dataset models hierarchical volume-manager dataset names and the
// endpoints they live on.
package dataset

import "strings"

// Separator splits path components.
const Separator = "/"

// Path is a dataset name such as pool/fs/child.
type Path string

// Clean trims surrounding whitespace and separators.
func Clean(s string) Path {
	return Path(strings.Trim(strings.TrimSpace(s), Separator))
}

func (p Path) String() string { return string(p) }

// Parent returns the enclosing dataset, or "" for a pool root.
func (p Path) Parent() Path {
	i := strings.LastIndex(string(p), Separator)
	if i < 0 {
		return ""
	}
	return p[:i]
}

// IsDescendantOf reports whether p lies strictly below other.
func (p Path) IsDescendantOf(other Path) bool {
	if other == "" {
		return p != ""
	}
	return strings.HasPrefix(string(p), string(other)+Separator)
}

// Contains reports whether other is p itself or one of its descendants.
func (p Path) Contains(other Path) bool {
	return other == p || other.IsDescendantOf(p)
}

// Rel returns p relative to ancestor. It returns "" when p == ancestor and
// p unchanged when p is not below ancestor.
func (p Path) Rel(ancestor Path) Path {
	if p == ancestor {
		return ""
	}
	if !p.IsDescendantOf(ancestor) {
		return p
	}
	return p[len(ancestor)+len(Separator):]
}

// Join appends a relative path.
func (p Path) Join(rel Path) Path {
	switch {
	case rel == "":
		return p
	case p == "":
		return rel
	}
	return p + Separator + rel
}

// Depth counts components: "pool" is 1.
func (p Path) Depth() int {
	if p == "" {
		return 0
	}
	return strings.Count(string(p), Separator) + 1
}

// Ancestors walks from the parent of p up to the pool root.
func (p Path) Ancestors() []Path {
	var out []Path
	for cur := p.Parent(); cur != ""; cur = cur.Parent() {
		out = append(out, cur)
	}
	return out
}
