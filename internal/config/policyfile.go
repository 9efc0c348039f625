package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/raoulx24/zfs-archiver/internal/dataset"
	"github.com/raoulx24/zfs-archiver/internal/policy"
	"github.com/raoulx24/zfs-archiver/internal/snapshot"
)

// LoadPolicy reads the sectioned policy file and builds the policy tree.
// Malformed sections are returned as conflicts and disable their subtree;
// only an unreadable or syntactically broken file is an error.
func LoadPolicy(path string) (*policy.Tree, map[string]error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy is LoadPolicy on an in-memory file.
func ParsePolicy(data []byte) (*policy.Tree, map[string]error, error) {
	nodes, bad, err := parseSections(data)
	if err != nil {
		return nil, nil, err
	}
	tree, conflicts := policy.NewTree(nodes)
	for k, v := range bad {
		conflicts[k] = v
	}
	return tree, conflicts, nil
}

func parseSections(data []byte) ([]policy.Node, map[string]error, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		InsensitiveKeys:          true,
		SpaceBeforeInlineComment: true,
	}, data)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing policy file: %w", err)
	}

	bad := make(map[string]error)
	var nodes []policy.Node
	for _, sec := range f.Sections() {
		name := strings.TrimSpace(sec.Name())
		if name == ini.DefaultSection {
			if len(sec.Keys()) > 0 {
				bad[name] = &policy.ConflictError{Section: name, Reason: "keys outside of a dataset section"}
			}
			continue
		}
		loc, err := dataset.ParseLocation(name)
		if err != nil {
			bad[name] = &policy.ConflictError{Section: name, Reason: err.Error()}
			continue
		}
		node := policy.Node{Location: loc}
		if err := fillNode(&node, sec); err != nil {
			node.Err = &policy.ConflictError{Section: loc.String(), Reason: err.Error()}
		}
		nodes = append(nodes, node)
	}
	return nodes, bad, nil
}

func fillNode(n *policy.Node, sec *ini.Section) error {
	for _, key := range sec.Keys() {
		name, value := key.Name(), strings.TrimSpace(key.Value())

		if tier, err := snapshot.ParseTier(name); err == nil {
			c, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: not a number: %q", name, value)
			}
			if n.Counts == nil {
				n.Counts = make(map[snapshot.Tier]int)
			}
			n.Counts[tier] = c
			continue
		}

		switch name {
		case "snap", "clean":
			b, err := parseBool(value)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if name == "snap" {
				n.Snap = &b
			} else {
				n.Clean = &b
			}
		case "key":
			n.Key = policy.String(value)
		case "dest":
			n.Dest = splitList(value)
		case "dest_keys":
			n.DestKeys = splitList(value)
		case "compress":
			n.Compress = splitList(value)
		case "raw_send":
			var raws []bool
			for _, v := range splitList(value) {
				b, err := parseBool(v)
				if err != nil {
					return fmt.Errorf("raw_send: %w", err)
				}
				raws = append(raws, b)
			}
			if raws == nil {
				raws = []bool{}
			}
			n.RawSend = raws
		case "exclude":
			n.Exclude = strings.FieldsFunc(value, func(r rune) bool {
				return r == ',' || r == ' ' || r == '\t'
			})
			if n.Exclude == nil {
				n.Exclude = []string{}
			}
		default:
			return fmt.Errorf("unknown key %q", name)
		}
	}
	return nil
}

// splitList splits on commas. An empty value is an explicit empty list.
func splitList(value string) []string {
	out := []string{}
	if value == "" {
		return out
	}
	for _, p := range strings.Split(value, ",") {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "on", "1":
		return true, nil
	case "no", "false", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}
