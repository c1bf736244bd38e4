package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// System groups nodes and other systems. Systems nest; a system's full name
// is the slash-joined path from the inventory root.
type System struct {
	ShortName string         `yaml:"name" toml:"name"`
	Settings  map[string]any `yaml:"settings" toml:"settings"`
	Nodes     []*Node        `yaml:"nodes" toml:"nodes"`
	Systems   []*System      `yaml:"systems" toml:"systems"`

	Parent *System `yaml:"-" toml:"-"`
}

// Node is a single target that receives configuration files.
type Node struct {
	ShortName string         `yaml:"name" toml:"name"`
	Host      string         `yaml:"host" toml:"host"`
	User      string         `yaml:"user" toml:"user"`
	Port      int            `yaml:"port" toml:"port"`
	Verify    *bool          `yaml:"verify" toml:"verify"`
	Configs   []string       `yaml:"configs" toml:"configs"`
	Settings  map[string]any `yaml:"settings" toml:"settings"`

	System *System `yaml:"-" toml:"-"`
}

// Inventory is the parsed topology of systems and nodes.
type Inventory struct {
	Systems []*System `yaml:"systems" toml:"systems"`
	Nodes   []*Node   `yaml:"nodes" toml:"nodes"`
}

// Target is a single lookup hit, either a node or a system.
type Target struct {
	Node   *Node
	System *System
}

// Name returns the full name of the hit.
func (t Target) Name() string {
	if t.Node != nil {
		return t.Node.Name()
	}
	if t.System != nil {
		return t.System.Name()
	}
	return ""
}

// IsNode reports whether the hit is a node.
func (t Target) IsNode() bool {
	return t.Node != nil
}

// Name returns the full slash-separated name of the system.
func (s *System) Name() string {
	if s.Parent == nil {
		return s.ShortName
	}
	return s.Parent.Name() + "/" + s.ShortName
}

// MergedSettings returns the settings of the system chain, outermost first,
// with inner systems overriding outer ones.
func (s *System) MergedSettings() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	base := s.Parent.MergedSettings()
	return MergeSettings(base, s.Settings)
}

// Name returns the full slash-separated name of the node, including its
// owning systems.
func (n *Node) Name() string {
	if n.System == nil {
		return n.ShortName
	}
	return n.System.Name() + "/" + n.ShortName
}

// VerifyEnabled reports whether the node takes part in reconciliation.
// Nodes are enabled unless explicitly disabled.
func (n *Node) VerifyEnabled() bool {
	return n.Verify == nil || *n.Verify
}

// IsLocal reports whether the node is reached through the local filesystem.
func (n *Node) IsLocal() bool {
	switch strings.ToLower(strings.TrimSpace(n.Host)) {
	case "", "local", "localhost":
		return true
	}
	return false
}

// MergedSettings returns the node settings layered over its systems' settings.
func (n *Node) MergedSettings() map[string]any {
	return MergeSettings(n.System.MergedSettings(), n.Settings)
}

// Load reads an inventory from a YAML (.yaml, .yml) or TOML (.toml) file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}

	var inv Inventory
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &inv); err != nil {
			return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &inv); err != nil {
			return nil, fmt.Errorf("failed to parse inventory %s: %w", path, err)
		}
	}

	if err := inv.link(); err != nil {
		return nil, fmt.Errorf("invalid inventory %s: %w", path, err)
	}
	return &inv, nil
}

// link sets parent back-references and rejects unnamed or duplicate entries.
func (inv *Inventory) link() error {
	seen := make(map[string]bool)

	var walk func(parent *System, systems []*System, nodes []*Node) error
	walk = func(parent *System, systems []*System, nodes []*Node) error {
		for _, n := range nodes {
			if strings.TrimSpace(n.ShortName) == "" {
				return fmt.Errorf("node without name")
			}
			n.System = parent
			if seen[n.Name()] {
				return fmt.Errorf("duplicate name %q", n.Name())
			}
			seen[n.Name()] = true
		}
		for _, s := range systems {
			if strings.TrimSpace(s.ShortName) == "" {
				return fmt.Errorf("system without name")
			}
			s.Parent = parent
			if seen[s.Name()] {
				return fmt.Errorf("duplicate name %q", s.Name())
			}
			seen[s.Name()] = true
			if err := walk(s, s.Systems, s.Nodes); err != nil {
				return err
			}
		}
		return nil
	}

	return walk(nil, inv.Systems, inv.Nodes)
}

// AllNodes returns every node in declaration order, depth first.
func (inv *Inventory) AllNodes() []*Node {
	var out []*Node
	inv.walk(func(t Target) {
		if t.Node != nil {
			out = append(out, t.Node)
		}
	})
	return out
}

// Find returns the nodes and/or systems whose full name matches the regular
// expression pattern (unanchored search), in declaration order.
func (inv *Inventory) Find(pattern string, nodes, systems bool) ([]Target, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var hits []Target
	inv.walk(func(t Target) {
		if (t.Node != nil && !nodes) || (t.System != nil && !systems) {
			return
		}
		if re.MatchString(t.Name()) {
			hits = append(hits, t)
		}
	})
	return hits, nil
}

// walk visits top-level nodes first, then every system followed by its
// own nodes and subsystems.
func (inv *Inventory) walk(visit func(Target)) {
	var walkSystem func(s *System)
	walkSystem = func(s *System) {
		visit(Target{System: s})
		for _, n := range s.Nodes {
			visit(Target{Node: n})
		}
		for _, sub := range s.Systems {
			walkSystem(sub)
		}
	}

	for _, n := range inv.Nodes {
		visit(Target{Node: n})
	}
	for _, s := range inv.Systems {
		walkSystem(s)
	}
}

// MergeSettings returns a new map with overlay applied on top of base.
// Nested maps are merged recursively; every other value is replaced.
func MergeSettings(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if sub, ok := v.(map[string]any); ok {
			if prev, ok := out[k].(map[string]any); ok {
				out[k] = MergeSettings(prev, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}
