// Package plugin provides the per-node registration context: it turns
// manifest declarations into manager entries and binds the template renderer
// to a node, its settings and the inventory.
package plugin

import (
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/schaermu/nodeconf/internal/hooks"
	"github.com/schaermu/nodeconf/internal/inventory"
	"github.com/schaermu/nodeconf/internal/manager"
	"github.com/schaermu/nodeconf/internal/manifest"
	"github.com/schaermu/nodeconf/internal/render"
)

// Lookup finds inventory nodes and systems by name pattern.
type Lookup interface {
	Find(pattern string, nodes, systems bool) ([]inventory.Target, error)
}

// AmbiguousLookupError is returned when a lookup that must resolve to exactly
// one node or system matched none or several. It aborts the run.
type AmbiguousLookupError struct {
	Name    string
	Matches []string
}

func (e *AmbiguousLookupError) Error() string {
	if len(e.Matches) == 0 {
		return fmt.Sprintf("no match for %q", e.Name)
	}
	return fmt.Sprintf("found more than one (%d) %q: %s", len(e.Matches), e.Name, strings.Join(e.Matches, ", "))
}

// Fatal marks the error as fatal for render.IsFatal.
func (e *AmbiguousLookupError) Fatal() bool {
	return true
}

// Plugin registers files for one (config, node) pair.
type Plugin struct {
	manager  *manager.Manager
	config   *manifest.Config
	settings map[string]any
	node     *inventory.Node
	lookup   Lookup
	logger   *slog.Logger
}

// New creates a plugin context. settings are the effective settings the
// templates see as "s".
func New(m *manager.Manager, cfg *manifest.Config, settings map[string]any, node *inventory.Node, lookup Lookup, logger *slog.Logger) *Plugin {
	return &Plugin{
		manager:  m,
		config:   cfg,
		settings: settings,
		node:     node,
		lookup:   lookup,
		logger:   logger,
	}
}

// FileOption customizes a registered entry.
type FileOption func(*manager.Entry)

// WithRender overrides the default template renderer.
func WithRender(fn render.Func) FileOption {
	return func(e *manager.Entry) {
		e.Render = fn
	}
}

// AsReport defers the entry until all regular entries were processed.
func AsReport() FileOption {
	return func(e *manager.Entry) {
		e.Report = true
	}
}

// WithPostProcess runs fn on the node after the file was written.
func WithPostProcess(fn hooks.Func) FileOption {
	return func(e *manager.Entry) {
		e.PostProcess = fn
	}
}

// WithMode sets the permission bits applied on write.
func WithMode(mode fs.FileMode) FileOption {
	return func(e *manager.Entry) {
		e.Mode = mode
	}
}

// AddFile registers sourcePath (relative to the config dir) for deployment
// to destPath. Without WithRender the file is rendered as a template.
func (p *Plugin) AddFile(sourcePath, destPath string, opts ...FileOption) {
	e := manager.Entry{
		Node:       p.node,
		Config:     p.config,
		SourcePath: sourcePath,
		DestPath:   destPath,
		Render:     p.RenderTemplate,
	}
	for _, opt := range opts {
		opt(&e)
	}
	p.manager.AddFile(e)
}

// AddManifest registers every file and edge of the plugin's config dir.
func (p *Plugin) AddManifest() error {
	files, err := p.config.Files()
	if err != nil {
		return err
	}

	for _, f := range files {
		mode, err := f.FileMode()
		if err != nil {
			return fmt.Errorf("%s: %w", f.Source, err)
		}

		var opts []FileOption
		if f.Render == manifest.RenderText {
			opts = append(opts, WithRender(p.RenderText))
		}
		if f.Report {
			opts = append(opts, AsReport())
		}
		if mode != 0 {
			opts = append(opts, WithMode(mode))
		}
		if hook := hooks.FromManifest(f.PostProcess); hook != nil {
			opts = append(opts, WithPostProcess(hook))
		}
		p.AddFile(f.Source, f.Dest, opts...)
	}

	for _, e := range p.config.Edges() {
		p.AddEdge(e.Source, e.Dest, e.Attrs)
	}

	p.logger.Debug("registered config", "node", p.node.Name(), "config", p.config.Name, "files", len(files))
	return nil
}

// Find returns the nodes whose full name matches pattern.
func (p *Plugin) Find(pattern string) ([]inventory.Target, error) {
	return p.lookup.Find(pattern, true, false)
}

// GetOne returns the single node or system matching name. Zero or several
// matches yield an *AmbiguousLookupError.
func (p *Plugin) GetOne(name string, nodes, systems bool) (inventory.Target, error) {
	hits, err := p.lookup.Find(name, nodes, systems)
	if err != nil {
		return inventory.Target{}, err
	}
	if len(hits) != 1 {
		matches := make([]string, 0, len(hits))
		for _, h := range hits {
			matches = append(matches, h.Name())
		}
		return inventory.Target{}, &AmbiguousLookupError{Name: name, Matches: matches}
	}
	return hits[0], nil
}

// GetNode returns the single node matching name.
func (p *Plugin) GetNode(name string) (inventory.Target, error) {
	return p.GetOne(name, true, false)
}

// GetSystem returns the single system matching name.
func (p *Plugin) GetSystem(name string) (inventory.Target, error) {
	return p.GetOne(name, false, true)
}

// AddEdge records an edge visible to every later render of the run.
func (p *Plugin) AddEdge(source, dest string, attrs map[string]string) {
	p.manager.AddDynamic(render.Record{Kind: "edge", Source: source, Dest: dest, Attrs: attrs})
}

// RenderText returns the source file verbatim.
func (p *Plugin) RenderText(sourcePath, destPath string) (string, string, error) {
	return render.Text(sourcePath, destPath)
}

// RenderTemplate renders the source file and destPath as templates bound to
// this plugin's node.
func (p *Plugin) RenderTemplate(sourcePath, destPath string) (string, string, error) {
	return render.Template(p.renderContext())(sourcePath, destPath)
}

func (p *Plugin) renderContext() render.Context {
	return render.Context{
		Node:      p.node,
		Settings:  p.settings,
		System:    p.node.System,
		Find:      p.Find,
		GetNode:   p.GetNode,
		GetSystem: p.GetSystem,
		Edge:      p.AddEdge,
		DynConf:   p.manager.DynConf(),
	}
}
