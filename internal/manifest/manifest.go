// Package manifest loads configuration source directories. A config dir holds
// template files and an optional config.yaml manifest declaring which files
// to render, where they go, and what runs after they are written.
package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the manifest file looked up in every config dir.
const FileName = "config.yaml"

// TemplateSuffix marks files rendered as templates during discovery.
const TemplateSuffix = ".tmpl"

// Render kinds
const (
	RenderTemplate = "template"
	RenderText     = "text"
)

// Config is one configuration source root.
type Config struct {
	Name     string
	Path     string
	Manifest *Manifest
}

// Manifest is the parsed config.yaml of a config dir.
type Manifest struct {
	Defaults map[string]any `yaml:"defaults"`
	Files    []File         `yaml:"files"`
	Edges    []Edge         `yaml:"edges"`
}

// File declares one template-to-destination binding.
type File struct {
	Source      string       `yaml:"source"`
	Dest        string       `yaml:"dest"`
	Render      string       `yaml:"render"`
	Report      bool         `yaml:"report"`
	Mode        string       `yaml:"mode"`
	PostProcess *PostProcess `yaml:"post_process"`
}

// PostProcess declares what runs on the node after a file was written.
// Exactly one of Command, Reload and Restart is set.
type PostProcess struct {
	Command string `yaml:"command"`
	Reload  string `yaml:"reload"`
	Restart string `yaml:"restart"`
	User    bool   `yaml:"user"`
}

// Edge is a statically declared dynamic-conf edge.
type Edge struct {
	Source string            `yaml:"source"`
	Dest   string            `yaml:"dest"`
	Attrs  map[string]string `yaml:"attrs"`
}

// Load reads the config dir baseDir/name. A missing manifest is not an error;
// files are then discovered from the directory tree.
func Load(baseDir, name string) (*Config, error) {
	dir := filepath.Join(baseDir, name)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config %s: %s is not a directory", name, dir)
	}

	cfg := &Config{Name: name, Path: dir}

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config %s: failed to read manifest: %w", name, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config %s: failed to parse manifest: %w", name, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}
	cfg.Manifest = &m
	return cfg, nil
}

// Validate checks the manifest for structural errors.
func (m *Manifest) Validate() error {
	for i, f := range m.Files {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("files[%d]: %w", i, err)
		}
	}
	for i, e := range m.Edges {
		if e.Source == "" || e.Dest == "" {
			return fmt.Errorf("edges[%d]: source and dest are required", i)
		}
	}
	return nil
}

// Validate checks a single file declaration.
func (f File) Validate() error {
	if f.Source == "" {
		return fmt.Errorf("source is required")
	}
	clean := path.Clean(filepath.ToSlash(f.Source))
	if filepath.IsAbs(f.Source) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("source %q must be relative to the config dir", f.Source)
	}
	switch f.Render {
	case "", RenderTemplate, RenderText:
	default:
		return fmt.Errorf("invalid render %q (must be %s or %s)", f.Render, RenderTemplate, RenderText)
	}
	if _, err := f.FileMode(); err != nil {
		return err
	}
	if pp := f.PostProcess; pp != nil {
		set := 0
		for _, v := range []string{pp.Command, pp.Reload, pp.Restart} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return fmt.Errorf("post_process needs exactly one of command, reload or restart")
		}
	}
	return nil
}

// FileMode parses the octal mode string. An empty mode yields 0.
func (f File) FileMode() (fs.FileMode, error) {
	if f.Mode == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(f.Mode, 8, 32)
	if err != nil || v > 0o7777 {
		return 0, fmt.Errorf("invalid mode %q (octal permission bits expected)", f.Mode)
	}
	return fs.FileMode(v), nil
}

// Defaults returns the manifest defaults, or an empty map.
func (c *Config) Defaults() map[string]any {
	if c.Manifest == nil || c.Manifest.Defaults == nil {
		return map[string]any{}
	}
	return c.Manifest.Defaults
}

// Edges returns the statically declared edges.
func (c *Config) Edges() []Edge {
	if c.Manifest == nil {
		return nil
	}
	return c.Manifest.Edges
}

// Files returns the declared files, or discovers them when the config dir
// has no manifest or the manifest lists none.
func (c *Config) Files() ([]File, error) {
	if c.Manifest != nil && len(c.Manifest.Files) > 0 {
		return c.Manifest.Files, nil
	}

	paths, err := DiscoverAllFiles(c.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files in %s: %w", c.Path, err)
	}

	files := make([]File, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(c.Path, p)
		if err != nil {
			return nil, err
		}
		if rel == FileName {
			continue
		}
		render := RenderText
		if strings.HasSuffix(rel, TemplateSuffix) {
			render = RenderTemplate
		}
		files = append(files, File{
			Source: rel,
			Dest:   DestFromRelative(rel),
			Render: render,
		})
	}
	return files, nil
}

// DestFromRelative derives the absolute destination of a discovered file:
// the relative path rooted at "/" without the template suffix.
func DestFromRelative(rel string) string {
	return "/" + strings.TrimSuffix(filepath.ToSlash(rel), TemplateSuffix)
}

// DiscoverAllFiles finds all files in the specified directory in lexical
// order. Hidden files and directories (names starting with ".") are skipped.
func DiscoverAllFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Skip hidden files and directories (e.g. .git, .gitignore)
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}
