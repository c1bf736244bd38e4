// Package workspace wires configuration, inventory, config dirs and remotes
// into a single reconciliation run.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/schaermu/nodeconf/internal/config"
	"github.com/schaermu/nodeconf/internal/git"
	"github.com/schaermu/nodeconf/internal/inventory"
	"github.com/schaermu/nodeconf/internal/manager"
	"github.com/schaermu/nodeconf/internal/manifest"
	"github.com/schaermu/nodeconf/internal/metrics"
	"github.com/schaermu/nodeconf/internal/plugin"
	"github.com/schaermu/nodeconf/internal/remote"
)

// Options selects what a run does and which entries it touches.
type Options struct {
	Show     bool
	Audit    bool
	Deploy   bool
	ShowDiff bool
	Verbose  bool

	// NodePattern and PathPattern are regular expressions; empty matches all.
	NodePattern string
	PathPattern string
}

// State is the summary of the last completed run, persisted as JSON.
type State struct {
	Commit     string         `json:"commit,omitempty"`
	Time       time.Time      `json:"time"`
	Duration   string         `json:"duration"`
	Audit      bool           `json:"audit"`
	Deploy     bool           `json:"deploy"`
	Processed  int            `json:"processed"`
	Skipped    int            `json:"skipped"`
	ErrorCount int            `json:"error_count"`
	Statuses   map[string]int `json:"statuses"`
	Failures   []FailedEntry  `json:"failures,omitempty"`
}

// FailedEntry is a failure as recorded in State.
type FailedEntry struct {
	Node  string `json:"node"`
	Path  string `json:"path"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Workspace runs reconciliations for one configuration.
type Workspace struct {
	cfg     *config.Config
	git     git.Client
	out     io.Writer
	logger  *slog.Logger
	metrics *metrics.Recorder

	// Dialer overrides the remote pool built from the ssh settings.
	Dialer remote.Dialer
	// Now returns the current time; used for the run summary.
	Now func() time.Time
}

// New creates a workspace. gitClient may be nil when the config does not
// use a repository.
func New(cfg *config.Config, gitClient git.Client, out io.Writer, logger *slog.Logger) *Workspace {
	return &Workspace{
		cfg:     cfg,
		git:     gitClient,
		out:     out,
		logger:  logger,
		metrics: metrics.New(),
		Now:     time.Now,
	}
}

// Metrics returns the recorder shared by every run of this workspace.
func (w *Workspace) Metrics() *metrics.Recorder {
	return w.metrics
}

// Run performs one reconciliation: fetch, load, register, reconcile and
// record the outcome. A non-nil error means the run could not complete;
// per-entry failures are reported through the result.
func (w *Workspace) Run(ctx context.Context, opts Options) (*manager.Result, error) {
	start := w.Now()
	w.logger.Info("starting run",
		"source", w.cfg.ConfigSourceDir(),
		"audit", opts.Audit,
		"deploy", opts.Deploy)

	filter, err := newFilter(opts.NodePattern, opts.PathPattern)
	if err != nil {
		return nil, err
	}

	commit, err := w.fetch(ctx)
	if err != nil {
		return nil, err
	}

	inv, err := inventory.Load(w.cfg.InventoryPath())
	if err != nil {
		return nil, err
	}

	dialer := w.Dialer
	if dialer == nil {
		pool := remote.NewPool(w.poolOptions())
		defer func() {
			if err := pool.Close(); err != nil {
				w.logger.Warn("failed to close remotes", "error", err)
			}
		}()
		dialer = pool
	}

	m := manager.New(dialer, w.out, w.logger)
	m.Metrics = w.metrics

	if err := w.register(m, inv); err != nil {
		return nil, err
	}

	res, err := m.Reconcile(ctx, manager.Options{
		Show:     opts.Show,
		Audit:    opts.Audit,
		Deploy:   opts.Deploy,
		ShowDiff: opts.ShowDiff,
		Verbose:  opts.Verbose,
		Filter:   filter,
	})
	if err != nil {
		return res, err
	}

	state := newState(res, commit, start, w.Now().Sub(start), opts)
	if err := SaveState(w.cfg.StateFilePath(), state); err != nil {
		w.logger.Warn("failed to save run state", "error", err)
	}
	if path := w.cfg.Metrics.Textfile; path != "" {
		if err := w.metrics.WriteTextfile(path); err != nil {
			w.logger.Warn("failed to write metrics textfile", "path", path, "error", err)
		}
	}

	w.logger.Info("run completed",
		"processed", res.Processed,
		"skipped", res.Skipped,
		"errors", res.ErrorCount,
		"differs", res.Count(manager.StatusDiffers),
		"wrote", res.Count(manager.StatusWrote))
	return res, nil
}

// Inventory loads the inventory without fetching the repository.
func (w *Workspace) Inventory() (*inventory.Inventory, error) {
	return inventory.Load(w.cfg.InventoryPath())
}

// fetch updates the repository checkout when one is configured and returns
// the checked out commit.
func (w *Workspace) fetch(ctx context.Context) (string, error) {
	if err := os.MkdirAll(w.cfg.Paths.StateDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	if w.cfg.Repo.URL == "" || w.git == nil {
		return "", nil
	}

	w.logger.Info("fetching repository", "repo", w.cfg.Repo.URL, "ref", w.cfg.Repo.Ref)
	commit, err := w.git.EnsureCheckout(ctx, w.cfg.Repo.URL, w.cfg.Repo.Ref, w.cfg.RepoDir())
	if err != nil {
		return "", fmt.Errorf("failed to checkout repository: %w", err)
	}
	w.logger.Info("repository checked out", "commit", commit)
	return commit, nil
}

// register adds one plugin per (node, config) pair. Config dirs are loaded
// once and shared between nodes.
func (w *Workspace) register(m *manager.Manager, inv *inventory.Inventory) error {
	base := w.cfg.ConfigSourceDir()
	configs := make(map[string]*manifest.Config)

	for _, node := range inv.AllNodes() {
		for _, name := range node.Configs {
			cfg, ok := configs[name]
			if !ok {
				var err error
				cfg, err = manifest.Load(base, name)
				if err != nil {
					return fmt.Errorf("node %s: %w", node.Name(), err)
				}
				configs[name] = cfg
			}

			settings := inventory.MergeSettings(cfg.Defaults(), node.MergedSettings())
			p := plugin.New(m, cfg, settings, node, inv, w.logger)
			if err := p.AddManifest(); err != nil {
				return fmt.Errorf("node %s: config %s: %w", node.Name(), name, err)
			}
		}
	}

	w.logger.Debug("registered entries", "configs", len(configs), "entries", len(m.Entries()))
	return nil
}

func (w *Workspace) poolOptions() remote.PoolOptions {
	return remote.PoolOptions{
		LocalRoot: w.cfg.LocalRoot,
		SSH: remote.SSHOptions{
			User:                  w.cfg.SSH.User,
			Port:                  w.cfg.SSH.Port,
			KeyPath:               w.cfg.SSH.KeyFile,
			KnownHostsPath:        w.cfg.SSH.KnownHostsFile,
			InsecureIgnoreHostKey: w.cfg.SSH.InsecureIgnoreHostKey,
			Timeout:               w.cfg.SSH.Timeout,
		},
	}
}

// newFilter compiles the node and path patterns into an entry filter. The
// path pattern is matched against both the source and the destination
// template; filtering happens before rendering, so a templated destination
// is seen unresolved.
func newFilter(nodePattern, pathPattern string) (func(manager.Entry) bool, error) {
	if nodePattern == "" && pathPattern == "" {
		return nil, nil
	}

	var nodeRe, pathRe *regexp.Regexp
	var err error
	if nodePattern != "" {
		if nodeRe, err = regexp.Compile(nodePattern); err != nil {
			return nil, fmt.Errorf("invalid node pattern: %w", err)
		}
	}
	if pathPattern != "" {
		if pathRe, err = regexp.Compile(pathPattern); err != nil {
			return nil, fmt.Errorf("invalid path pattern: %w", err)
		}
	}

	return func(e manager.Entry) bool {
		if nodeRe != nil && !nodeRe.MatchString(e.Node.Name()) {
			return false
		}
		if pathRe != nil && !pathRe.MatchString(e.DestPath) && !pathRe.MatchString(e.SourcePath) {
			return false
		}
		return true
	}, nil
}

func newState(res *manager.Result, commit string, start time.Time, d time.Duration, opts Options) *State {
	state := &State{
		Commit:     commit,
		Time:       start.UTC(),
		Duration:   d.String(),
		Audit:      opts.Audit,
		Deploy:     opts.Deploy,
		Processed:  res.Processed,
		Skipped:    res.Skipped,
		ErrorCount: res.ErrorCount,
		Statuses:   make(map[string]int),
	}
	for _, s := range res.Statuses {
		state.Statuses[s.Status]++
	}
	for _, f := range res.Failures {
		state.Failures = append(state.Failures, FailedEntry{
			Node:  f.Node,
			Path:  f.Path,
			Kind:  f.Kind,
			Error: f.Err.Error(),
		})
	}
	return state
}

// LoadState reads the last run summary. A missing file yields nil, nil.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	return &state, nil
}

// SaveState writes the run summary atomically.
func SaveState(path string, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".nodeconf-state-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
