// Package manager holds the file registry and the reconciliation engine:
// every registered entry is rendered, optionally compared with the node's
// current file, and optionally written back.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/nodeconf/internal/hooks"
	"github.com/schaermu/nodeconf/internal/inventory"
	"github.com/schaermu/nodeconf/internal/manifest"
	"github.com/schaermu/nodeconf/internal/metrics"
	"github.com/schaermu/nodeconf/internal/remote"
	"github.com/schaermu/nodeconf/internal/render"
)

// Failure kinds
const (
	FailRender      = "render"
	FailRemoteRead  = "remote-read"
	FailRemoteWrite = "remote-write"
	FailPostProcess = "post-process"
)

// Entry is one template-to-node binding.
type Entry struct {
	Node        *inventory.Node
	Config      *manifest.Config
	SourcePath  string // relative to Config.Path
	DestPath    string // destination path template; empty means none
	Render      render.Func
	Report      bool
	Mode        fs.FileMode
	PostProcess hooks.Func
}

// Options selects what Reconcile does with each rendered entry. The zero
// value only renders.
type Options struct {
	Show     bool
	Deploy   bool
	Audit    bool
	ShowDiff bool
	Verbose  bool
	Filter   func(Entry) bool
}

// Failure records one entry that did not reconcile cleanly.
type Failure struct {
	Node string
	Path string
	Kind string
	Err  error
}

// Status is one emitted status line.
type Status struct {
	Status string
	Node   string
	Path   string
}

// Result summarizes a single Reconcile call.
type Result struct {
	ErrorCount int
	Failures   []Failure
	Statuses   []Status
	Processed  int
	Skipped    int
}

// Count returns how many status lines with the given status were emitted.
func (r *Result) Count(status string) int {
	n := 0
	for _, s := range r.Statuses {
		if s.Status == status {
			n++
		}
	}
	return n
}

// Manager is the file registry and reconciliation engine. It is not safe
// for concurrent use.
type Manager struct {
	// DefaultRender is used for entries registered without a render func.
	DefaultRender render.Func
	// Metrics is optional.
	Metrics *metrics.Recorder

	out        io.Writer
	remotes    remote.Dialer
	logger     *slog.Logger
	dynConf    *render.DynamicConf
	entries    []Entry
	errorCount int
}

// New creates an empty manager writing show and diff output to out.
func New(remotes remote.Dialer, out io.Writer, logger *slog.Logger) *Manager {
	if out == nil {
		out = os.Stdout
	}
	return &Manager{
		DefaultRender: render.Text,
		out:           out,
		remotes:       remotes,
		logger:        logger,
		dynConf:       &render.DynamicConf{},
	}
}

// AddFile registers an entry.
func (m *Manager) AddFile(e Entry) {
	if e.Render == nil {
		e.Render = m.DefaultRender
	}
	m.logger.Debug("add file", "node", nodeName(e.Node), "source", e.SourcePath, "dest", e.DestPath, "report", e.Report)
	m.entries = append(m.entries, e)
}

// Entries returns the registered entries in registration order.
func (m *Manager) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// DynConf returns the run-scoped dynamic configuration shared by renders.
func (m *Manager) DynConf() *render.DynamicConf {
	return m.dynConf
}

// AddDynamic appends a dynamic configuration record.
func (m *Manager) AddDynamic(r render.Record) {
	m.dynConf.Add(r)
}

// ErrorCount returns the number of render failures seen by every Reconcile
// call on this manager. It never decreases.
func (m *Manager) ErrorCount() int {
	return m.errorCount
}

// Reconcile processes non-report entries followed by report entries, each
// group in registration order. Render and remote failures are recorded in
// the result and never stop the run; a fatal render error (see
// render.IsFatal) or a cancelled ctx does, and is returned with the partial
// result.
func (m *Manager) Reconcile(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	res := &Result{}

	m.logger.Debug("reconcile",
		"show", opts.Show,
		"audit", opts.Audit,
		"deploy", opts.Deploy,
		"diff", opts.ShowDiff,
		"entries", len(m.entries))

	err := m.reconcile(ctx, opts, res)
	m.Metrics.RunFinished(time.Since(start), res.ErrorCount)
	return res, err
}

func (m *Manager) reconcile(ctx context.Context, opts Options, res *Result) error {
	for _, e := range m.ordered() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !e.Node.VerifyEnabled() {
			m.logger.Debug("filtered: verify disabled", "node", e.Node.Name(), "source", e.SourcePath)
			res.Skipped++
			continue
		}
		if opts.Filter != nil && !opts.Filter(e) {
			m.logger.Debug("filtered: filter", "node", e.Node.Name(), "source", e.SourcePath)
			res.Skipped++
			continue
		}

		res.Processed++
		if err := m.process(ctx, e, opts, res); err != nil {
			return err
		}
	}
	return nil
}

// ordered returns non-report entries first, then report entries.
func (m *Manager) ordered() []Entry {
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.Report {
			out = append(out, e)
		}
	}
	for _, e := range m.entries {
		if e.Report {
			out = append(out, e)
		}
	}
	return out
}

// outcome is the transient per-entry state of one reconciliation.
type outcome struct {
	text       string
	destPath   string
	failed     bool
	activeText *string
	activeTime time.Time
}

func (m *Manager) process(ctx context.Context, e Entry, opts Options, res *Result) error {
	oc, err := m.render(e, res)
	if err != nil {
		return err
	}

	if opts.Show {
		m.show(e, oc)
	}

	if oc.destPath == "" || oc.failed || (!opts.Audit && !opts.Deploy) {
		return nil
	}

	r, dialErr := m.remotes.Remote(e.Node)
	err = dialErr
	if err == nil {
		err = m.fetch(ctx, r, oc)
	}
	if err != nil {
		missing := errors.Is(err, remote.ErrNotExist)
		if opts.Audit {
			m.logger.Error("failed to read active file",
				"node", e.Node.Name(),
				"path", oc.destPath,
				"missing", missing,
				"kind", errorKind(err),
				"error", err)
			res.fail(m.Metrics, e.Node.Name(), oc.destPath, FailRemoteRead, err)
		} else {
			m.logger.Debug("no active file", "node", e.Node.Name(), "path", oc.destPath, "missing", missing, "error", err)
		}
		oc.activeText = nil
	}

	if oc.activeText != nil && opts.Audit {
		m.audit(e, oc, opts.ShowDiff, res)
	}

	if !opts.Deploy {
		return nil
	}
	kind, err := FailRemoteWrite, dialErr
	if err == nil {
		kind, err = m.deploy(ctx, r, e, oc, opts.Verbose, res)
	}
	if err != nil {
		m.logger.Error("deploy failed", "node", e.Node.Name(), "path", oc.destPath, "kind", kind, "error", err)
		res.fail(m.Metrics, e.Node.Name(), oc.destPath, kind, err)
	}
	return nil
}

// render runs the entry's render func. Non-fatal errors are converted into
// a failed outcome carrying the formatted error as its text.
func (m *Manager) render(e Entry, res *Result) (*outcome, error) {
	sourcePath := e.SourcePath
	if e.Config != nil {
		sourcePath = filepath.Join(e.Config.Path, e.SourcePath)
	}

	destPath, text, err := e.Render(sourcePath, e.DestPath)
	if err == nil {
		return &outcome{text: text, destPath: destPath}, nil
	}
	if render.IsFatal(err) {
		return nil, fmt.Errorf("%s: %s: %w", e.Node.Name(), sourcePath, err)
	}

	m.logger.Warn("render failed",
		"node", e.Node.Name(),
		"path", sourcePath,
		"kind", errorKind(err),
		"error", err)
	m.errorCount++
	res.ErrorCount++
	res.fail(m.Metrics, e.Node.Name(), sourcePath, FailRender, err)

	return &outcome{text: render.FormatError(err), destPath: e.DestPath, failed: true}, nil
}

func (m *Manager) show(e Entry, oc *outcome) {
	identity := fmt.Sprintf("%s: dest=%s", e.Node.Name(), oc.destPath)
	fmt.Fprintf(m.out, "--- BEGIN %s ---\n", identity)
	fmt.Fprintln(m.out, oc.text)
	fmt.Fprintf(m.out, "--- END %s ---\n\n", identity)
}

// fetch reads the active content and mtime of oc.destPath into oc.
func (m *Manager) fetch(ctx context.Context, r remote.Remote, oc *outcome) error {
	data, err := r.ReadFile(ctx, oc.destPath)
	if err != nil {
		return err
	}
	info, err := r.Stat(ctx, oc.destPath)
	if err != nil {
		return err
	}

	text := string(data)
	oc.activeText = &text
	if info != nil {
		oc.activeTime = info.ModTime
	}
	return nil
}

func (r *Result) fail(rec *metrics.Recorder, node, path, kind string, err error) {
	r.Failures = append(r.Failures, Failure{Node: node, Path: path, Kind: kind, Err: err})
	rec.Failure(kind)
}

// errorKind names the innermost meaningful error type for log output.
func errorKind(err error) string {
	var ve *render.VerifyError
	if errors.As(err, &ve) && ve.Err != nil {
		return fmt.Sprintf("%T", ve.Err)
	}
	var re *remote.Error
	if errors.As(err, &re) && re.Err != nil {
		return fmt.Sprintf("%T", re.Err)
	}
	return fmt.Sprintf("%T", err)
}

func nodeName(n *inventory.Node) string {
	if n == nil {
		return ""
	}
	return n.Name()
}
