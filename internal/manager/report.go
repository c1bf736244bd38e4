package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/schaermu/nodeconf/internal/hooks"
	"github.com/schaermu/nodeconf/internal/remote"
	"github.com/sourcegraph/go-diff/diff"
)

// Status keywords
const (
	StatusOK      = "OK"
	StatusDiffers = "DIFFERS"
	StatusWrote   = "WROTE"
)

// Diff labels
const (
	ConfigLabel = "config"
	ActiveLabel = "active"
	configDate  = "(rendered)"
)

const noNewline = "\\ No newline at end of file\n"

// audit compares the rendered text with the active content.
func (m *Manager) audit(e Entry, oc *outcome, showDiff bool, res *Result) {
	active := *oc.activeText
	if active == oc.text {
		m.status(res, StatusOK, e, oc.destPath)
		return
	}

	m.status(res, StatusDiffers, e, oc.destPath)

	d := UnifiedDiff(oc.text, active, oc.activeTime)
	if added, changed, deleted, err := DiffStat(d); err == nil {
		m.logger.Debug("diff stat",
			"node", e.Node.Name(),
			"path", oc.destPath,
			"added", added,
			"changed", changed,
			"deleted", deleted)
	} else {
		m.logger.Debug("failed to parse diff", "path", oc.destPath, "error", err)
	}

	if showDiff {
		fmt.Fprint(m.out, d)
	}
}

// deploy writes the rendered text unless the active content is identical,
// then runs the entry's post-process hook. The returned kind classifies a
// non-nil error.
func (m *Manager) deploy(ctx context.Context, r remote.Remote, e Entry, oc *outcome, verbose bool, res *Result) (string, error) {
	if oc.activeText != nil && *oc.activeText == oc.text {
		if verbose {
			m.status(res, StatusOK, e, oc.destPath)
		}
		return "", nil
	}

	if err := r.WriteFile(ctx, oc.destPath, []byte(oc.text), e.Mode); err != nil {
		return FailRemoteWrite, err
	}
	m.status(res, StatusWrote, e, oc.destPath)

	if e.PostProcess != nil {
		err := e.PostProcess(ctx, r, oc.destPath)
		switch {
		case errors.Is(err, hooks.ErrSkipped):
			m.logger.Warn("post-process skipped", "node", e.Node.Name(), "path", oc.destPath, "reason", err)
		case err != nil:
			return FailPostProcess, err
		}
	}
	return "", nil
}

// status emits one machine-parseable status line.
func (m *Manager) status(res *Result, status string, e Entry, path string) {
	node := e.Node.Name()
	msg := fmt.Sprintf("%8s %s: %s", status, node, path)
	if status == StatusDiffers {
		m.logger.Warn(msg, "status", status, "node", node, "path", path)
	} else {
		m.logger.Info(msg, "status", status, "node", node, "path", path)
	}
	res.Statuses = append(res.Statuses, Status{Status: status, Node: node, Path: path})
	m.Metrics.Status(status)
}

// UnifiedDiff returns a unified diff (3 lines of context) from the rendered
// config text to the active text. An empty string means no difference.
func UnifiedDiff(config, active string, activeTime time.Time) string {
	toDate := ""
	if !activeTime.IsZero() {
		toDate = activeTime.Format(time.RFC3339)
	}

	out, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(config),
		B:        splitLines(active),
		FromFile: ConfigLabel,
		FromDate: configDate,
		ToFile:   ActiveLabel,
		ToDate:   toDate,
		Context:  3,
		Eol:      "\n",
	})
	if err != nil {
		// only returned by the underlying writer, which is a buffer
		return ""
	}
	return out
}

// splitLines splits s after each newline. A final line without newline is
// marked the way diff(1) does.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	last := len(lines) - 1
	if lines[last] == "" {
		return lines[:last]
	}
	lines[last] += "\n" + noNewline
	return lines
}

// DiffStat counts added, changed and deleted lines in a unified diff
// produced by UnifiedDiff.
func DiffStat(unified string) (added, changed, deleted int, err error) {
	idx := strings.Index(unified, "@@")
	if idx < 0 {
		return 0, 0, 0, nil
	}
	hunks, err := diff.ParseHunks([]byte(unified[idx:]))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to parse hunks: %w", err)
	}
	st := (&diff.FileDiff{Hunks: hunks}).Stat()
	return int(st.Added), int(st.Changed), int(st.Deleted), nil
}
