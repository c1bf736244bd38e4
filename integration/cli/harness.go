//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/nodeconf/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the nodeconf binary once per test and runs it against a
// throwaway project: an upstream git repository holding the inventory and
// config dirs, a state dir and a local root standing in for the nodes.
type Harness struct {
	t        *testing.T
	binary   string
	Upstream string
	StateDir string
	Root     string
	Config   string
}

// NewHarness builds the binary and lays out an empty project.
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("find project root: %v", err)
	}

	dir := t.TempDir()
	h := &Harness{
		t:        t,
		binary:   filepath.Join(dir, "nodeconf"),
		Upstream: filepath.Join(dir, "upstream"),
		StateDir: filepath.Join(dir, "state"),
		Root:     filepath.Join(dir, "root"),
		Config:   filepath.Join(dir, "nodeconf.yaml"),
	}

	build := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/nodeconf")
	build.Dir = projectRoot
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("go build: %v\n%s", err, out)
	}

	h.git(ctx, "init", "-b", "main", h.Upstream)
	h.git(ctx, "-C", h.Upstream, "config", "user.email", "test@test.com")
	h.git(ctx, "-C", h.Upstream, "config", "user.name", "Test")

	config := fmt.Sprintf(`inventory: inventory.yaml
repo:
  url: %s
  ref: main
  subdir: configs
paths:
  state_dir: %s
local_root: %s
metrics:
  textfile: %s
`, h.Upstream, h.StateDir, h.Root, filepath.Join(dir, "metrics", "nodeconf.prom"))
	if err := os.WriteFile(h.Config, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	return h
}

// Commit writes files into the upstream repository and commits them.
func (h *Harness) Commit(ctx context.Context, msg string, files map[string]string) {
	h.t.Helper()
	testutil.WriteTree(h.t, h.Upstream, files)
	h.git(ctx, "-C", h.Upstream, "add", "-A")
	h.git(ctx, "-C", h.Upstream, "commit", "-m", msg)
}

// Run executes nodeconf with the harness config and returns stdout, stderr
// and the exit code.
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int) {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, h.binary, append([]string{"--config", h.Config}, args...)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.t.Fatalf("exec nodeconf: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode
}

// MustRun executes nodeconf and fails the test on a non-zero exit.
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, code := h.Run(ctx, args...)
	if code != 0 {
		h.t.Fatalf("nodeconf %v exited %d\nstdout: %s\nstderr: %s", args, code, stdout, stderr)
	}
	return stdout
}

// ReadNodeFile reads a file deployed below the local root.
func (h *Harness) ReadNodeFile(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.Root, filepath.FromSlash(strings.TrimPrefix(path, "/"))))
	return string(data), err
}

func (h *Harness) git(ctx context.Context, args ...string) {
	h.t.Helper()
	if out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput(); err != nil {
		h.t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}
