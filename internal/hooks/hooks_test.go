package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/nodeconf/internal/manifest"
	"github.com/schaermu/nodeconf/internal/remote"
)

// mockRunner records commands instead of executing them
type mockRunner struct {
	commands []string
	output   string
	err      error
}

func (m *mockRunner) Run(_ context.Context, command string) (string, error) {
	m.commands = append(m.commands, command)
	return m.output, m.err
}

func TestSystemctl(t *testing.T) {
	tests := []struct {
		name string
		fn   Func
		want string
	}{
		{name: "reload system", fn: Reload("nginx.service", false), want: "systemctl reload 'nginx.service'"},
		{name: "reload user", fn: Reload("app.service", true), want: "systemctl --user reload 'app.service'"},
		{name: "restart", fn: Restart("app.service", false), want: "systemctl try-restart 'app.service'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &mockRunner{}
			if err := tt.fn(context.Background(), r, "/etc/x.conf"); err != nil {
				t.Fatal(err)
			}
			if len(r.commands) != 1 || r.commands[0] != tt.want {
				t.Errorf("commands = %v, want [%s]", r.commands, tt.want)
			}
		})
	}
}

// sandboxRunner is a runner confined below a scratch root.
type sandboxRunner struct {
	mockRunner
}

func (s *sandboxRunner) Sandboxed() bool { return true }

func TestSystemctl_SkippedOnSandbox(t *testing.T) {
	r := &sandboxRunner{}
	err := Restart("nginx.service", false)(context.Background(), r, "/etc/x.conf")
	if !errors.Is(err, ErrSkipped) {
		t.Fatalf("expected ErrSkipped, got %v", err)
	}
	if len(r.commands) != 0 {
		t.Errorf("systemctl must not run on a sandboxed runner, got %v", r.commands)
	}

	if err := Command("true")(context.Background(), r, "/etc/x.conf"); err != nil {
		t.Fatalf("commands still run on a sandboxed runner: %v", err)
	}
	if len(r.commands) != 1 {
		t.Errorf("expected the command to run, got %v", r.commands)
	}
}

func TestSystemctl_Error(t *testing.T) {
	r := &mockRunner{output: "Unit not found.\n", err: errors.New("exit status 5")}
	err := Reload("missing.service", false)(context.Background(), r, "/etc/x.conf")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Unit not found.") {
		t.Errorf("error should carry command output: %v", err)
	}
}

func TestCommand_ExportsDest(t *testing.T) {
	root := t.TempDir()
	local := remote.NewLocal(root)

	hook := Command(`printf '%s' "$DEST" > "$NODECONF_ROOT/seen"`)
	if err := hook(context.Background(), local, "/etc/it's.conf"); err != nil {
		t.Fatalf("hook failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "seen"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "/etc/it's.conf" {
		t.Errorf("DEST = %q", data)
	}

	if err := Command("exit 1")(context.Background(), local, "/x"); err == nil {
		t.Error("expected error for failing command")
	}
}

func TestFromManifest(t *testing.T) {
	if FromManifest(nil) != nil {
		t.Error("nil post_process must yield no hook")
	}

	r := &mockRunner{}
	hook := FromManifest(&manifest.PostProcess{Restart: "web.service", User: true})
	if hook == nil {
		t.Fatal("expected hook")
	}
	if err := hook(context.Background(), r, "/x"); err != nil {
		t.Fatal(err)
	}
	if r.commands[0] != "systemctl --user try-restart 'web.service'" {
		t.Errorf("unexpected command %q", r.commands[0])
	}

	r = &mockRunner{}
	if err := FromManifest(&manifest.PostProcess{Command: "true"})(context.Background(), r, "/x"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(r.commands[0], "DEST='/x'; export DEST; ") {
		t.Errorf("unexpected command %q", r.commands[0])
	}
}
