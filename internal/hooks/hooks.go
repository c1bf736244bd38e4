package hooks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/nodeconf/internal/manifest"
	"github.com/schaermu/nodeconf/internal/remote"
)

// Runner executes shell commands on a node
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Sandbox is implemented by runners that confine writes below a scratch
// root. Service managers are never touched on a sandboxed runner.
type Sandbox interface {
	Sandboxed() bool
}

// ErrSkipped is returned by hooks that did nothing because the runner is
// sandboxed.
var ErrSkipped = errors.New("post-process skipped on sandboxed runner")

// Func is a post-process step invoked with the destination path of a file
// after it has been written to the node behind r.
type Func func(ctx context.Context, r Runner, destPath string) error

// Command runs an arbitrary shell command with DEST set to the written path.
func Command(command string) Func {
	return func(ctx context.Context, r Runner, destPath string) error {
		script := fmt.Sprintf("DEST=%s; export DEST; %s", remote.ShellEscape(destPath), command)
		output, err := r.Run(ctx, script)
		if err != nil {
			return fmt.Errorf("post-process command failed: %w: %s", err, strings.TrimSpace(output))
		}
		return nil
	}
}

// Reload reloads a systemd unit.
func Reload(unit string, user bool) Func {
	return systemctl("reload", unit, user)
}

// Restart restarts a systemd unit. Uses try-restart so units that are not
// running are left alone.
func Restart(unit string, user bool) Func {
	return systemctl("try-restart", unit, user)
}

func systemctl(verb, unit string, user bool) Func {
	args := []string{"systemctl"}
	if user {
		args = append(args, "--user")
	}
	args = append(args, verb, remote.ShellEscape(unit))
	command := strings.Join(args, " ")

	return func(ctx context.Context, r Runner, _ string) error {
		if sb, ok := r.(Sandbox); ok && sb.Sandboxed() {
			return fmt.Errorf("%s: %w", command, ErrSkipped)
		}
		output, err := r.Run(ctx, command)
		if err != nil {
			return fmt.Errorf("systemctl %s %s failed: %w: %s", verb, unit, err, strings.TrimSpace(output))
		}
		return nil
	}
}

// FromManifest builds the hook declared by a manifest entry, or nil.
func FromManifest(pp *manifest.PostProcess) Func {
	switch {
	case pp == nil:
		return nil
	case pp.Command != "":
		return Command(pp.Command)
	case pp.Reload != "":
		return Reload(pp.Reload, pp.User)
	case pp.Restart != "":
		return Restart(pp.Restart, pp.User)
	}
	return nil
}
