package remote

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
)

// Local implements Remote on the local filesystem. When Root is set every
// path is resolved below it, which keeps dry test runs out of the real /etc.
type Local struct {
	Root string
}

// NewLocal creates a new local remote
func NewLocal(root string) *Local {
	return &Local{Root: root}
}

func (l *Local) resolve(path string) string {
	if l.Root == "" {
		return path
	}
	return filepath.Join(l.Root, filepath.Clean("/"+path))
}

// ReadFile reads path from the local filesystem.
func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(path))
	if err != nil {
		return nil, wrap("read", path, err)
	}
	return data, nil
}

// Stat returns the metadata of path, or nil when it does not exist.
func (l *Local) Stat(_ context.Context, path string) (*FileInfo, error) {
	info, err := os.Stat(l.resolve(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, wrap("stat", path, err)
	}
	return &FileInfo{ModTime: info.ModTime(), Mode: info.Mode().Perm()}, nil
}

// WriteFile atomically replaces path with data via a temp file and rename.
func (l *Local) WriteFile(_ context.Context, path string, data []byte, mode fs.FileMode) error {
	dst := l.resolve(path)

	if mode == 0 {
		mode = 0o644
		if info, err := os.Stat(dst); err == nil {
			mode = info.Mode().Perm()
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return wrap("write", path, err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".nodeconf-tmp-*")
	if err != nil {
		return wrap("write", path, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return wrap("write", path, err)
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return wrap("write", path, err)
	}
	if err := tmpFile.Close(); err != nil {
		return wrap("write", path, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return wrap("write", path, err)
	}
	return nil
}

// Sandboxed reports whether writes are confined below Root.
func (l *Local) Sandboxed() bool {
	return l.Root != ""
}

// Run executes command with sh -c on the local host. Root is exported to
// the command as NODECONF_ROOT; paths inside command are not rewritten.
func (l *Local) Run(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), "NODECONF_ROOT="+l.Root)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), wrap("run", "", err)
	}
	return string(output), nil
}
