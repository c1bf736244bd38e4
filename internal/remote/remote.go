package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/schaermu/nodeconf/internal/inventory"
)

// ErrNotExist is reported (wrapped in *Error) when the requested file does
// not exist on the target.
var ErrNotExist = fs.ErrNotExist

// Remote provides file access and command execution on one target node.
type Remote interface {
	// ReadFile returns the current content of path.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// Stat returns file metadata, or nil without error when path is absent.
	Stat(ctx context.Context, path string) (*FileInfo, error)
	// WriteFile replaces path with data. A zero mode keeps the mode of an
	// existing file and uses 0644 for new files.
	WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error
	// Run executes a shell command on the target and returns its combined output.
	Run(ctx context.Context, command string) (string, error)
}

// FileInfo is the subset of file metadata the reconciler needs.
type FileInfo struct {
	ModTime time.Time
	Mode    fs.FileMode
}

// Error wraps a transport failure for one remote operation.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Op: op, Path: path, Err: err}
}

// Dialer hands out the Remote for a node.
type Dialer interface {
	Remote(node *inventory.Node) (Remote, error)
}

// PoolOptions configures how a Pool reaches nodes.
type PoolOptions struct {
	// LocalRoot prefixes every path written by local remotes when set.
	LocalRoot string
	SSH       SSHOptions
}

// Pool is a Dialer that caches one Remote per node. Local nodes (no host,
// "local" or "localhost") get a Local remote; every other node gets an SSH remote.
type Pool struct {
	opts PoolOptions

	mu      sync.Mutex
	remotes map[string]Remote
}

// NewPool creates a new remote pool
func NewPool(opts PoolOptions) *Pool {
	return &Pool{
		opts:    opts,
		remotes: make(map[string]Remote),
	}
}

// Remote returns the cached remote for node, creating it on first use.
func (p *Pool) Remote(node *inventory.Node) (Remote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.remotes[node.Name()]; ok {
		return r, nil
	}

	var r Remote
	if node.IsLocal() {
		r = NewLocal(p.opts.LocalRoot)
	} else {
		opts := p.opts.SSH
		opts.Host = node.Host
		if node.User != "" {
			opts.User = node.User
		}
		if node.Port != 0 {
			opts.Port = node.Port
		}
		ssh, err := NewSSH(opts)
		if err != nil {
			return nil, wrap("dial", "", fmt.Errorf("node %s: %w", node.Name(), err))
		}
		r = ssh
	}

	p.remotes[node.Name()] = r
	return r, nil
}

// Close releases every connection held by the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, r := range p.remotes {
		if c, ok := r.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		delete(p.remotes, name)
	}
	return errors.Join(errs...)
}
