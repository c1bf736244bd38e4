// Package git keeps a local checkout of the configuration repository.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/schaermu/nodeconf/internal/remote"
)

// tokenEnv carries the HTTPS token to the credential helper.
const tokenEnv = "NODECONF_GIT_TOKEN"

// Client syncs a repository checkout.
type Client interface {
	// EnsureCheckout clones or updates destDir to ref and returns the
	// checked out commit.
	EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error)
}

// ShellClient implements Client with the git binary.
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
	logger         *slog.Logger
}

// NewShellClient creates a git client. At most one of sshKeyFile and
// httpsTokenFile is expected to be set.
func NewShellClient(sshKeyFile, httpsTokenFile string, logger *slog.Logger) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		logger:         logger,
	}
}

// EnsureCheckout clones url into destDir on first use and fetches it
// afterwards, then force-checks out ref. Branch names are resolved against
// origin so a stale local branch never wins over fetched commits.
func (c *ShellClient) EnsureCheckout(ctx context.Context, url, ref, destDir string) (string, error) {
	env, flags, err := c.authEnv(url)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(filepath.Join(destDir, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}
		c.logger.Debug("cloning repository", "url", url, "dest", destDir)
		if _, err := run(ctx, env, append(flags, "clone", "--no-checkout", url, destDir)...); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		c.logger.Debug("fetching repository", "dest", destDir)
		if _, err := run(ctx, env, append(flags, "-C", destDir, "fetch", "--prune", "--tags", "origin")...); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	}

	target := ref
	if _, err := run(ctx, nil, "-C", destDir, "rev-parse", "--verify", "--quiet", "refs/remotes/origin/"+ref); err == nil {
		target = "origin/" + ref
	}
	if _, err := run(ctx, nil, "-C", destDir, "checkout", "-f", "--detach", target); err != nil {
		return "", fmt.Errorf("git checkout failed for ref %q: %w", ref, err)
	}

	return Head(ctx, destDir)
}

// Head returns the commit checked out in dir.
func Head(ctx context.Context, dir string) (string, error) {
	out, err := run(ctx, nil, "-C", dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// authEnv returns the extra environment and leading git flags needed to
// authenticate against url.
func (c *ShellClient) authEnv(url string) ([]string, []string, error) {
	switch {
	case c.sshKeyFile != "" && isSSH(url):
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", remote.ShellEscape(c.sshKeyFile))
		return []string{"GIT_SSH_COMMAND=" + sshCmd}, nil, nil

	case c.httpsTokenFile != "" && strings.HasPrefix(url, "https://"):
		token, err := os.ReadFile(c.httpsTokenFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read HTTPS token file: %w", err)
		}
		env := []string{
			"GIT_TERMINAL_PROMPT=0",
			tokenEnv + "=" + strings.TrimSpace(string(token)),
		}
		helper := `credential.helper=!f() { echo "username=x-access-token"; echo "password=$` + tokenEnv + `"; }; f`
		return env, []string{"-c", helper}, nil
	}
	return nil, nil, nil
}

func isSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// run executes git with args and returns stdout; stderr is folded into the error.
func run(ctx context.Context, env []string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), env...)

	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return string(out), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}
