package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// exitNotExist is the exit status the remote shell snippets use to signal
// that the target path does not exist.
const exitNotExist = 3

// SSHOptions configures an SSH remote.
type SSHOptions struct {
	Host                  string
	Port                  int
	User                  string
	KeyPath               string
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
}

// SSH implements Remote by running POSIX shell snippets over an SSH session.
// The underlying connection is opened on first use and reused.
type SSH struct {
	opts    SSHOptions
	address string

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSH validates opts and returns an unconnected SSH remote.
func NewSSH(opts SSHOptions) (*SSH, error) {
	address, err := opts.address()
	if err != nil {
		return nil, err
	}
	if opts.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	if opts.KeyPath == "" {
		return nil, fmt.Errorf("ssh key path is required")
	}
	return &SSH{opts: opts, address: address}, nil
}

func (o SSHOptions) address() (string, error) {
	host := strings.TrimSpace(o.Host)
	if host == "" {
		return "", fmt.Errorf("ssh host is required")
	}
	if o.Port != 0 {
		return net.JoinHostPort(host, strconv.Itoa(o.Port)), nil
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host, nil
	}
	return net.JoinHostPort(host, "22"), nil
}

func (o SSHOptions) clientConfig() (*ssh.ClientConfig, error) {
	privateKey, err := os.ReadFile(o.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if o.InsecureIgnoreHostKey {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	} else {
		path := strings.TrimSpace(o.KnownHostsPath)
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("known hosts path not set and home dir unavailable")
			}
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
		hostKeyCallback, err = knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}

	return &ssh.ClientConfig{
		User:            o.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         o.Timeout,
	}, nil
}

func (s *SSH) connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	config, err := s.opts.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: s.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return nil, err
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, s.address, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.client = ssh.NewClient(clientConn, chans, reqs)
	return s.client, nil
}

// exec runs command in a fresh session, feeding stdin when non-nil, and
// returns stdout, also when the command fails. Stderr is folded into the
// returned error.
func (s *SSH) exec(ctx context.Context, command string, stdin []byte) ([]byte, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = session.Close()
	}()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		return sessionResult(err, stdout.Bytes(), stderr.String())
	}
}

// sessionResult maps a finished session to exec's results. Stdout is kept
// on failure so callers can report what the command printed.
func sessionResult(err error, stdout []byte, stderr string) ([]byte, error) {
	if err == nil {
		return stdout, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitStatus() == exitNotExist {
		return nil, ErrNotExist
	}
	if msg := strings.TrimSpace(stderr); msg != "" {
		err = fmt.Errorf("%w: %s", err, msg)
	}
	return stdout, err
}

// ReadFile returns the content of path on the remote host.
func (s *SSH) ReadFile(ctx context.Context, path string) ([]byte, error) {
	p := ShellEscape(path)
	cmd := fmt.Sprintf("if [ -e %s ]; then cat -- %s; else exit %d; fi", p, p, exitNotExist)
	out, err := s.exec(ctx, cmd, nil)
	if err != nil {
		return nil, wrap("read", path, err)
	}
	return out, nil
}

// Stat returns the modification time and permissions of path, or nil when
// the file does not exist. Requires GNU stat on the remote host.
func (s *SSH) Stat(ctx context.Context, path string) (*FileInfo, error) {
	p := ShellEscape(path)
	cmd := fmt.Sprintf("if [ -e %s ]; then stat -c '%%Y %%a' -- %s; else exit %d; fi", p, p, exitNotExist)
	out, err := s.exec(ctx, cmd, nil)
	if err != nil {
		if errors.Is(err, ErrNotExist) {
			return nil, nil
		}
		return nil, wrap("stat", path, err)
	}

	info, err := parseStat(string(out))
	if err != nil {
		return nil, wrap("stat", path, err)
	}
	return info, nil
}

// parseStat parses "<unix mtime> <octal mode>".
func parseStat(out string) (*FileInfo, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return nil, fmt.Errorf("unexpected stat output %q", strings.TrimSpace(out))
	}
	secs, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid mtime %q: %w", fields[0], err)
	}
	mode, err := strconv.ParseUint(fields[1], 8, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid mode %q: %w", fields[1], err)
	}
	return &FileInfo{ModTime: time.Unix(secs, 0), Mode: fs.FileMode(mode)}, nil
}

// WriteFile streams data into a temp file next to path and renames it into place.
func (s *SSH) WriteFile(ctx context.Context, path string, data []byte, mode fs.FileMode) error {
	if _, err := s.exec(ctx, writeCommand(path, mode), data); err != nil {
		return wrap("write", path, err)
	}
	return nil
}

func writeCommand(path string, mode fs.FileMode) string {
	p := ShellEscape(path)
	chmod := fmt.Sprintf(`if [ -e %s ]; then chmod --reference=%s "$tmp"; else chmod 644 "$tmp"; fi`, p, p)
	if mode != 0 {
		chmod = fmt.Sprintf(`chmod %o "$tmp"`, uint32(mode.Perm()))
	}

	return strings.Join([]string{
		"set -e",
		fmt.Sprintf("dir=$(dirname -- %s)", p),
		`mkdir -p -- "$dir"`,
		`tmp=$(mktemp "$dir/.nodeconf-tmp-XXXXXX")`,
		`trap 'rm -f -- "$tmp"' EXIT`,
		`cat > "$tmp"`,
		chmod,
		fmt.Sprintf(`mv -f -- "$tmp" %s`, p),
		"trap - EXIT",
	}, "; ")
}

// Run executes command on the remote host.
func (s *SSH) Run(ctx context.Context, command string) (string, error) {
	out, err := s.exec(ctx, command, nil)
	if err != nil {
		return string(out), wrap("run", "", err)
	}
	return string(out), nil
}

// Close closes the underlying connection, if any.
func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// ShellEscape quotes value for use as a single POSIX shell word.
func ShellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
