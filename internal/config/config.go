package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode is the action a webhook-triggered run performs.
type Mode string

const (
	ModeAudit  Mode = "audit"
	ModeDeploy Mode = "deploy"
)

// DefaultSSHTimeout bounds SSH dialing when ssh.timeout is not set.
const DefaultSSHTimeout = 10 * time.Second

// Config represents the complete nodeconf configuration
type Config struct {
	Inventory string        `yaml:"inventory"`
	Repo      RepoConfig    `yaml:"repo"`
	Paths     PathsConfig   `yaml:"paths"`
	Auth      AuthConfig    `yaml:"auth"`
	SSH       SSHConfig     `yaml:"ssh"`
	LocalRoot string        `yaml:"local_root"`
	Metrics   MetricsConfig `yaml:"metrics"`
	Serve     ServeConfig   `yaml:"serve"`
}

// RepoConfig configures the optional Git repository holding the config dirs
type RepoConfig struct {
	URL    string `yaml:"url"`
	Ref    string `yaml:"ref"`
	Subdir string `yaml:"subdir"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	ConfigDir string `yaml:"config_dir"`
	StateDir  string `yaml:"state_dir"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// SSHConfig configures access to remote nodes
type SSHConfig struct {
	User                  string        `yaml:"user"`
	Port                  int           `yaml:"port"`
	KeyFile               string        `yaml:"key_file"`
	KnownHostsFile        string        `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	Timeout               time.Duration `yaml:"timeout"`
}

// MetricsConfig configures run metrics export
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
	Mode                    Mode     `yaml:"mode"`
}

// DefaultPath returns the config path used when none is given.
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/nodeconf/config.yaml")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path-like string fields
func (c *Config) expandEnv() {
	for _, s := range []*string{
		&c.Inventory,
		&c.Repo.URL,
		&c.Repo.Ref,
		&c.Repo.Subdir,
		&c.Paths.ConfigDir,
		&c.Paths.StateDir,
		&c.Auth.SSHKeyFile,
		&c.Auth.HTTPSTokenFile,
		&c.SSH.User,
		&c.SSH.KeyFile,
		&c.SSH.KnownHostsFile,
		&c.LocalRoot,
		&c.Metrics.Textfile,
		&c.Serve.ListenAddr,
		&c.Serve.GitHubWebhookSecretFile,
	} {
		*s = os.ExpandEnv(*s)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.URL != "" && c.Repo.Ref == "" {
		c.Repo.Ref = "main"
	}
	if c.SSH.Timeout == 0 {
		c.SSH.Timeout = DefaultSSHTimeout
	}
	if c.Serve.Mode == "" {
		c.Serve.Mode = ModeDeploy
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"push"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Inventory == "" {
		return fmt.Errorf("inventory is required")
	}

	// Config dirs come either from a local directory or from the repository
	if c.Repo.URL == "" && c.Paths.ConfigDir == "" {
		return fmt.Errorf("one of repo.url or paths.config_dir is required")
	}
	if c.Repo.URL != "" && c.Paths.ConfigDir != "" {
		return fmt.Errorf("repo.url and paths.config_dir are mutually exclusive")
	}
	if c.Paths.ConfigDir != "" && !filepath.IsAbs(c.Paths.ConfigDir) {
		return fmt.Errorf("paths.config_dir must be an absolute path: %s", c.Paths.ConfigDir)
	}

	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.Repo.URL == "" && !filepath.IsAbs(c.Inventory) {
		return fmt.Errorf("inventory must be an absolute path unless repo.url is set: %s", c.Inventory)
	}
	if c.LocalRoot != "" && !filepath.IsAbs(c.LocalRoot) {
		return fmt.Errorf("local_root must be an absolute path: %s", c.LocalRoot)
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port out of range: %d", c.SSH.Port)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("auth.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("auth.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	switch c.Serve.Mode {
	case ModeAudit, ModeDeploy:
	default:
		return fmt.Errorf("invalid serve.mode: %s (must be audit or deploy)", c.Serve.Mode)
	}
	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
		if c.Repo.URL == "" {
			return fmt.Errorf("serve requires repo.url")
		}
	}

	return nil
}

// RepoDir returns the path where the git repository is checked out
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.StateDir, "repo")
}

// StateFilePath returns the path to the last run summary
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "state.json")
}

// ConfigSourceDir returns the directory holding the config dirs
func (c *Config) ConfigSourceDir() string {
	if c.Repo.URL == "" {
		return c.Paths.ConfigDir
	}
	if c.Repo.Subdir == "" {
		return c.RepoDir()
	}
	return filepath.Join(c.RepoDir(), c.Repo.Subdir)
}

// InventoryPath returns the inventory file path. Relative paths are
// resolved against the repository checkout.
func (c *Config) InventoryPath() string {
	if filepath.IsAbs(c.Inventory) {
		return c.Inventory
	}
	return filepath.Join(c.RepoDir(), c.Inventory)
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
