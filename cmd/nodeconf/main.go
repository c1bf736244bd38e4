package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/schaermu/nodeconf/internal/config"
	"github.com/schaermu/nodeconf/internal/git"
	"github.com/schaermu/nodeconf/internal/webhook"
	"github.com/schaermu/nodeconf/internal/workspace"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Run flags shared by verify, show, audit and deploy
	runFlags struct {
		show     bool
		audit    bool
		deploy   bool
		showDiff bool
		verbose  bool
		node     string
		path     string
		strict   bool
	}

	// List flags
	listSystems bool
)

// The filter runs before rendering, so --path sees destination templates
// such as /etc/${node.name}/app.conf, not the resolved path.
const pathFlagUsage = "only process files whose source path or unrendered destination template matches this regular expression"

// errFailures signals a completed run that must exit non-zero.
var errFailures = errors.New("reconciliation reported failures")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodeconf",
	Short: "Render, audit and deploy configuration files across nodes",
	Long: `nodeconf renders configuration templates for every node of an inventory and
reconciles them with the files active on the nodes.

Each run can show the rendered files, audit them against the active content
and deploy the ones that differ. A failing file never stops the run; the exit
status is non-zero when any file failed to render.`,
	SilenceUsage: true,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Render all files and optionally show, audit or deploy them",
	Long: `Verify renders every registered file. Combine --show, --audit and --deploy to
print the rendered text, compare it with the active file on each node or write
it when it differs. Without any of them verify behaves like --show.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the rendered files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runFlags.show = true
		return runVerify(cmd, args)
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Compare the rendered files with the active files on the nodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runFlags.audit = true
		return runVerify(cmd, args)
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Write rendered files that differ from the active files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		runFlags.deploy = true
		return runVerify(cmd, args)
	},
}

var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List inventory nodes matching a regular expression",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the summary of the last run",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub webhook events
and runs an audit or deploy (serve.mode) whenever the configured repository is
updated. Run metrics are exposed on /metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "nodeconf %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/nodeconf/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	verifyCmd.Flags().BoolVar(&runFlags.show, "show", false, "print the rendered files")
	verifyCmd.Flags().BoolVar(&runFlags.audit, "audit", false, "compare rendered files with the active files")
	verifyCmd.Flags().BoolVar(&runFlags.deploy, "deploy", false, "write files that differ")
	for _, cmd := range []*cobra.Command{verifyCmd, showCmd, auditCmd, deployCmd} {
		cmd.Flags().BoolVar(&runFlags.showDiff, "diff", false, "print a unified diff for differing files")
		cmd.Flags().BoolVarP(&runFlags.verbose, "verbose", "v", false, "also report files that are up to date")
		cmd.Flags().StringVar(&runFlags.node, "node", "", "only process nodes whose full name matches this regular expression")
		cmd.Flags().StringVar(&runFlags.path, "path", "", pathFlagUsage)
		cmd.Flags().BoolVar(&runFlags.strict, "strict", false, "exit non-zero on any failure, including remote errors")
	}

	listCmd.Flags().BoolVar(&listSystems, "systems", false, "also list matching systems")

	rootCmd.AddCommand(verifyCmd, showCmd, auditCmd, deployCmd, listCmd, statusCmd, serveCmd, versionCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	if !runFlags.show && !runFlags.audit && !runFlags.deploy {
		runFlags.show = true
	}

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ws := newWorkspace(cfg, cmd.OutOrStdout(), logger)
	res, err := ws.Run(ctx, workspace.Options{
		Show:        runFlags.show,
		Audit:       runFlags.audit,
		Deploy:      runFlags.deploy,
		ShowDiff:    runFlags.showDiff,
		Verbose:     runFlags.verbose,
		NodePattern: runFlags.node,
		PathPattern: runFlags.path,
	})
	if err != nil {
		logger.Error("run failed", "error", err)
		return err
	}

	if res.ErrorCount > 0 {
		logger.Error("files failed to render", "errors", res.ErrorCount)
		return fmt.Errorf("%w: %d render error(s)", errFailures, res.ErrorCount)
	}
	if runFlags.strict && len(res.Failures) > 0 {
		logger.Error("files failed to reconcile", "failures", len(res.Failures))
		return fmt.Errorf("%w: %d failure(s)", errFailures, len(res.Failures))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pattern := ""
	if len(args) == 1 {
		pattern = args[0]
	}

	inv, err := newWorkspace(cfg, io.Discard, logger).Inventory()
	if err != nil {
		return err
	}
	hits, err := inv.Find(pattern, true, listSystems)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, hit := range hits {
		if hit.IsNode() {
			host := hit.Node.Host
			if hit.Node.IsLocal() {
				host = "local"
			}
			_, _ = fmt.Fprintf(out, "node   %s host=%s configs=%v\n", hit.Name(), host, hit.Node.Configs)
			continue
		}
		_, _ = fmt.Fprintf(out, "system %s\n", hit.Name())
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	state, err := workspace.LoadState(cfg.StateFilePath())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if state == nil {
		_, _ = fmt.Fprintln(out, "no run recorded yet")
		return nil
	}

	_, _ = fmt.Fprintf(out, "last run:  %s (%s)\n", state.Time.Format("2006-01-02 15:04:05 MST"), state.Duration)
	if state.Commit != "" {
		_, _ = fmt.Fprintf(out, "commit:    %s\n", state.Commit)
	}
	_, _ = fmt.Fprintf(out, "mode:      audit=%t deploy=%t\n", state.Audit, state.Deploy)
	_, _ = fmt.Fprintf(out, "entries:   %d processed, %d skipped\n", state.Processed, state.Skipped)
	_, _ = fmt.Fprintf(out, "errors:    %d\n", state.ErrorCount)

	statuses := make([]string, 0, len(state.Statuses))
	for s := range state.Statuses {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		_, _ = fmt.Fprintf(out, "%8s   %d\n", s, state.Statuses[s])
	}
	for _, f := range state.Failures {
		_, _ = fmt.Fprintf(out, "FAILED %s %s: %s: %s\n", f.Kind, f.Node, f.Path, f.Error)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in the configuration")
	}

	ws := newWorkspace(cfg, cmd.OutOrStdout(), logger)
	server, err := webhook.NewServer(cfg, ws, ws.Metrics().Registry(), logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	return server.Start(ctx)
}

func newWorkspace(cfg *config.Config, out io.Writer, logger *slog.Logger) *workspace.Workspace {
	var gitClient git.Client
	if cfg.Repo.URL != "" {
		gitClient = git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile, logger)
	}
	return workspace.New(cfg, gitClient, out, logger)
}

// setupLogger logs to stderr so that show and diff output on stdout stays clean.
func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultPath()
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"inventory", cfg.InventoryPath(),
		"source", cfg.ConfigSourceDir(),
		"repo", cfg.Repo.URL,
		"auth", cfg.AuthMethod(),
		"state_dir", cfg.Paths.StateDir)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
