package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/nodeconf/internal/testutil"
)

const testInventory = `
systems:
  - name: local
    settings:
      port: 8080
    nodes:
      - name: dev
        configs: [app]
`

// setupProject writes a config dir, inventory and nodeconf config below a
// temp dir and returns the config path and the local root.
func setupProject(t *testing.T, template string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "root")

	nodeconf := "inventory: " + filepath.Join(dir, "inventory.yaml") + "\n" +
		"paths:\n" +
		"  config_dir: " + filepath.Join(dir, "configs") + "\n" +
		"  state_dir: " + filepath.Join(dir, "state") + "\n" +
		"local_root: " + root + "\n"

	testutil.WriteTree(t, dir, map[string]string{
		"nodeconf.yaml":                 nodeconf,
		"inventory.yaml":                testInventory,
		"configs/app/etc/app.conf.tmpl": template,
	})
	return filepath.Join(dir, "nodeconf.yaml"), root
}

// execute runs the root command with fresh flag state and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	origCfg, origLevel, origFormat := cfgFile, logLevel, logFormat
	t.Cleanup(func() {
		cfgFile, logLevel, logFormat = origCfg, origLevel, origFormat
	})
	runFlags = struct {
		show     bool
		audit    bool
		deploy   bool
		showDiff bool
		verbose  bool
		node     string
		path     string
		strict   bool
	}{}
	listSystems = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestSetupLogger(t *testing.T) {
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			if logger := setupLogger(); logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfgFile, _ = setupProject(t, "x\n")
	if cfg, err := loadConfig(logger); err != nil || cfg == nil {
		t.Fatalf("loadConfig returned %v, %v", cfg, err)
	}

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	if _, err := loadConfig(logger); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	cancel()

	<-ctx.Done()
	if ctx.Err() == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestDeployThenAudit(t *testing.T) {
	cfgPath, root := setupProject(t, "port=${s.port}\n")

	if _, err := execute(t, "--config", cfgPath, "deploy"); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "etc", "app.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "port=8080\n" {
		t.Errorf("unexpected deployed content %q", got)
	}

	if err := os.WriteFile(filepath.Join(root, "etc", "app.conf"), []byte("port=80\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "--config", cfgPath, "audit", "--diff")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !strings.Contains(out, "-port=8080\n+port=80\n") {
		t.Errorf("expected diff in output, got:\n%s", out)
	}

	out, err = execute(t, "--config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "DIFFERS   1") || !strings.Contains(out, "audit=true deploy=false") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}

func TestShow(t *testing.T) {
	cfgPath, _ := setupProject(t, "port=${s.port}\n")

	out, err := execute(t, "--config", cfgPath, "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "--- BEGIN local/dev: dest=/etc/app.conf ---\nport=8080\n") {
		t.Errorf("unexpected show output:\n%s", out)
	}
}

func TestVerify_DefaultsToShow(t *testing.T) {
	cfgPath, root := setupProject(t, "port=${s.port}\n")

	out, err := execute(t, "--config", cfgPath, "verify")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "--- BEGIN local/dev: dest=/etc/app.conf ---\nport=8080\n") {
		t.Errorf("expected rendered output without mode flags, got:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(root, "etc", "app.conf")); !os.IsNotExist(err) {
		t.Error("verify without --deploy must not write")
	}
}

func TestPathFlag_DocumentsUnrenderedDest(t *testing.T) {
	for _, cmd := range []string{"verify", "show", "audit", "deploy"} {
		c, _, err := rootCmd.Find([]string{cmd})
		if err != nil {
			t.Fatal(err)
		}
		if usage := c.Flags().Lookup("path").Usage; !strings.Contains(usage, "unrendered destination template") {
			t.Errorf("%s --path usage %q does not say destinations are matched unrendered", cmd, usage)
		}
	}
}

func TestVerify_RenderErrorExitsNonZero(t *testing.T) {
	cfgPath, root := setupProject(t, "port=${s.missing}\n")

	_, err := execute(t, "--config", cfgPath, "verify", "--deploy")
	if !errors.Is(err, errFailures) {
		t.Fatalf("expected errFailures, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(root, "etc", "app.conf")); !os.IsNotExist(statErr) {
		t.Error("a failed render must not be deployed")
	}
}

func TestVerify_Strict(t *testing.T) {
	cfgPath, root := setupProject(t, "port=${s.port}\n")
	// a directory in place of the destination makes the write fail
	if err := os.MkdirAll(filepath.Join(root, "etc", "app.conf"), 0755); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "--config", cfgPath, "verify", "--deploy"); err != nil {
		t.Fatalf("remote failures must not fail a non-strict run: %v", err)
	}
	if _, err := execute(t, "--config", cfgPath, "verify", "--deploy", "--strict"); !errors.Is(err, errFailures) {
		t.Fatalf("expected errFailures with --strict, got %v", err)
	}
}

func TestList(t *testing.T) {
	cfgPath, _ := setupProject(t, "x\n")

	out, err := execute(t, "--config", cfgPath, "list", "dev", "--systems")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "node   local/dev host=local configs=[app]") {
		t.Errorf("unexpected list output:\n%s", out)
	}

	out, err = execute(t, "--config", cfgPath, "list", "^local$", "--systems")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "system local" {
		t.Errorf("unexpected list output:\n%s", out)
	}
}

func TestStatus_NoRun(t *testing.T) {
	cfgPath, _ := setupProject(t, "x\n")

	out, err := execute(t, "--config", cfgPath, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no run recorded yet") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}

func TestServe_Disabled(t *testing.T) {
	cfgPath, _ := setupProject(t, "x\n")

	if _, err := execute(t, "--config", cfgPath, "serve"); err == nil {
		t.Fatal("expected error when serve is disabled")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "nodeconf dev\n") {
		t.Errorf("unexpected version output %q", out)
	}
}
