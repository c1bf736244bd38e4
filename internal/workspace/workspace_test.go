package workspace

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/schaermu/nodeconf/internal/config"
	"github.com/schaermu/nodeconf/internal/inventory"
	"github.com/schaermu/nodeconf/internal/manager"
	"github.com/schaermu/nodeconf/internal/testutil"
)

const testInventory = `
systems:
  - name: web
    settings:
      port: 8080
    nodes:
      - name: web1
        configs: [app]
      - name: web2
        configs: [app]
        settings:
          port: 9090
`

var testConfigDir = map[string]string{
	"app/config.yaml": `
files:
  - source: app.conf.tmpl
    dest: /etc/app/app.conf
`,
	"app/app.conf.tmpl": "node=${node.short_name}\nport=${s.port}\n",
}

// mockGitClient materializes files into the checkout instead of cloning.
type mockGitClient struct {
	files  map[string]string
	commit string
	err    error
	calls  int
}

func (m *mockGitClient) EnsureCheckout(_ context.Context, _, _, destDir string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	for rel, content := range m.files {
		path := filepath.Join(destDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return "", err
		}
	}
	return m.commit, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// localConfig lays out a config dir and inventory below a temp dir and
// returns a config that deploys into a local root.
func localConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	testutil.WriteTree(t, filepath.Join(base, "configs"), testConfigDir)
	testutil.WriteTree(t, base, map[string]string{"inventory.yaml": testInventory})

	return &config.Config{
		Inventory: filepath.Join(base, "inventory.yaml"),
		Paths: config.PathsConfig{
			ConfigDir: filepath.Join(base, "configs"),
			StateDir:  filepath.Join(base, "state"),
		},
		LocalRoot: filepath.Join(base, "root"),
		Metrics:   config.MetricsConfig{Textfile: filepath.Join(base, "metrics", "nodeconf.prom")},
	}
}

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func TestRun_DeployThenAudit(t *testing.T) {
	cfg := localConfig(t)
	w := New(cfg, nil, &bytes.Buffer{}, testLogger())
	w.Now = fixedNow

	res, err := w.Run(context.Background(), Options{Deploy: true})
	if err != nil {
		t.Fatalf("deploy run: %v", err)
	}
	if res.Count(manager.StatusWrote) != 2 {
		t.Fatalf("expected 2 writes, got %+v", res.Statuses)
	}

	got, err := os.ReadFile(filepath.Join(cfg.LocalRoot, "etc", "app", "app.conf"))
	if err != nil {
		t.Fatal(err)
	}
	// both nodes share the local root, the second write wins
	if string(got) != "node=web2\nport=9090\n" {
		t.Errorf("unexpected content %q", got)
	}

	state, err := LoadState(cfg.StateFilePath())
	if err != nil {
		t.Fatal(err)
	}
	want := &State{
		Time:      fixedNow(),
		Duration:  "0s",
		Deploy:    true,
		Processed: 2,
		Statuses:  map[string]int{manager.StatusWrote: 2},
	}
	if diff := cmp.Diff(want, state); diff != "" {
		t.Errorf("state (-want +got):\n%s", diff)
	}

	if _, err := os.Stat(cfg.Metrics.Textfile); err != nil {
		t.Errorf("metrics textfile not written: %v", err)
	}

	var out bytes.Buffer
	w = New(cfg, nil, &out, testLogger())
	res, err = w.Run(context.Background(), Options{Audit: true, ShowDiff: true})
	if err != nil {
		t.Fatalf("audit run: %v", err)
	}
	if res.Count(manager.StatusOK) != 1 || res.Count(manager.StatusDiffers) != 1 {
		t.Errorf("expected one OK and one DIFFERS, got %+v", res.Statuses)
	}
	if !strings.Contains(out.String(), "-port=8080\n+node=web2\n+port=9090\n") {
		t.Errorf("expected diff for web1, got:\n%s", out.String())
	}
}

func TestRun_Filters(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		processed int
		skipped   int
	}{
		{name: "node pattern", opts: Options{NodePattern: "web2$"}, processed: 1, skipped: 1},
		{name: "path matches dest", opts: Options{PathPattern: "^/etc/app/"}, processed: 2},
		{name: "path matches source", opts: Options{PathPattern: `\.tmpl$`}, processed: 2},
		{name: "path mismatch", opts: Options{PathPattern: "nginx"}, skipped: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(localConfig(t), nil, &bytes.Buffer{}, testLogger())
			res, err := w.Run(context.Background(), tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if res.Processed != tt.processed || res.Skipped != tt.skipped {
				t.Errorf("processed=%d skipped=%d, want %d/%d", res.Processed, res.Skipped, tt.processed, tt.skipped)
			}
		})
	}
}

func TestNewFilter_MatchesDestTemplate(t *testing.T) {
	e := manager.Entry{
		Node:       &inventory.Node{ShortName: "web1"},
		SourcePath: "app.conf.tmpl",
		DestPath:   "/etc/${node.short_name}/app.conf",
	}

	tests := []struct {
		pattern string
		want    bool
	}{
		{pattern: `^/etc/\$\{node\.short_name\}/`, want: true},
		{pattern: `^/etc/web1/`, want: false},
		{pattern: `app\.conf\.tmpl$`, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			filter, err := newFilter("", tt.pattern)
			if err != nil {
				t.Fatal(err)
			}
			if got := filter(e); got != tt.want {
				t.Errorf("filter(%s) = %t, want %t", e.DestPath, got, tt.want)
			}
		})
	}
}

func TestRun_InvalidPattern(t *testing.T) {
	w := New(localConfig(t), nil, &bytes.Buffer{}, testLogger())
	if _, err := w.Run(context.Background(), Options{NodePattern: "("}); err == nil {
		t.Fatal("expected error for invalid node pattern")
	}
}

func TestRun_MissingConfigDir(t *testing.T) {
	cfg := localConfig(t)
	if err := os.RemoveAll(filepath.Join(cfg.Paths.ConfigDir, "app")); err != nil {
		t.Fatal(err)
	}

	w := New(cfg, nil, &bytes.Buffer{}, testLogger())
	_, err := w.Run(context.Background(), Options{})
	if err == nil || !strings.Contains(err.Error(), "config app") {
		t.Fatalf("expected missing config error, got %v", err)
	}
}

func TestRun_FetchesRepository(t *testing.T) {
	stateDir := t.TempDir()
	files := map[string]string{"inventory.yaml": testInventory}
	for rel, content := range testConfigDir {
		files["configs/"+rel] = content
	}
	gitClient := &mockGitClient{files: files, commit: "abc123"}

	cfg := &config.Config{
		Inventory: "inventory.yaml",
		Repo:      config.RepoConfig{URL: "https://example.com/configs.git", Ref: "main", Subdir: "configs"},
		Paths:     config.PathsConfig{StateDir: stateDir},
		LocalRoot: filepath.Join(t.TempDir(), "root"),
	}

	w := New(cfg, gitClient, &bytes.Buffer{}, testLogger())
	res, err := w.Run(context.Background(), Options{Deploy: true})
	if err != nil {
		t.Fatal(err)
	}
	if gitClient.calls != 1 {
		t.Errorf("expected one checkout, got %d", gitClient.calls)
	}
	if res.Count(manager.StatusWrote) != 2 {
		t.Errorf("expected 2 writes, got %+v", res.Statuses)
	}

	state, err := LoadState(cfg.StateFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if state.Commit != "abc123" {
		t.Errorf("commit = %q, want abc123", state.Commit)
	}
}

func TestRun_FetchFailure(t *testing.T) {
	cfg := &config.Config{
		Inventory: "inventory.yaml",
		Repo:      config.RepoConfig{URL: "https://example.com/configs.git", Ref: "main"},
		Paths:     config.PathsConfig{StateDir: t.TempDir()},
	}
	gitClient := &mockGitClient{err: errors.New("network down")}

	w := New(cfg, gitClient, &bytes.Buffer{}, testLogger())
	_, err := w.Run(context.Background(), Options{Deploy: true})
	if err == nil || !strings.Contains(err.Error(), "network down") {
		t.Fatalf("expected checkout error, got %v", err)
	}
}

func TestRun_RecordsFailures(t *testing.T) {
	cfg := localConfig(t)
	testutil.WriteTree(t, cfg.Paths.ConfigDir, map[string]string{
		"app/app.conf.tmpl": "port=${s.missing}\n",
	})

	w := New(cfg, nil, &bytes.Buffer{}, testLogger())
	res, err := w.Run(context.Background(), Options{Deploy: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.ErrorCount != 2 {
		t.Errorf("expected 2 render errors, got %d", res.ErrorCount)
	}

	state, err := LoadState(cfg.StateFilePath())
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Failures) != 2 || state.Failures[0].Kind != manager.FailRender {
		t.Errorf("unexpected failures %+v", state.Failures)
	}
	if state.Failures[0].Node != "web/web1" {
		t.Errorf("unexpected failure node %s", state.Failures[0].Node)
	}
}

func TestLoadState_Missing(t *testing.T) {
	state, err := LoadState(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	if state != nil {
		t.Errorf("expected nil state, got %+v", state)
	}
}

func TestExampleSetup(t *testing.T) {
	dir := testutil.ExampleDir(t)
	cfg, err := config.Load(filepath.Join(dir, "nodeconf.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Inventory = filepath.Join(dir, "inventory.yaml")
	cfg.Paths.ConfigDir = filepath.Join(dir, "configs")
	cfg.Paths.StateDir = t.TempDir()
	cfg.LocalRoot = t.TempDir()
	cfg.Metrics.Textfile = ""

	var out bytes.Buffer
	w := New(cfg, nil, &out, testLogger())
	res, err := w.Run(context.Background(), Options{Show: true, Deploy: true, NodePattern: "^local/"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ErrorCount != 0 {
		t.Fatalf("example setup has render errors: %+v", res.Failures)
	}
	if res.Count(manager.StatusWrote) == 0 {
		t.Error("expected the example to write files")
	}
	if !strings.Contains(out.String(), "--- BEGIN") {
		t.Error("expected show output")
	}
}
