//go:build integration

package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const inventory = `
systems:
  - name: edge
    settings:
      listen: 80
    nodes:
      - name: proxy1
        configs: [proxy]
`

const manifest = `
files:
  - source: proxy.conf.tmpl
    dest: /etc/proxy/proxy.conf
    mode: "0600"
    post_process:
      command: echo "$DEST" >> "$NODECONF_ROOT/hooks.log"
`

func TestCLI_GitBackedDeployAndAudit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(ctx, t)
	h.Commit(ctx, "Initial config", map[string]string{
		"inventory.yaml":                inventory,
		"configs/proxy/config.yaml":     manifest,
		"configs/proxy/proxy.conf.tmpl": "listen ${s.listen}\nname ${node.short_name}\n",
	})

	// Step 1: deploy writes the file and runs the hook
	out := h.MustRun(ctx, "deploy")
	if out != "" {
		t.Errorf("deploy without --show should not print, got %q", out)
	}
	got, err := h.ReadNodeFile("/etc/proxy/proxy.conf")
	if err != nil {
		t.Fatal(err)
	}
	if got != "listen 80\nname proxy1\n" {
		t.Errorf("unexpected deployed content %q", got)
	}
	info, err := os.Stat(filepath.Join(h.Root, "etc", "proxy", "proxy.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}
	hooks, err := os.ReadFile(filepath.Join(h.Root, "hooks.log"))
	if err != nil {
		t.Fatalf("hook did not run: %v", err)
	}
	if strings.TrimSpace(string(hooks)) != "/etc/proxy/proxy.conf" {
		t.Errorf("unexpected hook log %q", hooks)
	}

	// Step 2: a second deploy is a no-op
	h.MustRun(ctx, "deploy")
	hooks, _ = os.ReadFile(filepath.Join(h.Root, "hooks.log"))
	if strings.Count(string(hooks), "\n") != 1 {
		t.Errorf("idempotent deploy must not rerun the hook, log: %q", hooks)
	}

	// Step 3: a new upstream commit shows up as a diff
	h.Commit(ctx, "Change listen port", map[string]string{
		"inventory.yaml": strings.Replace(inventory, "listen: 80", "listen: 8080", 1),
	})
	out = h.MustRun(ctx, "audit", "--diff")
	if !strings.Contains(out, "-listen 8080\n+listen 80\n") {
		t.Errorf("expected diff, got:\n%s", out)
	}

	status := h.MustRun(ctx, "status")
	if !strings.Contains(status, "commit:") || !strings.Contains(status, "DIFFERS   1") {
		t.Errorf("unexpected status:\n%s", status)
	}
}

func TestCLI_RenderErrorExitCode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	h := NewHarness(ctx, t)
	h.Commit(ctx, "Broken template", map[string]string{
		"inventory.yaml":                    inventory,
		"configs/proxy/etc/proxy.conf.tmpl": "listen ${s.port}\n",
	})

	stdout, _, code := h.Run(ctx, "show")
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(stdout, "--- BEGIN edge/proxy1: dest=/etc/proxy.conf ---") {
		t.Errorf("failed entries are still shown, got:\n%s", stdout)
	}
}
