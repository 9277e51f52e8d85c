package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// fakeDoctl answers the doctl subcommands docluster uses from canned JSON.
// Deleting any droplet empties the fleet so deletion can be verified.
const fakeDoctl = `#!/bin/sh
state="$(dirname "$0")/deleted"
case "$1 $2 $3" in
"account get "*)
  echo '{"email":"ops@example.com","status":"active","droplet_limit":25}'
  ;;
"compute image list-distribution")
  echo '[{"id":1,"name":"24.10 x64","slug":"ubuntu-24-10-x64","distribution":"Ubuntu"}]'
  ;;
"compute ssh-key list")
  echo '[{"id":7,"name":"laptop","fingerprint":"aa:bb:cc"}]'
  ;;
"compute droplet list")
  if [ -f "$state" ]; then echo '[]'; exit 0; fi
  echo '[{"id":101,"name":"web-1","status":"active","tags":["web","demo"],"networks":{"v4":[{"ip_address":"203.0.113.1","type":"public"}]}},
{"id":102,"name":"web-2","status":"active","tags":["web","demo"],"networks":{"v4":[{"ip_address":"203.0.113.2","type":"public"}]}},
{"id":103,"name":"db-1","status":"active","tags":["db"],"networks":{"v4":[]}}]'
  ;;
"compute droplet delete")
  touch "$state"
  ;;
*)
  echo "unexpected: $*" >&2
  exit 2
  ;;
esac
`

// TestFullWorkflow drives the docluster binary against a scripted doctl.
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	bin := buildBinary(t, tmpDir)
	cfg := writeConfig(t, tmpDir)

	run := func(t *testing.T, args ...string) (string, error) {
		t.Helper()
		cmd := exec.Command(bin, append([]string{"--config", cfg, "--log", "error"}, args...)...)
		cmd.Env = append(os.Environ(), "XDG_CONFIG_HOME="+tmpDir, "DIGITALOCEAN_ACCESS_TOKEN=")
		out, err := cmd.Output()
		return string(out), err
	}

	t.Run("Version", func(t *testing.T) {
		out, err := run(t, "version")
		if err != nil {
			t.Fatalf("version failed: %v", err)
		}
		if !strings.Contains(out, "docluster") {
			t.Errorf("unexpected version output: %s", out)
		}
	})

	t.Run("Auth", func(t *testing.T) {
		out, err := run(t, "auth")
		if err != nil {
			t.Fatalf("auth failed: %v", err)
		}
		if !strings.Contains(out, "ops@example.com") {
			t.Errorf("auth output missing email: %s", out)
		}
	})

	t.Run("Images_And_Keys", func(t *testing.T) {
		out, err := run(t, "images")
		if err != nil || !strings.Contains(out, "ubuntu-24-10-x64") {
			t.Errorf("images: err=%v out=%s", err, out)
		}
		out, err = run(t, "keys")
		if err != nil || !strings.Contains(out, "aa:bb:cc") {
			t.Errorf("keys: err=%v out=%s", err, out)
		}
	})

	t.Run("Generate_Key", func(t *testing.T) {
		keyPath := filepath.Join(tmpDir, "keys", "id_ed25519")
		out, err := run(t, "keys", "generate", "--path", keyPath)
		if err != nil {
			t.Fatalf("keys generate failed: %v", err)
		}
		if !strings.HasPrefix(out, "ssh-ed25519 ") || !strings.Contains(out, "fingerprint ") {
			t.Errorf("unexpected generate output: %s", out)
		}
		if _, err := os.Stat(keyPath + ".pub"); err != nil {
			t.Errorf("public key not written: %v", err)
		}
	})

	t.Run("List_By_Tag", func(t *testing.T) {
		out, err := run(t, "ls", "--tag", "web")
		if err != nil {
			t.Fatalf("ls failed: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(out), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected 2 droplets, got %d: %s", len(lines), out)
		}
		if !strings.Contains(out, "web-1\t101\t203.0.113.1\tactive\tweb,demo") {
			t.Errorf("unexpected ls row: %s", out)
		}
		if strings.Contains(out, "db-1") {
			t.Errorf("tag filter leaked db-1: %s", out)
		}
	})

	t.Run("Selector_Required", func(t *testing.T) {
		if _, err := run(t, "run", "uptime"); err == nil {
			t.Error("run without --name or --tag should fail")
		}
		if _, err := run(t, "delete"); err == nil {
			t.Error("delete without --name or --tag should fail")
		}
	})

	t.Run("Invalid_Cluster_Spec", func(t *testing.T) {
		spec := filepath.Join(tmpDir, "cluster.yaml")
		if err := os.WriteFile(spec, []byte("name: web\ncount: 0\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := run(t, "create", "-f", spec); err == nil {
			t.Error("create with count 0 should fail")
		}
	})

	t.Run("Delete_And_History", func(t *testing.T) {
		out, err := run(t, "delete", "--tag", "demo")
		if err != nil {
			t.Fatalf("delete failed: %v\n%s", err, out)
		}
		if !strings.Contains(out, "deleted\tweb-1\t101") || !strings.Contains(out, "deleted\tweb-2\t102") {
			t.Errorf("unexpected delete output: %s", out)
		}

		out, err = run(t, "history")
		if err != nil {
			t.Fatalf("history failed: %v", err)
		}
		if !strings.Contains(out, "delete") || !strings.Contains(out, "2 ok") {
			t.Errorf("journal missing delete batch: %s", out)
		}

		out, err = run(t, "ls")
		if err != nil {
			t.Fatalf("ls after delete failed: %v", err)
		}
		if strings.TrimSpace(out) != "" {
			t.Errorf("fleet should be empty after delete: %s", out)
		}
	})
}

func buildBinary(t *testing.T, dir string) string {
	t.Helper()
	bin := filepath.Join(dir, "docluster")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/docluster")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build failed: %v\nOutput: %s", err, output)
	}
	return bin
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	doctl := filepath.Join(dir, "doctl")
	if err := os.WriteFile(doctl, []byte(fakeDoctl), 0o755); err != nil {
		t.Fatalf("write fake doctl: %v", err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	configContent := `control_plane:
  binary: ` + doctl + `
ssh:
  host_key_policy: insecure
timeouts:
  poll: 20ms
  delete_grace: 10ms
  delete_verify: 5s
concurrency: 4
journal:
  path: ` + filepath.Join(dir, "journal.db") + `
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to create config file: %v", err)
	}
	return configPath
}
