package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	prov "github.com/3cpo-dev/docluster/internal/providers"
	"github.com/3cpo-dev/docluster/internal/ssh"
	"github.com/3cpo-dev/docluster/internal/telemetry"
)

// fakeControlPlane is an in-memory fleet.
type fakeControlPlane struct {
	mu       sync.Mutex
	nextID   int64
	droplets []prov.Droplet
	keys     []prov.SSHKey

	createErr     map[string]error
	hideCreated   bool
	ignoreDeletes bool
	deleteErr     error
	ipAnswer      string
	ipErr         error

	creates   []prov.CreateDropletRequest
	deletes   []int64
	ipLookups int
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		nextID:    100,
		keys:      []prov.SSHKey{{ID: 1, Name: "laptop", Fingerprint: "aa:bb:cc"}},
		createErr: map[string]error{},
	}
}

// seed adds an existing droplet with a public address.
func (f *fakeControlPlane) seed(name string, tags ...string) prov.Droplet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(name, tags)
}

func (f *fakeControlPlane) addLocked(name string, tags []string) prov.Droplet {
	f.nextID++
	d := prov.Droplet{ID: f.nextID, Name: name, Status: "active", Tags: slices.Clone(tags)}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	d.Networks.V4 = []prov.NetworkV4{{IPAddress: fmt.Sprintf("10.0.0.%d", f.nextID%250), Type: "public"}}
	f.droplets = append(f.droplets, d)
	return d
}

func (f *fakeControlPlane) Account(ctx context.Context) (*prov.Account, error) {
	return &prov.Account{Email: "ops@example.com", DropletLimit: 25, Status: "active"}, nil
}

func (f *fakeControlPlane) ListImages(ctx context.Context) ([]prov.Image, error) {
	return []prov.Image{{ID: 1, Slug: "ubuntu-24-10-x64", Distribution: "Ubuntu"}}, nil
}

func (f *fakeControlPlane) ListDroplets(ctx context.Context) ([]prov.Droplet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.droplets), nil
}

func (f *fakeControlPlane) PublicIPv4(ctx context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ipLookups++
	return f.ipAnswer, f.ipErr
}

func (f *fakeControlPlane) CreateDroplet(ctx context.Context, req prov.CreateDropletRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if err := f.createErr[req.Name]; err != nil {
		return err
	}
	if !f.hideCreated {
		f.addLocked(req.Name, req.Tags)
	}
	return nil
}

func (f *fakeControlPlane) DeleteDroplet(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if !f.ignoreDeletes {
		f.droplets = slices.DeleteFunc(f.droplets, func(d prov.Droplet) bool { return d.ID == id })
	}
	return nil
}

func (f *fakeControlPlane) ListSSHKeys(ctx context.Context) ([]prov.SSHKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.keys), nil
}

func (f *fakeControlPlane) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

// fakeTransport keeps a filesystem per host and answers a few commands.
type fakeTransport struct {
	mu       sync.Mutex
	files    map[string]map[string]string
	commands map[string]ssh.Result
	pwd      string
	failHost map[string]error
	ran      []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		files:    map[string]map[string]string{},
		commands: map[string]ssh.Result{},
		pwd:      "/root",
		failHost: map[string]error{},
	}
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], `'"'"'`, "'")
	}
	return s
}

func (t *fakeTransport) hostFiles(host string) map[string]string {
	fsys, ok := t.files[host]
	if !ok {
		fsys = map[string]string{}
		t.files[host] = fsys
	}
	return fsys
}

func (t *fakeTransport) Run(ctx context.Context, host, command string) (ssh.Result, error) {
	if err := ctx.Err(); err != nil {
		return ssh.Result{ExitCode: -1}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ran = append(t.ran, host+" "+command)
	if err := t.failHost[host]; err != nil {
		return ssh.Result{ExitCode: -1}, err
	}
	if res, ok := t.commands[command]; ok {
		return res, nil
	}
	switch {
	case command == "pwd":
		return ssh.Result{Stdout: t.pwd + "\n"}, nil
	case command == bootProbe:
		return ssh.Result{Stdout: "status: done\n"}, nil
	case strings.HasPrefix(command, "mkdir -p "), strings.HasPrefix(command, "chmod "):
		return ssh.Result{}, nil
	case strings.HasPrefix(command, "cat "):
		p := unquote(strings.TrimPrefix(command, "cat "))
		content, ok := t.hostFiles(host)[p]
		if !ok {
			return ssh.Result{ExitCode: 1, Stderr: "cat: " + p + ": No such file or directory\n"}, nil
		}
		return ssh.Result{Stdout: content}, nil
	}
	return ssh.Result{ExitCode: 127, Stderr: "command not found\n"}, nil
}

func (t *fakeTransport) Upload(ctx context.Context, host, localPath, remotePath string) (ssh.TransferStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failHost[host]; err != nil {
		return ssh.TransferStats{}, err
	}
	var stats ssh.TransferStats
	fsys := t.hostFiles(host)
	err := filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(localPath, p)
		fsys[path.Join(remotePath, filepath.ToSlash(rel))] = string(b)
		stats.Files++
		stats.Bytes += int64(len(b))
		return nil
	})
	return stats, err
}

func (t *fakeTransport) Download(ctx context.Context, host, remotePath, localPath string) (ssh.TransferStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.failHost[host]; err != nil {
		return ssh.TransferStats{}, err
	}
	content, ok := t.hostFiles(host)[remotePath]
	if !ok {
		return ssh.TransferStats{}, errors.New("stat remote: file does not exist")
	}
	if err := os.WriteFile(localPath, []byte(content), 0o644); err != nil {
		return ssh.TransferStats{}, err
	}
	return ssh.TransferStats{Files: 1, Bytes: int64(len(content))}, nil
}

func testConfig() prov.Config {
	cfg := prov.DefaultConfig()
	cfg.Timeouts = prov.TimeoutsConfig{
		Visible:      200 * time.Millisecond,
		Boot:         200 * time.Millisecond,
		Ready:        100 * time.Millisecond,
		Poll:         5 * time.Millisecond,
		DeleteVerify: 100 * time.Millisecond,
	}
	cfg.Address = prov.AddressConfig{Retries: 3, Backoff: time.Millisecond}
	return cfg
}

type harness struct {
	cp      *fakeControlPlane
	tr      *fakeTransport
	metrics *telemetry.Metrics
	mgr     *Manager
	orch    *Orchestrator
}

func newHarness() *harness {
	h := &harness{cp: newFakeControlPlane(), tr: newFakeTransport(), metrics: telemetry.NewMetrics()}
	h.mgr = NewManager(h.cp, h.tr, testConfig(), WithMetrics(h.metrics))
	h.orch = NewOrchestrator(h.mgr, NewScheduler(8))
	return h
}
