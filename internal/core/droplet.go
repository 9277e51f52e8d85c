package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	prov "github.com/3cpo-dev/docluster/internal/providers"
	"github.com/3cpo-dev/docluster/internal/ssh"
)

// Droplet is a handle to one provider VM. Identity and tags come from the
// listing it was discovered in; the public address is resolved lazily.
type Droplet struct {
	ID       int64
	Name     string
	Tags     []string
	Snapshot prov.Droplet

	mgr *Manager

	mu   sync.Mutex
	addr string
}

func newDroplet(m *Manager, d prov.Droplet) *Droplet {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	return &Droplet{ID: d.ID, Name: d.Name, Tags: tags, Snapshot: d, mgr: m}
}

func (d *Droplet) String() string {
	return d.Name + " (" + strconv.FormatInt(d.ID, 10) + ")"
}

// HasTags reports whether the droplet carries every tag given.
func (d *Droplet) HasTags(tags ...string) bool {
	for _, t := range tags {
		if !slices.Contains(d.Tags, t) {
			return false
		}
	}
	return true
}

// CommandResult is the outcome of a remote command that ran, whatever its
// exit code.
type CommandResult struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

func (r CommandResult) OK() bool { return r.ExitCode == 0 }

// TransferResult describes a copy. Err holds a transfer failure that was
// logged but not raised.
type TransferResult struct {
	Direction string
	Local     string
	Remote    string
	Files     int
	Bytes     int64
	Duration  time.Duration
	Err       error
}

func (r TransferResult) OK() bool { return r.Err == nil }

// DeleteOutcome reports whether the provider accepted a delete request.
// ProviderErr is set when it did not.
type DeleteOutcome struct {
	ID          int64
	Name        string
	Accepted    bool
	ProviderErr error
}

// PublicIP returns the droplet's public IPv4 address, asking the control
// plane with bounded retries when the listing snapshot had none.
func (d *Droplet) PublicIP(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addr != "" {
		return d.addr, nil
	}
	if ip := d.Snapshot.PublicIPv4(); ip != "" {
		d.addr = ip
		return ip, nil
	}

	retries := max(d.mgr.address.Retries, 1)
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		ip, err := d.mgr.cp.PublicIPv4(ctx, d.ID)
		if err == nil && ip != "" {
			d.addr = ip
			return ip, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.Debug().Err(err).Str("droplet", d.Name).Int("attempt", attempt).Msg("Public address not available yet")
		if attempt < retries {
			if err := sleepCtx(ctx, d.mgr.address.Backoff); err != nil {
				return "", err
			}
		}
	}
	return "", &NetworkError{Droplet: d.Name, Attempts: retries, Err: lastErr}
}

// Exec runs command on the droplet. Any exit code yields a CommandResult; an
// error means the command could not be run.
func (d *Droplet) Exec(ctx context.Context, command string) (CommandResult, error) {
	started := time.Now()
	res, err := d.exec(ctx, command)
	d.mgr.metrics.ObserveOperation("exec", started, err)
	return res, err
}

func (d *Droplet) exec(ctx context.Context, command string) (CommandResult, error) {
	ip, err := d.PublicIP(ctx)
	if err != nil {
		return CommandResult{ExitCode: -1}, err
	}
	started := time.Now()
	out, err := d.mgr.transport.Run(ctx, ip, command)
	res := CommandResult{
		Argv:     []string{"ssh", ip, command},
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Duration: time.Since(started),
	}
	if err != nil {
		res.ExitCode = -1
		return res, &TransportError{Droplet: d.Name, Op: "exec", Err: err}
	}
	log.Debug().Str("droplet", d.Name).Str("cmd", command).Int("exit", res.ExitCode).Msg("Remote command finished")
	return res, nil
}

// CopyTo uploads a local file or directory. The remote parent directory is
// created first and chmod, when non-empty, is applied afterwards (recursively
// for directories). Transfer problems are logged and reported in the result.
func (d *Droplet) CopyTo(ctx context.Context, localPath, remotePath, chmod string) (TransferResult, error) {
	started := time.Now()
	tr := TransferResult{Direction: "up", Local: localPath, Remote: remotePath}
	info, err := os.Stat(localPath)
	if err != nil {
		return tr, validation("local", localPath, "does not exist")
	}
	ip, err := d.PublicIP(ctx)
	if err != nil {
		return tr, err
	}

	tr.Err = d.upload(ctx, ip, &tr, info.IsDir(), chmod)
	tr.Duration = time.Since(started)
	d.mgr.metrics.ObserveOperation("copy_to", started, tr.Err)
	d.mgr.metrics.AddTransferBytes("up", tr.Bytes)
	if tr.Err != nil {
		log.Warn().Err(tr.Err).Str("droplet", d.Name).Str("local", localPath).Str("remote", remotePath).Msg("Copy to droplet failed")
		return tr, nil
	}
	log.Debug().Str("droplet", d.Name).Str("remote", remotePath).Str("size", humanize.Bytes(uint64(tr.Bytes))).Msg("Copied to droplet")
	return tr, nil
}

func (d *Droplet) upload(ctx context.Context, ip string, tr *TransferResult, isDir bool, chmod string) error {
	if err := d.mustExec(ctx, "mkdir -p "+ssh.Quote(path.Dir(tr.Remote))); err != nil {
		return err
	}
	stats, err := d.mgr.transport.Upload(ctx, ip, tr.Local, tr.Remote)
	tr.Files, tr.Bytes = stats.Files, stats.Bytes
	if err != nil {
		return &TransportError{Droplet: d.Name, Op: "upload", Err: err}
	}
	if chmod == "" {
		return nil
	}
	cmd := "chmod " + ssh.Quote(chmod) + " " + ssh.Quote(tr.Remote)
	if isDir {
		cmd = "chmod -R " + ssh.Quote(chmod) + " " + ssh.Quote(tr.Remote)
	}
	return d.mustExec(ctx, cmd)
}

// mustExec runs command and turns a nonzero exit into an error.
func (d *Droplet) mustExec(ctx context.Context, command string) error {
	res, err := d.exec(ctx, command)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%q on %s exited %d: %s", command, d.Name, res.ExitCode, res.Stderr)
	}
	return nil
}

// CopyFrom downloads a remote file or directory to localPath, creating the
// local parent directory.
func (d *Droplet) CopyFrom(ctx context.Context, remotePath, localPath string) (TransferResult, error) {
	started := time.Now()
	tr := TransferResult{Direction: "down", Local: localPath, Remote: remotePath}
	ip, err := d.PublicIP(ctx)
	if err != nil {
		return tr, err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return tr, fmt.Errorf("create local directory: %w", err)
	}
	stats, err := d.mgr.transport.Download(ctx, ip, remotePath, localPath)
	tr.Files, tr.Bytes = stats.Files, stats.Bytes
	tr.Duration = time.Since(started)
	if err != nil {
		tr.Err = &TransportError{Droplet: d.Name, Op: "download", Err: err}
		log.Warn().Err(err).Str("droplet", d.Name).Str("remote", remotePath).Msg("Copy from droplet failed")
	}
	d.mgr.metrics.ObserveOperation("copy_from", started, tr.Err)
	d.mgr.metrics.AddTransferBytes("down", tr.Bytes)
	return tr, nil
}

// CopyTextTo writes text to remotePath through a temporary local file. The
// remote file is 0644 unless chmod says otherwise.
func (d *Droplet) CopyTextTo(ctx context.Context, text, remotePath, chmod string) (TransferResult, error) {
	name, err := ssh.WriteTempText(text)
	if err != nil {
		return TransferResult{}, err
	}
	defer os.Remove(name)
	return d.CopyTo(ctx, name, remotePath, chmod)
}

// CopyTextFrom returns the contents of remotePath.
func (d *Droplet) CopyTextFrom(ctx context.Context, remotePath string) (string, error) {
	res, err := d.Exec(ctx, "cat "+ssh.Quote(remotePath))
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("read %s on %s: exit %d: %s", remotePath, d.Name, res.ExitCode, res.Stderr)
	}
	return res.Stdout, nil
}

// Delete asks the provider to delete the droplet and waits the grace
// interval. A provider refusal is logged and reported as not accepted; only
// a failure to reach the control plane is an error result.
func (d *Droplet) Delete(ctx context.Context) Result[DeleteOutcome] {
	started := time.Now()
	out := DeleteOutcome{ID: d.ID, Name: d.Name}
	err := d.mgr.cp.DeleteDroplet(ctx, d.ID)
	switch {
	case err == nil:
		out.Accepted = true
		log.Info().Str("droplet", d.Name).Int64("id", d.ID).Msg("Delete requested")
		_ = sleepCtx(ctx, d.mgr.timeouts.DeleteGrace)
	case errors.Is(err, ErrControlPlane):
		out.ProviderErr = err
		log.Warn().Err(err).Str("droplet", d.Name).Msg("Provider refused delete")
	default:
		d.mgr.metrics.ObserveOperation("delete", started, err)
		return Fail[DeleteOutcome](&TransportError{Droplet: d.Name, Op: "delete", Err: err})
	}
	d.mgr.metrics.ObserveOperation("delete", started, out.ProviderErr)
	return Ok(out)
}

// AsyncDelete schedules Delete and returns immediately.
func (d *Droplet) AsyncDelete(ctx context.Context, s *Scheduler) *Future[DeleteOutcome] {
	return Go(s, ctx, func(ctx context.Context) (DeleteOutcome, error) {
		return d.Delete(ctx).Unwrap()
	})
}

// IsValid re-lists the whole fleet and reports whether the droplet is still
// in it.
func (d *Droplet) IsValid(ctx context.Context) (bool, error) {
	droplets, err := d.mgr.cp.ListDroplets(ctx)
	if err != nil {
		return false, err
	}
	for _, other := range droplets {
		if other.ID == d.ID {
			return true, nil
		}
	}
	return false, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
