package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	xssh "golang.org/x/crypto/ssh"

	prov "github.com/3cpo-dev/docluster/internal/providers"
)

// Transport runs commands and moves files on hosts addressed by IP, sharing
// one identity and host-key policy. It is safe for concurrent use.
type Transport struct {
	User     string
	Port     int
	KeyPath  string
	HostKeys xssh.HostKeyCallback
	Timeout  time.Duration
	Retries  int
	Backoff  time.Duration
	Dialer   Dialer

	once   sync.Once
	signer xssh.Signer
	keyErr error
}

// NewTransport builds a transport from the ssh config section.
func NewTransport(cfg prov.SSHConfig) (*Transport, error) {
	hk, err := HostKeyCallback(cfg.HostKeyPolicy, cfg.KnownHosts)
	if err != nil {
		return nil, err
	}
	return &Transport{
		User:     cfg.User,
		Port:     cfg.Port,
		KeyPath:  cfg.PrivateKey,
		HostKeys: hk,
		Timeout:  cfg.ConnectTimeout,
		Retries:  cfg.Retries,
	}, nil
}

// WithSigner sets the identity directly instead of loading KeyPath.
func (t *Transport) WithSigner(s xssh.Signer) *Transport {
	t.once.Do(func() { t.signer = s })
	return t
}

func (t *Transport) loadSigner() (xssh.Signer, error) {
	t.once.Do(func() {
		t.signer, t.keyErr = LoadPrivateKeySigner(t.KeyPath)
	})
	return t.signer, t.keyErr
}

func (t *Transport) client(host string) (*Client, error) {
	signer, err := t.loadSigner()
	if err != nil {
		return nil, err
	}
	return &Client{
		Addr:       t.address(host),
		User:       t.User,
		Signer:     signer,
		KnownHosts: t.HostKeys,
		Timeout:    t.Timeout,
		Retries:    t.Retries,
		Backoff:    t.Backoff,
		Dialer:     t.Dialer,
	}, nil
}

func (t *Transport) address(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (t *Transport) dial(ctx context.Context, host string) (*xssh.Client, error) {
	c, err := t.client(host)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, c)
}

// Run executes command on host.
func (t *Transport) Run(ctx context.Context, host, command string) (Result, error) {
	c, err := t.client(host)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	return c.RunCommand(ctx, command)
}

// Upload copies a local file or directory to remotePath on host.
func (t *Transport) Upload(ctx context.Context, host, localPath, remotePath string) (TransferStats, error) {
	cli, err := t.dial(ctx, host)
	if err != nil {
		return TransferStats{}, err
	}
	defer cli.Close()
	stats, err := PushPath(ctx, cli, localPath, remotePath)
	if err != nil {
		return stats, fmt.Errorf("upload %s to %s:%s: %w", localPath, host, remotePath, err)
	}
	return stats, nil
}

// Download copies a remote file or directory on host to localPath.
func (t *Transport) Download(ctx context.Context, host, remotePath, localPath string) (TransferStats, error) {
	cli, err := t.dial(ctx, host)
	if err != nil {
		return TransferStats{}, err
	}
	defer cli.Close()
	stats, err := PullPath(ctx, cli, remotePath, localPath)
	if err != nil {
		return stats, fmt.Errorf("download %s:%s to %s: %w", host, remotePath, localPath, err)
	}
	return stats, nil
}
