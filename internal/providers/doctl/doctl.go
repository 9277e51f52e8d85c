// Package doctl implements the control-plane contract by invoking the doctl
// binary with machine-readable, non-interactive output.
package doctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	prov "github.com/3cpo-dev/docluster/internal/providers"
)

// Client talks to DigitalOcean through doctl subprocesses.
type Client struct {
	binary  string
	context string
	token   string
	runner  Runner
	limiter *rate.Limiter
}

type Option func(*Client)

// WithRunner replaces the subprocess runner, mainly for tests.
func WithRunner(r Runner) Option { return func(c *Client) { c.runner = r } }

// WithContext selects a named doctl authentication context.
func WithContext(name string) Option { return func(c *Client) { c.context = name } }

// WithAccessToken passes an API token on every invocation.
func WithAccessToken(token string) Option { return func(c *Client) { c.token = token } }

// WithRateLimit throttles invocations to rps per second with a burst of one.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

func New(binary string, opts ...Option) *Client {
	if binary == "" {
		binary = "doctl"
	}
	c := &Client{binary: binary, runner: ExecRunner{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewFromConfig builds a client from the control_plane config section.
func NewFromConfig(cfg prov.ControlPlaneConfig, opts ...Option) *Client {
	base := []Option{WithContext(cfg.Context), WithAccessToken(cfg.Token), WithRateLimit(cfg.RateLimit)}
	return New(cfg.Binary, append(base, opts...)...)
}

var _ prov.ControlPlane = (*Client)(nil)

func (c *Client) Account(ctx context.Context) (*prov.Account, error) {
	var acct prov.Account
	if err := c.runJSON(ctx, "get account", &acct, "account", "get"); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *Client) ListImages(ctx context.Context) ([]prov.Image, error) {
	var images []prov.Image
	if err := c.runJSON(ctx, "list images", &images, "compute", "image", "list-distribution"); err != nil {
		return nil, err
	}
	return images, nil
}

func (c *Client) ListDroplets(ctx context.Context) ([]prov.Droplet, error) {
	var droplets []prov.Droplet
	if err := c.runJSON(ctx, "list droplets", &droplets, "compute", "droplet", "list"); err != nil {
		return nil, err
	}
	return droplets, nil
}

// PublicIPv4 asks for the current public address; "" means none assigned yet.
func (c *Client) PublicIPv4(ctx context.Context, id int64) (string, error) {
	out, err := c.run(ctx, "get droplet address",
		"compute", "droplet", "get", strconv.FormatInt(id, 10),
		"--format", "PublicIPv4", "--no-header", "--interactive=false")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Stdout), nil
}

func (c *Client) CreateDroplet(ctx context.Context, req prov.CreateDropletRequest) error {
	args := []string{
		"compute", "droplet", "create", req.Name,
		"--image", req.Image,
		"--size", req.Size,
		"--region", req.Region,
		"--wait",
	}
	if len(req.Tags) > 0 {
		args = append(args, "--tag-names="+strings.Join(req.Tags, ","))
	}
	if req.SSHFingerprint != "" {
		args = append(args, "--ssh-keys", req.SSHFingerprint)
	}
	if req.UserData != "" {
		args = append(args, "--user-data", req.UserData)
	}
	args = append(args, "--output", "json", "--interactive=false")
	_, err := c.run(ctx, "create droplet", args...)
	return err
}

func (c *Client) DeleteDroplet(ctx context.Context, id int64) error {
	_, err := c.run(ctx, "delete droplet",
		"compute", "droplet", "delete", strconv.FormatInt(id, 10),
		"--force", "--output", "json", "--interactive=false")
	return err
}

func (c *Client) ListSSHKeys(ctx context.Context) ([]prov.SSHKey, error) {
	var keys []prov.SSHKey
	if err := c.runJSON(ctx, "list ssh keys", &keys, "compute", "ssh-key", "list"); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *Client) runJSON(ctx context.Context, op string, v any, args ...string) error {
	args = append(args, "--output", "json", "--interactive=false")
	out, err := c.run(ctx, op, args...)
	if err != nil {
		return err
	}
	payload := strings.TrimSpace(out.Stdout)
	if payload == "" || payload == "null" {
		// doctl prints nothing for some empty collections
		if isListTarget(v) {
			return nil
		}
		return &prov.ControlPlaneError{Op: op, Args: args, Stdout: out.Stdout, Stderr: out.Stderr,
			Err: errors.New("empty payload")}
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return &prov.ControlPlaneError{Op: op, Args: args, Stdout: out.Stdout, Stderr: out.Stderr,
			Err: fmt.Errorf("decode payload: %w", err)}
	}
	return nil
}

func isListTarget(v any) bool {
	switch v.(type) {
	case *[]prov.Droplet, *[]prov.Image, *[]prov.SSHKey:
		return true
	}
	return false
}

func (c *Client) run(ctx context.Context, op string, args ...string) (Output, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Output{}, fmt.Errorf("%s: %w", op, err)
		}
	}
	argv := append([]string{c.binary}, args...)
	if c.context != "" {
		argv = append(argv, "--context", c.context)
	}
	log.Debug().Str("op", op).Strs("argv", argv).Msg("Running control plane")
	if c.token != "" {
		argv = append(argv, "--access-token", c.token)
	}
	out, err := c.runner.Run(ctx, argv)
	if err != nil {
		if ctx.Err() != nil {
			return out, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return out, &prov.InvocationError{Binary: c.binary, Err: err}
	}
	if out.ExitCode != 0 {
		return out, &prov.ControlPlaneError{
			Op:       op,
			Args:     args,
			ExitCode: out.ExitCode,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
		}
	}
	return out, nil
}
