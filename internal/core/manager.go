package core

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	prov "github.com/3cpo-dev/docluster/internal/providers"
	"github.com/3cpo-dev/docluster/internal/ssh"
	"github.com/3cpo-dev/docluster/internal/telemetry"
)

// Transport reaches droplets by address. *ssh.Transport implements it.
type Transport interface {
	Run(ctx context.Context, host, command string) (ssh.Result, error)
	Upload(ctx context.Context, host, localPath, remotePath string) (ssh.TransferStats, error)
	Download(ctx context.Context, host, remotePath, localPath string) (ssh.TransferStats, error)
}

var _ Transport = (*ssh.Transport)(nil)

// Manager performs CRUD and lookup over the fleet. It keeps no fleet state:
// every query re-lists through the control plane.
type Manager struct {
	cp        prov.ControlPlane
	transport Transport
	defaults  prov.DefaultsConfig
	timeouts  prov.TimeoutsConfig
	address   prov.AddressConfig
	home      string
	catalog   *prov.Catalog
	metrics   *telemetry.Metrics
}

type ManagerOption func(*Manager)

// WithCatalog validates size, image and region slugs before creation.
func WithCatalog(c *prov.Catalog) ManagerOption { return func(m *Manager) { m.catalog = c } }

func WithMetrics(mt *telemetry.Metrics) ManagerOption { return func(m *Manager) { m.metrics = mt } }

func NewManager(cp prov.ControlPlane, transport Transport, cfg prov.Config, opts ...ManagerOption) *Manager {
	user := cfg.SSH.User
	if user == "" {
		user = "root"
	}
	home := "/home/" + user
	if user == "root" {
		home = "/root"
	}
	m := &Manager{
		cp:        cp,
		transport: transport,
		defaults:  cfg.Defaults,
		timeouts:  cfg.Timeouts,
		address:   cfg.Address,
		home:      home,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Metrics() *telemetry.Metrics { return m.metrics }

// IsAuthenticated returns the account snapshot, or false when the control
// plane cannot identify the caller.
func (m *Manager) IsAuthenticated(ctx context.Context) (*prov.Account, bool) {
	acct, err := m.cp.Account(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Not authenticated")
		return nil, false
	}
	return acct, true
}

func (m *Manager) ListImages(ctx context.Context) ([]prov.Image, error) {
	return m.cp.ListImages(ctx)
}

func (m *Manager) ListSSHKeys(ctx context.Context) ([]prov.SSHKey, error) {
	return m.cp.ListSSHKeys(ctx)
}

func (m *Manager) ListDroplets(ctx context.Context) ([]*Droplet, error) {
	listed, err := m.cp.ListDroplets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Droplet, 0, len(listed))
	for _, d := range listed {
		out = append(out, newDroplet(m, d))
	}
	return out, nil
}

// FindDroplets scans the fleet for droplets named name (after normalization,
// empty matches any) carrying every tag in tags.
func (m *Manager) FindDroplets(ctx context.Context, name string, tags []string) ([]*Droplet, error) {
	all, err := m.ListDroplets(ctx)
	if err != nil {
		return nil, err
	}
	name = NormalizeName(name)
	var out []*Droplet
	for _, d := range all {
		if name != "" && d.Name != name {
			continue
		}
		if !d.HasTags(tags...) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// NormalizeName replaces underscores, which droplet names may not contain.
func NormalizeName(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}
