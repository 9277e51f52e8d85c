package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/docluster/internal/core"
	prov "github.com/3cpo-dev/docluster/internal/providers"
	"github.com/3cpo-dev/docluster/internal/providers/doctl"
	"github.com/3cpo-dev/docluster/internal/ssh"
	"github.com/3cpo-dev/docluster/internal/telemetry"
)

// session wires the library for one CLI invocation.
type session struct {
	cfg     prov.Config
	metrics *telemetry.Metrics
	mgr     *core.Manager
	orch    *core.Orchestrator
	journal *core.Store
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		cfg.Concurrency = n
	}

	transport, err := ssh.NewTransport(cfg.SSH)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, metrics: telemetry.NewMetrics()}
	opts := []core.ManagerOption{core.WithMetrics(s.metrics)}
	if skip, _ := cmd.Flags().GetBool("skip-catalog"); !skip {
		opts = append(opts, core.WithCatalog(prov.DefaultCatalog()))
	}
	s.mgr = core.NewManager(doctl.NewFromConfig(cfg.ControlPlane), transport, cfg, opts...)

	var orchOpts []core.OrchestratorOption
	if cfg.Journal.Path != "" {
		s.journal, err = core.NewStore(ssh.ExpandHome(cfg.Journal.Path))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		orchOpts = append(orchOpts, core.WithJournal(s.journal))
	}
	sched := core.NewScheduler(cfg.Concurrency, core.WithMemberTimeout(cfg.Timeouts.Member))
	s.orch = core.NewOrchestrator(s.mgr, sched, orchOpts...)
	log.Debug().Int("concurrency", sched.Capacity()).Str("journal", cfg.Journal.Path).Msg("Session ready")
	return s, nil
}

// close drains the scheduler, pushes metrics and closes the journal.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.orch.Scheduler().Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Scheduler did not drain")
	}
	if err := s.metrics.Push(ctx, s.cfg.Telemetry.PushgatewayURL, s.cfg.Telemetry.Job); err != nil {
		log.Warn().Err(err).Msg("Metrics push failed")
	}
	if s.journal != nil {
		_ = s.journal.Close()
	}
}

// selectHosts resolves --name/--tag flags to droplets; at least one is required.
func (s *session) selectHosts(ctx context.Context, name string, tags []string) ([]*core.Droplet, error) {
	if name == "" && len(tags) == 0 {
		return nil, errors.New("select droplets with --name or --tag")
	}
	hosts, err := s.mgr.FindDroplets(ctx, name, tags)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no droplets match name=%q tags=%s", name, strings.Join(tags, ","))
	}
	return hosts, nil
}

// byName orders a result map for stable output.
func byName[T any](results map[*core.Droplet]core.Result[T]) []*core.Droplet {
	keys := make([]*core.Droplet, 0, len(results))
	for d := range results {
		keys = append(keys, d)
	}
	slices.SortFunc(keys, func(a, b *core.Droplet) int { return strings.Compare(a.Name, b.Name) })
	return keys
}

func addSelectorFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "droplet name")
	cmd.Flags().StringSlice("tag", nil, "droplet tag (repeatable, all must match)")
}

func selectorFlags(cmd *cobra.Command) (string, []string) {
	name, _ := cmd.Flags().GetString("name")
	tags, _ := cmd.Flags().GetStringSlice("tag")
	return name, tags
}
