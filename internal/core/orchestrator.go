package core

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Orchestrator fans operations out over many droplets on a shared scheduler
// and folds the outcomes back together. One member failing never aborts a
// batch.
type Orchestrator struct {
	mgr     *Manager
	sched   *Scheduler
	journal *Store
}

type OrchestratorOption func(*Orchestrator)

// WithJournal records every batch in s.
func WithJournal(s *Store) OrchestratorOption { return func(o *Orchestrator) { o.journal = s } }

func NewOrchestrator(m *Manager, s *Scheduler, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{mgr: m, sched: s}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Manager() *Manager { return o.mgr }

func (o *Orchestrator) Scheduler() *Scheduler { return o.sched }

// AsyncCreateDroplets validates that names are unique and schedules one
// creation per request, keyed by normalized name.
func (o *Orchestrator) AsyncCreateDroplets(ctx context.Context, reqs []CreateRequest) (map[string]*Future[*Droplet], error) {
	seen := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		name := NormalizeName(r.Name)
		if _, dup := seen[name]; dup {
			return nil, validation("name", name, "duplicate name in batch")
		}
		seen[name] = struct{}{}
	}

	futures := make(map[string]*Future[*Droplet], len(reqs))
	for _, r := range reqs {
		r.Name = NormalizeName(r.Name)
		r.CheckExisting = false
		futures[r.Name] = Go(o.sched, ctx, func(ctx context.Context) (*Droplet, error) {
			return o.mgr.CreateDroplet(ctx, r)
		})
	}
	return futures, nil
}

// CreateDroplets creates every request concurrently and returns the Cluster
// of successes and per-name failures. Only duplicate names fail the call.
func (o *Orchestrator) CreateDroplets(ctx context.Context, reqs []CreateRequest) (*Cluster, error) {
	names := make([]string, 0, len(reqs))
	for _, r := range reqs {
		names = append(names, NormalizeName(r.Name))
	}
	futures, err := o.AsyncCreateDroplets(ctx, reqs)
	if err != nil {
		return nil, err
	}
	b := o.begin(ctx, "create", names)
	results := Await(futures)

	c := newCluster(o)
	outcomes := make([]OutcomeRecord, 0, len(results))
	for name, r := range results {
		rec := OutcomeRecord{Host: name, OK: r.OK()}
		if r.OK() {
			c.Droplets = append(c.Droplets, r.Value)
			rec.DropletID = r.Value.ID
		} else {
			c.Failed[name] = r.Err
			rec.Detail = r.Err.Error()
		}
		outcomes = append(outcomes, rec)
	}
	c.sort()
	b.finish(ctx, outcomes)
	log.Info().Int("created", c.Len()).Int("failed", len(c.Failed)).Msg("Cluster creation finished")
	return c, nil
}

// FindCluster wraps the droplets carrying every tag in a Cluster.
func (o *Orchestrator) FindCluster(ctx context.Context, tags []string) (*Cluster, error) {
	found, err := o.mgr.FindDroplets(ctx, "", tags)
	if err != nil {
		return nil, err
	}
	c := newCluster(o)
	c.Droplets = found
	c.sort()
	return c, nil
}

// RunFunction calls fn once per droplet on the scheduler. Errors and panics
// become that droplet's failure value.
func RunFunction[T any](ctx context.Context, o *Orchestrator, hosts []*Droplet, fn func(context.Context, *Droplet) (T, error)) map[*Droplet]Result[T] {
	return fanOut(ctx, o, "function", nil, hosts, fn, nil)
}

// RunCommand executes cmd on every droplet. A nonzero exit is carried in the
// droplet's CommandResult, not as a failure.
func (o *Orchestrator) RunCommand(ctx context.Context, hosts []*Droplet, cmd string) map[*Droplet]Result[CommandResult] {
	return fanOut(ctx, o, "run", []string{cmd}, hosts,
		func(ctx context.Context, d *Droplet) (CommandResult, error) { return d.Exec(ctx, cmd) },
		func(r Result[CommandResult]) (bool, string) {
			if !r.OK() {
				return false, r.Err.Error()
			}
			return r.Value.OK(), "exit " + strconv.Itoa(r.Value.ExitCode)
		})
}

// CopyTo uploads localPath to remotePath on every droplet.
func (o *Orchestrator) CopyTo(ctx context.Context, hosts []*Droplet, localPath, remotePath, chmod string) map[*Droplet]Result[TransferResult] {
	return fanOut(ctx, o, "copy-to", []string{localPath, remotePath}, hosts,
		func(ctx context.Context, d *Droplet) (TransferResult, error) {
			return d.CopyTo(ctx, localPath, remotePath, chmod)
		}, transferJudge)
}

// CopyFrom downloads remotePath from every droplet into localDir/<droplet name>.
func (o *Orchestrator) CopyFrom(ctx context.Context, hosts []*Droplet, remotePath, localDir string) map[*Droplet]Result[TransferResult] {
	return fanOut(ctx, o, "copy-from", []string{remotePath, localDir}, hosts,
		func(ctx context.Context, d *Droplet) (TransferResult, error) {
			return d.CopyFrom(ctx, remotePath, filepath.Join(localDir, d.Name, filepath.Base(remotePath)))
		}, transferJudge)
}

// CopyTextTo writes text to remotePath on every droplet.
func (o *Orchestrator) CopyTextTo(ctx context.Context, hosts []*Droplet, text, remotePath, chmod string) map[*Droplet]Result[TransferResult] {
	return fanOut(ctx, o, "copy-text-to", []string{remotePath}, hosts,
		func(ctx context.Context, d *Droplet) (TransferResult, error) {
			return d.CopyTextTo(ctx, text, remotePath, chmod)
		}, transferJudge)
}

// CopyTextFrom reads remotePath from every droplet.
func (o *Orchestrator) CopyTextFrom(ctx context.Context, hosts []*Droplet, remotePath string) map[*Droplet]Result[string] {
	return fanOut(ctx, o, "copy-text-from", []string{remotePath}, hosts,
		func(ctx context.Context, d *Droplet) (string, error) { return d.CopyTextFrom(ctx, remotePath) }, nil)
}

func transferJudge(r Result[TransferResult]) (bool, string) {
	switch {
	case !r.OK():
		return false, r.Err.Error()
	case r.Value.Err != nil:
		return false, r.Value.Err.Error()
	}
	return true, fmt.Sprintf("%d files, %d bytes", r.Value.Files, r.Value.Bytes)
}

// DeleteByTags deletes every droplet carrying all of tags. At least one tag
// is required so a typo cannot select the whole fleet.
func (o *Orchestrator) DeleteByTags(ctx context.Context, tags []string) (map[*Droplet]Result[DeleteOutcome], error) {
	if len(tags) == 0 {
		return nil, validation("tags", "", "at least one tag is required to select droplets for deletion")
	}
	hosts, err := o.mgr.FindDroplets(ctx, "", tags)
	if err != nil {
		return nil, err
	}
	return o.DeleteHosts(ctx, hosts)
}

// DeleteHosts deletes hosts concurrently, then polls the fleet until none of
// their ids remain. Exceeding the verification bound is a TimeoutError.
func (o *Orchestrator) DeleteHosts(ctx context.Context, hosts []*Droplet) (map[*Droplet]Result[DeleteOutcome], error) {
	if len(hosts) == 0 {
		return map[*Droplet]Result[DeleteOutcome]{}, nil
	}
	names := make([]string, 0, len(hosts))
	for _, d := range hosts {
		names = append(names, d.Name)
	}
	results := fanOut(ctx, o, "delete", names, hosts,
		func(ctx context.Context, d *Droplet) (DeleteOutcome, error) { return d.Delete(ctx).Unwrap() },
		func(r Result[DeleteOutcome]) (bool, string) {
			switch {
			case !r.OK():
				return false, r.Err.Error()
			case !r.Value.Accepted:
				return false, r.Value.ProviderErr.Error()
			}
			return true, "accepted"
		})

	started := time.Now()
	err := o.verifyDeleted(ctx, hosts)
	o.mgr.metrics.ObserveOperation("delete_verify", started, err)
	return results, err
}

func (o *Orchestrator) verifyDeleted(ctx context.Context, hosts []*Droplet) error {
	bound := o.mgr.timeouts.DeleteVerify
	wctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	targets := make(map[int64]string, len(hosts))
	for _, d := range hosts {
		targets[d.ID] = d.Name
	}
	var remaining []string
	var lastErr error
	for {
		listed, err := o.mgr.cp.ListDroplets(wctx)
		if err == nil {
			remaining = remaining[:0]
			for _, d := range listed {
				if name, ok := targets[d.ID]; ok {
					remaining = append(remaining, name+" ("+strconv.FormatInt(d.ID, 10)+")")
				}
			}
			if len(remaining) == 0 {
				log.Info().Int("count", len(hosts)).Msg("Deletion verified")
				return nil
			}
		} else {
			lastErr = err
			log.Warn().Err(err).Msg("Listing droplets during delete verification failed")
		}
		if err := sleepCtx(wctx, o.mgr.timeouts.Poll); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slices.Sort(remaining)
			detail := "still present: " + strings.Join(remaining, ", ")
			if len(remaining) == 0 && lastErr != nil {
				detail = "last listing error: " + lastErr.Error()
			}
			return &TimeoutError{Stage: "delete-verify", Subject: "cluster", After: bound.String(), Detail: detail}
		}
	}
}

// fanOut runs fn for each distinct droplet and journals the outcomes. judge
// decides what counts as success; nil means the Result's own status.
func fanOut[T any](ctx context.Context, o *Orchestrator, op string, args []string, hosts []*Droplet,
	fn func(context.Context, *Droplet) (T, error), judge func(Result[T]) (bool, string)) map[*Droplet]Result[T] {
	b := o.begin(ctx, op, args)
	futures := make(map[*Droplet]*Future[T], len(hosts))
	for _, d := range hosts {
		if _, dup := futures[d]; dup {
			continue
		}
		futures[d] = Go(o.sched, ctx, func(ctx context.Context) (T, error) { return fn(ctx, d) })
	}
	results := Await(futures)

	if b != nil {
		outcomes := make([]OutcomeRecord, 0, len(results))
		for d, r := range results {
			rec := OutcomeRecord{Host: d.Name, DropletID: d.ID, OK: r.OK()}
			if judge != nil {
				rec.OK, rec.Detail = judge(r)
			} else if r.Err != nil {
				rec.Detail = r.Err.Error()
			}
			outcomes = append(outcomes, rec)
		}
		b.finish(ctx, outcomes)
	}
	return results
}

type batchLog struct {
	store *Store
	id    string
}

// begin opens a journal batch; it returns nil when journaling is off or fails.
func (o *Orchestrator) begin(ctx context.Context, op string, args []string) *batchLog {
	if o.journal == nil {
		return nil
	}
	id, err := o.journal.BeginBatch(ctx, op, args)
	if err != nil {
		log.Warn().Err(err).Str("op", op).Msg("Journal unavailable")
		return nil
	}
	return &batchLog{store: o.journal, id: id}
}

func (b *batchLog) finish(ctx context.Context, outcomes []OutcomeRecord) {
	if b == nil {
		return
	}
	if err := b.store.FinishBatch(context.WithoutCancel(ctx), b.id, outcomes); err != nil {
		log.Warn().Err(err).Str("batch", b.id).Msg("Journal write failed")
	}
}
