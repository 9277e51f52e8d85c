package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	prov "github.com/3cpo-dev/docluster/internal/providers"
)

func requests(names ...string) []CreateRequest {
	reqs := make([]CreateRequest, 0, len(names))
	for _, n := range names {
		reqs = append(reqs, CreateRequest{Name: n, Tags: []string{"test", "cluster"}})
	}
	return reqs
}

func TestCreateDropletsEndToEnd(t *testing.T) {
	h := newHarness()
	c, err := h.orch.CreateDroplets(context.Background(), requests("node-1", "node-2", "node-3"))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Empty())
	assert.Empty(t, c.Failed)
	assert.Equal(t, []string{"node-1", "node-2", "node-3"}, c.Names())

	results := c.RunCommand(context.Background(), "pwd")
	require.Len(t, results, 3)
	for d, r := range results {
		require.True(t, r.OK(), "droplet %s: %v", d, r.Err)
		assert.Contains(t, r.Value.Stdout, "/root")
	}
}

func TestCreateDropletsDuplicateNamesFailBeforeDispatch(t *testing.T) {
	h := newHarness()
	_, err := h.orch.CreateDroplets(context.Background(), requests("a", "b", "a"))
	require.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, h.cp.createCount())

	// names collide after normalization too
	_, err = h.orch.CreateDroplets(context.Background(), requests("x_1", "x-1"))
	require.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, h.cp.createCount())
}

func TestCreateDropletsPartialFailure(t *testing.T) {
	h := newHarness()
	reqs := requests("n1", "n2", "n3", "n4")
	reqs[2].Tags = []string{"bad tag"}

	c, err := h.orch.CreateDroplets(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
	require.Len(t, c.Failed, 1)
	assert.ErrorIs(t, c.Failed["n3"], ErrValidation)
	for _, d := range c.Droplets {
		_, failed := c.Failed[d.Name]
		assert.False(t, failed, "%s is in both collections", d.Name)
	}
	assert.Contains(t, c.String(), "failed: n3")
}

func TestAsyncCreateDroplets(t *testing.T) {
	h := newHarness()
	futures, err := h.orch.AsyncCreateDroplets(context.Background(), requests("p_1", "p_2"))
	require.NoError(t, err)
	require.Contains(t, futures, "p-1")
	require.Contains(t, futures, "p-2")
	for name, f := range futures {
		r := f.Result()
		require.True(t, r.OK())
		assert.Equal(t, name, r.Value.Name)
	}
}

func TestRunFunctionIsolatesFailures(t *testing.T) {
	h := newHarness()
	c, err := h.orch.CreateDroplets(context.Background(), requests("f1", "f2", "f3"))
	require.NoError(t, err)

	results := RunFunction(context.Background(), h.orch, c.Droplets, func(ctx context.Context, d *Droplet) (int, error) {
		switch d.Name {
		case "f2":
			return 0, errors.New("callback failed")
		case "f3":
			panic("callback panicked")
		}
		return len(d.Name), nil
	})
	require.Len(t, results, 3)
	for d, r := range results {
		switch d.Name {
		case "f1":
			require.True(t, r.OK())
			assert.Equal(t, 2, r.Value)
		case "f2":
			assert.EqualError(t, r.Err, "callback failed")
		case "f3":
			assert.ErrorContains(t, r.Err, "callback panicked")
		}
	}
}

func TestRunCommandRespectsPoolBound(t *testing.T) {
	h := newHarness()
	h.orch = NewOrchestrator(h.mgr, NewScheduler(2))
	var hosts []*Droplet
	for i := 0; i < 10; i++ {
		hosts = append(hosts, newDroplet(h.mgr, h.cp.seed("h"+string(rune('a'+i)))))
	}
	var running, peak atomic.Int32
	RunFunction(context.Background(), h.orch, hosts, func(ctx context.Context, d *Droplet) (struct{}, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return struct{}{}, nil
	})
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestClusterCopyTextRoundTrip(t *testing.T) {
	h := newHarness()
	c, err := h.orch.CreateDroplets(context.Background(), requests("t1", "t2"))
	require.NoError(t, err)

	for _, r := range c.CopyTextTo(context.Background(), "cluster config\n", "/etc/app.conf", "") {
		require.True(t, r.OK())
		require.True(t, r.Value.OK())
	}
	for _, r := range c.CopyTextFrom(context.Background(), "/etc/app.conf") {
		require.True(t, r.OK())
		assert.Equal(t, "cluster config\n", r.Value)
	}
}

func TestClusterCopyFromWritesPerHost(t *testing.T) {
	h := newHarness()
	c, err := h.orch.CreateDroplets(context.Background(), requests("d1", "d2"))
	require.NoError(t, err)
	c.CopyTextTo(context.Background(), "log line\n", "/var/log/app.log", "")

	dir := t.TempDir()
	for _, r := range c.CopyFrom(context.Background(), "/var/log/app.log", dir) {
		require.True(t, r.OK())
		require.True(t, r.Value.OK(), "%v", r.Value.Err)
	}
	for _, name := range []string{"d1", "d2"} {
		b, err := os.ReadFile(filepath.Join(dir, name, "app.log"))
		require.NoError(t, err)
		assert.Equal(t, "log line\n", string(b))
	}
}

func TestClusterCopyTo(t *testing.T) {
	h := newHarness()
	c, err := h.orch.CreateDroplets(context.Background(), requests("u1"))
	require.NoError(t, err)
	local := filepath.Join(t.TempDir(), "run.sh")
	require.NoError(t, os.WriteFile(local, []byte("#!/bin/sh\n"), 0o644))

	for _, r := range c.CopyTo(context.Background(), local, "/root/run.sh", "+x") {
		require.True(t, r.OK())
		assert.Equal(t, int64(len("#!/bin/sh\n")), r.Value.Bytes)
	}
	assert.Contains(t, strings.Join(h.tr.ran, "\n"), "chmod +x /root/run.sh")
}

func TestDeleteClusterVerifiesRemoval(t *testing.T) {
	h := newHarness()
	c, err := h.orch.CreateDroplets(context.Background(), requests("x1", "x2"))
	require.NoError(t, err)

	results, err := c.Delete(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.True(t, r.OK())
		assert.True(t, r.Value.Accepted)
	}
	found, err := h.mgr.FindDroplets(context.Background(), "", []string{"cluster"})
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDeleteClusterVerificationTimeout(t *testing.T) {
	h := newHarness()
	c, err := h.orch.CreateDroplets(context.Background(), requests("stuck"))
	require.NoError(t, err)
	h.cp.ignoreDeletes = true

	start := time.Now()
	_, err = c.Delete(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "delete-verify", te.Stage)
	assert.Contains(t, te.Detail, "stuck")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDeleteByTags(t *testing.T) {
	h := newHarness()
	h.cp.seed("keep", "prod")
	h.cp.seed("drop-1", "test", "batch")
	h.cp.seed("drop-2", "test", "batch")

	_, err := h.orch.DeleteByTags(context.Background(), nil)
	require.ErrorIs(t, err, ErrValidation)

	results, err := h.orch.DeleteByTags(context.Background(), []string{"test", "batch"})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	left, err := h.mgr.ListDroplets(context.Background())
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "keep", left[0].Name)
}

func TestDeleteEmptyTargetSet(t *testing.T) {
	h := newHarness()
	results, err := h.orch.DeleteByTags(context.Background(), []string{"nothing"})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, h.cp.deletes)
}

func TestFindCluster(t *testing.T) {
	h := newHarness()
	h.cp.seed("b", "web")
	h.cp.seed("a", "web")
	h.cp.seed("c", "db")
	c, err := h.orch.FindCluster(context.Background(), []string{"web"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, c.Names())
	assert.NotNil(t, c.Failed)
}

func TestJournalRecordsBatches(t *testing.T) {
	h := newHarness()
	store, err := NewStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer store.Close()
	h.orch = NewOrchestrator(h.mgr, NewScheduler(4), WithJournal(store))

	reqs := requests("j1", "j2")
	reqs[1].Tags = []string{"has space"}
	c, err := h.orch.CreateDroplets(context.Background(), reqs)
	require.NoError(t, err)
	c.RunCommand(context.Background(), "pwd")

	batches, err := store.RecentBatches(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	ops := []string{batches[0].Op, batches[1].Op}
	assert.ElementsMatch(t, []string{"create", "run"}, ops)

	for _, b := range batches {
		if b.Op != "create" {
			continue
		}
		assert.Equal(t, 1, b.Succeeded)
		assert.Equal(t, 1, b.Failed)
		outs, err := store.Outcomes(context.Background(), b.ID)
		require.NoError(t, err)
		require.Len(t, outs, 2)
		assert.Equal(t, "j1", outs[0].Host)
		assert.True(t, outs[0].OK)
		assert.False(t, outs[1].OK)
		assert.Contains(t, outs[1].Detail, "whitespace")
	}
}

func TestCreateDropletsWithCatalogDefaults(t *testing.T) {
	h := newHarness()
	h.mgr = NewManager(h.cp, h.tr, testConfig(), WithCatalog(prov.DefaultCatalog()))
	h.orch = NewOrchestrator(h.mgr, NewScheduler(4))
	c, err := h.orch.CreateDroplets(context.Background(), requests("cat-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}
