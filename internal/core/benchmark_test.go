package core

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkSchedulerFanOut(b *testing.B) {
	s := NewScheduler(DefaultConcurrency)
	defer s.Shutdown(context.Background())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		futures := make(map[int]*Future[int], 128)
		for j := 0; j < 128; j++ {
			futures[j] = Go(s, context.Background(), func(ctx context.Context) (int, error) { return j, nil })
		}
		_ = Await(futures)
	}
}

func BenchmarkFindDroplets(b *testing.B) {
	h := newHarness()
	for i := 0; i < 1000; i++ {
		if i%3 == 0 {
			h.cp.seed(fmt.Sprintf("node-%d", i), "a", "b")
		} else {
			h.cp.seed(fmt.Sprintf("node-%d", i), "a")
		}
	}
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := h.mgr.FindDroplets(ctx, "", []string{"a", "b"}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRunCommand(b *testing.B) {
	h := newHarness()
	var hosts []*Droplet
	for i := 0; i < 64; i++ {
		hosts = append(hosts, newDroplet(h.mgr, h.cp.seed(fmt.Sprintf("n-%d", i))))
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = h.orch.RunCommand(ctx, hosts, "pwd")
	}
}
