package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency bounds in-flight remote operations when nothing else is configured.
const DefaultConcurrency = 64

var ErrSchedulerClosed = errors.New("scheduler is shut down")

// Scheduler is a bounded worker pool shared by every remote operation of an
// orchestrator. Tasks beyond capacity wait for a slot.
type Scheduler struct {
	sem           *semaphore.Weighted
	capacity      int
	memberTimeout time.Duration

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

// WithMemberTimeout bounds every task individually. Zero means no bound.
func WithMemberTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.memberTimeout = d }
}

func NewScheduler(capacity int, opts ...SchedulerOption) *Scheduler {
	if capacity <= 0 {
		capacity = DefaultConcurrency
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		base:     base,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) Capacity() int { return s.capacity }

// Go runs fn on the scheduler. The task context ends when ctx does, when the
// scheduler shuts down, or when the member timeout expires. A panic in fn
// becomes the task's error.
func Go[T any](s *Scheduler, ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f.resolve(Fail[T](ErrSchedulerClosed))
		return f
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		f.resolve(runTask(s, ctx, fn))
	}()
	return f
}

func runTask[T any](s *Scheduler, ctx context.Context, fn func(context.Context) (T, error)) (res Result[T]) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	if err := s.sem.Acquire(taskCtx, 1); err != nil {
		return Fail[T](err)
	}
	defer s.sem.Release(1)

	if s.memberTimeout > 0 {
		var cancelTimeout context.CancelFunc
		taskCtx, cancelTimeout = context.WithTimeout(taskCtx, s.memberTimeout)
		defer cancelTimeout()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Task panicked")
			res = Fail[T](fmt.Errorf("task panicked: %v", r))
		}
	}()
	v, err := fn(taskCtx)
	if err != nil {
		return Fail[T](err)
	}
	return Ok(v)
}

// Shutdown refuses new tasks and waits for in-flight ones. If ctx ends first
// the remaining tasks are cancelled and waited for.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// Await collects the results of futures keyed by k.
func Await[K comparable, T any](futures map[K]*Future[T]) map[K]Result[T] {
	out := make(map[K]Result[T], len(futures))
	for k, f := range futures {
		out[k] = f.Result()
	}
	return out
}
