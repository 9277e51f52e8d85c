package core

import "context"

// Result holds exactly one of a value or an error.
type Result[T any] struct {
	Value T
	Err   error
}

func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

func Fail[T any](err error) Result[T] { return Result[T]{Err: err} }

func (r Result[T]) OK() bool { return r.Err == nil }

// Unwrap returns the value and error as a conventional pair.
func (r Result[T]) Unwrap() (T, error) { return r.Value, r.Err }

// Future is the pending outcome of a scheduled task.
type Future[T any] struct {
	done chan struct{}
	res  Result[T]
}

func newFuture[T any]() *Future[T] { return &Future[T]{done: make(chan struct{})} }

func (f *Future[T]) resolve(r Result[T]) {
	f.res = r
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finishes or ctx ends. A ctx that ends first does
// not cancel the task.
func (f *Future[T]) Wait(ctx context.Context) Result[T] {
	select {
	case <-f.done:
		return f.res
	case <-ctx.Done():
		return Fail[T](ctx.Err())
	}
}

// Result blocks until the task finishes.
func (f *Future[T]) Result() Result[T] {
	<-f.done
	return f.res
}
