package doctl

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Output is what a finished control-plane process left behind.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner starts a process and waits for it. A nonzero exit is reported in
// Output, not as an error; the error is reserved for processes that could not
// be started or were interrupted.
type Runner interface {
	Run(ctx context.Context, argv []string) (Output, error)
}

// ExecRunner runs argv as a local subprocess.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) (Output, error) {
	if len(argv) == 0 {
		return Output{ExitCode: -1}, errors.New("empty argv")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	out.ExitCode = -1
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, err
}
