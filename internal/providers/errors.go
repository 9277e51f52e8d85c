package providers

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes shared by every layer. Concrete error types report their class
// through errors.Is.
var (
	ErrControlPlane = errors.New("control plane error")
	ErrNetwork      = errors.New("network error")
	ErrTransport    = errors.New("transport error")
	ErrTimeout      = errors.New("timeout")
	ErrValidation   = errors.New("validation error")
)

// ControlPlaneError is a nonzero exit or an unparsable payload from the
// control-plane tool.
type ControlPlaneError struct {
	Op       string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ControlPlaneError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: exit %d", e.Op, e.ExitCode)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", s)
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		fmt.Fprintf(&b, "\nstdout:\n%s", s)
	}
	return b.String()
}

func (e *ControlPlaneError) Unwrap() error { return e.Err }

func (e *ControlPlaneError) Is(target error) bool { return target == ErrControlPlane }

// InvocationError means the control-plane binary could not be started at all.
type InvocationError struct {
	Binary string
	Err    error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s: %v", e.Binary, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

func (e *InvocationError) Is(target error) bool { return target == ErrTransport }

// ValidationError represents a rejected request field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }
