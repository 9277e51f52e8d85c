package core

import (
	"fmt"
	"strings"

	prov "github.com/3cpo-dev/docluster/internal/providers"
)

// Error classes, re-exported so callers only need this package.
var (
	ErrControlPlane = prov.ErrControlPlane
	ErrNetwork      = prov.ErrNetwork
	ErrTransport    = prov.ErrTransport
	ErrTimeout      = prov.ErrTimeout
	ErrValidation   = prov.ErrValidation
)

// NetworkError means a droplet's public address could not be resolved.
type NetworkError struct {
	Droplet  string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	msg := fmt.Sprintf("droplet %s: no public address after %d attempts", e.Droplet, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// TransportError is a failure to reach a droplet over the remote shell or to
// invoke the control plane at all.
type TransportError struct {
	Droplet string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Droplet, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// TimeoutError reports which bounded wait ran out. Detail carries diagnostic
// output such as probe results or the remaining ids.
type TimeoutError struct {
	Stage   string
	Subject string
	After   string
	Detail  string
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: timed out in stage %s after %s", e.Subject, e.Stage, e.After)
	if d := strings.TrimSpace(e.Detail); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
	}
	return b.String()
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// InstallError means the droplet reached Ready but its install callback failed.
// The droplet still exists.
type InstallError struct {
	Droplet *Droplet
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install on %s: %v", e.Droplet.Name, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

func validation(field, value, msg string) error {
	return prov.ValidationError{Field: field, Value: value, Message: msg}
}
