// Package errdefs defines the error kinds shared by the cache, catalog and
// supervisor layers. Callers classify errors with errors.Is / errors.As.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrServiceNotFound       = errors.New("service not found")
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrHealthCheckFailed     = errors.New("health check failed")
	ErrServiceProcessDied    = errors.New("service process died")
)

// NotFound wraps ErrServiceNotFound with a human-readable remediation message.
func NotFound(format string, args ...any) error {
	return &notFoundError{msg: fmt.Sprintf(format, args...)}
}

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }
func (e *notFoundError) Unwrap() error { return ErrServiceNotFound }

// AlreadyRunning reports that name already has a live record.
func AlreadyRunning(name string) error {
	return fmt.Errorf("service '%s': %w", name, ErrServiceAlreadyRunning)
}

// HealthCheckTimeoutError is returned when a service never reported healthy
// within the allowed window.
type HealthCheckTimeoutError struct {
	Seconds int
}

func (e *HealthCheckTimeoutError) Error() string {
	return fmt.Sprintf("health check timed out after %ds", e.Seconds)
}

// Is lets errors.Is(err, ErrHealthCheckFailed) match a timeout as well.
func (e *HealthCheckTimeoutError) Is(target error) bool { return target == ErrHealthCheckFailed }

// CacheSyncError wraps a failure of the underlying version control operation.
type CacheSyncError struct {
	Op  string
	Err error
}

func (e *CacheSyncError) Error() string { return "cache sync: " + e.Op + ": " + e.Err.Error() }
func (e *CacheSyncError) Unwrap() error { return e.Err }

// ManifestParseError reports a manifest (or seed/state document) that could
// not be decoded or failed validation.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}
func (e *ManifestParseError) Unwrap() error { return e.Err }

// TransportError wraps an HTTP failure against a running service.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string { return "request " + e.URL + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// IOError wraps a filesystem or process spawn failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}
func (e *IOError) Unwrap() error { return e.Err }

// Chain returns err followed by every error reachable through Unwrap.
// Joined errors are walked depth first.
func Chain(err error) []error {
	var out []error
	var walk func(error)
	walk = func(e error) {
		for e != nil {
			out = append(out, e)
			switch u := e.(type) {
			case interface{ Unwrap() []error }:
				for _, inner := range u.Unwrap() {
					walk(inner)
				}
				return
			case interface{ Unwrap() error }:
				e = u.Unwrap()
			default:
				return
			}
		}
	}
	walk(err)
	return out
}
