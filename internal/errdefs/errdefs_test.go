package errdefs

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFoundMatchesSentinel(t *testing.T) {
	err := NotFound("Service '%s' not installed. Run 'doubleagent add %s'", "stripe", "stripe")
	require.ErrorIs(t, err, ErrServiceNotFound)
	assert.Contains(t, err.Error(), "doubleagent add stripe")

	wrapped := fmt.Errorf("start: %w", err)
	assert.ErrorIs(t, wrapped, ErrServiceNotFound)
}

func TestAlreadyRunningMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("%w from /tmp/github", AlreadyRunning("github"))
	require.ErrorIs(t, err, ErrServiceAlreadyRunning)
	assert.Equal(t, "service 'github': service is already running from /tmp/github", err.Error())
}

func TestHealthCheckTimeout(t *testing.T) {
	var err error = &HealthCheckTimeoutError{Seconds: 30}
	assert.Equal(t, "health check timed out after 30s", err.Error())
	assert.ErrorIs(t, err, ErrHealthCheckFailed)
	assert.NotErrorIs(t, err, ErrServiceProcessDied)

	var te *HealthCheckTimeoutError
	require.ErrorAs(t, fmt.Errorf("wrap: %w", err), &te)
	assert.Equal(t, 30, te.Seconds)
}

func TestWrappersUnwrap(t *testing.T) {
	base := fs.ErrNotExist
	cases := []error{
		&CacheSyncError{Op: "clone", Err: base},
		&ManifestParseError{Path: "service.yaml", Err: base},
		&TransportError{URL: "http://localhost:1", Err: base},
		&IOError{Op: "spawn", Path: "/bin/x", Err: base},
	}
	for _, err := range cases {
		assert.ErrorIs(t, err, fs.ErrNotExist, err.Error())
	}
}

func TestChain(t *testing.T) {
	inner := errors.New("root cause")
	mid := &CacheSyncError{Op: "fetch", Err: inner}
	top := fmt.Errorf("Command 'update' failed: %w", mid)

	chain := Chain(top)
	require.Len(t, chain, 3)
	assert.Equal(t, top, chain[0])
	assert.Equal(t, inner, chain[2])

	joined := errors.Join(errors.New("a"), errors.New("b"))
	assert.Len(t, Chain(joined), 3)
	assert.Nil(t, Chain(nil))
}
