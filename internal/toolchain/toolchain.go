// Package toolchain builds the exec.Cmd for a service command, optionally
// routing it through mise so the service's pinned runtimes are used.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// MiseFile marks a directory whose toolchain is managed by mise.
const MiseFile = ".mise.toml"

// ErrMiseNotInstalled is returned when a service needs mise but it is not on PATH.
var ErrMiseNotInstalled = errors.New("mise not found. This service requires mise for toolchain management.\n\n" +
	"Install mise:\n  curl https://mise.run | sh\n\n" +
	"More info: https://mise.jdx.dev/getting-started.html")

// Wrapper turns a command vector into a runnable command for dir.
type Wrapper interface {
	Command(dir string, argv []string) (*exec.Cmd, error)
}

// Preparer is implemented by wrappers that install tools ahead of a start.
type Preparer interface {
	Prepare(ctx context.Context, dir string) error
}

// Direct runs argv as is.
type Direct struct{}

func (Direct) Command(dir string, argv []string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command provided")
	}
	// #nosec G204
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	return cmd, nil
}

// Mise wraps argv with `mise exec --` when the marker file is present in any
// of the probed directories, and otherwise behaves like Direct.
type Mise struct {
	// Roots are extra directories checked for MiseFile, typically the service
	// root when dir is its server/ subdirectory.
	Roots []string
	// LookPath defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// ForService returns w scoped to a service rooted at root: a Mise wrapper
// also probes root, since server/ and contracts/ live below the mise file.
func ForService(w Wrapper, root string) Wrapper {
	m, ok := w.(Mise)
	if !ok {
		return w
	}
	m.Roots = append(append([]string{}, m.Roots...), root)
	return m
}

// Managed reports whether dir or any of m.Roots carries a mise file.
func (m Mise) Managed(dir string) bool {
	for _, d := range append([]string{dir}, m.Roots...) {
		if d == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(d, MiseFile)); err == nil {
			return true
		}
	}
	return false
}

func (m Mise) binary() (string, error) {
	look := m.LookPath
	if look == nil {
		look = exec.LookPath
	}
	p, err := look("mise")
	if err != nil {
		return "", ErrMiseNotInstalled
	}
	return p, nil
}

func (m Mise) Command(dir string, argv []string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command provided")
	}
	if !m.Managed(dir) {
		return Direct{}.Command(dir, argv)
	}
	bin, err := m.binary()
	if err != nil {
		return nil, err
	}
	args := append([]string{"exec", "--"}, argv...)
	// #nosec G204
	cmd := exec.Command(bin, args...)
	cmd.Dir = dir
	return cmd, nil
}

// Prepare runs `mise install` for a managed directory so the first start
// does not block on downloads inside the health window.
func (m Mise) Prepare(ctx context.Context, dir string) error {
	if !m.Managed(dir) {
		return nil
	}
	bin, err := m.binary()
	if err != nil {
		return err
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, bin, "install")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mise install in %s: %w: %s", dir, err, out)
	}
	return nil
}
