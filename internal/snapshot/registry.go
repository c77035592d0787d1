package snapshot

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/islo-labs/doubleagent/internal/errdefs"
)

// ArchiveExt is appended to <profile> for file:// registries.
const ArchiveExt = ".tar.zst"

// ErrUnsupportedRegistry is returned for registry URLs with an unknown scheme.
var ErrUnsupportedRegistry = errors.New("unsupported registry protocol. Use s3://..., gs://... or file://...")

// PushResult reports where a snapshot went.
type PushResult struct {
	Destination string
	// Unredacted is set when the pushed manifest was not redacted.
	Unredacted bool
}

// Pusher uploads snapshot directories to a shared registry.
type Pusher struct {
	Store  *Store
	Stdout io.Writer
	Stderr io.Writer
	// LookPath defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// Push uploads service/profile to registry. s3:// and gs:// registries are
// synced with the aws and gsutil CLIs; file:// registries receive a zstd
// compressed tarball.
func (p *Pusher) Push(ctx context.Context, svc, profile, registry string) (*PushResult, error) {
	dir, err := p.Store.Path(svc, profile)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, errdefs.NotFound("Snapshot '%s/%s' not found locally. Pull it first.", svc, profile)
	}
	m, err := p.Store.Inspect(svc, profile)
	if err != nil {
		return nil, err
	}
	res := &PushResult{Unredacted: !m.Redacted}
	if res.Unredacted {
		p.Store.log.Warn("pushing unredacted snapshot", "service", svc, "profile", profile)
	}

	base := strings.TrimRight(registry, "/")
	switch {
	case strings.HasPrefix(registry, "s3://"):
		res.Destination = fmt.Sprintf("%s/%s/%s/", base, svc, profile)
		return res, p.run(ctx, "aws", "s3", "sync", dir, res.Destination, "--delete")
	case strings.HasPrefix(registry, "gs://"):
		res.Destination = fmt.Sprintf("%s/%s/%s/", base, svc, profile)
		return res, p.run(ctx, "gsutil", "-m", "rsync", "-r", "-d", dir, res.Destination)
	case strings.HasPrefix(registry, "file://"):
		root := strings.TrimPrefix(base, "file://")
		res.Destination = filepath.Join(root, svc, profile+ArchiveExt)
		return res, writeArchive(dir, res.Destination)
	default:
		return nil, ErrUnsupportedRegistry
	}
}

func (p *Pusher) run(ctx context.Context, tool string, args ...string) error {
	look := p.LookPath
	if look == nil {
		look = exec.LookPath
	}
	bin, err := look(tool)
	if err != nil {
		return fmt.Errorf("failed to run '%s': %w. Is it installed?", tool, err)
	}
	// #nosec G204
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout, cmd.Stderr = p.Stdout, p.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	return nil
}

// writeArchive packs dir into dest via a temporary file in the same
// directory, so an interrupted push never leaves a truncated archive.
func writeArchive(dir, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return &errdefs.IOError{Op: "mkdir", Path: filepath.Dir(dest), Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".push-*")
	if err != nil {
		return &errdefs.IOError{Op: "create", Path: dest, Err: err}
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := Pack(dir, tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return &errdefs.IOError{Op: "write", Path: dest, Err: err}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return &errdefs.IOError{Op: "rename", Path: dest, Err: err}
	}
	return nil
}

// Pack writes the regular files under dir to w as a zstd compressed tar.
func Pack(dir string, w io.Writer) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:     filepath.ToSlash(rel),
			Mode:     0o600,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		// #nosec G304 -- walking our own snapshot directory
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})
	if err := errors.Join(walkErr, tw.Close(), zw.Close()); err != nil {
		return fmt.Errorf("pack %s: %w", dir, err)
	}
	return nil
}

// Unpack extracts an archive produced by Pack into dir. Entries that would
// land outside dir are skipped.
func Unpack(r io.Reader, dir string) error {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	defer zr.Close()

	root := filepath.Clean(dir)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target := filepath.Join(root, filepath.Clean("/"+hdr.Name))
		if !strings.HasPrefix(target, root+string(filepath.Separator)) {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		// #nosec G304 -- target is confined to root above
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		// #nosec G110 -- snapshot archives are produced locally by Pack
		if _, err := io.Copy(f, tr); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
}

// Import installs an archive from a file:// registry as service/profile.
func (s *Store) Import(svc, profile, registry string) error {
	if !strings.HasPrefix(registry, "file://") {
		return ErrUnsupportedRegistry
	}
	dir, err := s.Path(svc, profile)
	if err != nil {
		return err
	}
	src := filepath.Join(strings.TrimPrefix(strings.TrimRight(registry, "/"), "file://"), svc, profile+ArchiveExt)
	// #nosec G304 -- src is built from validated names
	f, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return errdefs.NotFound("Snapshot '%s/%s' not found in %s", svc, profile, registry)
	}
	if err != nil {
		return &errdefs.IOError{Op: "open", Path: src, Err: err}
	}
	defer func() { _ = f.Close() }()

	staging, err := os.MkdirTemp(filepath.Dir(dir), ".import-")
	if err != nil {
		if mkErr := os.MkdirAll(filepath.Dir(dir), 0o750); mkErr != nil {
			return &errdefs.IOError{Op: "mkdir", Path: filepath.Dir(dir), Err: mkErr}
		}
		if staging, err = os.MkdirTemp(filepath.Dir(dir), ".import-"); err != nil {
			return &errdefs.IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := Unpack(f, staging); err != nil {
		return err
	}
	if _, err := readManifest(filepath.Join(staging, ManifestFile)); err != nil {
		return fmt.Errorf("archive %s: %w", src, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return &errdefs.IOError{Op: "delete", Path: dir, Err: err}
	}
	if err := os.Rename(staging, dir); err != nil {
		return &errdefs.IOError{Op: "rename", Path: dir, Err: err}
	}
	return nil
}
