package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes where the CLI logs and where service output is captured.
//
// File is the CLI's own debug log. Dir, when set, receives each service's
// stdout and stderr as <Dir>/<name>.stdout.log and <Dir>/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string // console level: debug, info, warn, error (default warn)
	File       string // CLI log file, always written at debug
	Dir        string // service output capture directory
	MaxSizeMB  int    // megabytes before rotation (default 10)
	MaxBackups int    // number of backups to keep (default 3)
	MaxAgeDays int    // days to keep (default 7)
	Compress   bool   // Gzip rotated files
	NoColor    bool
}

// ParseLevel maps a config string onto a slog level. Unknown values fall
// back to warn, which keeps CLI output quiet.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Setup builds the process-wide logger, installs it with slog.SetDefault and
// returns it with a closer for the log file.
func Setup(c Config, stderr io.Writer) (*slog.Logger, io.Closer) {
	if stderr == nil {
		stderr = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var console slog.Handler
	if c.NoColor {
		console = slog.NewTextHandler(stderr, opts)
	} else {
		console = NewColorTextHandler(stderr, opts, false)
	}

	handlers := []slog.Handler{console}
	var closer io.Closer = nopCloser{}
	if c.File != "" {
		fw := c.rotating(c.File)
		handlers = append(handlers, slog.NewTextHandler(fw, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closer = fw
	}
	l := slog.New(fanout(handlers))
	slog.SetDefault(l)
	return l, closer
}

// OutputFiles prepares <Dir>/<name>.stdout.log and <Dir>/<name>.stderr.log
// for a detached service and returns them opened for append. Output left by a
// previous run is rotated first so backups follow the lumberjack retention
// settings. Both files are nil when no capture directory is configured.
//
// The service inherits the descriptors directly: a pipe through an
// in-process writer would break once the CLI exits.
func (c Config) OutputFiles(name string) (*os.File, *os.File, error) {
	if c.Dir == "" {
		return nil, nil, nil
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, nil, fmt.Errorf("invalid log name %q", name)
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, nil, err
	}
	var files []*os.File
	for _, stream := range []string{"stdout", "stderr"} {
		path := filepath.Join(c.Dir, name+"."+stream+".log")
		if err := c.rotateIfNonEmpty(path); err != nil {
			closeAll(files)
			return nil, nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			closeAll(files)
			return nil, nil, err
		}
		files = append(files, f)
	}
	return files[0], files[1], nil
}

func (c Config) rotateIfNonEmpty(path string) error {
	fi, err := os.Stat(path)
	if err != nil || fi.Size() == 0 {
		return nil
	}
	l := c.rotating(path)
	if err := l.Rotate(); err != nil {
		return err
	}
	return l.Close()
}

func closeAll(fs []*os.File) {
	for _, f := range fs {
		_ = f.Close()
	}
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// multiHandler sends each record to every handler that accepts its level.
type multiHandler []slog.Handler

func fanout(hs []slog.Handler) slog.Handler {
	if len(hs) == 1 {
		return hs[0]
	}
	return multiHandler(hs)
}

func (m multiHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
