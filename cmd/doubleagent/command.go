package main

import (
	"errors"
	"io"
	"path/filepath"

	"github.com/islo-labs/doubleagent"
	"github.com/islo-labs/doubleagent/internal/config"
	"github.com/islo-labs/doubleagent/internal/logger"
)

// command holds what every subcommand shares. The engine is built on first
// use so that --help and argument errors never touch the data directory.
type command struct {
	global *GlobalFlags
	ui     *ui
	// workDir is where project discovery starts and .doubleagent.env is
	// written; empty means the current directory.
	workDir    string
	engineOpts []doubleagent.Option

	engine   *doubleagent.Engine
	logClose io.Closer
}

func newCommand(stdout, stderr io.Writer) *command {
	return &command{
		global: &GlobalFlags{},
		ui:     &ui{out: stdout, err: stderr},
	}
}

func (c *command) open() (*doubleagent.Engine, error) {
	if c.engine != nil {
		return c.engine, nil
	}
	overrides := map[string]any{}
	if c.global.Home != "" {
		overrides["home"] = c.global.Home
	}
	if c.global.LogLevel != "" {
		overrides["log.level"] = c.global.LogLevel
	}
	cfg, err := config.Load(config.Options{
		ConfigFile: c.global.ConfigPath,
		WorkDir:    c.workDir,
		Overrides:  overrides,
	})
	if err != nil {
		return nil, err
	}
	if c.global.NoColor {
		cfg.Log.NoColor = true
		c.ui.plain = true
	}

	log, closer := logger.Setup(cfg.Log, c.ui.err)
	c.logClose = closer
	opts := append([]doubleagent.Option{doubleagent.WithLogger(log)}, c.engineOpts...)
	e, err := doubleagent.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	c.engine = e
	return e, nil
}

func (c *command) close() error {
	var errs []error
	if c.engine != nil {
		errs = append(errs, c.engine.Close())
		c.engine = nil
	}
	if c.logClose != nil {
		errs = append(errs, c.logClose.Close())
		c.logClose = nil
	}
	return errors.Join(errs...)
}

func (c *command) envFile() string {
	return filepath.Join(c.workDir, doubleagent.EnvFile)
}
