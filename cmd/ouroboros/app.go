package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ouroboros/internal/config"
	"ouroboros/internal/evolution"
	"ouroboros/internal/journal"
	"ouroboros/internal/lang"
	"ouroboros/internal/logging"
	"ouroboros/internal/model"
	"ouroboros/internal/plugins"
	"ouroboros/internal/sandbox"
	"ouroboros/internal/telemetry"
	"ouroboros/internal/validator"
	"ouroboros/internal/versions"
)

// app holds the components built from one configuration.
type app struct {
	cfg       *config.Config
	lang      lang.Language
	store     *versions.Store
	validator validator.Validator
	invoker   *model.Invoker
	sandbox   *sandbox.Sandbox
	status    *telemetry.Status
	journal   *journal.Journal // nil when disabled
	plugins   *plugins.Registry
	ctrl      *evolution.Controller
}

// newApp wires the evolution pipeline. The caller must Close the result.
func newApp(c *config.Config) (*app, error) {
	if c == nil {
		return nil, fmt.Errorf("no configuration loaded; run 'ouroboros init' first")
	}
	l, err := c.Language()
	if err != nil {
		return nil, err
	}

	store, err := versions.NewStore(c.Program.Path, c.Versions.BackupDir, c.Versions.MaxVersions, logging.Get(logging.CategoryVersions))
	if err != nil {
		return nil, err
	}
	v, err := validator.For(l, c.Interpreter())
	if err != nil {
		return nil, err
	}

	programDir := filepath.Dir(c.Program.Path)
	workDir := c.Execution.WorkingDirectory
	if workDir == "" {
		workDir = programDir
	}

	a := &app{
		cfg:       c,
		lang:      l,
		store:     store,
		validator: v,
		invoker: model.New(model.Config{
			Service:  c.Model.Service,
			Endpoint: c.Model.Endpoint,
			Timeout:  c.GetModelTimeout(),
			Language: l,
			Dir:      programDir,
		}, logging.Get(logging.CategoryModel)),
		sandbox: sandbox.New(sandbox.Config{
			Interpreter:    c.Interpreter(),
			Timeout:        c.GetExecutionTimeout(),
			MaxOutputBytes: c.Execution.MaxOutputBytes,
			Dir:            workDir,
			Env:            c.Execution.Env,
		}, logging.Get(logging.CategorySandbox)),
		status:  telemetry.NewStatus(),
		plugins: newRegistry(c),
	}

	var recorder evolution.Recorder
	if c.Journal.Enabled {
		j, err := journal.Open(c.Journal.Path, logging.Get(logging.CategoryJournal))
		if err != nil {
			return nil, err
		}
		a.journal = j
		recorder = j
	}

	a.ctrl, err = evolution.NewController(evolution.Config{
		Store:        store,
		Generator:    a.invoker,
		Validator:    v,
		Runner:       a.sandbox,
		Language:     l,
		Status:       a.status,
		Recorder:     recorder,
		Screen:       a.plugins,
		AutoRollback: c.Evolution.AutoRollback,
		Logger:       logging.Get(logging.CategoryEvolution),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	logging.Get(logging.CategoryBoot).Info("Pipeline ready",
		zap.String("program", c.Program.Path),
		zap.String("language", l.Name),
		zap.Int("version", a.ctrl.Version()),
		zap.Bool("journal", a.journal != nil))
	return a, nil
}

// loadPlugins loads the plugin directory into the registry that screens
// generation requests.
func (a *app) loadPlugins() plugins.LoadReport {
	return a.plugins.LoadAll(a.cfg.Plugins.Dir)
}

// Close releases the journal.
func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logging.Get(logging.CategoryJournal).Warn("Failed to close journal", zap.Error(err))
		}
	}
}

// newRegistry builds a registry without touching the evolution pipeline.
func newRegistry(c *config.Config) *plugins.Registry {
	r := plugins.NewRegistry(c.GetPluginCallTimeout(), logging.Get(logging.CategoryPlugins))
	r.SetLoadTimeout(c.GetPluginLoadTimeout())
	if len(c.Plugins.AllowedImports) > 0 {
		r.SetAllowedImports(c.Plugins.AllowedImports)
	}
	return r
}

// commandContext returns the command's context, or Background when the
// command was invoked directly rather than through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// requireConfig fails commands that need a loaded configuration.
func requireConfig() (*config.Config, error) {
	if cfg == nil {
		if configErr != nil {
			return nil, fmt.Errorf("%w (run 'ouroboros init' first)", configErr)
		}
		return nil, fmt.Errorf("no configuration loaded; run 'ouroboros init' first")
	}
	return cfg, nil
}
