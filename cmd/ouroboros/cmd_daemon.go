package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ouroboros/internal/evolution"
	"ouroboros/internal/logging"
	"ouroboros/internal/plugins"
	"ouroboros/internal/telemetry"
)

var daemonImmediate bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run evolution cycles on an interval",
	Long: `Runs cycles every evolution.interval until interrupted, samples runtime
telemetry and, when plugins.watch is set, hot-reloads the plugin directory.
Loaded capabilities screen each cycle's request before it reaches the model.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonImmediate, "now", true, "Run the first cycle immediately")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	a, err := newApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.serve(ctx, cmd.OutOrStdout())
}

// serve runs the scheduler, sampler and plugin watcher until ctx is done.
// Every cycle's generation request is screened by the watched registry.
func (a *app) serve(ctx context.Context, out io.Writer) error {
	log := logging.Get(logging.CategoryEvolution)

	sched := evolution.NewScheduler(a.ctrl, a.cfg.GetEvolutionInterval(), log)
	sched.OnResult(func(r *evolution.CycleResult) {
		final := r.Final.String()
		fmt.Fprintf(out, "%s %s %s\n", mutedStyle.Render(r.ID[:min(8, len(r.ID))]), stateStyle(final).Render(final), r.Message)
	})
	sampler := telemetry.NewSampler(a.status, a.cfg.GetSampleInterval(), a.cfg.Telemetry.HistorySize, logging.Get(logging.CategoryTelemetry))

	report := a.loadPlugins()
	log.Info("Daemon starting",
		zap.Int("version", a.ctrl.Version()),
		zap.Duration("interval", a.cfg.GetEvolutionInterval()),
		zap.Strings("capabilities", a.plugins.Names()),
		zap.Int("plugin_failures", len(report.Failed)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return sampler.Run(ctx) })

	if a.cfg.Plugins.Watch {
		watcher, err := plugins.NewWatcher(a.cfg.Plugins.Dir, a.plugins, a.cfg.GetPluginDebounce(), logging.Get(logging.CategoryPlugins))
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := watcher.Start(ctx); err != nil {
				watcher.Stop()
				return err
			}
			<-ctx.Done()
			watcher.Stop()
			stats := watcher.Stats()
			logging.Get(logging.CategoryPlugins).Debug("Plugin watcher finished", zap.Any("stats", stats))
			return nil
		})
	}

	if daemonImmediate {
		sched.Trigger()
	}

	err := g.Wait()
	snap := a.status.Snapshot()
	log.Info("Daemon stopped", zap.Int("version", snap.CurrentVersion), zap.Int("cycles", snap.CyclesRun))
	return err
}
