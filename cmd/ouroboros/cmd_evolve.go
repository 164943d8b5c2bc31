package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ouroboros/internal/config"
	"ouroboros/internal/diff"
	"ouroboros/internal/evolution"
	"ouroboros/internal/lang"
	"ouroboros/internal/sandbox"
	"ouroboros/internal/versions"
)

var (
	initLanguage string
	initProgram  string
	initForce    bool

	evolveCycles int
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration and scaffold the managed program",
	Long: `Writes a default configuration file and creates the managed program with
the language's initial scaffold when it does not exist yet. The backup and
plugin directories are created as well.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var evolveCmd = &cobra.Command{
	Use:   "evolve",
	Short: "Run one or more evolution cycles",
	Long: `Each cycle snapshots the live program, asks the model backend for a new
version, validates it, applies it and executes it. A failed execution rolls
back to the snapshot taken at the start of the cycle.`,
	Args: cobra.NoArgs,
	RunE: runEvolve,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the live program once without modifying it",
	Args:  cobra.NoArgs,
	RunE:  runProgram,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Restore the live program from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List retained snapshots",
	Args:  cobra.NoArgs,
	RunE:  runVersions,
}

var showCmd = &cobra.Command{
	Use:   "show <version>",
	Short: "Print the source of a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var diffCmd = &cobra.Command{
	Use:   "diff <version> [version]",
	Short: "Show the changes between a snapshot and the live program or another snapshot",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runDiff,
}

func init() {
	initCmd.Flags().StringVar(&initLanguage, "language", "", "Program language (python, go, javascript)")
	initCmd.Flags().StringVar(&initProgram, "program", "", "Managed program path")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing configuration file")

	evolveCmd.Flags().IntVarP(&evolveCycles, "cycles", "n", 1, "Number of cycles to run")
	evolveCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print cycle results as JSON")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the execution result as JSON")
	versionsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print snapshots as JSON")
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	c := config.DefaultConfig()
	if initLanguage != "" {
		l, err := lang.Lookup(initLanguage)
		if err != nil {
			return err
		}
		c.Program.Language = l.Name
		if initProgram == "" {
			c.Program.Path = "AI_Main" + l.Extension
		}
	}
	if initProgram != "" {
		c.Program.Path = initProgram
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.Save(configPath); err != nil {
		return err
	}

	// Saved paths stay relative; the resolved copy is used for scaffolding.
	resolved := *c
	base, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return err
	}
	resolved.ResolvePaths(base)
	for _, dir := range []string{resolved.Versions.BackupDir, resolved.Plugins.Dir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	a, err := newApp(&resolved)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintln(out, titleStyle.Render("ouroboros initialized"))
	fmt.Fprintln(out, field("Config", configPath))
	fmt.Fprintln(out, field("Program", resolved.Program.Path))
	fmt.Fprintln(out, field("Language", a.lang.Name))
	fmt.Fprintln(out, field("Version", strconv.Itoa(a.ctrl.Version())))
	fmt.Fprintln(out, field("Backups", resolved.Versions.BackupDir))
	fmt.Fprintln(out, field("Plugins", resolved.Plugins.Dir))
	return nil
}

func runEvolve(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	if evolveCycles < 1 {
		return fmt.Errorf("--cycles must be at least 1")
	}
	a, err := newApp(c)
	if err != nil {
		return err
	}
	defer a.Close()
	a.loadPlugins()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()
	var last *evolution.CycleResult
	for i := 0; i < evolveCycles; i++ {
		if ctx.Err() != nil {
			break
		}
		last = a.ctrl.RunCycle(ctx)
		if jsonOutput {
			if err := writeJSON(out, last); err != nil {
				return err
			}
		} else {
			printCycle(out, last)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("evolve interrupted: %w", err)
	}
	if last != nil && last.Final == evolution.StateFailed {
		return fmt.Errorf("cycle %s failed: %s", last.ID, last.Message)
	}
	return nil
}

func runProgram(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	a, err := newApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	res, runErr := a.ctrl.Execute(commandContext(cmd))
	out := cmd.OutOrStdout()
	if res != nil {
		if jsonOutput {
			if err := writeJSON(out, res); err != nil {
				return err
			}
		} else {
			printExecution(out, res)
		}
	}
	return runErr
}

func runRollback(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	version, err := parseVersion(args[0])
	if err != nil {
		return err
	}
	a, err := newApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.ctrl.Rollback(commandContext(cmd), version); err != nil {
		return err
	}
	logger.Info("Rollback complete", zap.Int("version", version))
	fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("Rolled back to version %d", version)))
	return nil
}

func runVersions(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	store, err := versions.NewStore(c.Program.Path, c.Versions.BackupDir, c.Versions.MaxVersions, logger)
	if err != nil {
		return err
	}
	snaps, err := store.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, snaps)
	}
	if len(snaps) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No snapshots yet"))
		return nil
	}

	rows := make([][]string, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, []string{
			strconv.Itoa(s.Version),
			s.CreatedAt.Format(time.DateTime),
			strconv.FormatInt(s.Size, 10),
			filepath.Base(s.Path),
		})
	}
	fmt.Fprintln(out, renderTable([]string{"Version", "Created", "Bytes", "File"}, rows))
	fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%d retained (max %d)", len(snaps), store.MaxVersions())))
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	version, err := parseVersion(args[0])
	if err != nil {
		return err
	}
	store, err := versions.NewStore(c.Program.Path, c.Versions.BackupDir, c.Versions.MaxVersions, logger)
	if err != nil {
		return err
	}
	snap, err := store.Get(version)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), snap.Source)
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	store, err := versions.NewStore(c.Program.Path, c.Versions.BackupDir, c.Versions.MaxVersions, logger)
	if err != nil {
		return err
	}

	from, err := parseVersion(args[0])
	if err != nil {
		return err
	}
	old, err := store.Get(from)
	if err != nil {
		return err
	}

	toLabel := "live"
	var updated string
	if len(args) == 2 {
		to, err := parseVersion(args[1])
		if err != nil {
			return err
		}
		snap, err := store.Get(to)
		if err != nil {
			return err
		}
		toLabel, updated = fmt.Sprintf("v%d", to), snap.Source
	} else if updated, err = store.Read(); err != nil {
		return err
	}

	change := diff.Compute(fmt.Sprintf("v%d", from), toLabel, old.Source, updated)
	out := cmd.OutOrStdout()
	if change.Empty() {
		fmt.Fprintln(out, mutedStyle.Render("No differences"))
		return nil
	}
	for _, line := range strings.Split(strings.TrimSuffix(change.Unified(), "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			fmt.Fprintln(out, titleStyle.Render(line))
		case strings.HasPrefix(line, "@@"):
			fmt.Fprintln(out, mutedStyle.Render(line))
		case strings.HasPrefix(line, "+"):
			fmt.Fprintln(out, successStyle.Render(line))
		case strings.HasPrefix(line, "-"):
			fmt.Fprintln(out, errorStyle.Render(line))
		default:
			fmt.Fprintln(out, line)
		}
	}
	fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%d added, %d removed", change.Added, change.Removed)))
	return nil
}

func parseVersion(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimPrefix(strings.ToLower(s), "v"))
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return v, nil
}

// printCycle renders one cycle result.
func printCycle(w io.Writer, r *evolution.CycleResult) {
	final := r.Final.String()
	fmt.Fprintln(w, titleStyle.Render("Cycle "+r.ID))
	fmt.Fprintln(w, field("Result", stateStyle(final).Render(final)))
	fmt.Fprintln(w, field("Message", r.Message))
	fmt.Fprintln(w, field("Version", fmt.Sprintf("%d -> %d", r.FromVersion, r.ToVersion)))
	trace := make([]string, len(r.Trace))
	for i, s := range r.Trace {
		trace[i] = s.String()
	}
	fmt.Fprintln(w, field("Trace", mutedStyle.Render(strings.Join(trace, " > "))))
	if r.Applied() {
		fmt.Fprintln(w, field("Changes", fmt.Sprintf("%s %s",
			successStyle.Render(fmt.Sprintf("+%d", r.LinesAdded)), errorStyle.Render(fmt.Sprintf("-%d", r.LinesRemoved)))))
	}
	if r.Fallback {
		fmt.Fprintln(w, field("Fallback", warningStyle.Render(r.FallbackReason)))
	}
	if r.Execution != nil {
		printExecution(w, r.Execution)
	}
	fmt.Fprintln(w, field("Duration", r.Duration.Round(time.Millisecond).String()))
}

// printExecution renders one sandbox result.
func printExecution(w io.Writer, r *sandbox.Result) {
	if r.Success {
		fmt.Fprintln(w, field("Execution", successStyle.Render("ok")))
	} else {
		fmt.Fprintln(w, field("Execution", errorStyle.Render(r.Error)))
	}
	if r.Payload != nil {
		data, _ := json.Marshal(r.Payload)
		fmt.Fprintln(w, field("Payload", string(data)))
	} else if out := strings.TrimSpace(r.Stdout); out != "" {
		fmt.Fprintln(w, field("Output", out))
	}
	if errOut := strings.TrimSpace(r.Stderr); errOut != "" && !r.Success {
		fmt.Fprintln(w, field("Stderr", mutedStyle.Render(errOut)))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Join(errors.New("failed to encode output"), err)
	}
	return nil
}
