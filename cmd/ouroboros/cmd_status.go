package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"ouroboros/internal/evolution"
	"ouroboros/internal/journal"
	"ouroboros/internal/lang"
	"ouroboros/internal/logging"
	"ouroboros/internal/telemetry"
	"ouroboros/internal/validator"
)

var (
	statusLogs   int
	historyLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the live program, version and health",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Syntax-check the live program or a given file",
	Long: `Validates the live program with the configured language's validator.
When a file is given its language is taken from the file extension.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded evolution cycles, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print status as JSON")
	statusCmd.Flags().IntVar(&statusLogs, "logs", 0, "Also print the last N log entries of this process")
	historyCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print history as JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of cycles")
}

// statusReport is the status command output.
type statusReport struct {
	Program   evolution.Program  `json:"program"`
	Status    telemetry.Snapshot `json:"status"`
	Snapshots int                `json:"snapshots"`
	LastCycle *journal.Entry     `json:"last_cycle,omitempty"`
	Logs      []logging.Entry    `json:"logs,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	a, err := newApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	program, err := a.ctrl.Program()
	if err != nil {
		return err
	}
	_ = a.ctrl.Health()

	report := statusReport{Program: program, Status: a.status.Snapshot()}
	if snaps, err := a.store.List(); err == nil {
		report.Snapshots = len(snaps)
	}
	if a.journal != nil {
		recent, err := a.journal.Recent(ctx, 1)
		if err != nil {
			return err
		}
		if len(recent) > 0 {
			report.LastCycle = &recent[0]
		}
	}
	if statusLogs > 0 {
		if stream := logging.Stream(); stream != nil {
			entries := stream.Snapshot()
			if len(entries) > statusLogs {
				entries = entries[len(entries)-statusLogs:]
			}
			report.Logs = entries
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, report)
	}

	fmt.Fprintln(out, titleStyle.Render("ouroboros status"))
	fmt.Fprintln(out, field("Program", program.Path))
	fmt.Fprintln(out, field("Language", program.Language))
	fmt.Fprintln(out, field("Version", strconv.Itoa(program.Version)))
	fmt.Fprintln(out, field("Size", fmt.Sprintf("%d bytes", program.Size)))
	fmt.Fprintln(out, field("Modified", program.ModifiedAt.Format(time.DateTime)))
	fmt.Fprintln(out, field("Snapshots", strconv.Itoa(report.Snapshots)))
	if report.Status.Healthy {
		fmt.Fprintln(out, field("Health", successStyle.Render("healthy")))
	} else {
		fmt.Fprintln(out, field("Health", errorStyle.Render(report.Status.HealthError)))
	}
	if e := report.LastCycle; e != nil {
		fmt.Fprintln(out, field("Last cycle", fmt.Sprintf("%s %s (%s)",
			e.StartedAt.Local().Format(time.DateTime), stateStyle(e.FinalState).Render(e.FinalState), e.Message)))
	}
	for _, e := range report.Logs {
		fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%s %-5s [%s] %s",
			e.Time.Format(time.TimeOnly), e.Level, e.Category, e.Message)))
	}
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}

	path := c.Program.Path
	l, err := c.Language()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		path = args[0]
		if byExt, ok := languageForFile(path); ok {
			l = byExt
		}
	}

	v, err := validator.For(l, c.Interpreter())
	if err != nil {
		return err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	if err := v.Validate(string(src)); err != nil {
		var syntaxErr *validator.SyntaxError
		if errors.As(err, &syntaxErr) {
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%s:%d:%d: %s", path, syntaxErr.Line, syntaxErr.Column, syntaxErr.Msg)))
		} else {
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%s: %v", path, err)))
		}
		return fmt.Errorf("%s is not valid %s", path, l.Name)
	}
	fmt.Fprintln(out, successStyle.Render(fmt.Sprintf("%s is valid %s", path, l.Name)))
	return nil
}

// languageForFile matches a file extension against the known languages.
func languageForFile(path string) (lang.Language, bool) {
	ext := filepath.Ext(path)
	for _, name := range lang.Names() {
		l, err := lang.Lookup(name)
		if err == nil && l.Extension == ext {
			return l, true
		}
	}
	return lang.Language{}, false
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	if !c.Journal.Enabled {
		return fmt.Errorf("the journal is disabled (journal.enabled: false)")
	}
	j, err := journal.Open(c.Journal.Path, logging.Get(logging.CategoryJournal))
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Recent(commandContext(cmd), historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No cycles recorded yet"))
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.StartedAt.Local().Format(time.DateTime),
			e.ID[:min(8, len(e.ID))],
			fmt.Sprintf("%d -> %d", e.FromVersion, e.ToVersion),
			e.FinalState,
			e.Message,
		})
	}
	fmt.Fprintln(out, renderTable([]string{"Started", "Cycle", "Version", "Result", "Message"}, rows))
	return nil
}
