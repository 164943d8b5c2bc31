package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ouroboros/internal/plugins"
)

var checkCapability string

var checkCmd = &cobra.Command{
	Use:   "check <prompt>",
	Short: "Run a detection capability against a prompt",
	Long: `Dispatches the prompt to a capability (handle_paradox by default) and
reports whether it flagged the input.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send a prompt to the model backend after the paradox check",
	Long: `Prompts that the paradox capability flags are answered with its message
and never reach the model backend.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Load the plugin directory and list capabilities",
	Args:  cobra.NoArgs,
	RunE:  runPlugins,
}

func init() {
	checkCmd.Flags().StringVar(&checkCapability, "capability", plugins.ParadoxCapability, "Capability to dispatch to")
	checkCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the detection as JSON")
	pluginsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the load report as JSON")
}

func runCheck(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	r := newRegistry(c)
	r.LoadAll(c.Plugins.Dir)
	if !r.Has(checkCapability) {
		return fmt.Errorf("unknown capability %q (available: %s)", checkCapability, strings.Join(r.Names(), ", "))
	}

	det := r.Detect(commandContext(cmd), checkCapability, strings.Join(args, " "))
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, det)
	}
	if det.Detected {
		fmt.Fprintln(out, warningStyle.Render(det.Message))
	} else {
		fmt.Fprintln(out, mutedStyle.Render("Nothing detected"))
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	a, err := newApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	a.loadPlugins()
	r := a.plugins
	ctx := commandContext(cmd)
	prompt := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	if det, capability := r.Intercept(ctx, prompt); det.Detected {
		logger.Info("Prompt intercepted", zap.String("capability", capability))
		fmt.Fprintln(out, warningStyle.Render(det.Message))
		return nil
	}

	answer, err := a.invoker.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, answer)
	return nil
}

func runPlugins(cmd *cobra.Command, args []string) error {
	c, err := requireConfig()
	if err != nil {
		return err
	}
	r := newRegistry(c)
	report := r.LoadAll(c.Plugins.Dir)

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, struct {
			Report       plugins.LoadReport   `json:"report"`
			Capabilities []plugins.Capability `json:"capabilities"`
		}{report, r.Capabilities()})
	}

	rows := [][]string{}
	for _, capability := range r.Capabilities() {
		rows = append(rows, []string{capability.Name, string(capability.Shape), capability.Source})
	}
	fmt.Fprintln(out, titleStyle.Render("Capabilities"))
	fmt.Fprintln(out, renderTable([]string{"Name", "Shape", "Source"}, rows))

	if len(report.Skipped) > 0 {
		fmt.Fprintln(out, mutedStyle.Render("Skipped: "+strings.Join(report.Skipped, ", ")))
	}
	failed := make([]string, 0, len(report.Failed))
	for name := range report.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%s: %s", name, report.Failed[name])))
	}
	return nil
}
