package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mpataki/relay/internal/models"
	"github.com/mpataki/relay/internal/storage"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start and inspect flow runs",
	}
	cmd.AddCommand(
		newRunStartCommand(),
		newRunExecCommand(),
		newRunStatusCommand(),
		newRunListCommand(),
		newRunCancelCommand(),
		newRunDeleteCommand(),
	)
	return cmd
}

func newRunStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <flow>",
		Short: "Run a flow and wait for it to finish",
		Long: "Runs the flow in this process and prints the result. With " +
			"--no-exec the run is only recorded as pending, for a server to " +
			"start later.",
		Args: cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			flow, err := e.flows.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			version, _ := cmd.Flags().GetInt("version")
			raw, _ := cmd.Flags().GetStringArray("input")
			inputs, err := parseInputs(raw)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if noExec, _ := cmd.Flags().GetBool("no-exec"); noExec {
				run, err := e.engine.CreateRun(ctx, flow.ID, version, inputs)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Created pending run %s (%s v%d)\n",
					run.ID, flow.Name, run.Version)
				return nil
			}

			run, err := e.engine.Execute(ctx, flow.ID, version, inputs)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Started run %s (%s v%d)\n", run.ID, flow.Name, run.Version)
			return waitAndReport(ctx, e, out, run.ID)
		}),
	}
	cmd.Flags().IntP("version", "v", models.LatestVersion, "flow version (default latest)")
	cmd.Flags().StringArrayP("input", "i", nil, "override a parameter: <step_id>.<param>=<value>")
	cmd.Flags().Bool("no-exec", false, "create the run but don't execute it")
	return cmd
}

func newRunExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <run-id>",
		Short: "Execute a pending run in this process",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			if err := e.engine.StartRun(ctx, args[0]); err != nil {
				return err
			}
			return waitAndReport(ctx, e, cmd.OutOrStdout(), args[0])
		}),
	}
}

func waitAndReport(ctx context.Context, e *env, out io.Writer, runID string) error {
	run, err := e.engine.Wait(ctx, runID)
	if err != nil {
		return err
	}
	printRun(out, run)
	if run.Status == models.RunStatusFailed {
		return fmt.Errorf("run %s failed", run.ID)
	}
	return nil
}

// parseInputs reads key=value pairs; values are decoded as YAML scalars so
// numbers and booleans keep their types
func parseInputs(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected <step_id>.<param>=<value>", kv)
		}
		var v any
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		inputs[key] = v
	}
	return inputs, nil
}

func newRunStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			run, err := e.engine.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(run)
			}
			printRun(out, run)
			return nil
		}),
	}
	cmd.Flags().Bool("json", false, "print the run as JSON")
	return cmd
}

func printRun(out io.Writer, run *models.Run) {
	fmt.Fprintf(out, "Run %s: flow %s v%d\n", run.ID, run.FlowID, run.Version)
	fmt.Fprintf(out, "Status: %s\n", run.Outcome())
	if run.CancelRequested && !run.Status.IsTerminal() {
		fmt.Fprintln(out, "Cancellation requested")
	}
	if run.Error != nil {
		fmt.Fprintf(out, "Error: %s\n", formatError(run.Error))
	}
	if len(run.Steps) == 0 {
		return
	}

	fmt.Fprintln(out, "\nSteps:")
	for _, rs := range run.Steps {
		line := fmt.Sprintf("  %d. %-16s %s.%s [%s]",
			rs.Seq, rs.StepID, rs.Connector, rs.Action, rs.Status)
		if rs.Attempts > 1 {
			line += fmt.Sprintf(" after %d attempts", rs.Attempts)
		}
		fmt.Fprintln(out, line)
		if rs.Error != nil {
			fmt.Fprintf(out, "       %s\n", formatError(rs.Error))
		}
	}
}

func formatError(e *models.StepError) string {
	if e.Code != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newRunListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			ctx := cmd.Context()
			f := storage.RunFilter{}
			f.Limit, _ = cmd.Flags().GetInt("limit")
			status, _ := cmd.Flags().GetString("status")
			f.Status = models.RunStatus(status)
			if ref, _ := cmd.Flags().GetString("flow"); ref != "" {
				flow, err := e.flows.Resolve(ctx, ref)
				if err != nil {
					return err
				}
				f.FlowID = flow.ID
			}

			runs, err := e.engine.ListRuns(ctx, f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs found.")
				return nil
			}
			for _, run := range runs {
				fmt.Fprintf(out, "%s  v%-3d %-22s %s\n",
					run.ID, run.Version, run.Outcome(),
					run.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		}),
	}
	cmd.Flags().String("flow", "", "only runs of this flow (id or name)")
	cmd.Flags().String("status", "", "only runs with this status")
	cmd.Flags().IntP("limit", "n", 20, "maximum number of runs")
	return cmd
}

func newRunCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run at its next step boundary",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			status, err := e.engine.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if status == models.RunStatusCancelled {
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled run %s\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Cancellation requested, run %s stops at its next step\n", args[0])
			return nil
		}),
	}
}

func newRunDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a finished run and its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			if err := e.engine.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", args[0])
			return nil
		}),
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail runs left running by a process that exited",
		Long: "Marks every RUNNING run as failed with an interrupted error. " +
			"Do not run this while a server is executing runs against the same database.",
		Args: cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			ids, err := e.engine.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Interrupted %d runs\n", len(ids))
			for _, id := range ids {
				fmt.Fprintf(out, "  %s\n", id)
			}
			return nil
		}),
	}
}
