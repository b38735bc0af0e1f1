package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/service"
	"github.com/roach88/toolrun/internal/toolerr"
)

// ExecuteOptions holds flags shared by the action and workflow commands.
type ExecuteOptions struct {
	*RootOptions
	Input     string
	TriggerID string
	Approve   bool
	DryRun    bool
}

func (o *ExecuteOptions) bindFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Input, "input", "{}", "run input as a JSON/YAML object, or @file")
	cmd.Flags().StringVar(&o.TriggerID, "trigger", "manual", "trigger id recorded on the run")
	cmd.Flags().BoolVar(&o.Approve, "approve", false, "allow actions that require approval")
}

// NewActionCommand creates the action command.
func NewActionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecuteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "action <spec-file> <action-id>",
		Short: "Execute one action of a tool spec",
		Long: `Execute one action declared by a tool spec and record it as a run.

Input is checked against the action's capability before any integration is
called. Write, mutate and notify actions are audited.

Example:
  toolrun action tool.yaml list_issues --input '{"team": "core"}'
  toolrun action tool.yaml close_issue --input @close.json --approve`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(opts, args[0], args[1], cmd)
		},
	}
	opts.bindFlags(cmd)
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "validate and audit without calling the integration")

	return cmd
}

func runAction(opts *ExecuteOptions, specPath, actionID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	specs, list, err := loadSpecs(specPath)
	if err != nil {
		return err
	}
	spec := list[0]
	input, err := parseObject(opts.Input)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --input", err)
	}

	a, err := opts.openApp(cmd, appOptions{specs: specs, serveMetrics: true})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Close()

	res, err := a.svc.ExecuteAction(cmd.Context(), service.ActionParams{
		OrgID:     opts.OrgID,
		ToolID:    spec.ID,
		UserID:    opts.UserID,
		ActionID:  actionID,
		TriggerID: opts.TriggerID,
		Spec:      spec,
		Input:     input,
		DryRun:    opts.DryRun,
		Approved:  opts.Approve,
	})
	if err != nil {
		return formatter.Fail(err, res)
	}
	return formatter.Success(res, func(w io.Writer) {
		fmt.Fprintf(w, "Run %s: %s\n", res.RunID, res.Status)
		if res.Output != nil {
			writeJSON(w, res.Output)
		}
	})
}

// NewWorkflowCommand creates the workflow command.
func NewWorkflowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecuteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "workflow <spec-file> <workflow-id>",
		Short: "Run a workflow of a tool spec",
		Long: `Run a workflow declared by a tool spec.

The graph is validated before a run is created. The command waits for the
run to finish or suspend at a wait node, then prints the run. Suspended runs
are continued with "toolrun resume".

Example:
  toolrun workflow tool.yaml triage --input '{"team": "core"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(opts, args[0], args[1], cmd)
		},
	}
	opts.bindFlags(cmd)

	return cmd
}

func runWorkflow(opts *ExecuteOptions, specPath, workflowID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	specs, list, err := loadSpecs(specPath)
	if err != nil {
		return err
	}
	spec := list[0]
	input, err := parseObject(opts.Input)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --input", err)
	}

	a, err := opts.openApp(cmd, appOptions{specs: specs, serveMetrics: true})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Close()

	started, err := a.svc.RunWorkflow(cmd.Context(), service.WorkflowParams{
		OrgID:      opts.OrgID,
		ToolID:     spec.ID,
		UserID:     opts.UserID,
		WorkflowID: workflowID,
		TriggerID:  opts.TriggerID,
		Spec:       spec,
		Input:      input,
		Approved:   opts.Approve,
	})
	if err != nil {
		return formatter.Fail(err, nil)
	}
	formatter.VerboseLog("Started run %s", started.RunID)
	a.svc.Wait()

	return reportRun(cmd.Context(), formatter, a, run.Key{RunID: started.RunID, OrgID: opts.OrgID, ToolID: spec.ID})
}

// reportRun prints the persisted run. A failed run is reported as a failure
// with the run included.
func reportRun(ctx context.Context, formatter *OutputFormatter, a *app, key run.Key) error {
	r, err := a.svc.GetRun(ctx, key)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	if r.Status == run.StatusFailed && r.Error != nil {
		return formatter.Fail(&toolerr.Error{Code: r.Error.Code, Message: r.Error.Message, Details: r.Error.Details}, r)
	}
	return formatter.Success(r, func(w io.Writer) { writeRunText(w, r) })
}
