package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/toolerr"
)

// ListOptions holds flags for the runs and audit commands.
type ListOptions struct {
	*RootOptions
	ToolID string
	Limit  int
}

func (o *ListOptions) bindFlags(cmd *cobra.Command, defaultLimit int) {
	cmd.Flags().StringVar(&o.ToolID, "tool", "", "tool id (required)")
	cmd.Flags().IntVar(&o.Limit, "limit", defaultLimit, "maximum rows (0 = no limit)")
	_ = cmd.MarkFlagRequired("tool")
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs [run-id] --tool <tool-id>",
		Short: "List a tool's runs, or show one run",
		Long: `List a tool's execution runs newest first, or show one run in full.

Example:
  toolrun runs --tool triage-tool
  toolrun runs --tool triage-tool 0193c0de-... --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(opts, args, cmd)
		},
	}
	opts.bindFlags(cmd, 20)

	return cmd
}

func runRuns(opts *ListOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.openApp(cmd, appOptions{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Close()

	if len(args) == 1 {
		r, err := a.svc.GetRun(cmd.Context(), run.Key{RunID: args[0], OrgID: opts.OrgID, ToolID: opts.ToolID})
		if err != nil {
			return formatter.Fail(err, nil)
		}
		return formatter.Success(r, func(w io.Writer) { writeRunText(w, r) })
	}

	runs, err := a.svc.ListRuns(cmd.Context(), opts.OrgID, opts.ToolID, opts.Limit)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	return formatter.Success(runs, func(w io.Writer) {
		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTARGET\tSTATUS\tSTEP\tRETRIES\tUPDATED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
				r.ID, runTarget(r), r.Status, r.CurrentStep, r.Retries, r.UpdatedAt.UTC().Format(timeLayout))
		}
		tw.Flush()
	})
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "audit --tool <tool-id>",
		Short:         "List a tool's write-audit records",
		Long:          `List the audit records of a tool's write, mutate and notify actions, newest first.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(opts, cmd)
		},
	}
	opts.bindFlags(cmd, 50)

	return cmd
}

func runAudit(opts *ListOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	a, err := opts.openApp(cmd, appOptions{})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Close()

	recs, err := a.store.ListAudit(cmd.Context(), opts.OrgID, opts.ToolID, opts.Limit)
	if err != nil {
		return formatter.Fail(toolerr.Wrap(toolerr.CodeInternal, err, "list audit"), nil)
	}
	return formatter.Success(recs, func(w io.Writer) {
		if len(recs) == 0 {
			fmt.Fprintln(w, "No audit records.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tACTION\tTYPE\tINTEGRATION\tSTATUS\tRUN\tCONNECTION")
		for _, rec := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.CreatedAt.UTC().Format(timeLayout), rec.ActionID, rec.ActionType, rec.IntegrationID,
				rec.Status, rec.RunID, rec.ConnectionID)
		}
		tw.Flush()
	})
}
