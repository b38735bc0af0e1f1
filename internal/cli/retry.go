package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/toolrun/internal/run"
	"github.com/roach88/toolrun/internal/service"
	"github.com/roach88/toolrun/internal/toolerr"
)

// RetryOptions holds flags for the retry command.
type RetryOptions struct {
	*RootOptions
	Approve bool
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RetryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "retry <spec-file> <run-id>",
		Short: "Retry a finished run in place",
		Long: `Retry a completed or failed run against the tool's current spec.

The run keeps its id and input; its trigger becomes "retry:<run-id>" and
workflow progress starts over. Runs still pending or running are refused.
Use --approve to let an action awaiting approval run.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Approve, "approve", false, "approve actions that require approval")

	return cmd
}

func runRetry(opts *RetryOptions, specPath, runID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	specs, list, err := loadSpecs(specPath)
	if err != nil {
		return err
	}
	a, err := opts.openApp(cmd, appOptions{specs: specs})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Close()

	key := run.Key{RunID: runID, OrgID: opts.OrgID, ToolID: list[0].ID}
	res, err := a.svc.RetryRun(cmd.Context(), key, service.RetryOptions{Approved: opts.Approve})
	if err != nil {
		return formatter.Fail(err, nil)
	}
	formatter.VerboseLog("Retry of %s: %s", res.RunID, res.Status)
	a.svc.Wait()

	return reportRun(cmd.Context(), formatter, a, key)
}

// ResumeOptions holds flags for the resume command.
type ResumeOptions struct {
	*RootOptions
	Due   bool
	Limit int
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <spec-file> [run-id | --due]",
		Short: "Continue workflow runs suspended at a wait node",
		Long: `Continue a workflow run suspended at a wait node.

With a run id, that run is resumed; a run whose wait has not elapsed yet is
reported as NOT_READY. With --due, every suspended run of the given specs
whose wait has elapsed is resumed in one pass.

Example:
  toolrun resume tool.yaml 0193c0de-...
  toolrun resume --due tool.yaml other-tool.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Due {
				return runResumeDue(opts, args, cmd)
			}
			if len(args) != 2 {
				return NewExitError(ExitCommandError, "resume takes <spec-file> <run-id>, or --due with spec files")
			}
			return runResume(opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().BoolVar(&opts.Due, "due", false, "resume every due run")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum runs to resume with --due (0 = no limit)")

	return cmd
}

func runResume(opts *ResumeOptions, specPath, runID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	specs, list, err := loadSpecs(specPath)
	if err != nil {
		return err
	}
	a, err := opts.openApp(cmd, appOptions{specs: specs})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Close()

	key := run.Key{RunID: runID, OrgID: opts.OrgID, ToolID: list[0].ID}
	// Failures of the resumed walk are recorded on the run and reported
	// below; only refusals to resume are reported directly.
	if _, err := a.svc.ResumeRun(cmd.Context(), key); err != nil {
		switch toolerr.CodeOf(err) {
		case toolerr.CodeNotReady, toolerr.CodeConflict, toolerr.CodeNotFound, toolerr.CodeInternal:
			return formatter.Fail(err, nil)
		}
	}
	return reportRun(cmd.Context(), formatter, a, key)
}

func runResumeDue(opts *ResumeOptions, specPaths []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	specs, _, err := loadSpecs(specPaths...)
	if err != nil {
		return err
	}
	a, err := opts.openApp(cmd, appOptions{specs: specs})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Close()

	summary, err := a.svc.ResumeDue(cmd.Context(), opts.Limit)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	return formatter.Success(summary, func(w io.Writer) {
		if len(summary.Resumed) == 0 {
			fmt.Fprintln(w, "No due runs.")
			return
		}
		for _, s := range summary.Resumed {
			line := fmt.Sprintf("%s  %s", s.RunID, s.Status)
			if msg, ok := summary.Errors[s.RunID]; ok {
				line += "  " + msg
			}
			fmt.Fprintln(w, line)
		}
	})
}
