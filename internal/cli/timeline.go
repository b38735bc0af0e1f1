package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/toolrun/internal/toolerr"
)

// NewTimelineCommand creates the timeline command.
func NewTimelineCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <spec-file>",
		Short: "Show a tool's activity timeline",
		Long: `Merge the tool's recent finished runs with the cached state of its
integrations into one feed, newest first.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTimeline(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runTimeline(opts *RootOptions, specPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	specs, list, err := loadSpecs(specPath)
	if err != nil {
		return err
	}
	spec := list[0]
	a, err := opts.openApp(cmd, appOptions{specs: specs})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer a.Close()

	events, err := a.svc.AggregateTimeline(cmd.Context(), opts.OrgID, spec.ID, spec)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	return formatter.Success(events, func(w io.Writer) {
		if len(events) == 0 {
			fmt.Fprintln(w, "No events.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tSOURCE\tENTITY\tACTION\tTITLE")
		for _, e := range events {
			title := e.Metadata["title"]
			if title == nil {
				title = e.Metadata["runId"]
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n",
				e.Timestamp.UTC().Format(timeLayout), e.SourceIntegration, e.Entity, e.Action, title)
		}
		tw.Flush()
	})
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Manage cached integration state",
	}
	cmd.AddCommand(newStatePutCommand(rootOpts))
	return cmd
}

func newStatePutCommand(rootOpts *RootOptions) *cobra.Command {
	var toolID string
	cmd := &cobra.Command{
		Use:   "put <integration-id> <payload-file> --tool <tool-id>",
		Short: "Store a pre-fetched raw payload for an integration",
		Long: `Store a raw API payload (JSON or YAML) as the cached state of one
integration of a tool. The timeline reads it from SQLite, or from Redis when
redis.url is configured.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := rootOpts.formatter(cmd)
			payload, err := readPayload(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read payload", err)
			}
			a, err := rootOpts.openApp(cmd, appOptions{})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to start", err)
			}
			defer a.Close()

			if err := a.state.PutState(cmd.Context(), rootOpts.OrgID, toolID, args[0], payload); err != nil {
				return formatter.Fail(toolerr.Wrap(toolerr.CodeInternal, err, "put state"), nil)
			}
			data := map[string]string{"toolId": toolID, "integrationId": args[0]}
			return formatter.Success(data, func(w io.Writer) {
				fmt.Fprintf(w, "Stored %s state for %s\n", args[0], toolID)
			})
		},
	}
	cmd.Flags().StringVar(&toolID, "tool", "", "tool id (required)")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}
