package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/toolrun/internal/join"
	"github.com/roach88/toolrun/internal/linking"
	"github.com/roach88/toolrun/internal/service"
)

// JoinOptions holds flags for the join command.
type JoinOptions struct {
	*RootOptions
	LeftField  string
	RightField string
	Type       string
}

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "join <left-file> <right-file>",
		Short: "Join two row sets on a field",
		Long: `Hash-join two JSON/YAML arrays of objects on a field.

Right-side fields are prefixed with "joined_" in matched rows. Rows whose key
is absent, null or empty never match.

Example:
  toolrun join issues.json labels.json --left-field id --right-field issue_id --type left`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.LeftField, "left-field", "", "left key field (required)")
	cmd.Flags().StringVar(&opts.RightField, "right-field", "", "right key field (required)")
	cmd.Flags().StringVar(&opts.Type, "type", string(join.Inner), "join type (inner|left)")
	_ = cmd.MarkFlagRequired("left-field")
	_ = cmd.MarkFlagRequired("right-field")

	return cmd
}

func runJoin(opts *JoinOptions, leftPath, rightPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	left, err := readRows(leftPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read left rows", err)
	}
	right, err := readRows(rightPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read right rows", err)
	}

	svc := service.New(service.Deps{})
	res, err := svc.ExecuteJoin(join.Definition{
		LeftField:  opts.LeftField,
		RightField: opts.RightField,
		Type:       join.Type(opts.Type),
	}, left, right)
	if err != nil {
		return formatter.Fail(err, nil)
	}
	return formatter.Success(res, func(w io.Writer) {
		writeJSON(w, res.Data)
		s := res.Stats
		fmt.Fprintf(w, "left=%d right=%d matched=%d dropped=%d unmatchedLeft=%d\n",
			s.LeftRows, s.RightRows, s.MatchedRows, s.DroppedRows, s.UnmatchedLeftRows)
	})
}

// LinkOptions holds flags for the link command.
type LinkOptions struct {
	*RootOptions
	SourceField string
	TargetField string
	Dedupe      bool
}

// NewLinkCommand creates the link command.
func NewLinkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LinkOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "link <source-file> <target-file>",
		Short: "Propose links between two entity sets",
		Long: `Compare every source item with every target item and print link
candidates with a confidence and reason. Nothing is persisted.

Example:
  toolrun link github.json linear.json --source-field title --target-field identifier --dedupe`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.SourceField, "source-field", "", "source field to compare (required)")
	cmd.Flags().StringVar(&opts.TargetField, "target-field", "", "target field to compare (required)")
	cmd.Flags().BoolVar(&opts.Dedupe, "dedupe", false, "keep only the best candidate per pair")
	_ = cmd.MarkFlagRequired("source-field")
	_ = cmd.MarkFlagRequired("target-field")

	return cmd
}

func runLink(opts *LinkOptions, sourcePath, targetPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	source, err := readRows(sourcePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read source items", err)
	}
	target, err := readRows(targetPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read target items", err)
	}

	svc := service.New(service.Deps{})
	cands := svc.LinkEntities(linking.Params{
		Source:      source,
		Target:      target,
		SourceField: opts.SourceField,
		TargetField: opts.TargetField,
	}, service.LinkOptions{Dedupe: opts.Dedupe})

	return formatter.Success(cands, func(w io.Writer) {
		if len(cands) == 0 {
			fmt.Fprintln(w, "No candidates.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SOURCE\tTARGET\tCONFIDENCE\tREASON")
		for _, c := range cands {
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", c.SourceID, c.TargetID, c.Confidence, c.Reason)
		}
		tw.Flush()
	})
}
