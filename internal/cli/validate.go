package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/toolrun/internal/toolerr"
	"github.com/roach88/toolrun/internal/toolspec"
	"github.com/roach88/toolrun/internal/workflow"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	ToolID   string                     `json:"toolId,omitempty"`
	SpecHash string                     `json:"specHash,omitempty"`
	Errors   []toolspec.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <spec-file>",
		Short: "Validate a tool spec without executing anything",
		Long: `Validate a tool spec (.json, .yaml, .yml or .cue).

Runs structural validation, then checks every workflow graph for cycles and
a single start node. No database or integration is touched.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	spec, err := toolspec.LoadFile(path)
	if err != nil {
		return formatter.Fail(toolerr.Wrap(toolerr.CodeSpecification, err, ""), nil)
	}
	formatter.VerboseLog("Loaded spec %q from %s", spec.ID, path)

	result := ValidationResult{ToolID: spec.ID, Errors: validateSpec(spec, formatter)}
	result.Valid = len(result.Errors) == 0
	if result.Valid {
		result.SpecHash, _ = spec.Hash()
	}

	if err := formatter.Success(result, func(w io.Writer) { writeValidationText(w, result) }); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d validation error(s)", len(result.Errors)))
	}
	return nil
}

// validateSpec runs structural validation and, when that passes, compiles
// every workflow.
func validateSpec(spec *toolspec.Spec, formatter *OutputFormatter) []toolspec.ValidationError {
	errs := toolspec.Validate(spec)
	if len(errs) > 0 {
		return errs
	}
	for _, wf := range spec.Workflows {
		formatter.VerboseLog("Compiling workflow: %s", wf.ID)
		if _, err := workflow.Compile(spec, wf.ID); err != nil {
			errs = append(errs, toolspec.ValidationError{
				Field:   "workflows." + wf.ID,
				Message: toolerr.ToResult(err).Error.Message,
				Code:    toolspec.ErrWorkflowGraph,
			})
		}
	}
	return errs
}

func writeValidationText(w io.Writer, result ValidationResult) {
	if result.Valid {
		fmt.Fprintf(w, "✓ Spec %q valid (%s)\n", result.ToolID, result.SpecHash)
		return
	}
	fmt.Fprintf(w, "✗ Spec %q has %d error(s):\n", result.ToolID, len(result.Errors))
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  [%s] %s: %s\n", e.Code, e.Field, e.Message)
	}
}
