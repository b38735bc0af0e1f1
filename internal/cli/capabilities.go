package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/toolrun/internal/capability"
	"github.com/roach88/toolrun/internal/config"
	"github.com/roach88/toolrun/internal/toolerr"
)

// NewCapabilitiesCommand creates the capabilities command.
func NewCapabilitiesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capabilities [integration-id | capability-id]",
		Short: "List the capability registry",
		Long: `List the capabilities actions may use: the built-in table plus any
entries from capabilities.file. An integration id (slack) filters the
list; a capability id (slack.messages) shows that one entry.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapabilities(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runCapabilities(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if opts.viper == nil {
		opts.viper = config.New()
	}
	cfg, err := config.Load(opts.viper, opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	reg, err := capability.Default(cfg.Capabilities.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load capabilities", err)
	}

	var caps []capability.Capability
	switch {
	case len(args) == 1 && strings.Contains(args[0], "."):
		c, ok := reg.Lookup(args[0])
		if !ok {
			return formatter.Fail(toolerr.NotFound("capability", args[0]), nil)
		}
		caps = []capability.Capability{c}
	case len(args) == 1:
		caps = reg.List()
		filtered := caps[:0:0]
		for _, c := range caps {
			if c.IntegrationID == args[0] {
				filtered = append(filtered, c)
			}
		}
		caps = filtered
	default:
		caps = reg.List()
	}

	return formatter.Success(caps, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tOPERATIONS\tFIELDS\tMAX LIMIT")
		for _, c := range caps {
			ops := make([]string, len(c.AllowedOperations))
			for i, op := range c.AllowedOperations {
				ops[i] = string(op)
			}
			maxLimit := "-"
			if c.Constraints != nil && c.Constraints.MaxLimit > 0 {
				maxLimit = fmt.Sprint(c.Constraints.MaxLimit)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, strings.Join(ops, ","), strings.Join(c.SupportedFields, ","), maxLimit)
		}
		tw.Flush()
	})
}
