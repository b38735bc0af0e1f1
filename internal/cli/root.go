package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/toolrun/internal/config"
	"github.com/roach88/toolrun/internal/run"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	OrgID      string
	UserID     string

	// ScriptFile replays integration outcomes from a YAML file instead of
	// calling configured HTTP runtimes.
	ScriptFile string

	// IDGenerator and Clock override run ids and time (for testing).
	// If nil, UUIDv7 ids and the system clock are used.
	IDGenerator run.IDGenerator
	Clock       run.Clock

	viper *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DefaultOrgID scopes runs when --org is not given.
const DefaultOrgID = "default"

// NewRootCommand creates the root command for the toolrun CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	opts.viper = config.New()

	cmd := &cobra.Command{
		Use:   "toolrun",
		Short: "toolrun - tool execution and orchestration engine",
		Long: `Execute the actions and workflows declared by a tool spec against
third-party integrations, with capability checks, retries, write auditing
and a unified activity timeline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default ./toolrun.yaml if present)")
	flags.String("db", "", "path to SQLite database (overrides config)")
	flags.StringVar(&opts.OrgID, "org", DefaultOrgID, "organization id runs are scoped to")
	flags.StringVar(&opts.UserID, "user", "", "user id recorded on runs and audit rows")
	flags.StringVar(&opts.ScriptFile, "script", "", "YAML file of scripted integration outcomes (offline mode)")
	_ = opts.viper.BindPFlag(config.KeyDB, flags.Lookup("db"))

	// Add subcommands
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewActionCommand(opts))
	cmd.AddCommand(NewWorkflowCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewAuditCommand(opts))
	cmd.AddCommand(NewJoinCommand(opts))
	cmd.AddCommand(NewLinkCommand(opts))
	cmd.AddCommand(NewTimelineCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewCapabilitiesCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
}
