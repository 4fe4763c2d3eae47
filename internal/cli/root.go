package cli

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

// defaultDBPath is where the SDK puts its event log unless told otherwise.
const defaultDBPath = "meander.db"

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	DB       string // SQLite database path (events, purge, send)
	Endpoint string // backend base URL (send)
	APIKey   string // backend API key (send)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// envDefaults seeds global flag defaults from the environment.
// An explicit flag always wins over an environment value.
type envDefaults struct {
	DB       string `env:"MEANDER_DB"`
	Endpoint string `env:"MEANDER_ENDPOINT"`
	APIKey   string `env:"MEANDER_API_KEY"`
}

func loadEnvDefaults() envDefaults {
	defaults := envDefaults{DB: defaultDBPath}
	if err := env.Parse(&defaults); err != nil {
		return envDefaults{DB: defaultDBPath}
	}
	return defaults
}

// NewRootCommand creates the root command for the meander CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	defaults := loadEnvDefaults()

	cmd := &cobra.Command{
		Use:   "meander",
		Short: "Meander behavioral SDK tools",
		Long: `Tools for working with the Meander SDK from the command line:
validate campaign definitions, inspect the local event log, replay
scenario files against the engine, re-send captured events, and manage
event retention.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", defaults.DB, "SQLite database path (env MEANDER_DB)")
	cmd.PersistentFlags().StringVar(&opts.Endpoint, "endpoint", defaults.Endpoint, "backend base URL (env MEANDER_ENDPOINT)")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", defaults.APIKey, "backend API key (env MEANDER_API_KEY)")

	// Add subcommands
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
