package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/qplan/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose     bool
	Format      string // "json" | "text"
	ConfigFile  string
	EntitiesDir string

	// Config is resolved before any subcommand runs. Flags the user set
	// win over QPLAN_* environment variables, the config file and defaults.
	Config *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// flagKeys maps config keys to the flag names that may override them.
var flagKeys = map[string]string{
	"format":       "format",
	"entities_dir": "entities",
	"db_path":      "db",
}

// NewRootCommand creates the root command for the qplan CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "qplan",
		Short: "qplan - derived queries and query plans",
		Long: `Derive query plans from repository method names.

Entities are declared in CUE. Signatures such as findByUsernameAndAgeGreaterThan
compile into canonical query plans, which can be inspected, rendered as SQL,
executed against a SQLite database or exercised by YAML scenarios.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return loadConfig(opts, cmd)
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.EntitiesDir, "entities", "./entities", "directory of CUE entity definitions")

	// Add subcommands
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewDeriveCommand(opts))
	cmd.AddCommand(NewSQLCommand(opts))
	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// loadConfig resolves the configuration and copies the effective global
// settings back onto opts.
func loadConfig(opts *RootOptions, cmd *cobra.Command) error {
	keys := make(map[string]string, len(flagKeys))
	for key, name := range flagKeys {
		if cmd.Flags().Lookup(name) != nil {
			keys[key] = name
		}
	}

	cfg, err := config.NewLoader(opts.ConfigFile, "").WithFlags(cmd.Flags(), keys).Load()
	if err != nil {
		return NewExitError(ExitCommandError, err.Error())
	}
	opts.Config = cfg
	opts.Format = cfg.Format
	opts.EntitiesDir = cfg.EntitiesDir
	return nil
}

// settings returns the resolved configuration, falling back to defaults
// when the command runs without the root's pre-run hook.
func (o *RootOptions) settings() *config.Config {
	if o.Config == nil {
		o.Config = config.DefaultConfig()
	}
	return o.Config
}

// logger writes structured logs to w. --verbose forces debug level.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch o.settings().LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   o.Verbose,
	}
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
