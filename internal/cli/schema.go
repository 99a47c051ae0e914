package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/qplan/internal/querysql"
	"github.com/roach88/qplan/internal/store"
)

// SchemaOptions holds flags for the schema command.
type SchemaOptions struct {
	*RootOptions
	Output   string // DDL output file path
	Apply    bool   // create missing tables in the database
	Database string
}

// EntitySchema describes one compiled entity.
type EntitySchema struct {
	Name        string `json:"name"`
	Table       string `json:"table"`
	Identity    string `json:"identity"`
	Fingerprint string `json:"fingerprint"`
	DDL         string `json:"ddl"`
}

// SchemaResult holds the compiled entities in registry order.
type SchemaResult struct {
	Entities []EntitySchema `json:"entities"`
	Applied  string         `json:"applied,omitempty"`
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SchemaOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "schema [entities-dir]",
		Short: "Print the tables the store creates for each entity",
		Long: `Compile the CUE entity definitions and print the SQLite DDL the store
uses for them, with each descriptor's fingerprint.

--output writes the DDL to a file; --apply creates missing tables in
the database named by --db.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors - we handle our own error output
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := rootOpts.EntitiesDir
			if len(args) == 1 {
				dir = args[0]
			}
			return runSchema(opts, dir, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")
	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "create missing tables in the database")
	cmd.Flags().StringVar(&opts.Database, "db", ":memory:", "path to SQLite database (config db_path)")

	return cmd
}

func runSchema(opts *SchemaOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loadResult, loadErrors := LoadEntities(dir, LoadModeCollectAll)
	if len(loadErrors) > 0 {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return formatter.commandError(loadErr.Code, loadErr.Message, len(loadErrors))
		}
		return formatter.commandError(ErrCodeGeneric, loadErrors[0].Error(), nil)
	}

	reg := loadResult.Registry
	result := SchemaResult{}
	var ddl strings.Builder
	for _, name := range reg.Names() {
		desc := reg.MustDescribe(name)
		formatter.VerboseLog("Compiling entity: %s", name)
		stmt := querysql.CreateTable(desc)
		result.Entities = append(result.Entities, EntitySchema{
			Name:        desc.Name(),
			Table:       desc.Table(),
			Identity:    desc.Identity(),
			Fingerprint: desc.Fingerprint(),
			DDL:         stmt,
		})
		ddl.WriteString(stmt)
		ddl.WriteString(";\n")
	}

	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, []byte(ddl.String()), 0644); err != nil {
			return formatter.commandError(ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	if opts.Apply {
		path := opts.settings().DBPath
		st, err := store.Open(path, store.WithLogger(opts.logger(formatter.GetErrWriter())))
		if err != nil {
			return formatter.commandError(ErrCodeDatabase, err.Error(), nil)
		}
		defer st.Close()
		if err := migrateAll(cmd.Context(), st, reg); err != nil {
			return formatter.commandError(ErrCodeDatabase, err.Error(), nil)
		}
		result.Applied = path
	}

	return formatter.Emit(result, func(w io.Writer) {
		if opts.Output == "" {
			fmt.Fprint(w, ddl.String())
		} else {
			fmt.Fprintf(w, "✓ Wrote DDL for %d entities to %s\n", len(result.Entities), opts.Output)
		}
		if result.Applied != "" {
			fmt.Fprintf(w, "✓ Tables ready in %s\n", result.Applied)
		}
	})
}
