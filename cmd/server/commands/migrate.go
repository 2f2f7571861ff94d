package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sakif/damaijiwa/internal/config"
	"github.com/sakif/damaijiwa/internal/repository/sqlite"
)

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Long: `Open the SQLite database, apply any pending migrations and print the
resulting schema version. The server also migrates on start; this is for
deploy pipelines that want to migrate first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = config.DBPath()
			}
			if dbPath != ":memory:" {
				if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
					return fmt.Errorf("creating database directory: %w", err)
				}
			}

			// sqlite.New migrates as part of opening.
			db, err := sqlite.New(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			version, dirty, err := db.SchemaVersion()
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "database %s at schema version %d", dbPath, version)
			if dirty {
				fmt.Fprint(cmd.OutOrStdout(), " (dirty)")
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database path (default $DB_PATH or "+config.DefaultDBPath+")")

	return cmd
}
