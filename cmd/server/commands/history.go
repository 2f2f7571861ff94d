package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sakif/damaijiwa/internal/config"
	"github.com/sakif/damaijiwa/internal/model"
	"github.com/sakif/damaijiwa/internal/repository/sqlite"
)

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	var (
		dbPath  string
		asJSON  bool
		maxText int
	)

	cmd := &cobra.Command{
		Use:   "history <userID> <category>",
		Short: "Print a stored conversation",
		Long: `Print one user's conversation in one category, oldest turn first.
Categories: Trauma, Ekonomi, Sosial, Percintaan, Keluarga.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			category := model.Category(args[1])
			if !category.Valid() {
				return fmt.Errorf("unknown category %q", args[1])
			}
			if maxText < 0 {
				return fmt.Errorf("--width must not be negative, got %d", maxText)
			}

			if dbPath == "" {
				dbPath = config.DBPath()
			}
			db, err := sqlite.New(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			turns, err := db.ListTurns(cmd.Context(), userID, category)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(turns)
			}

			if len(turns) == 0 {
				fmt.Fprintln(out, "No history.")
				return nil
			}
			for _, t := range turns {
				text := t.Text
				if maxText > 0 {
					text = truncate(text, maxText)
				}
				fmt.Fprintf(out, "[%s] %-5s %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04"), t.Role, text)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database path (default $DB_PATH or "+config.DefaultDBPath+")")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	cmd.Flags().IntVar(&maxText, "width", 0, "truncate each turn to this many characters (0 = no limit)")

	return cmd
}

// truncate shortens s to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
