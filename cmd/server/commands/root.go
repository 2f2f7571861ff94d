// Package commands is the damaijiwa command line: serve (default), migrate
// and history.
package commands

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sakif/damaijiwa/internal/config"
)

var appVersion = "dev"

// SetVersion records the build version (called from main).
func SetVersion(v string) {
	appVersion = v
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree. Running the binary with no subcommand
// starts the server.
func NewRootCmd() *cobra.Command {
	serve := NewServeCmd()

	root := &cobra.Command{
		Use:           "damaijiwa",
		Short:         "Damai Jiwa conversational wellness server",
		Long:          `Damai Jiwa pairs users with an empathetic psychologist persona across five life categories and keeps every journey's history.`,
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Real environment variables win over .env.
			return config.LoadDotEnv()
		},
		RunE: serve.RunE,
	}

	root.AddCommand(serve)
	root.AddCommand(NewMigrateCmd())
	root.AddCommand(NewHistoryCmd())

	return root
}

// newLogger builds the process logger: text for development, JSON when
// LOG_FORMAT=json.
func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
