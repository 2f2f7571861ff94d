package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	"github.com/sakif/damaijiwa/internal/config"
	"github.com/sakif/damaijiwa/internal/server"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Start the HTTP server on PORT. Configuration comes from the environment
(and a .env file in the working directory); SESSION_SECRET is required.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	// === 1. CONFIGURATION ===
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// === 2. LOGGING ===
	logger := newLogger(os.Stdout, cfg.LogFormat, cfg.SlogLevel())
	slog.SetDefault(logger)

	// === 3. ERROR REPORTING ===
	// Sentry is optional. Without a DSN the SDK stays uninitialised and every
	// capture is a no-op.
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			Release:          "damaijiwa@" + appVersion,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
		}); err != nil {
			logger.Error("sentry init failed", slog.String("error", err.Error()))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// === 4. SERVER ===
	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Start blocks until SIGINT/SIGTERM.
	return srv.Start()
}
