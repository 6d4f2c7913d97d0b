package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/resident/internal/application"
	"github.com/psantana5/resident/internal/config"
	"github.com/psantana5/resident/internal/server"
	"github.com/psantana5/resident/pkg/logging"
	"github.com/psantana5/resident/pkg/taskqueue"
)

var (
	serveAddr    string
	serveWorkers int
	serveDebug   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker pool and HTTP server",
	Long: `Boots the configured number of workers, serves HTTP requests on server.addr
and drains the task queue until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "number of workers (overrides workers.count)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "include error details in responses")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAddr != "" {
		settings.Set("server.addr", serveAddr)
	}
	if serveWorkers > 0 {
		settings.Set("workers.count", serveWorkers)
	}
	if serveDebug {
		settings.Set("server.debug", true)
	}

	cfg, err := config.Load(settings)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	if path := settings.ConfigFileUsed(); path != "" {
		logger.Info("Configuration loaded", map[string]interface{}{"file": path})
	}

	tasks := taskqueue.NewRegistry()
	application.RegisterTasks(tasks)

	srv, err := server.New(cfg, logger, application.NewBuilder(), tasks)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run(context.Background())
}

func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File {
		return logging.NewFileLogger("resident", "server", level, cfg.JSON)
	}
	return logging.NewLogger(level, cfg.JSON), nil
}
