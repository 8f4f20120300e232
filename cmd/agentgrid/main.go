// Command agentgrid runs the multi-agent orchestration runtime.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentgrid/agentgrid/internal/config"
	"github.com/agentgrid/agentgrid/internal/controller"
	"github.com/agentgrid/agentgrid/internal/hub"
	"github.com/agentgrid/agentgrid/internal/server"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "agentgrid",
		Short:         "Multi-agent orchestration runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var addr string
	var graphPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the agent graph and serve the runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			slog.SetDefault(logger)

			settings := config.FromEnv()
			if addr != "" {
				settings.Addr = addr
			}
			if graphPath != "" {
				settings.GraphPath = graphPath
			}

			spec, err := config.LoadGraph(settings.GraphPath)
			if err != nil {
				return fmt.Errorf("load graph: %w", err)
			}

			eventHub := hub.New(logger)
			ctrl := controller.New(settings, eventHub, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := ctrl.LoadGraph(ctx, spec); err != nil {
				// Partial failures leave the surviving agents running.
				logger.Error("graph loaded with failures", "error", err)
			}

			srv := server.New(settings, ctrl, eventHub, logger)

			go func() {
				if err := server.WatchGraph(ctx, settings.GraphPath, ctrl, logger); err != nil {
					logger.Warn("graph watcher unavailable", "error", err)
				}
			}()

			errChan := make(chan error, 1)
			go func() { errChan <- srv.ListenAndServe() }()

			select {
			case err := <-errChan:
				ctrl.Shutdown()
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			ctrl.Shutdown()
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides AGENTGRID_ADDR)")
	cmd.Flags().StringVar(&graphPath, "graph", "", "graph file path (overrides AGENTGRID_GRAPH)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentgrid", version)
		},
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("AGENTGRID_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
