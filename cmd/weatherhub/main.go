package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/weatherhub/weatherhub/internal/core"
	"github.com/weatherhub/weatherhub/internal/mcp"
)

var (
	version   = "0.1.0"
	gitCommit = ""
	buildTime = ""
)

var rootCmd = &cobra.Command{
	Use:   "weatherhub",
	Short: "Stateless MCP server for weather data and delegated identity lookups",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("weatherhub %s", version)
		if gitCommit != "" {
			fmt.Printf(" (%s)", gitCommit)
		}
		if buildTime != "" {
			fmt.Printf(" built %s", buildTime)
		}
		fmt.Println()
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := core.LoadConfig(os.Getenv)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("invalid configuration", "err", err)
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	logger.Info("effective config",
		"profile", cfg.Profile,
		"listen", cfg.Listen,
		"nws_api_base", cfg.NWSBaseURL,
		"token_exchange_audience", cfg.ExchangeAudience,
		"tenant_id", cfg.TenantID,
		"outbound_timeout", cfg.OutboundTimeout.String(),
	)

	factory := mcp.NewRegistryFactory(mcp.ConfigFrom(cfg), logger)
	server := mcp.NewServer(cfg.Listen, factory, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	server.Shutdown(ctx)
	logger.Info("shutdown complete")
	return nil
}
