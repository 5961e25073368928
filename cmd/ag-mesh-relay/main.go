// ABOUTME: Entry point for ag-mesh-relay, the WebSocket relay and agent supervisor
// ABOUTME: Cobra commands: serve (default), init, schemas, health, version

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/ag-mesh-relay/internal/config"
	"github.com/2389/ag-mesh-relay/internal/gateway"
	"github.com/2389/ag-mesh-relay/internal/schema"
	"github.com/2389/ag-mesh-relay/internal/telemetry"
)

// Version info set via ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const serviceName = "ag-mesh-relay"

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "ag-mesh-relay",
		Short:        "WebSocket relay and supervisor for local ACP agents",
		Version:      fmt.Sprintf("%s (%s, %s)", Version, Commit, Date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: $AG_MESH_RELAY_CONFIG or XDG config dir)")

	cmd.AddCommand(
		serveCmd(&configPath),
		initCmd(&configPath),
		schemasCmd(),
		healthCmd(),
		versionCmd(),
	)
	return cmd
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return config.DefaultPath()
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, *configPath)
		},
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	path := resolveConfigPath(configPath)
	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	printBanner(cmd.ErrOrStderr(), path, created)

	logger := setupLogger(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, serviceName, Version, cfg.Telemetry.Insecure)
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	if err := gw.Run(ctx); err != nil {
		logger.Error("relay exited", "error", err)
		return err
	}
	return nil
}

func initCmd(configPath *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(*configPath)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func schemasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schemas",
		Short: "Print the event schemas as JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(schema.ExportJSONSchema())
		},
	}
}

func healthCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running relay's readiness endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), cmd.OutOrStdout(), url)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:10000/health/ready", "readiness URL")
	return cmd
}

// runHealth returns an error unless url answers 200 within a few seconds.
func runHealth(ctx context.Context, out io.Writer, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ag-mesh-relay %s (commit %s, built %s)\n", Version, Commit, Date)
		},
	}
}

func printBanner(w io.Writer, configPath string, created bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.FgHiBlack)

	fmt.Fprintln(w)
	cyan.Fprintf(w, "  ag-mesh-relay %s\n", Version)
	dim.Fprintf(w, "  config: %s\n", configPath)
	if created {
		color.New(color.FgYellow).Fprintln(w, "  wrote default config")
	}
	fmt.Fprintln(w)
}
