// Package main provides the CLI entry point for the dispatch tool runtime.
//
// Dispatch sits between an LLM agent and a fleet of MCP tool servers. It
// normalizes the model's tool calls, routes each call to the best-scoring
// strategy, walks the fallback tiers when tools fail, and learns from every
// outcome so that routing, recovery, and correction all improve over time.
//
// # Basic Usage
//
// Start the runtime:
//
//	dispatch serve --config dispatch.yaml
//
// Check a running instance:
//
//	dispatch status
//
// Run a single tool call through the pipeline (reads model output from
// stdin when no argument is given):
//
//	echo '{"tool_id":"deepsearch","action":"search","parameters":{"query":"go 1.24"}}' | dispatch call
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key, when llm.provider is "anthropic"
//   - OPENAI_API_KEY: OpenAI API key, when llm.provider is "openai"
//
// The key variable actually read is configurable via llm.api_key_env.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/dispatch/internal/config"
	"github.com/haasonsaas/dispatch/internal/observability"
	"github.com/haasonsaas/dispatch/internal/runtime"
	"github.com/haasonsaas/dispatch/internal/server"
	"github.com/haasonsaas/dispatch/pkg/models"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	// Configure structured logging with JSON output for production parsing.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch - adaptive tool routing runtime for LLM agents",
		Long: `Dispatch routes LLM tool calls to MCP tool servers with learned scoring,
tiered fallback, failure classification, and self-healing recovery.

Every call is validated and normalized before transport, every failure is
classified and fed back into the router, and a critic proposes corrected
calls when a failure pattern repeats.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildCallCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}

// buildServeCmd creates the serve command that starts the runtime.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch runtime",
		Long: `Start the dispatch runtime.

The serve command:

1. Loads configuration (defaults apply when the file is absent)
2. Opens the local state store and restores learned state
3. Fingerprints the configured tool servers and builds the registry
4. Starts the health prober, the update watcher, and the heal loop
5. Serves /healthz and /metrics over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  dispatch serve

  # Start with custom config
  dispatch serve --config /etc/dispatch/production.yaml

  # Start with debug logging
  dispatch serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "dispatch.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic.
// It handles configuration loading, runtime startup, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	log := observability.NewLogger(cfg.Log)

	log.Info(ctx, "starting dispatch runtime",
		"version", version,
		"commit", commit,
		"config", configPath,
		"servers", len(cfg.Servers),
		"llm_provider", cfg.LLM.Provider,
	)

	rt, err := runtime.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	log.Info(ctx, "dispatch runtime started", "http_addr", cfg.Server.Addr)

	// Wait for shutdown signal.
	<-ctx.Done()
	log.Info(context.Background(), "shutdown signal received, initiating graceful shutdown")

	if err := rt.Shutdown(); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	log.Info(context.Background(), "dispatch runtime stopped")
	return nil
}

// buildStatusCmd creates the status command that queries a running instance.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show health of a running dispatch instance",
		Long: `Query the /healthz endpoint of a running dispatch instance and print
registry and per-tool health in a human-readable form.`,
		Example: `  # Query the address from the config file
  dispatch status

  # Query an explicit address
  dispatch status --addr localhost:8420`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr = cfg.Server.Addr
			}
			return runStatus(cmd.Context(), cmd.OutOrStdout(), addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "dispatch.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "",
		"Address of the running instance (overrides config)")

	return cmd
}

func runStatus(ctx context.Context, out io.Writer, addr string) error {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := "http://" + addr + "/healthz"

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch is not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var status server.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("unexpected response from %s: %w", url, err)
	}

	fmt.Fprintf(out, "Status:            %s\n", status.Status)
	fmt.Fprintf(out, "Tools:             %d\n", status.Tools)
	fmt.Fprintf(out, "Registry degraded: %v\n", status.RegistryDegraded)
	fmt.Fprintf(out, "Snapshot age:      %.0fs\n", status.SnapshotAge)
	fmt.Fprintf(out, "Error rate:        %.2f/min\n", status.ErrorRate)
	for id, h := range status.ToolHealth {
		state := "online"
		if !h.Online {
			state = "offline"
		}
		fmt.Fprintf(out, "  %-20s %-8s reliability=%.2f calls=%d\n",
			id, state, h.Reliability, h.TotalCalls)
	}
	return nil
}

// buildCallCmd creates the call command for one-shot pipeline runs.
func buildCallCmd() *cobra.Command {
	var (
		configPath string
		taskDesc   string
		taskType   string
	)

	cmd := &cobra.Command{
		Use:   "call [model-output]",
		Short: "Run one tool call through the full pipeline",
		Long: `Run a single piece of model output through the full dispatch pipeline:
extraction, validation, routing, transport, and fallback. The model output
is taken from the argument, or from stdin when no argument is given.

This starts a short-lived runtime against the configured tool servers; it
is intended for debugging configurations and tool fleets, not for serving
traffic.`,
		Example: `  # Inline call
  dispatch call '{"tool_id":"deepsearch","action":"search","parameters":{"query":"go 1.24"}}'

  # From a model transcript on stdin, with task context
  dispatch call --task "research Go 1.24 release notes" < transcript.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) == 1 {
				raw = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				raw = string(data)
			}
			if strings.TrimSpace(raw) == "" {
				return fmt.Errorf("no model output given")
			}
			return runCall(cmd.Context(), cmd.OutOrStdout(), configPath, raw, taskDesc, taskType)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "dispatch.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&taskDesc, "task", "",
		"Task description used for routing and parameter completion")
	cmd.Flags().StringVar(&taskType, "type", string(models.TaskGeneral),
		"Task type: research, search, execute, analyze, install, general")

	return cmd
}

func runCall(ctx context.Context, out io.Writer, configPath, raw, taskDesc, taskType string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := observability.NewLogger(cfg.Log)

	rt, err := runtime.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}
	defer func() {
		if err := rt.Shutdown(); err != nil {
			log.Warn(context.Background(), "shutdown incomplete", "error", err)
		}
	}()

	task := &models.Task{
		ID:          uuid.NewString(),
		Description: taskDesc,
		Type:        models.TaskType(taskType),
		CreatedAt:   time.Now(),
	}

	result, err := rt.HandleModelOutput(ctx, task, raw)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// buildConfigCmd creates the config command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigShowCmd())
	return cmd
}

// buildConfigShowCmd prints the effective configuration after defaults are
// applied, which is the fastest way to see what a partial file resolves to.
func buildConfigShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "dispatch.yaml",
		"Path to YAML configuration file")

	return cmd
}
