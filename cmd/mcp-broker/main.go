// ABOUTME: Entry point for the mcp-broker binary.
// ABOUTME: Wires registry, dispatcher, collaboration log, and the HTTP server.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"mcp-broker/internal/collab"
	"mcp-broker/internal/config"
	"mcp-broker/internal/dispatch"
	"mcp-broker/internal/registry"
	"mcp-broker/internal/server"
	"mcp-broker/internal/status"
)

var version = "0.3.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "mcp-broker",
		Short: "Agent registry and tool-call broker",
		Long:  "mcp-broker tracks agent instances, brokers tool calls to the least-loaded live instance, and keeps an append-only collaboration log.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(logsCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config, or defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// newLogger builds the process logger from logging config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting mcp-broker",
		"version", version,
		"http_addr", cfg.Server.HTTPAddr,
		"db", cfg.Database.Path,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := collab.NewStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening collaboration log: %w", err)
	}
	defer store.Close()

	recorder := collab.NewRecorder(store, cfg.Retention.CausalWindow, logger)

	reg := registry.New(cfg.Heartbeat.MissThreshold, logger)

	broadcaster := status.NewBroadcaster(logger)
	defer broadcaster.Close()
	broadcaster.AttachRecorder(recorder)
	reg.OnTransition(broadcaster.Publish)

	dispatcher := dispatch.New(reg, recorder, dispatch.NewHTTPCaller(),
		cfg.Dispatch.CallTimeout,
		dispatch.BreakerConfig{
			MaxFailures: cfg.Dispatch.Breaker.MaxFailures,
			OpenTimeout: cfg.Dispatch.Breaker.OpenTimeout,
		},
		logger,
	)

	monitor := registry.NewMonitor(reg,
		cfg.Heartbeat.Interval,
		cfg.Heartbeat.MissThreshold,
		cfg.Heartbeat.EvictAfter,
		logger,
	)
	go monitor.Run(ctx)

	var pruner *cron.Cron
	if cfg.Retention.Schedule != "" {
		pruner = cron.New()
		_, err := pruner.AddFunc(cfg.Retention.Schedule, func() {
			n, err := store.Prune(context.Background(), time.Now().Add(-cfg.Retention.MaxAge))
			if err != nil {
				logger.Error("log prune failed", "error", err)
				return
			}
			logger.Info("pruned collaboration log", "removed", n)
		})
		if err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", cfg.Retention.Schedule, err)
		}
		pruner.Start()
		defer pruner.Stop()
	}

	srv := server.New(reg, dispatcher, store, recorder, broadcaster, logger)
	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	logger.Info("mcp-broker stopped")
	return nil
}

func statusCmd() *cobra.Command {
	var brokerURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show registered agents on a running broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(brokerURL + "/api/agents")
			if err != nil {
				return fmt.Errorf("contacting broker: %w", err)
			}
			defer resp.Body.Close()

			var payload struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
				Agents  []struct {
					Name          string  `json:"name"`
					Group         string  `json:"group"`
					Endpoint      string  `json:"endpoint"`
					ToolsCount    int     `json:"tools_count"`
					Status        string  `json:"status"`
					Load          float64 `json:"load"`
					LastHeartbeat int64   `json:"last_heartbeat"`
					IsAlive       bool    `json:"is_alive"`
				} `json:"agents"`
				Total int `json:"total"`
			}
			if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&payload); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			if !payload.Success {
				return fmt.Errorf("broker error: %s", payload.Error)
			}

			if payload.Total == 0 {
				fmt.Println("No agents registered.")
				return nil
			}

			green := color.New(color.FgGreen).SprintFunc()
			yellow := color.New(color.FgYellow).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()

			fmt.Printf("%d agent(s) registered:\n\n", payload.Total)
			for _, a := range payload.Agents {
				var st string
				switch a.Status {
				case "online":
					st = green(a.Status)
				case "busy":
					st = yellow(a.Status)
				default:
					st = red(a.Status)
				}
				alive := green("alive")
				if !a.IsAlive {
					alive = red("dead")
				}
				fmt.Printf("  %-20s group=%-12s %s (%s)  load=%.1f  tools=%d  %s\n",
					a.Name, a.Group, st, alive, a.Load, a.ToolsCount, a.Endpoint)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&brokerURL, "broker", "http://localhost:8700", "broker base URL")
	return cmd
}

func logsCmd() *cobra.Command {
	var brokerURL, agent, entryType string
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent collaboration log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/api/logs?limit=%d", brokerURL, limit)
			if agent != "" {
				url += "&agent=" + agent
			}
			if entryType != "" {
				url += "&type=" + entryType
			}

			resp, err := http.Get(url)
			if err != nil {
				return fmt.Errorf("contacting broker: %w", err)
			}
			defer resp.Body.Close()

			var payload struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
				Logs    []struct {
					ID        int64          `json:"id"`
					Type      string         `json:"type"`
					Timestamp string         `json:"timestamp"`
					Agent     *string        `json:"agent"`
					Tool      *string        `json:"tool"`
					Status    string         `json:"status"`
					Payload   map[string]any `json:"payload"`
					ParentID  *int64         `json:"parent_id"`
				} `json:"logs"`
			}
			if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&payload); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			if !payload.Success {
				return fmt.Errorf("broker error: %s", payload.Error)
			}

			cyan := color.New(color.FgCyan).SprintFunc()
			red := color.New(color.FgRed).SprintFunc()

			for _, e := range payload.Logs {
				who := "-"
				if e.Agent != nil {
					who = *e.Agent
				}
				what := ""
				if e.Tool != nil {
					what = " tool=" + *e.Tool
				}
				parent := ""
				if e.ParentID != nil {
					parent = " parent=" + strconv.FormatInt(*e.ParentID, 10)
				}
				st := e.Status
				if st == "error" {
					st = red(st)
				}
				fmt.Printf("#%-5d %s %-10s agent=%-16s%s status=%s%s\n",
					e.ID, e.Timestamp, cyan(e.Type), who, what, st, parent)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&brokerURL, "broker", "http://localhost:8700", "broker base URL")
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent name")
	cmd.Flags().StringVar(&entryType, "type", "", "filter by entry type")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcp-broker %s\n", version)
		},
	}
}
