// ABOUTME: Entry point for the tandem mailbox server
// ABOUTME: Wires monitor, thread manager, delivery queue, and store together

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tandemlab/tandem/internal/auth"
	"github.com/tandemlab/tandem/internal/config"
	"github.com/tandemlab/tandem/internal/convo"
	"github.com/tandemlab/tandem/internal/dedupe"
	"github.com/tandemlab/tandem/internal/events"
	"github.com/tandemlab/tandem/internal/mailbox"
	"github.com/tandemlab/tandem/internal/monitor"
	"github.com/tandemlab/tandem/internal/queue"
	"github.com/tandemlab/tandem/internal/store"
	"github.com/tandemlab/tandem/internal/thread"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                     _
| |_ __ _ _ __   __| | ___ _ __ ___
| __/ _' | '_ \ / _' |/ _ \ '_ ' _ \
| || (_| | | | | (_| |  __/ | | | | |
 \__\__,_|_| |_|\__,_|\___|_| |_| |_|
`

// getConfigPath returns the path to the tandem config file.
// Priority: TANDEM_CONFIG env var > XDG_CONFIG_HOME/tandem/tandem.yaml > ~/.config/tandem/tandem.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TANDEM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "tandem.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tandem", "tandem.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tandem <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the mailbox server")
		fmt.Println("  init      Create a new config file")
		fmt.Println("  version   Print the version")
		os.Exit(1)
	}

	// A .env file is optional; ignore absence.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	color.Cyan(banner)
	color.White("  tandem %s\n\n", version)

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus(logger)
	defer bus.Close()

	tokens := auth.NewJWTManager([]byte(cfg.Auth.JWTSecret))

	monOpts := []monitor.Option{monitor.WithTokenVerifier(tokens)}
	if cfg.Auth.SessionTTL > 0 {
		monOpts = append(monOpts, monitor.WithSessionTTL(cfg.Auth.SessionTTL))
	}
	mon := monitor.New(bus, tokens, logger, monOpts...)

	engine := convo.NewEngine(logger)
	threads := thread.NewManager(engine, logger)

	ddTTL := cfg.Dedupe.TTL
	if ddTTL <= 0 {
		ddTTL = 5 * time.Minute
	}
	ddSize := cfg.Dedupe.MaxSize
	if ddSize <= 0 {
		ddSize = 10000
	}
	dd := dedupe.New(ddTTL, ddSize)
	defer dd.Close()

	svc := mailbox.New(st, mon, threads, dd, logger)

	q, err := queue.New(queue.Config{
		Concurrency:    cfg.Queue.Concurrency,
		MaxRetries:     cfg.Queue.MaxRetries,
		MaxLaneDepth:   cfg.Queue.MaxLaneDepth,
		BaseRetryDelay: cfg.Queue.BaseRetryDelay,
		RetryDelay:     cfg.Queue.RetryDelay,
		HighTimeout:    cfg.Queue.HighTimeout,
		NormalTimeout:  cfg.Queue.NormalTimeout,
		LowTimeout:     cfg.Queue.LowTimeout,
	}, svc.Deliver, bus, logger)
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}
	svc.SetQueue(q)

	logger.Info("tandem started",
		"database", cfg.Database.Path,
		"queue_concurrency", cfg.Queue.Concurrency)

	g, gctx := errgroup.WithContext(ctx)

	// Forward all bus events to the structured log for observability.
	g.Go(func() error {
		ch, _ := bus.Subscribe(gctx, events.TypeAll)
		for {
			select {
			case <-gctx.Done():
				return nil
			case evt, ok := <-ch:
				if !ok {
					return nil
				}
				logger.Info("event",
					"type", evt.Type,
					"event_id", evt.ID)
			}
		}
	})

	// Periodic eviction of expired agents and stale threads.
	g.Go(func() error {
		interval := cfg.Monitor.CleanupInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		expiration := cfg.Monitor.AgentExpiration
		if expiration <= 0 {
			expiration = time.Hour
		}
		threadMaxAge := cfg.Threads.MaxAge
		if threadMaxAge <= 0 {
			threadMaxAge = 30 * 24 * time.Hour
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				mon.CleanupExpiredAgents(expiration)
				threads.CleanupOldThreads(threadMaxAge)
			}
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")

	// Pending work is presumed undelivered after a clear; the message log
	// keeps the authoritative record.
	q.Clear()

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func runInit() error {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	starter := `database:
  path: ${HOME}/.local/share/tandem/tandem.db

auth:
  jwt_secret: ${TANDEM_JWT_SECRET}
  session_ttl: 1h

queue:
  concurrency: 5
  max_retries: 3
  max_lane_depth: 1000
  base_retry_delay: 2s
  retry_delay: 1s
  high_timeout: 5s
  normal_timeout: 10s
  low_timeout: 30s

monitor:
  agent_expiration: 1h
  cleanup_interval: 5m

threads:
  max_age: 720h

dedupe:
  ttl: 5m
  max_size: 10000

logging:
  level: info
  format: text
`
	if err := os.WriteFile(path, []byte(starter), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.Green("Config written to %s", path)
	color.White("Set TANDEM_JWT_SECRET before starting the server.")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
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
