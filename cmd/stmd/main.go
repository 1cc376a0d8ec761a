package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aschepis/backscratcher/stm/config"
	stmlogger "github.com/aschepis/backscratcher/stm/logger"
	"github.com/aschepis/backscratcher/stm/ltm"
	"github.com/aschepis/backscratcher/stm/memory"
	"github.com/aschepis/backscratcher/stm/memory/ollama"
	"github.com/aschepis/backscratcher/stm/memory/openai"
	"github.com/aschepis/backscratcher/stm/migrations"
	"github.com/aschepis/backscratcher/stm/runtime"
	"github.com/aschepis/backscratcher/stm/stm"
)

const embeddingCacheSize = 512

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		tenantID   = flag.String("tenant", "", "Tenant identifier (required)")
		appName    = flag.String("app", "stmd", "Application name stamped on new memories")
		configPath = flag.String("config", config.Path(), "Path to YAML configuration file")
		dataDir    = flag.String("data", "", "Data directory (overrides config)")
		ltmURL     = flag.String("ltm", "", "Base URL of the long-term memory service")
		ltmToken   = flag.String("ltm-token", os.Getenv("STM_LTM_TOKEN"), "Bearer token for the LTM service")
		embedKind  = flag.String("embedder", "ollama", "Embedding backend: ollama, openai or lexical")
		offline    = flag.Bool("offline", false, "Disable sync regardless of connectivity")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
	)
	flag.Parse()

	if *tenantID == "" {
		return fmt.Errorf("--tenant is required")
	}
	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	logger, err := stmlogger.New(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info().
		Str("tenant", *tenantID).
		Str("config", *configPath).
		Msg("stmd starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Flags override file settings.
	overrides := config.Config{DataDir: *dataDir, OfflineMode: *offline}
	if cfg, err = cfg.Merge(overrides); err != nil {
		return fmt.Errorf("failed to apply configuration overrides: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	caps, err := config.Detect(ctx, cfg.DataDir, config.Probes{}, logger)
	if err != nil {
		return fmt.Errorf("capability detection failed: %w", err)
	}
	cfg = cfg.AdaptToCapabilities(caps)
	if violations := cfg.Validate(); len(violations) > 0 {
		return fmt.Errorf("invalid configuration: %v", violations)
	}

	dbPath := filepath.Join(cfg.DataDir, "stm.db")
	logger.Info().Str("path", dbPath).Msg("Opening local store")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	if err := migrations.Run(db, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	store := memory.NewStore(db, logger)

	embedder, err := buildEmbedder(*embedKind, cfg)
	if err != nil {
		return err
	}

	var client ltm.Client
	if *ltmURL != "" {
		client = ltm.NewHTTPClient(*ltmURL, *ltmToken)
	} else {
		logger.Warn().Msg("No LTM service configured, running local-only")
	}

	engine, err := stm.NewEngine(stm.Options{
		TenantID:     *tenantID,
		AppName:      *appName,
		Config:       cfg,
		Capabilities: caps,
		Store:        store,
		Embedder:     embedder,
		Client:       client,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := engine.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	defer engine.Close()

	scheduler, err := runtime.NewScheduler(engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- scheduler.Start(ctx) }()

	logger.Info().Msg("stmd ready")
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info().Msg("stmd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := engine.Cleanup(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Final cleanup failed")
	}
	return nil
}

// buildEmbedder selects the embedding backend, wrapping it in a cache.
// The lexical embedder is the degraded fallback for hosts without an
// inference runtime.
func buildEmbedder(kind string, cfg config.Config) (memory.Embedder, error) {
	if !cfg.EnableLocalEmbedding {
		return nil, nil
	}

	var (
		inner memory.Embedder
		err   error
	)
	switch kind {
	case "ollama":
		inner, err = ollama.NewEmbedder(ollama.ModelMXBAI)
	case "openai":
		inner, err = openai.NewEmbedder(os.Getenv("OPENAI_API_KEY"))
	case "lexical":
		inner = memory.NewLexicalEmbedder(0)
	default:
		return nil, fmt.Errorf("unknown embedder %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s embedder: %w", kind, err)
	}
	return memory.NewCachedEmbedder(inner, embeddingCacheSize)
}
