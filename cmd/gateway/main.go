package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/prdhub/model-gateway/internal/config"
	"github.com/prdhub/model-gateway/internal/gateway"
	"github.com/prdhub/model-gateway/internal/llmlog"
	"github.com/prdhub/model-gateway/internal/monitoring"
	"github.com/prdhub/model-gateway/internal/pool"
	"github.com/prdhub/model-gateway/internal/ratelimit"
	"github.com/prdhub/model-gateway/internal/scheduler"
	"github.com/prdhub/model-gateway/internal/upstream"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "gateway",
		Short:   "Model gateway — pool-routed, health-aware LLM proxy",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newSeedCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			setupLogging(debug)

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (optional)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func newSeedCmd() *cobra.Command {
	var configPath string
	var seedPath string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Apply a seed YAML to the database and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			setupLogging(false)

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if seedPath == "" {
				seedPath = cfg.Seed.Path
			}
			if seedPath == "" {
				return errors.New("no seed file: pass --seed or set seed.path in the config")
			}

			db, err := pool.OpenDB(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctx := cmd.Context()
			store := pool.NewStore(db)
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			routes, err := store.ApplySeedFile(ctx, seedPath, config.ExpandEnvWithDefaults)
			if err != nil {
				return err
			}
			fmt.Printf("seed applied: %d direct routes\n", len(routes))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (optional)")
	cmd.Flags().StringVar(&seedPath, "seed", "", "path to seed YAML (defaults to seed.path from config)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("config", path).Msg("configuration loaded")
	return cfg, nil
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pool.OpenDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	store := pool.NewStore(db)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate registry tables: %w", err)
	}
	logs := llmlog.NewWriter(db)
	if err := logs.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate llm log table: %w", err)
	}
	rlStore := ratelimit.NewConfigStore(db)
	if err := rlStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate rate limit table: %w", err)
	}

	var directRoutes []pool.DirectRoute
	if cfg.Seed.Path != "" {
		directRoutes, err = store.ApplySeedFile(ctx, cfg.Seed.Path, config.ExpandEnvWithDefaults)
		if err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
	}

	thresholds := pool.DefaultThresholds()
	if cfg.Scheduler.DegradeAfter > 0 {
		thresholds.DegradeAfter = cfg.Scheduler.DegradeAfter
	}
	if cfg.Scheduler.RecoverAfter > 0 {
		thresholds.RecoverAfter = cfg.Scheduler.RecoverAfter
	}
	reg := pool.NewRegistry(thresholds)
	if err := store.LoadRegistry(ctx, reg); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	for i := range directRoutes {
		reg.SetDirect(&directRoutes[i])
	}

	// Shared counters when redis is configured; process-local otherwise.
	var counters ratelimit.CounterStore
	redisUp := false
	if cfg.Redis.URL != "" {
		rs, err := ratelimit.NewRedisStore(ctx, cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable; falling back to in-process rate limit counters")
			counters = ratelimit.NewMemoryStore()
		} else {
			defer func() { _ = rs.Close() }()
			counters = rs
			redisUp = true
		}
	} else {
		counters = ratelimit.NewMemoryStore()
	}

	limiter := ratelimit.New(counters, ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		MaxConcurrent:     cfg.RateLimit.MaxConcurrent,
	})
	if err := rlStore.Apply(ctx, limiter); err != nil {
		log.Warn().Err(err).Msg("failed to load per-caller rate limit configs")
	}

	sched := scheduler.New(reg, store, upstream.NewFactory())
	go sched.RunHealthChecks(ctx, cfg.Scheduler.HealthCheckInterval.Std())

	tracker, err := monitoring.NewTracker(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = tracker.Close() }()

	entries := reg.AllEntries()
	tracker.RecordInit(&monitoring.InitEvent{
		Timestamp: time.Now(),
		Version:   version,
		Pools:     len(reg.PoolsByType(pool.TypeChat)) + len(reg.PoolsByType(pool.TypeIntent)),
		Entries:   len(entries),
		RedisUp:   redisUp,
	})

	var chat gateway.ChatService
	if cfg.Agent.ServiceURL != "" {
		chat = gateway.NewChatService(cfg.Agent.ServiceURL)
	} else {
		chat = unavailableChatService{}
		log.Warn().Msg("agent.service_url not set; agent QA mode disabled")
	}

	auth := gateway.NewAuthenticator(store, cfg.Auth.JWTSecret)
	gw := gateway.New(cfg, auth, sched, limiter, logs, tracker,
		monitoring.NewMetricsCollector(), reg, chat)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gw.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Int("entries", len(entries)).
			Bool("redis", redisUp).
			Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// unavailableChatService rejects agent questions when no chat service is
// configured.
type unavailableChatService struct{}

func (unavailableChatService) Ask(ctx context.Context, q gateway.AgentQuery) (<-chan gateway.Event, error) {
	return nil, errors.New("no chat service configured")
}
