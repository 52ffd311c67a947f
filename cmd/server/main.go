package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/org/ciphershare/internal/api"
	"github.com/org/ciphershare/internal/audit"
	"github.com/org/ciphershare/internal/config"
	"github.com/org/ciphershare/internal/ratelimit"
	"github.com/org/ciphershare/internal/secret"
	"github.com/org/ciphershare/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default $CIPHERSHARE_CONFIG or config.yaml)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := *configPath
	if cfgFile == "" {
		cfgFile = "config.yaml"
		if v := os.Getenv("CIPHERSHARE_CONFIG"); v != "" {
			cfgFile = v
		}
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()

	var redisClient *redis.Client
	if cfg.Store.Type == config.StoreRedis || (cfg.RateLimit.Enabled && cfg.RateLimit.Backend == config.StoreRedis) {
		redisClient, err = storage.DialRedis(ctx, &redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
	}

	store, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store.Type).Msg("failed to open store")
	}
	defer store.Close()
	log.Info().Str("store", cfg.Store.Type).Msg("store ready")

	engine := secret.NewEngine(storage.Instrument(store),
		secret.WithLimits(secret.Limits{
			MinTTL:             cfg.Secrets.MinTTL,
			MaxTTL:             cfg.Secrets.MaxTTL,
			MaxAttachmentBytes: cfg.Secrets.MaxAttachmentBytes,
			StoreTimeout:       cfg.Store.Timeout,
		}),
		secret.WithRecorder(audit.NewLogger(log.Logger)),
	)

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Backend == config.StoreRedis {
			limiter = ratelimit.NewRedis(redisClient, cfg.RateLimit.Window, cfg.Store.Redis.Prefix)
		} else {
			limiter = ratelimit.NewInMemory(cfg.RateLimit.Window)
		}
	}

	srv := api.NewServer(engine, store, limiter, api.Config{
		ListenAddr:   cfg.Server.ListenAddr,
		TLSCertFile:  cfg.Server.TLSCertFile,
		TLSKeyFile:   cfg.Server.TLSKeyFile,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimit: api.RateLimitConfig{
			Enabled:          cfg.RateLimit.Enabled,
			InspectPerWindow: cfg.RateLimit.InspectPerWindow,
			ViewPerWindow:    cfg.RateLimit.ViewPerWindow,
			DefaultPerWindow: cfg.RateLimit.DefaultPerWindow,
		},
	})

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	if cfg.Secrets.CleanupInterval > 0 {
		go engine.RunSweeper(sweepCtx, cfg.Secrets.CleanupInterval)
	}

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.Server.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	stopSweeper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

// openStore returns the configured backend. The redis store takes
// ownership of client; a limiter-only client is closed with the process.
func openStore(ctx context.Context, cfg *config.Config, client *redis.Client) (storage.SecretStore, error) {
	switch cfg.Store.Type {
	case config.StorePostgres:
		if cfg.Store.Postgres.Migrate {
			if err := storage.RunMigrations(cfg.Store.Postgres.URL); err != nil {
				return nil, err
			}
			log.Info().Msg("migrations applied")
		}
		return storage.NewPostgresBackend(ctx, cfg.Store.Postgres.URL)
	case config.StoreRedis:
		return storage.NewRedisBackend(client, cfg.Store.Redis.Prefix), nil
	default:
		return storage.NewMemoryBackend(), nil
	}
}
