package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"todoo/api/internal/app"
	"todoo/api/internal/assistant"
	"todoo/api/internal/authpw"
	"todoo/api/internal/config"
	"todoo/api/internal/search"
	"todoo/api/internal/session"
	"todoo/api/internal/store"
	"todoo/api/internal/toolbridge"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		logger.Info().Strs("versions", applied).Msg("applied migrations")
	}

	dataStore := store.NewPostgresStore(db)

	var sessions app.SessionStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		sessions = redisStore
		logger.Info().Msg("using redis for sessions")
	} else {
		logger.Info().Msg("using postgres for sessions")
	}

	pgfts := search.NewPgFTS(db)
	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, pgfts, pgfts, logger)
	go searchService.ReindexAllFromPG(ctx)

	passwords := authpw.NewService(dataStore)
	service := app.New(cfg, dataStore, sessions, passwords, searchService, logger)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn().Err(err).Msg("bootstrap failed; will retry on next restart")
	}

	var chat app.Assistant
	if strings.TrimSpace(cfg.AssistantEndpoint) != "" {
		registry, err := toolbridge.DefaultRegistry()
		if err != nil {
			logger.Fatal().Err(err).Msg("tool contract invalid")
		}
		bridge := toolbridge.New(service, registry, toolbridge.NewAuditLogger(logger))
		client := assistant.NewClient(cfg.AssistantEndpoint, cfg.AssistantAPIKey, assistant.ClientOptions{
			RequestsPerSecond: cfg.AssistantRPS,
			Timeout:           cfg.AssistantTimeout,
		})
		chat = assistant.New(client, bridge, cfg.AssistantMaxRounds, logger)
	} else {
		logger.Warn().Msg("AZURE_OPENAI_ENDPOINT not set; chat disabled")
	}

	httpServer := app.NewHTTPServer(service, chat, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.AssistantTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("todoo api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	searchService.Wait()
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "todoo-api").Logger()
}
