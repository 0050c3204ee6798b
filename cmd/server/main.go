package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/backchannel/internal/api"
	"github.com/eldtechnologies/backchannel/internal/api/middleware"
	"github.com/eldtechnologies/backchannel/internal/config"
	"github.com/eldtechnologies/backchannel/internal/handlers"
	"github.com/eldtechnologies/backchannel/internal/llm"
	"github.com/eldtechnologies/backchannel/internal/notify"
	"github.com/eldtechnologies/backchannel/internal/ratelimit"
	"github.com/eldtechnologies/backchannel/internal/registry"
	"github.com/eldtechnologies/backchannel/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Live connections
	reg := registry.New(logger,
		registry.WithSweepInterval(cfg.SweepInterval),
		registry.WithIdleTimeout(cfg.IdleTimeout),
	)
	reg.Start(ctx)

	// Thread storage
	threads, err := store.NewThreadStore(cfg.ThreadsDir(), cfg.BlockedDir(), logger,
		store.WithMaxBytes(cfg.ThreadMaxBytes),
		store.WithBroadcaster(reg),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("thread store init failed")
	}
	logger.Info().Str("dir", cfg.ThreadsDir()).Msg("thread store ready")

	// Rate limiting
	limits := ratelimit.Config{
		PerVID:        cfg.ThinkPerVID,
		PerIP:         cfg.ThinkPerIP,
		DailyLimit:    cfg.ThinkDailyLimit,
		Window:        cfg.ThinkWindow,
		DayLength:     24 * time.Hour,
		PruneInterval: cfg.ThinkPruneInterval,
	}

	var (
		redisClient *redis.Client
		checker     ratelimit.Checker
		counter     ratelimit.Counter
	)
	if cfg.RateLimitBackend == "redis" {
		redisClient, err = ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		logger.Info().Msg("connected to Redis")

		checker = ratelimit.NewRedisLimiter(redisClient, limits, logger)
		counter = ratelimit.NewRedisCounter(redisClient)
	} else {
		limiter := ratelimit.NewLimiter(limits, logger)
		limiter.Start(ctx)
		defer limiter.Stop()

		memCounter := ratelimit.NewMemoryCounter()
		memCounter.Start(ctx, cfg.ThinkPruneInterval)
		defer memCounter.Stop()

		checker = limiter
		counter = memCounter
	}

	// Downstreams
	thinker := llm.NewClient(llm.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.LLMTimeout,
	}, logger)

	notifier := notify.NewManager(logger,
		notify.NewNtfy(cfg.NtfyServer, cfg.NtfyTopic),
		notify.NewTwilio(notify.TwilioConfig{
			AccountSID:   cfg.TwilioAccountSID,
			AuthToken:    cfg.TwilioAuthToken,
			MessagingSID: cfg.TwilioMessagingSID,
			ToPhone:      cfg.TwilioToPhone,
		}),
	)
	for _, n := range notifier.Configured() {
		logger.Info().Str("provider", n.Name()).Msg("notification channel configured")
	}

	h := handlers.NewHandler(handlers.Deps{
		Threads:      threads,
		Registry:     reg,
		Limiter:      checker,
		Thinker:      thinker,
		Notifier:     notifier,
		Redis:        redisClient,
		Logger:       logger,
		PingInterval: cfg.PingInterval,
	})

	// Create router
	router := api.NewRouter(logger, h,
		middleware.NewAdminAuth(cfg.AdminToken, logger),
		middleware.NewRateLimiter(counter, logger, middleware.RateLimiterConfig{
			Whitelist:      cfg.RateLimitWhitelist,
			FeedbackPerIP:  cfg.FeedbackPerIP,
			FeedbackWindow: cfg.FeedbackWindow,
		}),
	)

	// Create server. Only the header read is bounded: a read or write
	// deadline would cut event streams off.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting backchannel server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Streams never finish on their own; closing the registry ends them so
	// Shutdown can drain the remaining requests.
	reg.Shutdown()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	h.Wait()

	logger.Info().Msg("server stopped")
}
