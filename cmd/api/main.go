// Package main is the entry point for the chat server.
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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/paperhub/chat-platform/internal/assistant"
	"github.com/paperhub/chat-platform/internal/config"
	"github.com/paperhub/chat-platform/internal/fanout"
	"github.com/paperhub/chat-platform/internal/handler"
	"github.com/paperhub/chat-platform/internal/llm"
	"github.com/paperhub/chat-platform/internal/mailbox"
	"github.com/paperhub/chat-platform/internal/middleware"
	"github.com/paperhub/chat-platform/internal/model"
	natsclient "github.com/paperhub/chat-platform/internal/nats"
	"github.com/paperhub/chat-platform/internal/presence"
	"github.com/paperhub/chat-platform/internal/service"
	"github.com/paperhub/chat-platform/internal/session"
	"github.com/paperhub/chat-platform/internal/store"
	"github.com/paperhub/chat-platform/internal/worker"
	"github.com/paperhub/chat-platform/pkg/logger"
	"github.com/paperhub/chat-platform/pkg/tracing"
)

// maxUploadSize bounds documents fetched by URL for ingestion.
const maxUploadSize = 50 << 20

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var (
		log *logger.Logger
		err error
	)
	if cfg.Environment == "development" {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting chat server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-platform", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	checks := map[string]handler.Check{}

	// Storage
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pg.Close()
		st = pg
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}
	checks["store"] = st.Ping

	// Presence and offline mailboxes
	var (
		registry presence.Registry
		mb       mailbox.Mailbox
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		registry = presence.NewRedis(rdb)
		mb = mailbox.NewRedis(rdb, cfg.MailboxMaxItems)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		registry = presence.NewLocal()
		mb = mailbox.NewMemory(cfg.MailboxMaxItems)
	}

	// Fan-out bus
	var bus fanout.Bus = fanout.NewLocalBus()
	if cfg.NATSEnabled {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		if err := natsclient.NewStreamManager(natsClient).EnsureStream(ctx); err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		bus = natsclient.NewBus(natsClient, log)
		checks["nats"] = func(context.Context) error {
			if !natsClient.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}
	}
	defer bus.Close()

	router := fanout.NewRouter(fanout.NewHub(log), bus, registry, mb, log)
	pool := worker.NewPool(cfg.WorkerCount, cfg.WorkerQueueSize, log)

	// Language services
	chat, web, openai, err := newLLMClients(cfg, log)
	if err != nil {
		log.Fatal("failed to configure language services", zap.Error(err))
	}
	deps := assistant.Deps{
		LLM:       chat,
		Embedder:  openai,
		Describer: openai,
		Extractor: assistant.NewFileExtractor(&http.Client{Timeout: time.Minute}, maxUploadSize),
	}
	builder := assistant.NewBuilder(cfg.IndexRoot, cfg.UploadsDir, deps, log.Named("assistant"))
	cache := assistant.NewCache[*assistant.Assistant](cfg.CacheSweepInterval, cfg.CacheIdleTimeout, log.Named("cache"))
	go cache.Run(ctx)

	// Service accounts
	bot, err := st.EnsureUser(ctx, model.User{Name: "bot", Email: cfg.BotEmail})
	if err != nil {
		log.Fatal("failed to ensure bot user", zap.Error(err))
	}
	ai, err := st.EnsureUser(ctx, model.User{Name: "AI Assistant", Email: "ai@assistant.com"})
	if err != nil {
		log.Fatal("failed to ensure AI user", zap.Error(err))
	}

	// Initialize services
	sessions := session.NewManager(st, cache, builder, log.Named("session"))
	assistantSvc := service.NewAssistantService(service.AssistantDeps{
		Store:    st,
		Router:   router,
		Sessions: sessions,
		Cache:    cache,
		Builder:  builder,
		Web:      web,
		Pool:     pool,
		Bot:      *bot,
		AI:       *ai,
		Timeout:  cfg.LLMTimeout,
	}, log.Named("assistant"))
	messageSvc := service.NewMessageService(st, router, registry, pool, assistantSvc, log.Named("message"))
	conversationSvc := service.NewConversationService(st, router, assistantSvc, bot.ID, log.Named("conversation"))

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(checks)
	socketHandler := handler.NewSocketHandler(handler.SocketDeps{
		Store:         st,
		Messages:      messageSvc,
		Conversations: conversationSvc,
		Assistants:    assistantSvc,
		Sessions:      sessions,
		Router:        router,
		Registry:      registry,
	}, cfg.AllowedOrigins, cfg.SendBufferSize, log.Named("ws"))

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests*10, cfg.RateLimitWindow))
		r.Get("/health", healthHandler.Health)
		r.Get("/ready", healthHandler.Ready)
	})

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Websocket channels with authentication
	r.Route("/ws", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.With(middleware.RequireUUIDParam("chatID")).Get("/chat/{chatID}", socketHandler.Chat)
		r.With(middleware.RequireUUIDParam("groupID")).Get("/group/{groupID}", socketHandler.Group)
		r.Get("/ai", socketHandler.AI)
		r.Get("/manage", socketHandler.Manage)
	})

	// Create HTTP server. Websocket connections manage their own deadlines.
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: cfg.ServerReadTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := pool.Stop(shutdownCtx); err != nil {
		log.Error("worker pool did not drain", zap.Error(err))
	}

	log.Info("server stopped")
}

// newLLMClients returns the answering model, the model behind web_agent and
// the OpenAI client used for embeddings and image captions. An OpenAI key is
// required; Anthropic answers questions when it is the default provider.
func newLLMClients(cfg *config.Config, log *logger.Logger) (chat, web llm.Client, openai *llm.OpenAIClient, err error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, nil, nil, errors.New("OPENAI_API_KEY is required for embeddings")
	}
	openai, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey, modelFor(cfg, llm.ProviderOpenAI),
		llm.WithEmbeddingModel(cfg.EmbeddingModel),
		llm.WithVisionModel(cfg.VisionModel),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create OpenAI client: %w", err)
	}

	chat = openai
	if llm.Provider(cfg.DefaultLLM) == llm.ProviderAnthropic && cfg.AnthropicAPIKey != "" {
		anthropic, err := llm.NewAnthropicClient(cfg.AnthropicAPIKey, modelFor(cfg, llm.ProviderAnthropic))
		if err != nil {
			log.Warn("failed to create Anthropic client, answering with OpenAI", zap.Error(err))
		} else {
			chat = anthropic
		}
	}
	return llm.Instrument(chat), llm.Instrument(openai), openai, nil
}

func modelFor(cfg *config.Config, provider llm.Provider) string {
	if llm.Provider(cfg.DefaultLLM) == provider {
		return cfg.LLMModel
	}
	return ""
}
