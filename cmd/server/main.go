package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"campus-chat/internal/assistant"
	"campus-chat/internal/chat"
	"campus-chat/internal/config"
	"campus-chat/internal/db"
	myMiddleware "campus-chat/internal/middleware"
	"campus-chat/internal/presence"
	"campus-chat/internal/realtime"
	"campus-chat/internal/storage"
	"campus-chat/internal/user"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (environment variables are used when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

func run(configPath string) error {
	// 1. Config & logging
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := cfg.Logging.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Database
	database, err := db.NewDatabase(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()
	if err := database.AutoMigrate(); err != nil {
		return err
	}
	logger.Info("database ready", "driver", cfg.Database.Driver)

	// 3. Redis, when fan-out spans several instances
	var broker realtime.Broker
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		broker = realtime.NewRedisBroker(redisClient, logger)
		logger.Info("redis fan-out enabled", "addr", cfg.Redis.Addr)
	}

	// 4. Users
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	userHandler := user.NewHandler(userService)

	// 5. Chat core
	chatRepo := chat.NewRepository(database.Conn)
	convs := chat.NewConversationManager(chatRepo, logger)
	tracker := presence.NewTracker()
	hub := realtime.NewHub(convs, tracker, broker, logger)
	chatService := chat.NewService(chatRepo, convs, hub, userService, logger)
	hub.SetCommandHandler(chatService)

	// 6. Assistant
	var generator assistant.Generator = assistant.UnavailableGenerator{}
	if cfg.Assistant.APIKey != "" {
		generator = assistant.NewOpenAIGenerator(assistant.OpenAIConfig{
			APIKey:  cfg.Assistant.APIKey,
			BaseURL: cfg.Assistant.BaseURL,
			Model:   cfg.Assistant.Model,
		})
	} else {
		logger.Warn("assistant api key not set, assistant turns will report unavailable")
	}
	orchestrator := assistant.New(chatRepo, chatService, hub, generator, assistant.Config{
		SystemPrompt:       cfg.Assistant.SystemPrompt,
		MaxContextMessages: cfg.Assistant.MaxContextMessages,
		MaxConcurrent:      int64(cfg.Assistant.MaxConcurrent),
		Timeout:            cfg.Assistant.Timeout,
		ThinkingDelay:      cfg.Assistant.ThinkingDelay,
	}, logger)
	chatService.SetAssistant(orchestrator)

	// 7. Uploads
	uploadPrefix := "/" + strings.Trim(cfg.Uploads.URLPrefix, "/")
	store, err := storage.NewLocalStore(cfg.Uploads.Dir, strings.TrimSuffix(cfg.Server.PublicURL, "/")+uploadPrefix)
	if err != nil {
		return err
	}
	uploader := storage.NewUploader(store, cfg.Uploads.MaxSize, logger)
	chatHandler := chat.NewHandler(chatService, uploader, tracker, logger)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 8. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Conn.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Handle(uploadPrefix+"/*", http.StripPrefix(uploadPrefix, http.FileServer(http.Dir(store.Dir()))))

	// Protected routes (JWT in the header or the token query parameter)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws", hub.ServeWs)
		r.Route("/api", func(r chi.Router) {
			r.Get("/users/search", userHandler.SearchUsers)
			chatHandler.Routes(r)
		})
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			logger.Warn("assistant shutdown", "error", err)
		}
		hub.Close()
		return nil
	})

	return g.Wait()
}
