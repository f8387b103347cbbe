// Package main is the entry point for the Reviewdeck HTTP service: webhook
// ingress, the connect/repository and interview APIs, and the websocket
// notification stream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/api"
	"github.com/reviewdeck/reviewdeck/internal/common/config"
	"github.com/reviewdeck/reviewdeck/internal/common/httpmw"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/db"
	"github.com/reviewdeck/reviewdeck/internal/events"
	"github.com/reviewdeck/reviewdeck/internal/forge"
	"github.com/reviewdeck/reviewdeck/internal/ingress"
	"github.com/reviewdeck/reviewdeck/internal/interview"
	"github.com/reviewdeck/reviewdeck/internal/notify"
	"github.com/reviewdeck/reviewdeck/internal/queue"
	"github.com/reviewdeck/reviewdeck/internal/sandbox"
	"github.com/reviewdeck/reviewdeck/internal/store"
	"github.com/reviewdeck/reviewdeck/internal/tokens"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Reviewdeck server...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. PostgreSQL
	database, err := db.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := store.Migrate(ctx, database); err != nil {
		log.Fatal("Failed to apply schema", zap.Error(err))
	}

	// 4. Event bus: NATS when configured, in-memory otherwise
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 5. Stores, queue, forge adapters
	repos := store.NewRepoStore(database)
	reviews := store.NewReviewStore(database)
	settings := store.NewSettingsStore(database)
	q := queue.New(database, log)

	githubAdapter := forge.NewGitHubAdapter(log)
	gitlabAdapter := forge.NewGitLabAdapter(log)
	adapters := map[forge.Provider]forge.Adapter{
		forge.ProviderGitHub: githubAdapter,
		forge.ProviderGitLab: gitlabAdapter,
	}

	tokenStore := tokens.NewStore(settings, cfg.GitHub, cfg.GitLab, tokens.DefaultEndpoints(), log)

	// 6. Docker client for interview agent runs
	docker, err := sandbox.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize docker client", zap.Error(err))
	}
	defer docker.Close()

	runner := interview.NewAgentRunner(docker, cfg.Docker.SandboxImage, log)
	driver := interview.NewDriver(runner, log)

	// 7. Notification hub
	hub := notify.NewHub(log)
	if err := hub.AttachBus(provided.Bus); err != nil {
		log.Fatal("Failed to attach notification hub", zap.Error(err))
	}
	go hub.Run(ctx)

	// 8. HTTP router
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "server"))
	router.HandleMethodNotAllowed = true

	router.GET("/health", func(c *gin.Context) {
		if err := database.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ingress.NewHandler(adapters, repos, q, cfg.GitHub.WebhookSecret, log).Register(router)
	notify.NewWSHandler(hub, log).Register(router)

	authed := router.Group("/", api.RequireUser())
	api.NewRepoHandler(repos, reviews, q, tokenStore, gitlabAdapter, cfg.GitLab, provided.Bus, log).Register(authed)
	api.NewSettingsHandler(settings, tokenStore, log).Register(authed)
	api.NewInterviewHandler(repos, settings, driver, provided.Bus, cfg.LLM, log).Register(authed)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 9. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
	cancel()
	log.Info("Server stopped")
}
