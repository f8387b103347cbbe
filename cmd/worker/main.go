// Package main is the entry point for the Reviewdeck worker: the scheduler
// loop that drains the analysis and webhook queues and runs jobs in Docker
// sandboxes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/common/config"
	"github.com/reviewdeck/reviewdeck/internal/common/logger"
	"github.com/reviewdeck/reviewdeck/internal/db"
	"github.com/reviewdeck/reviewdeck/internal/events"
	"github.com/reviewdeck/reviewdeck/internal/forge"
	"github.com/reviewdeck/reviewdeck/internal/queue"
	"github.com/reviewdeck/reviewdeck/internal/sandbox"
	"github.com/reviewdeck/reviewdeck/internal/skills"
	"github.com/reviewdeck/reviewdeck/internal/store"
	"github.com/reviewdeck/reviewdeck/internal/tokens"
	"github.com/reviewdeck/reviewdeck/internal/worker"
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

	log.Info("Starting Reviewdeck worker...")

	// Cancelled on SIGINT/SIGTERM; the scheduler finishes the current
	// iteration before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. PostgreSQL
	database, err := db.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := store.Migrate(ctx, database); err != nil {
		log.Fatal("Failed to apply schema", zap.Error(err))
	}

	// 4. Event bus
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 5. Stores, queue, tokens
	repos := store.NewRepoStore(database)
	reviews := store.NewReviewStore(database)
	settings := store.NewSettingsStore(database)
	subs := store.NewSubscriptionStore(database)
	q := queue.New(database, log)
	tokenStore := tokens.NewStore(settings, cfg.GitHub, cfg.GitLab, tokens.DefaultEndpoints(), log)

	// 6. Forge adapters and optional GitHub App identity
	adapters := map[forge.Provider]forge.Adapter{
		forge.ProviderGitHub: forge.NewGitHubAdapter(log),
		forge.ProviderGitLab: forge.NewGitLabAdapter(log),
	}
	var appAuth *forge.AppAuth
	if cfg.GitHub.AppID != "" {
		appAuth, err = forge.NewAppAuth(cfg.GitHub.AppID, cfg.GitHub.AppPrivateKey, log)
		if err != nil {
			log.Fatal("Failed to load GitHub App credentials", zap.Error(err))
		}
	}

	// 7. Docker sandbox client
	docker, err := sandbox.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize docker client", zap.Error(err))
	}
	defer docker.Close()

	// 8. Skills catalog, loaded once at startup
	catalog, err := skills.Load(cfg.Skills.Root, log)
	if err != nil {
		log.Fatal("Failed to load skills catalog", zap.Error(err))
	}

	// 9. Jobs and scheduler
	analyzer := worker.NewAnalyzer(repos, settings, tokenStore, docker, adapters,
		provided.Bus, cfg.LLM, cfg.Docker.SandboxImage, log)
	reviewer := worker.NewReviewer(repos, settings, reviews, subs, tokenStore, docker,
		adapters, appAuth, catalog, provided.Bus, cfg.GitLab, cfg.LLM,
		cfg.Docker.SandboxImage, log)
	scheduler := worker.NewScheduler(q, analyzer, reviewer,
		cfg.Worker.PollInterval(), cfg.Worker.MaxReadCount, log)

	if err := scheduler.Run(ctx); err != nil {
		log.Fatal("Worker loop failed", zap.Error(err))
	}
	log.Info("Worker stopped")
}
