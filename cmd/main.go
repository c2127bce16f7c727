package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	agentpkg "github.com/devforge/orchestrator/internal/agent"
	"github.com/devforge/orchestrator/internal/codehost/git"
	onboarding "github.com/devforge/orchestrator/internal/config"
	"github.com/devforge/orchestrator/internal/data/repos/job"
	"github.com/devforge/orchestrator/internal/data/repos/memory"
	"github.com/devforge/orchestrator/internal/data/repos/task"
	"github.com/devforge/orchestrator/internal/data/repos/taskevent"
	"github.com/devforge/orchestrator/internal/db"
	"github.com/devforge/orchestrator/internal/eventbus"
	httppkg "github.com/devforge/orchestrator/internal/http"
	"github.com/devforge/orchestrator/internal/http/handlers"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/llm/anthropic"
	memorycompiler "github.com/devforge/orchestrator/internal/memory"
	"github.com/devforge/orchestrator/internal/observability"
	"github.com/devforge/orchestrator/internal/orchestrator"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/platform/logger"
	"github.com/devforge/orchestrator/internal/scheduler"
	"github.com/devforge/orchestrator/internal/services"
	"github.com/devforge/orchestrator/internal/taskengine"
	"github.com/devforge/orchestrator/internal/temporalx"
	"github.com/devforge/orchestrator/internal/temporalx/temporalworker"
	"github.com/devforge/orchestrator/internal/utils"
)

func main() {
	log, err := logger.New(utils.GetEnv("LOG_MODE", "development", nil))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "orchestrator",
		Environment: utils.GetEnv("APP_ENV", "development", log),
		Version:     utils.GetEnv("APP_VERSION", "dev", log),
	})
	if otelShutdown != nil {
		defer otelShutdown(context.Background())
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("postgres init failed", "error", err)
		os.Exit(1)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Error("automigrate failed", "error", err)
		os.Exit(1)
	}
	gdb := pg.DB()

	bus, err := eventbus.NewPublisher(utils.GetEnv("NATS_URL", "", log), log)
	if err != nil {
		log.Warn("event bus disabled (nats connect failed)", "error", err)
		bus = eventbus.NewNoopPublisher()
	}
	defer bus.Close()

	jobRepo := job.New(gdb, log)
	taskRepo := task.New(gdb, log)
	eventRepo := taskevent.New(gdb, bus, log)
	memRepo := memory.New(gdb, log)

	if onboardPath := utils.GetEnv("REPO_ONBOARDING_FILE", "", log); onboardPath != "" {
		loadOnboarding(ctx, onboardPath, memRepo, log)
	}

	codehostAdapter := git.New(utils.GetEnv("GIT_REPOS_ROOT", "./data/repos", log), log)

	compiler := memorycompiler.NewCompiler(memRepo, codehostAdapter)
	if redisAddr := utils.GetEnv("REDIS_ADDR", "", log); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		cache := memorycompiler.NewStaticCache(rdb, 5*time.Minute, log)
		compiler = compiler.WithCache(cache)
	}

	anthropicModel := utils.GetEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5", log)
	provider := llm.Provider(anthropic.New(utils.GetEnv("ANTHROPIC_API_KEY", "", log), anthropicModel))

	registry := agentpkg.NewRegistry()
	mustRegister(registry, agentpkg.NewPlanner(provider, anthropicModel), log)
	mustRegister(registry, agentpkg.NewCoder(anthropicModel), log)
	mustRegister(registry, agentpkg.NewFixer(anthropicModel), log)
	mustRegister(registry, agentpkg.NewValidator(anthropicModel), log)
	mustRegister(registry, agentpkg.NewReviewer(anthropicModel), log)
	mustRegister(registry, agentpkg.NewBreakdown(anthropicModel), log)

	engineCfg := taskengine.DefaultConfig()
	engine := taskengine.New(gdb, taskRepo, eventRepo, memRepo, compiler, registry, provider, codehostAdapter, engineCfg, log)

	orchCfg := orchestrator.DefaultConfig()
	orch := orchestrator.New(gdb, taskRepo, eventRepo, memRepo, compiler, registry, provider, orchCfg, log)

	jobService := services.NewJobService(gdb, log, jobRepo, taskRepo)

	temporalClient, err := temporalx.NewClient(log)
	if err != nil {
		log.Error("temporal client init failed", "error", err)
		os.Exit(1)
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	schedCfg := scheduler.DefaultConfig()
	sched := scheduler.New(gdb, taskRepo, engine, orch, jobService, schedCfg, log, temporalClient)
	sched.Start(ctx)

	if temporalClient != nil {
		runner, err := temporalworker.NewRunner(log, temporalClient, gdb, taskRepo, engine, jobService, schedCfg.RetryDelay)
		if err != nil {
			log.Error("temporal worker init failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Start(ctx); err != nil {
			log.Error("temporal worker start failed", "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("Temporal not configured; tasks are stepped in-process instead of via per-task workflows")
	}

	server := httppkg.NewServer(httppkg.RouterConfig{
		JobHandler:     handlers.NewJobHandler(jobService),
		TaskHandler:    handlers.NewTaskHandler(gdb, taskRepo),
		EventHandler:   handlers.NewEventHandler(gdb, eventRepo),
		WebhookHandler: handlers.NewWebhookHandler(engine, taskRepo, temporalClient, log),
		HealthHandler:  handlers.NewHealthHandler(),
		OperatorSecret: utils.GetEnv("OPERATOR_JWT_SECRET", "", log),
		Log:            log,
	})

	port := utils.GetEnv("PORT", "8080", log)
	log.Info("orchestrator listening", "port", port)
	if err := server.Run(":" + port); err != nil {
		log.Error("http server stopped", "error", err)
		os.Exit(1)
	}
}

func mustRegister(r *agentpkg.Registry, inv agentpkg.Invoker, log *logger.Logger) {
	if err := r.Register(inv); err != nil {
		log.Error("agent registration failed", "role", inv.Role(), "error", err)
		os.Exit(1)
	}
}

// loadOnboarding seeds or refreshes one repo's StaticMemory from a YAML
// onboarding file at startup. A bad or missing file is logged, not fatal:
// an already-onboarded repo (or one onboarded via a future admin endpoint)
// should not block the process from starting.
func loadOnboarding(ctx context.Context, path string, memRepo memory.Repo, log *logger.Logger) {
	spec, err := onboarding.LoadOnboardingFile(path)
	if err != nil {
		log.Warn("repo onboarding file not loaded", "path", path, "error", err)
		return
	}
	if _, err := memRepo.UpsertStatic(dbctx.Context{Ctx: ctx}, spec.ToStaticMemory()); err != nil {
		log.Warn("repo onboarding upsert failed", "repo", spec.Repo, "error", err)
	}
}
