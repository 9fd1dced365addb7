package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jonboulle/clockwork"

	"github.com/ManuelReschke/OrgAdmin/app/controllers"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/billing"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/cache"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/database"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/env"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/jobqueue"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/middleware"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/router"
	"github.com/ManuelReschke/OrgAdmin/internal/pkg/s3archive"
)

const (
	storeDriverSQL    = "sql"
	storeDriverMemory = "memory"

	limiterStorageDB = 3
	shutdownTimeout  = 30 * time.Second
)

type application struct {
	app     *fiber.App
	manager *jobqueue.Manager
}

func main() {
	a, err := newApplication()
	if err != nil {
		log.Fatalf("Startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	go func() {
		if err := a.app.Listen(addr); err != nil {
			log.Errorf("Server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	if a.manager != nil {
		a.manager.Stop()
	}
	if err := a.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Errorf("Shutdown failed: %v", err)
	}
}

func newApplication() (*application, error) {
	env.SetupEnvFile()
	cfg := billing.LoadConfig()
	clock := clockwork.NewRealClock()

	store, err := newStore()
	if err != nil {
		return nil, err
	}

	svc := billing.NewService(store, billing.NewGatewayFromEnv(), clock, cfg)
	reconciler := billing.NewReconciler(svc, billing.BackoffFromConfig(cfg))
	sweeper := billing.NewSweeper(svc)

	deps := router.Dependencies{
		Jobs:        controllers.NewJobsController(nil),
		Admin:       middleware.AdminCredentialsFromEnv(),
		OpenAPIFile: env.GetEnv("OPENAPI_FILE", "docs/openapi.yml"),
	}

	var manager *jobqueue.Manager
	if env.GetEnvBool("JOBS_ENABLED", true) {
		client := cache.GetClient()
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("background jobs need the cache server: %w", err)
		}

		queue := jobqueue.NewQueue(client, svc, clock, env.GetEnvInt("JOBQUEUE_WORKERS", 3))
		svc.SetFollowUpDispatcher(queue)
		manager = jobqueue.NewManager(jobqueue.ManagerOptions{
			Queue:         queue,
			Sweeper:       sweeper,
			Retrier:       reconciler,
			Locker:        jobqueue.CacheLocker(),
			Clock:         clock,
			SweepInterval: cfg.SweepInterval,
			RetryInterval: cfg.WebhookRetryInterval,
		})
		deps.Jobs = controllers.NewJobsController(queue)
		deps.LimiterStorage = cache.FiberStorage(limiterStorageDB)
	} else {
		log.Warn("[Manager] JOBS_ENABLED=false, sweeps and webhook retries only run when triggered over HTTP")
	}

	archive, err := newArchive()
	if err != nil {
		return nil, err
	}
	deps.Billing = controllers.NewBillingController(svc, reconciler, sweeper, archive, clock)

	app := fiber.New(fiber.Config{
		AppName:   "OrgAdmin",
		BodyLimit: 1 << 20,
	})
	app.Use(recover.New(), logger.New())
	router.InstallRouter(app, deps)

	if manager != nil {
		manager.Start()
	}
	return &application{app: app, manager: manager}, nil
}

// newStore selects the billing backend from STORE_DRIVER.
func newStore() (billing.Store, error) {
	switch driver := env.GetEnv("STORE_DRIVER", storeDriverSQL); driver {
	case storeDriverMemory:
		log.Warn("[Billing] Using the in-memory store, data is lost on restart")
		return billing.NewMemoryStore(), nil
	case storeDriverSQL:
		if err := database.SetupDatabase(); err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		return billing.NewRepository(database.DB), nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}
}

// newArchive returns nil when the S3 archive is disabled.
func newArchive() (controllers.DeadLetterArchive, error) {
	s3cfg, err := s3archive.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("s3 archive: %w", err)
	}
	if !s3cfg.IsEnabled() {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := s3archive.NewClient(ctx, s3cfg)
	if err != nil {
		return nil, fmt.Errorf("s3 archive: %w", err)
	}
	return client, nil
}
