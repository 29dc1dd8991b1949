package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/ecodrix/backend/internal/api"
	"github.com/ecodrix/backend/internal/automation"
	"github.com/ecodrix/backend/internal/callback"
	"github.com/ecodrix/backend/internal/central"
	"github.com/ecodrix/backend/internal/config"
	"github.com/ecodrix/backend/internal/crypto"
	"github.com/ecodrix/backend/internal/jobs"
	"github.com/ecodrix/backend/internal/middleware"
	"github.com/ecodrix/backend/internal/providers"
	"github.com/ecodrix/backend/internal/queue"
	"github.com/ecodrix/backend/internal/tenantdata"
	"github.com/ecodrix/backend/internal/tenantreg"
)

// The tenant registry hands out *tenantdata.Store handles, and each consumer
// declares its own slice of that surface. These adapters bridge the shared
// resolver to each consumer's interface.

type storeResolver struct {
	registry *tenantreg.Registry
}

func (r *storeResolver) store(ctx context.Context, tenantCode string) (*tenantdata.Store, error) {
	conn, err := r.registry.Resolve(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	return tenantdata.NewStore(conn.DB, conn.TenantCode), nil
}

type engineSource struct{ r *storeResolver }

func (s *engineSource) Tenant(ctx context.Context, code string) (automation.Data, error) {
	return s.r.store(ctx, code)
}

type jobsSource struct{ r *storeResolver }

func (s *jobsSource) Tenant(ctx context.Context, code string) (jobs.TenantStore, error) {
	return s.r.store(ctx, code)
}

type apiSource struct{ r *storeResolver }

func (s *apiSource) Tenant(ctx context.Context, code string) (api.TenantStore, error) {
	return s.r.store(ctx, code)
}

func main() {
	log.Println("🚀 Starting Ecodrix automation backend...")

	// .env is a local development convenience; deployed environments set
	// real environment variables.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}

	// Central control-plane database.
	centralDB, err := sql.Open("postgres", cfg.Central.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Central DB open: %v", err)
	}
	centralDB.SetMaxOpenConns(10)
	centralDB.SetConnMaxIdleTime(5 * time.Minute)
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := centralDB.PingContext(ctx); err != nil {
			log.Fatalf("❌ Central DB unreachable: %v", err)
		}
		cancel()
	}
	log.Println("✅ Central DB connected")

	cipher, err := crypto.NewCipher(cfg.Crypto.Secret)
	if err != nil {
		log.Fatalf("❌ Cipher: %v", err)
	}
	centralStore := central.NewStore(centralDB, cipher)

	// Per-tenant connection registry and the data-source adapters over it.
	registry := tenantreg.NewRegistry(centralStore)
	resolver := &storeResolver{registry: registry}

	// Providers read tenant credentials from the central store on demand.
	whatsapp := providers.NewWhatsAppClient(cfg.Providers.WhatsAppBaseURL, centralStore, cfg.Providers.WhatsAppTimeout)
	email := providers.NewSMTPClient(centralStore, cfg.Providers.SMTPTimeout)
	calendar := providers.NewGoogleCalendarClient(centralStore, cfg.Providers.CalendarTimeout)

	sender := callback.NewSender(centralStore, callback.Options{
		MaxAttempts: cfg.Callback.MaxAttempts,
		BaseBackoff: cfg.Callback.BaseBackoff,
		Timeout:     cfg.Callback.Timeout,
	})

	// Durable job queue over the central database.
	queueStore := queue.NewStore(centralDB)
	jobQueue := queue.NewQueue(queueStore)

	engine := automation.NewEngine(&engineSource{r: resolver}, jobQueue, cfg.Worker.DefaultQueue, automation.Providers{
		WhatsApp: whatsapp,
		Email:    email,
		Calendar: calendar,
	})

	processor := jobs.NewProcessor(engine, &jobsSource{r: resolver}, email, calendar, centralStore, sender)
	processor.BroadcastPause = cfg.Worker.BroadcastPause
	worker := queue.NewWorker(queueStore, processor.Process, queue.WorkerOptions{
		Queue:        cfg.Worker.DefaultQueue,
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		BaseBackoff:  cfg.Worker.BaseBackoff,
	})

	// Redis is optional: without it the trigger rate limiter falls back to
	// its in-process window.
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.TriggersPerMinute > 0 {
		var rdb *redis.Client
		if cfg.Redis.Addr != "" {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Printf("⚠️ Redis unreachable, rate limiting is in-process only: %v", err)
			} else {
				log.Println("✅ Redis connected")
			}
			cancel()
		}
		limiter = middleware.NewRateLimiter(rdb, cfg.RateLimit.TriggersPerMinute)
	}

	server := api.NewServer(api.Options{
		Central:    centralStore,
		Source:     &apiSource{r: resolver},
		Engine:     engine,
		Queue:      jobQueue,
		QueueName:  cfg.Worker.DefaultQueue,
		Calendar:   calendar,
		Callbacks:  sender,
		Limiter:    limiter,
		AdminToken: cfg.Server.AdminToken,
	})

	workerCtx, stopWorker := context.WithCancel(context.Background())
	worker.Start(workerCtx)

	// Periodic no-contact sweep across all active tenants.
	if cfg.Worker.SweepInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Worker.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-workerCtx.Done():
					return
				case <-ticker.C:
					codes, err := centralStore.ListActiveTenantCodes(workerCtx)
					if err != nil {
						log.Printf("⚠️ No-contact sweep: list tenants: %v", err)
						continue
					}
					for _, code := range codes {
						if n, err := engine.RunNoContactSweep(workerCtx, code); err != nil {
							log.Printf("⚠️ No-contact sweep for %s: %v", code, err)
						} else if n > 0 {
							log.Printf("✅ No-contact sweep for %s ran %d rules", code, n)
						}
					}
				}
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Listening on :%s (env=%s, queue=%s)", cfg.Server.Port, cfg.Server.Env, cfg.Worker.DefaultQueue)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🚫 Shutdown signal received, draining...")

	// Stop accepting requests, then drain in-flight jobs, then drop the
	// tenant pools.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}

	stopWorker()
	worker.Stop()

	registry.CloseAll()
	if err := centralDB.Close(); err != nil {
		log.Printf("⚠️ Central DB close: %v", err)
	}
	log.Println("✅ Shutdown complete")
}
