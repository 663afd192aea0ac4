package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/unsub-pilot/internal/ai"
	"github.com/ignite/unsub-pilot/internal/api"
	"github.com/ignite/unsub-pilot/internal/automation"
	"github.com/ignite/unsub-pilot/internal/config"
	"github.com/ignite/unsub-pilot/internal/gmail"
	"github.com/ignite/unsub-pilot/internal/notify"
	"github.com/ignite/unsub-pilot/internal/queue"
	"github.com/ignite/unsub-pilot/internal/repository/postgres"
	"github.com/ignite/unsub-pilot/internal/service/unsubjob"
	"github.com/ignite/unsub-pilot/internal/storage"
	"github.com/ignite/unsub-pilot/internal/unsubscribe"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting unsub-pilot server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	// Database
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("Failed to ping database: %v", err)
	}
	cancelPing()
	log.Println("Connected to database")

	repo := postgres.NewUnsubJobRepo(db)
	jobs := unsubjob.NewService(repo)

	// Redis (optional): status notifications and the multi-instance claim lock.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		pingCtx, cancelPing = context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("WARNING: Redis unreachable at %s, continuing without it: %v", cfg.Redis.Addr, err)
			redisClient = nil
		} else {
			log.Printf("Connected to Redis at %s", cfg.Redis.Addr)
		}
		cancelPing()
	}

	// Gmail (optional): one-click eligibility, link resolution, archiving.
	var gm *gmail.Client
	if cfg.Gmail.Enabled && cfg.Gmail.ClientID != "" {
		tokens := gmail.NewOAuthTokens(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, postgres.NewGmailTokenRepo(db))
		gm = gmail.NewClient(tokens, nil)
		jobs.SetMailProvider(gm)
		log.Println("Gmail client initialized")
	}

	var headers unsubscribe.HeaderSource
	if gm != nil {
		headers = gm
	}
	executor := unsubscribe.NewExecutor(headers, nil)

	// Browser automation (optional): needs the Bedrock analyzer to drive it.
	if cfg.Automation.Enabled {
		if !cfg.Bedrock.Enabled {
			log.Println("WARNING: automation enabled without bedrock, browser tier disabled")
		} else {
			analyzer, err := ai.NewBedrockAnalyzer(context.Background(), cfg.Bedrock.ModelID, cfg.Bedrock.Region)
			if err != nil {
				log.Fatalf("Failed to initialize Bedrock analyzer: %v", err)
			}

			pool := automation.NewPool(automation.NewChromeBrowser, analyzer, cfg.Automation.Concurrency)
			pool.SetMaxSteps(cfg.Automation.MaxSteps)
			pool.SetStepTimeout(time.Duration(cfg.Automation.StepTimeoutSeconds) * time.Second)

			artifacts, err := newScreenshotStore(cfg)
			if err != nil {
				log.Fatalf("Failed to initialize screenshot store: %v", err)
			}
			pool.SetArtifactStore(artifacts)

			executor.SetBrowserRunner(pool)
			log.Printf("Browser automation enabled (concurrency %d, max %d steps)",
				cfg.Automation.Concurrency, cfg.Automation.MaxSteps)
		}
	}

	scheduler := queue.NewScheduler(repo, executor, queue.Config{
		PollInterval:   cfg.Queue.PollInterval(),
		Concurrency:    cfg.Queue.Concurrency,
		JobTimeout:     cfg.Queue.JobTimeout(),
		RetryEnabled:   cfg.Queue.RetryEnabled,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay(),
		StaleAfter:     cfg.Queue.StaleAfter(),
	})
	if redisClient != nil {
		scheduler.SetNotifier(notify.NewRedisNotifier(redisClient))
		scheduler.SetRedisClient(redisClient)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	handlers := api.NewHandlers(jobs, scheduler)
	health := api.NewHealthChecker(db, redisClient)
	server := api.NewServer(handlers, health)

	addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	go func() {
		log.Printf("API listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	scheduler.Stop()
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Server stopped")
}

func newScreenshotStore(cfg *config.Config) (automation.ArtifactStore, error) {
	if cfg.Screenshots.Type == "s3" {
		return storage.NewS3Screenshots(context.Background(), storage.S3Config{
			Bucket: cfg.Screenshots.S3Bucket,
			Prefix: cfg.Screenshots.S3Prefix,
			Region: cfg.Screenshots.AWSRegion,
		})
	}
	return storage.NewLocalScreenshots(cfg.Screenshots.LocalPath)
}
