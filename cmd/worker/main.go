// The worker binary runs the unsubscribe job pipeline without the HTTP API.
// Deploy it alongside cmd/server to scale job throughput independently; the
// Redis claim lock keeps instances from polling over each other.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/unsub-pilot/internal/ai"
	"github.com/ignite/unsub-pilot/internal/automation"
	"github.com/ignite/unsub-pilot/internal/config"
	"github.com/ignite/unsub-pilot/internal/gmail"
	"github.com/ignite/unsub-pilot/internal/notify"
	"github.com/ignite/unsub-pilot/internal/queue"
	"github.com/ignite/unsub-pilot/internal/repository/postgres"
	"github.com/ignite/unsub-pilot/internal/storage"
	"github.com/ignite/unsub-pilot/internal/unsubscribe"
)

func main() {
	log.Println("Starting unsub-pilot worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

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

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		pingCtx, cancelPing = context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("WARNING: Redis unreachable at %s, continuing without it: %v", cfg.Redis.Addr, err)
			redisClient = nil
		}
		cancelPing()
	}

	var headers unsubscribe.HeaderSource
	if cfg.Gmail.Enabled && cfg.Gmail.ClientID != "" {
		tokens := gmail.NewOAuthTokens(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, postgres.NewGmailTokenRepo(db))
		headers = gmail.NewClient(tokens, nil)
	}
	executor := unsubscribe.NewExecutor(headers, nil)

	if cfg.Automation.Enabled && cfg.Bedrock.Enabled {
		analyzer, err := ai.NewBedrockAnalyzer(context.Background(), cfg.Bedrock.ModelID, cfg.Bedrock.Region)
		if err != nil {
			log.Fatalf("Failed to initialize Bedrock analyzer: %v", err)
		}

		pool := automation.NewPool(automation.NewChromeBrowser, analyzer, cfg.Automation.Concurrency)
		pool.SetMaxSteps(cfg.Automation.MaxSteps)
		pool.SetStepTimeout(time.Duration(cfg.Automation.StepTimeoutSeconds) * time.Second)

		if cfg.Screenshots.Type == "s3" {
			artifacts, err := storage.NewS3Screenshots(context.Background(), storage.S3Config{
				Bucket: cfg.Screenshots.S3Bucket,
				Prefix: cfg.Screenshots.S3Prefix,
				Region: cfg.Screenshots.AWSRegion,
			})
			if err != nil {
				log.Fatalf("Failed to initialize screenshot store: %v", err)
			}
			pool.SetArtifactStore(artifacts)
		} else {
			artifacts, err := storage.NewLocalScreenshots(cfg.Screenshots.LocalPath)
			if err != nil {
				log.Fatalf("Failed to initialize screenshot store: %v", err)
			}
			pool.SetArtifactStore(artifacts)
		}

		executor.SetBrowserRunner(pool)
		log.Printf("Browser automation enabled (concurrency %d)", cfg.Automation.Concurrency)
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
	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	scheduler.Stop()
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Worker stopped")
}
