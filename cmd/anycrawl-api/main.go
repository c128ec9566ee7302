package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/anycrawl/anycrawl/internal/billing"
	"github.com/anycrawl/anycrawl/internal/blobstore"
	"github.com/anycrawl/anycrawl/internal/cache"
	"github.com/anycrawl/anycrawl/internal/config"
	server "github.com/anycrawl/anycrawl/internal/http"
	"github.com/anycrawl/anycrawl/internal/migrate"
	"github.com/anycrawl/anycrawl/internal/queue"
	"github.com/anycrawl/anycrawl/internal/scheduler"
	"github.com/anycrawl/anycrawl/internal/scraper"
	"github.com/anycrawl/anycrawl/internal/services"
	"github.com/anycrawl/anycrawl/internal/store"
	"github.com/anycrawl/anycrawl/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	database, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	database.SetMaxOpenConns(20)
	database.SetMaxIdleConns(10)
	database.SetConnMaxLifetime(30 * time.Minute)

	st := store.New(database)

	if cfg.Auth.Enabled && cfg.Auth.InitialAdminKey != "" {
		if _, err := st.EnsureAdminAPIKey(context.Background(), cfg.Auth.InitialAdminKey, "initial-admin"); err != nil {
			log.Fatalf("ensure admin api key failed: %v", err)
		}
	}

	rdb := redis.NewClient(mustParseRedisURL(cfg.Redis.URL))

	blob, err := blobstore.New(blobstore.Config{
		Backend:   cfg.Blobstore.Backend,
		Bucket:    cfg.Blobstore.Bucket,
		Region:    cfg.Blobstore.Region,
		Endpoint:  cfg.Blobstore.Endpoint,
		AccessKey: cfg.Blobstore.AccessKey,
		SecretKey: cfg.Blobstore.SecretKey,
		LocalDir:  cfg.Blobstore.LocalDir,
	}, logger)
	if err != nil {
		log.Fatalf("blobstore init failed: %v", err)
	}

	cacheStore := cache.New(blob, "pages", time.Duration(cfg.Cache.DefaultTTLMinutes)*time.Minute)
	q := queue.New(rdb, time.Duration(cfg.Queue.VisibilityTimeoutSeconds)*time.Second)
	ledger := billing.New(database)
	dispatcher := webhook.New(database, q)

	orch := &services.Orchestrator{
		Store:           st,
		Cache:           cacheStore,
		Billing:         ledger,
		Queue:           q,
		Webhooks:        dispatcher,
		Weights:         cfg.Billing.Weights.ToEstimatorWeights(),
		CreditsEnabled:  cfg.Billing.CreditsEnabled,
		WebhooksEnabled: cfg.Webhooks.Enabled,
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Reaper.Enabled {
		reaper := scheduler.New(scheduler.Config{
			Interval: time.Duration(cfg.Reaper.IntervalSeconds) * time.Second,
			MaxAge:   time.Duration(cfg.Reaper.MaxAgeMinutes) * time.Minute,
		}, database, st, logger)
		reaper.Start(rootCtx)
		defer reaper.Stop()
	}

	if cfg.Webhooks.Enabled {
		worker := webhook.NewWorker(dispatcher, webhook.WorkerConfig{
			Concurrency:    cfg.Webhooks.Worker.Concurrency,
			PollInterval:   time.Duration(cfg.Webhooks.Worker.PollIntervalMs) * time.Millisecond,
			RequestTimeout: time.Duration(cfg.Webhooks.Worker.RequestTimeoutMs) * time.Millisecond,
		}, logger)
		worker.Start(rootCtx)
		defer worker.Stop()
	}

	startScrapeWorkers(rootCtx, cfg, st, q, logger)
	startCrawlWorkers(rootCtx, cfg, q, orch, logger)

	s := server.NewServer(cfg, st, orch, logger)
	if err := s.Listen(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func mustParseRedisURL(raw string) *redis.Options {
	opt, err := redis.ParseURL(raw)
	if err != nil {
		log.Fatalf("parse redis.url failed: %v", err)
	}
	return opt
}

// startScrapeWorkers launches a small pool of goroutines that lease
// messages off the per-engine scrape queues and execute them through
// services.ExecuteScrapeJob.
func startScrapeWorkers(ctx context.Context, cfg *config.Config, st *store.Store, q *queue.Queue, logger *slog.Logger) {
	engines := []string{"scrape-cheerio", "scrape-rod"}
	svc := services.NewScrapeService(cfg)

	for _, queueName := range engines {
		queueName := queueName
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				msg, err := q.Lease(ctx, queueName)
				if err != nil {
					time.Sleep(time.Second)
					continue
				}
				if msg == nil {
					time.Sleep(250 * time.Millisecond)
					continue
				}

				jobID, url, engine := decodeScrapeMessage(msg)
				fetch := func(fctx context.Context, u string) (*scraper.Result, error) {
					var eng scraper.Scraper
					if engine == "rod" && cfg.Rod.Enabled {
						eng = scraper.NewRodScraper(time.Duration(cfg.Scraper.TimeoutMs) * time.Millisecond)
					} else {
						eng = scraper.NewHTTPScraper(time.Duration(cfg.Scraper.TimeoutMs) * time.Millisecond)
					}
					req := scraper.BuildRequestFromOptions(scraper.RequestOptions{
						URL:       u,
						TimeoutMs: cfg.Scraper.TimeoutMs,
						UserAgent: cfg.Scraper.UserAgent,
					})
					return eng.Scrape(fctx, req)
				}

				if err := services.ExecuteScrapeJob(ctx, st, q, jobID, url, fetch, svc); err != nil {
					if committed, jobUUID := scheduler.ClassifyDispatchError(err); committed {
						// The job was already completed before the error
						// occurred (e.g. the completion signal's ack was lost);
						// log it as a delivery issue, not a job failure.
						logger.Warn("scrape job committed but dispatch ack lost", "job_id", jobUUID, "error", err)
					} else {
						logger.Error("scrape job failed", "job_id", jobID, "error", err)
					}
				}
				_ = q.Ack(ctx, queueName, jobID.String())
			}
		}()
	}
}

func decodeScrapeMessage(msg *queue.Message) (uuid.UUID, string, string) {
	var payload struct {
		URL    string `json:"url"`
		Engine string `json:"engine"`
	}
	_ = json.Unmarshal(msg.Payload, &payload)
	jobID, _ := uuid.Parse(msg.JobID)
	return jobID, payload.URL, payload.Engine
}

// startCrawlWorkers launches a small pool of goroutines that lease
// messages off the per-engine crawl queues and run the breadth-first
// traversal through services.ExecuteCrawlJob.
func startCrawlWorkers(ctx context.Context, cfg *config.Config, q *queue.Queue, orch *services.Orchestrator, logger *slog.Logger) {
	engines := []string{"crawl-cheerio", "crawl-rod"}

	for _, queueName := range engines {
		queueName := queueName
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				msg, err := q.Lease(ctx, queueName)
				if err != nil {
					time.Sleep(time.Second)
					continue
				}
				if msg == nil {
					time.Sleep(250 * time.Millisecond)
					continue
				}

				var crawlMsg services.CrawlMessage
				if err := json.Unmarshal(msg.Payload, &crawlMsg); err != nil {
					logger.Error("crawl message decode failed", "job_id", msg.JobID, "error", err)
					_ = q.Ack(ctx, queueName, msg.JobID)
					continue
				}

				fetch := func(fctx context.Context, u string) (*scraper.Result, error) {
					var eng scraper.Scraper
					if crawlMsg.Engine == "rod" && cfg.Rod.Enabled {
						eng = scraper.NewRodScraper(time.Duration(cfg.Scraper.TimeoutMs) * time.Millisecond)
					} else {
						eng = scraper.NewHTTPScraper(time.Duration(cfg.Scraper.TimeoutMs) * time.Millisecond)
					}
					req := scraper.BuildRequestFromOptions(scraper.RequestOptions{
						URL:       u,
						TimeoutMs: cfg.Scraper.TimeoutMs,
						UserAgent: cfg.Scraper.UserAgent,
					})
					return eng.Scrape(fctx, req)
				}

				if err := orch.ExecuteCrawlJob(ctx, cfg, crawlMsg, fetch); err != nil {
					logger.Error("crawl job failed", "job_id", crawlMsg.JobID, "error", err)
				}
				_ = q.Ack(ctx, queueName, crawlMsg.JobID.String())
			}
		}()
	}
}
