package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/anycrawl/anycrawl/internal/estimator"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ScraperConfig struct {
	UserAgent           string `yaml:"userAgent"`
	TimeoutMs           int    `yaml:"timeoutMs"`
	LinksSameDomainOnly bool   `yaml:"linksSameDomainOnly"`
	LinksMaxPerDocument int    `yaml:"linksMaxPerDocument"`
}

type CrawlerConfig struct {
	MaxDepthDefault int `yaml:"maxDepthDefault"`
	MaxPagesDefault int `yaml:"maxPagesDefault"`
}

type RobotsConfig struct {
	Respect bool `yaml:"respect"`
}

type RodConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig controls the API-key bearer-auth admission check. AnyCrawl
// has no OIDC/session surface — callers authenticate with a single bearer
// api-key header (ANYCRAWL_API_AUTH_ENABLED).
type AuthConfig struct {
	Enabled         bool   `yaml:"enabled"`
	InitialAdminKey string `yaml:"initialAdminKey"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

// WorkerConfig controls in-process job dispatch concurrency, independent
// of the webhook delivery worker pool (WebhooksConfig.Worker).
type WorkerConfig struct {
	MaxConcurrentJobs       int `yaml:"maxConcurrentJobs"`
	PollIntervalMs          int `yaml:"pollIntervalMs"`
	MaxConcurrentURLsPerJob int `yaml:"maxConcurrentURLsPerJob"`
	SyncJobWaitTimeoutMs    int `yaml:"syncJobWaitTimeoutMs"`
}

// SearxngConfig holds provider-specific configuration for SearxNG-based
// search-engine discovery, the external collaborator behind the search
// orchestrator and map's `site:` discovery.
type SearxngConfig struct {
	BaseURL      string `yaml:"baseURL"`
	DefaultLimit int    `yaml:"defaultLimit"`
	TimeoutMs    int    `yaml:"timeoutMs"`
}

// SearchConfig controls the /v1/search endpoint and the search-engine
// adapter it and /v1/map share.
type SearchConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Provider             string        `yaml:"provider"`
	MaxResults           int           `yaml:"maxResults"`
	TimeoutMs            int           `yaml:"timeoutMs"`
	MaxConcurrentScrapes int           `yaml:"maxConcurrentScrapes"`
	Searxng              SearxngConfig `yaml:"searxng"`
}

// JobTTLConfig controls per-job-type retention in days.
type JobTTLConfig struct {
	DefaultDays int `yaml:"defaultDays"`
	ScrapeDays  int `yaml:"scrapeDays"`
	MapDays     int `yaml:"mapDays"`
	SearchDays  int `yaml:"searchDays"`
	CrawlDays   int `yaml:"crawlDays"`
}

// DocumentTTLConfig controls retention for stored crawl documents in days.
type DocumentTTLConfig struct {
	DefaultDays int `yaml:"defaultDays"`
}

// RetentionConfig controls TTL-like deletion of old jobs and documents so
// the database does not grow without bound over time.
type RetentionConfig struct {
	Enabled                bool              `yaml:"enabled"`
	CleanupIntervalMinutes int               `yaml:"cleanupIntervalMinutes"`
	Jobs                   JobTTLConfig      `yaml:"jobs"`
	Documents              DocumentTTLConfig `yaml:"documents"`
}

// BlobstoreConfig selects and configures the page/map-result cache's
// backing object store (C1). Backend "s3" targets any S3-compatible
// provider (e.g. Tigris, MinIO); "local" falls back to a filesystem
// directory for single-node deployments.
type BlobstoreConfig struct {
	Backend   string `yaml:"backend"` // s3 | local
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	LocalDir  string `yaml:"localDir"`
}

// CacheConfig controls the page-result and map-result cache (C1): whether
// lookups are consulted at all, and the default freshness window applied
// when a request does not specify `max_age`.
type CacheConfig struct {
	Enabled           bool `yaml:"enabled"`
	DefaultTTLMinutes int  `yaml:"defaultTTLMinutes"`
	MapTTLMinutes     int  `yaml:"mapTTLMinutes"`
}

// QueueConfig controls the durable named-queue abstraction (C4) and its
// Redis-backed visibility-timeout semantics.
type QueueConfig struct {
	VisibilityTimeoutSeconds int `yaml:"visibilityTimeoutSeconds"`
	RequeueScanIntervalMs    int `yaml:"requeueScanIntervalMs"`
}

// ReaperConfig controls the stale-execution reaper's (C5) cadence and
// staleness threshold.
type ReaperConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"intervalSeconds"`
	MaxAgeMinutes   int  `yaml:"maxAgeMinutes"`
}

// WebhookWorkerConfig controls the delivery worker pool (C6) that leases
// WebhookDelivery messages and performs the signed HTTP POST.
type WebhookWorkerConfig struct {
	Concurrency      int `yaml:"concurrency"`
	PollIntervalMs   int `yaml:"pollIntervalMs"`
	RequestTimeoutMs int `yaml:"requestTimeoutMs"`
}

// WebhooksConfig controls whether the webhook dispatcher (C6) is active
// and the delivery worker pool backing it.
type WebhooksConfig struct {
	Enabled bool                `yaml:"enabled"`
	Worker  WebhookWorkerConfig `yaml:"worker"`
}

// CreditWeights holds the environment-tunable per-item credit costs the
// estimator (C8) applies, named to match the ANYCRAWL_*_CREDITS variables.
type CreditWeights struct {
	BaseScrape      float64 `yaml:"baseScrape"`
	ProxyAuto       float64 `yaml:"proxyAuto"`
	ProxyBase       float64 `yaml:"proxyBase"`
	ProxyStealth    float64 `yaml:"proxyStealth"`
	ProxyCustom     float64 `yaml:"proxyCustom"`
	JSONLLM         float64 `yaml:"jsonLLM"`
	Summary         float64 `yaml:"summary"`
	CrawlTemplate   float64 `yaml:"crawlTemplate"`
	CrawlPerPage    float64 `yaml:"crawlPerPage"`
	SearchTemplate  float64 `yaml:"searchTemplate"`
	SearchPerPage   float64 `yaml:"searchPerPage"`
	SearchPerScrape float64 `yaml:"searchPerScrape"`
	MapBase         float64 `yaml:"mapBase"`
	MapTemplate     float64 `yaml:"mapTemplate"`
}

// ToEstimatorWeights converts the YAML-configured weights into the
// shape internal/estimator operates on.
func (w CreditWeights) ToEstimatorWeights() estimator.Weights {
	return estimator.Weights{
		BaseScrape:      w.BaseScrape,
		ProxyAuto:       w.ProxyAuto,
		ProxyBase:       w.ProxyBase,
		ProxyStealth:    w.ProxyStealth,
		ProxyCustom:     w.ProxyCustom,
		JSONLLM:         w.JSONLLM,
		Summary:         w.Summary,
		CrawlTemplate:   w.CrawlTemplate,
		CrawlPerPage:    w.CrawlPerPage,
		SearchTemplate:  w.SearchTemplate,
		SearchPerPage:   w.SearchPerPage,
		SearchPerScrape: w.SearchPerScrape,
		MapBase:         w.MapBase,
		MapTemplate:     w.MapTemplate,
	}
}

// BillingConfig controls whether the credit ledger (C2) is consulted at
// all, and the per-item weights the estimator (C8) uses to size charges.
type BillingConfig struct {
	CreditsEnabled bool          `yaml:"creditsEnabled"`
	Weights        CreditWeights `yaml:"weights"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scraper   ScraperConfig   `yaml:"scraper"`
	Crawler   CrawlerConfig   `yaml:"crawler"`
	Robots    RobotsConfig    `yaml:"robots"`
	Rod       RodConfig       `yaml:"rod"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Worker    WorkerConfig    `yaml:"worker"`
	Search    SearchConfig    `yaml:"search"`
	Retention RetentionConfig `yaml:"retention"`
	Blobstore BlobstoreConfig `yaml:"blobstore"`
	Cache     CacheConfig     `yaml:"cache"`
	Queue     QueueConfig     `yaml:"queue"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Billing   BillingConfig   `yaml:"billing"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	return &cfg
}

// Validate performs basic sanity checks on the loaded configuration so
// that obviously misconfigured deployments fail fast at startup rather
// than during the first request.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return errors.New("database.dsn must be set")
	}
	if strings.TrimSpace(cfg.Redis.URL) == "" {
		return errors.New("redis.url must be set")
	}

	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.InitialAdminKey) == "" {
		return errors.New("auth.enabled is true but auth.initialAdminKey is not set")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Blobstore.Backend)) {
	case "s3":
		if cfg.Blobstore.Bucket == "" {
			return errors.New("blobstore.backend is 's3' but blobstore.bucket is not set")
		}
	case "local", "":
		// local is the zero-config fallback
	default:
		return fmt.Errorf("unsupported blobstore.backend: %s", cfg.Blobstore.Backend)
	}

	if cfg.Search.Enabled {
		switch cfg.Search.Provider {
		case "searxng":
			if strings.TrimSpace(cfg.Search.Searxng.BaseURL) == "" {
				return errors.New("search.provider is 'searxng' but search.searxng.baseURL is not set")
			}
		case "":
			return errors.New("search.enabled is true but search.provider is not set")
		default:
			return fmt.Errorf("unsupported search.provider: %s", cfg.Search.Provider)
		}
	}

	return nil
}
