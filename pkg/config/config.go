// Package config is the single structured configuration object used by
// every cmd/ binary. No free-form environment scraping happens in the
// core packages — binaries populate a Config from flags/env and pass it
// down explicitly.
package config

import (
	"flag"
	"os"
	"time"
)

// Stream holds event-log tuning.
type Stream struct {
	ConsumerGroup    string
	BatchSize        int64
	BlockMs          int64
	TrimIntervalMsgs int64
	PELMinIdle       time.Duration
	MaxDeliveries    int
}

// Media holds media-processor limits.
type Media struct {
	MaxBytesPhoto        int64
	MaxBytesDoc          int64
	DownloadTimeoutPhoto time.Duration
	DownloadTimeoutDoc   time.Duration
}

// Album holds album-reconstruction tuning.
type Album struct {
	SearchWindow time.Duration
	SearchLimit  int
}

// Quota holds blob-store quota limits.
type Quota struct {
	BucketTotalGB     float64
	BucketEmergencyGB float64
	PerTenantGB       float64
	PerTypeMediaGB    float64
	PerTypeVisionGB   float64
	PerTypeCrawlGB    float64
	MaxObjectMediaMB  float64
	MaxObjectVisionMB float64
}

// Rate holds sliding-window admission limits.
type Rate struct {
	UserPerMinute    int
	ChannelPerMinute int
	GlobalPerMinute  int
}

// Supervisor holds restart/backoff tuning.
type Supervisor struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// Graph holds graph-write tuning.
type Graph struct {
	PostExpiresDays int
}

// Vision holds vision-analyzer tuning.
type Vision struct {
	MaxDeliveries             int
	IdempotencyTTL            time.Duration
	MaxMediaPerPost           int
	TokenBudgetPerTenantDaily int64
	MinNoveltyScore           float64
}

// Indexing holds indexing-stage tuning.
type Indexing struct {
	Concurrency int
}

// Crawl holds enrichment-stage crawler tuning.
type Crawl struct {
	FetchTimeout     time.Duration
	PolicyTagRegex   string
	MaxMarkdownChars int
}

// Config is the full structured configuration for any stage binary.
type Config struct {
	RedisAddr    string
	PostgresDSN  string
	Neo4jURI     string
	Neo4jUser    string
	Neo4jPass    string
	QdrantAddr   string
	S3Endpoint   string
	S3Bucket     string
	S3Region     string
	TagAdapterURL   string
	VisionAdapterURL string
	MetricsPort  int

	Stream     Stream
	Media      Media
	Album      Album
	Quota      Quota
	Rate       Rate
	Supervisor Supervisor
	Graph      Graph
	Vision     Vision
	Indexing   Indexing
	Crawl      Crawl
}

// Defaults returns a Config populated with every default from 
func Defaults() Config {
	return Config{
		RedisAddr:  "localhost:6379",
		QdrantAddr: "localhost:6334",
		S3Bucket:   "postpipe-media",
		MetricsPort: 9090,
		Stream: Stream{
			BatchSize:        50,
			BlockMs:          1000,
			TrimIntervalMsgs: 50,
			PELMinIdle:       60 * time.Second,
			MaxDeliveries:    3,
		},
		Media: Media{
			MaxBytesPhoto:        15 << 20,
			MaxBytesDoc:          40 << 20,
			DownloadTimeoutPhoto: 120 * time.Second,
			DownloadTimeoutDoc:   300 * time.Second,
		},
		Album: Album{
			SearchWindow: 10 * time.Minute,
			SearchLimit:  50,
		},
		Quota: Quota{
			BucketTotalGB:     15,
			BucketEmergencyGB: 14,
			PerTenantGB:       2,
			PerTypeMediaGB:    10,
			PerTypeVisionGB:   2,
			PerTypeCrawlGB:    2,
			MaxObjectMediaMB:  15,
			MaxObjectVisionMB: 40,
		},
		Rate: Rate{
			UserPerMinute:    20,
			ChannelPerMinute: 10,
			GlobalPerMinute:  100,
		},
		Supervisor: Supervisor{
			MaxRetries:     5,
			InitialBackoff: time.Second,
			MaxBackoff:     60 * time.Second,
			Multiplier:     2,
		},
		Graph: Graph{PostExpiresDays: 30},
		Vision: Vision{
			MaxDeliveries:             3,
			IdempotencyTTL:            24 * time.Hour,
			MaxMediaPerPost:           10,
			TokenBudgetPerTenantDaily: 200000,
			MinNoveltyScore:           0.2,
		},
		Indexing: Indexing{Concurrency: 4},
		Crawl: Crawl{
			FetchTimeout:     20 * time.Second,
			PolicyTagRegex:   `(?i)longread|research|paper|release`,
			MaxMarkdownChars: 20000,
		},
	}
}

// RegisterFlags binds every config field to a flag on fs, seeded with the
// values already present in cfg (typically config.Defaults()). Call
// fs.Parse after this, mirroring cmd/ingest's flag-wiring style.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address backing the event log and shared KV")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", envOr("DATABASE_URL", cfg.PostgresDSN), "PostgreSQL DSN")
	fs.StringVar(&cfg.Neo4jURI, "neo4j-uri", envOr("NEO4J_URI", cfg.Neo4jURI), "Neo4j bolt URI")
	fs.StringVar(&cfg.Neo4jUser, "neo4j-user", envOr("NEO4J_USER", cfg.Neo4jUser), "Neo4j username")
	fs.StringVar(&cfg.Neo4jPass, "neo4j-pass", envOr("NEO4J_PASSWORD", cfg.Neo4jPass), "Neo4j password")
	fs.StringVar(&cfg.QdrantAddr, "qdrant-addr", cfg.QdrantAddr, "Qdrant gRPC address")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", cfg.S3Endpoint, "S3-compatible endpoint (empty = AWS default)")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "S3 bucket for the content-addressed store")
	fs.StringVar(&cfg.S3Region, "s3-region", envOr("AWS_REGION", cfg.S3Region), "S3 region")
	fs.StringVar(&cfg.TagAdapterURL, "tag-adapter-url", cfg.TagAdapterURL, "Base URL of the tagging AI adapter")
	fs.StringVar(&cfg.VisionAdapterURL, "vision-adapter-url", cfg.VisionAdapterURL, "Base URL of the vision AI adapter")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "Port for the /metrics HTTP endpoint")

	fs.Int64Var(&cfg.Stream.BatchSize, "stream-batch-size", cfg.Stream.BatchSize, "Max messages per fetch")
	fs.Int64Var(&cfg.Stream.BlockMs, "stream-block-ms", cfg.Stream.BlockMs, "Blocking read timeout in ms")
	fs.Int64Var(&cfg.Stream.TrimIntervalMsgs, "stream-trim-interval", cfg.Stream.TrimIntervalMsgs, "Messages between trim attempts")
	fs.DurationVar(&cfg.Stream.PELMinIdle, "stream-pel-min-idle", cfg.Stream.PELMinIdle, "Reclaim threshold")
	fs.IntVar(&cfg.Stream.MaxDeliveries, "stream-max-deliveries", cfg.Stream.MaxDeliveries, "DLQ threshold per message")

	fs.IntVar(&cfg.Indexing.Concurrency, "indexing-concurrency", cfg.Indexing.Concurrency, "Indexing stage bounded concurrency")
	fs.IntVar(&cfg.Vision.MaxDeliveries, "vision-max-deliveries", cfg.Vision.MaxDeliveries, "Vision-specific DLQ threshold")
	fs.DurationVar(&cfg.Vision.IdempotencyTTL, "vision-idempotency-ttl", cfg.Vision.IdempotencyTTL, "Vision dedup key lifetime")
	fs.IntVar(&cfg.Vision.MaxMediaPerPost, "vision-max-media-per-post", cfg.Vision.MaxMediaPerPost, "Max media items analyzed per post before the policy declines the rest")
	fs.Int64Var(&cfg.Vision.TokenBudgetPerTenantDaily, "vision-token-budget-daily", cfg.Vision.TokenBudgetPerTenantDaily, "Per-tenant daily vision token budget")
	fs.Float64Var(&cfg.Vision.MinNoveltyScore, "vision-min-novelty-score", cfg.Vision.MinNoveltyScore, "Minimum post-novelty score required to run vision analysis")

	fs.DurationVar(&cfg.Crawl.FetchTimeout, "crawl-fetch-timeout", cfg.Crawl.FetchTimeout, "Enrichment crawler per-page fetch timeout")
	fs.StringVar(&cfg.Crawl.PolicyTagRegex, "crawl-policy-tag-regex", cfg.Crawl.PolicyTagRegex, "Tag pattern that gates whether a post's URL is crawled")
	fs.IntVar(&cfg.Crawl.MaxMarkdownChars, "crawl-max-markdown-chars", cfg.Crawl.MaxMarkdownChars, "Max extracted markdown characters stored per crawl")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
