// Command worker runs every downstream consumer stage (tagging,
// enrichment, vision, album assembly, indexing, retagging, the outbox
// relay, and the object-store eviction maintenance task) under the
// stage supervisor, each restarted independently with exponential
// backoff on crash.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"

	"github.com/ilyasni/postpipe/engine/album"
	"github.com/ilyasni/postpipe/engine/enrichment"
	"github.com/ilyasni/postpipe/engine/graph"
	"github.com/ilyasni/postpipe/engine/indexing"
	"github.com/ilyasni/postpipe/engine/objstore"
	"github.com/ilyasni/postpipe/engine/outbox"
	"github.com/ilyasni/postpipe/engine/pgstore"
	"github.com/ilyasni/postpipe/engine/retag"
	"github.com/ilyasni/postpipe/engine/semantic"
	"github.com/ilyasni/postpipe/engine/supervisor"
	"github.com/ilyasni/postpipe/engine/tagging"
	"github.com/ilyasni/postpipe/engine/vision"
	"github.com/ilyasni/postpipe/pkg/config"
	"github.com/ilyasni/postpipe/pkg/eventlog"
	"github.com/ilyasni/postpipe/pkg/kv"
	"github.com/ilyasni/postpipe/pkg/metrics"
	"github.com/ilyasni/postpipe/pkg/ollama"
	"github.com/ilyasni/postpipe/pkg/resilience"
)

func main() {
	cfg := config.Defaults()
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	config.RegisterFlags(fs, &cfg)
	tagModel := fs.String("tag-model", "llama3.1", "Ollama model used for tagging/retagging")
	visionModel := fs.String("vision-model", "llava", "Ollama model used for vision analysis")
	embedModel := fs.String("embed-model", "nomic-embed-text", "Ollama model used for indexing embeddings")
	embedDim := fs.Int("embed-dim", 768, "Expected embedding dimension for the configured embed model")
	adminPort := fs.Int("admin-port", 9093, "Port for the supervisor health/admin HTTP endpoint")
	fs.Parse(os.Args[1:])

	log := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg := metrics.New()
	reg.ServeAsync(cfg.MetricsPort)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error("aws config load failed", "error", err)
		os.Exit(1)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
		}
		if cfg.S3Region != "" {
			o.Region = cfg.S3Region
		}
	})

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		log.Error("neo4j driver init failed", "error", err)
		os.Exit(1)
	}
	defer neo4jDriver.Close(ctx)
	if err := neo4jDriver.VerifyConnectivity(ctx); err != nil {
		log.Error("neo4j verify failed", "error", err)
		os.Exit(1)
	}

	vectorStore, err := semantic.New(cfg.QdrantAddr)
	if err != nil {
		log.Error("qdrant connect failed", "error", err)
		os.Exit(1)
	}
	defer vectorStore.Close()

	store := pgstore.New(pool, reg)
	kvStore := kv.New(rdb)
	events := eventlog.New(rdb)
	objects := objstore.New(s3Client, cfg.S3Bucket, cfg.Quota, reg)
	graphStore := graph.New(neo4jDriver)

	tagAdapter := ollama.New(cfg.TagAdapterURL)
	visionAdapter := ollama.New(cfg.VisionAdapterURL)
	embedAdapter := ollama.New(cfg.TagAdapterURL)

	tagBreaker := resilience.NewBreaker(resilience.BreakerOpts{})

	taggingStage := tagging.New(tagging.Deps{
		Store: store, KV: kvStore, Events: events,
		Adapter: tagAdapter, Model: *tagModel, Breaker: tagBreaker,
		Logger: log, Metrics: reg,
	})
	enrichmentStage := enrichment.New(enrichment.Deps{
		Store: store, Objects: objects, KV: kvStore, Events: events,
		Cfg: cfg.Crawl, HTTP: http.DefaultClient, Logger: log, Metrics: reg,
	})
	visionStage := vision.New(vision.Deps{
		Store: store, Objects: objects, KV: kvStore, Events: events,
		Adapter: visionAdapter, OCR: visionAdapter, Model: *visionModel, Provider: "ollama",
		Cfg: cfg.Vision, Logger: log, Metrics: reg,
	})
	albumStage := album.New(album.Deps{
		Store: store, Objects: objects, KV: kvStore, Events: events,
		Logger: log, Metrics: reg,
	})
	indexingStage := indexing.New(indexing.Deps{
		Store: store, Objects: objects, Graph: graphStore, Vector: vectorStore,
		Events: events, Adapter: embedAdapter, Model: *embedModel, EmbedDim: *embedDim,
		Cfg: cfg.Indexing, GraphCfg: cfg.Graph, Logger: log, Metrics: reg,
	})
	retagStage := retag.New(retag.Deps{
		Store: store, Events: events, Adapter: tagAdapter, Model: *tagModel, Breaker: tagBreaker,
		Logger: log, Metrics: reg,
	})
	outboxRelay := outbox.New(outbox.Deps{
		Store: store, Events: events, Cfg: cfg.Supervisor, Logger: log, Metrics: reg,
	})

	sup := supervisor.New(cfg.Supervisor, log)
	sup.Register("tagging", func(ctx context.Context) error { return taggingStage.Run(ctx, "tagging-1") })
	sup.Register("enrichment", func(ctx context.Context) error { return enrichmentStage.Run(ctx, "enrichment-1") })
	sup.Register("vision", func(ctx context.Context) error { return visionStage.Run(ctx, "vision-1") })
	sup.Register("album", func(ctx context.Context) error { return albumStage.Run(ctx, "album-1") })
	sup.Register("indexing", func(ctx context.Context) error { return indexingStage.Run(ctx, "indexing-1") })
	sup.Register("retag", func(ctx context.Context) error { return retagStage.Run(ctx, "retag-1") })
	sup.Register("outbox", func(ctx context.Context) error { return outboxRelay.Run(ctx) })
	sup.Register("objstore-eviction", func(ctx context.Context) error {
		return objects.RunEvictionLoop(ctx, 5*time.Minute,
			func(ctx context.Context, limit int) ([]objstore.EvictionCandidate, error) {
				rows, err := store.EvictionCandidates(ctx, limit)
				if err != nil {
					return nil, err
				}
				out := make([]objstore.EvictionCandidate, 0, len(rows))
				for _, r := range rows {
					kind, tenant, ok := objstore.ParseKey(r.S3Key)
					if !ok {
						continue
					}
					out = append(out, objstore.EvictionCandidate{
						SHA256: r.SHA256, Key: r.S3Key, Kind: kind, Tenant: tenant,
						Size: r.SizeBytes, RefsCount: r.RefsCount, LastSeenAt: r.LastSeenAt,
					})
				}
				return out, nil
			},
			func(ctx context.Context, c objstore.EvictionCandidate) error {
				return store.DeleteMediaObject(ctx, c.SHA256)
			},
		)
	})

	go func() {
		addr := fmt.Sprintf(":%d", *adminPort)
		log.Info("supervisor admin endpoint listening", "addr", addr)
		if err := http.ListenAndServe(addr, sup.AdminHandler(log)); err != nil {
			log.Warn("admin endpoint stopped", "error", err)
		}
	}()

	log.Info("worker starting", "stages", 8)
	if err := sup.StartAll(ctx); err != nil {
		log.Error("supervisor exited fatally", "error", err)
		os.Exit(1)
	}
	log.Info("shutting down")
}
