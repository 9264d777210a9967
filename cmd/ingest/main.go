// Command ingest runs the ingestion worker and media processor for
// every configured Telegram identity: one resilient reconnect/watchdog
// client loop per identity, serial per identity and parallel across
// identities, each restarted independently under the stage supervisor.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ilyasni/postpipe/engine/ingest"
	"github.com/ilyasni/postpipe/engine/media"
	"github.com/ilyasni/postpipe/engine/objstore"
	"github.com/ilyasni/postpipe/engine/pgstore"
	"github.com/ilyasni/postpipe/engine/ratelimit"
	"github.com/ilyasni/postpipe/engine/supervisor"
	"github.com/ilyasni/postpipe/engine/telegram"
	"github.com/ilyasni/postpipe/pkg/config"
	"github.com/ilyasni/postpipe/pkg/eventlog"
	"github.com/ilyasni/postpipe/pkg/kv"
	"github.com/ilyasni/postpipe/pkg/metrics"
)

// identityConfig is one row of the identities file: a Telegram bot
// token plus the tenant membership it ingests on behalf of.
type identityConfig struct {
	TenantID       string `json:"tenant_id"`
	PlatformUserID int64  `json:"platform_user_id"`
	Username       string `json:"username"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Tier           string `json:"tier"`
	BotToken       string `json:"bot_token"`
	Proxy          string `json:"proxy,omitempty"`
}

func loadIdentities(path string) ([]identityConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identities file %s: %w", path, err)
	}
	var out []identityConfig
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode identities file %s: %w", path, err)
	}
	return out, nil
}

func main() {
	cfg := config.Defaults()
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	config.RegisterFlags(fs, &cfg)
	identitiesFile := fs.String("identities-file", "identities.json", "JSON file listing Telegram identities to ingest")
	fs.Parse(os.Args[1:])

	log := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	identities, err := loadIdentities(*identitiesFile)
	if err != nil {
		log.Error("load identities failed", "error", err)
		os.Exit(1)
	}
	if len(identities) == 0 {
		log.Error("no identities configured", "file", *identitiesFile)
		os.Exit(1)
	}

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

	store := pgstore.New(pool, reg)
	kvStore := kv.New(rdb)
	events := eventlog.New(rdb)
	objects := objstore.New(s3Client, cfg.S3Bucket, cfg.Quota, reg)
	rate := ratelimit.New(kvStore, cfg.Rate, reg)

	sup := supervisor.New(cfg.Supervisor, log)

	for _, idc := range identities {
		idc := idc
		bot, err := telegram.NewAdapter(telegram.Config{Token: idc.BotToken, Proxy: idc.Proxy})
		if err != nil {
			log.Error("telegram adapter init failed", "identity", idc.PlatformUserID, "error", err)
			continue
		}

		mediaProc := media.New(bot, objects, kvStore, cfg.Media, cfg.Album, reg, log)

		worker := ingest.New(ingest.Identity{
			TenantID:       idc.TenantID,
			PlatformUserID: idc.PlatformUserID,
			Username:       idc.Username,
			FirstName:      idc.FirstName,
			LastName:       idc.LastName,
			Tier:           idc.Tier,
		}, ingest.Deps{
			Client:  bot,
			Store:   store,
			Rate:    rate,
			Events:  events,
			Media:   mediaProc,
			Bucket:  cfg.S3Bucket,
			Logger:  log,
			Metrics: reg,
		})

		sup.Register(fmt.Sprintf("ingest:%d", idc.PlatformUserID), func(ctx context.Context) error {
			// A nil return ends the task without a restart.
			if err := worker.Run(ctx); !errors.Is(err, ingest.ErrTerminal) {
				return err
			}
			return nil
		})
	}

	log.Info("ingestion worker starting", "identities", len(identities))
	if err := sup.StartAll(ctx); err != nil {
		log.Error("supervisor exited fatally", "error", err)
		os.Exit(1)
	}
	log.Info("shutting down")
}
