// Package album is the album assembler: seeds per-album state on
// albums.parsed, records which items have been analyzed, and once every
// item has been analyzed writes an album-level summary. The state keeps
// item IDs only, not their vision results: the summary's merged_labels,
// has_meme and has_text come from the vision result that completed the
// album, and earlier items' results are not merged into it.
package album

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilyasni/postpipe/engine/events"
	"github.com/ilyasni/postpipe/engine/objstore"
	"github.com/ilyasni/postpipe/engine/pgstore"
	"github.com/ilyasni/postpipe/pkg/eventlog"
	"github.com/ilyasni/postpipe/pkg/fn"
	"github.com/ilyasni/postpipe/pkg/kv"
	"github.com/ilyasni/postpipe/pkg/metrics"
)

const (
	albumsParsedGroup   = "album-seed"
	visionAnalyzedGroup = "album-assemble"
)

// Deps bundles the collaborators the album assembler needs.
type Deps struct {
	Store   *pgstore.Store
	Objects *objstore.Store
	KV      *kv.Store
	Events  *eventlog.Client
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Stage runs the two consumer loops backing album assembly.
type Stage struct {
	deps Deps
	log  *slog.Logger

	seeded, assembled *metrics.Counter
	lagSeconds        *metrics.Histogram
}

// New builds a Stage.
func New(deps Deps) *Stage {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Stage{deps: deps, log: log}
	if deps.Metrics != nil {
		s.seeded = deps.Metrics.Counter("album_seeded_total", "Albums seeded from albums.parsed")
		s.assembled = deps.Metrics.Counter("album_assembled_total", "Albums fully assembled")
		s.lagSeconds = deps.Metrics.Histogram("album_assembly_lag_seconds", "Album assembly lag", nil)
	}
	return s
}

// Run consumes albums.parsed (to seed state) and posts.vision.analyzed
// (to accumulate it) on a single goroutine — both topics are low-volume
// relative to posts.parsed, so a shared consumer loop is simplest.
func (s *Stage) Run(ctx context.Context, consumerName string) error {
	if err := s.deps.Events.EnsureGroup(ctx, events.TopicAlbumsParsed, albumsParsedGroup); err != nil {
		return fmt.Errorf("album: ensure group albums.parsed: %w", err)
	}
	if err := s.deps.Events.EnsureGroup(ctx, events.TopicPostsVisionAnalyzed, visionAnalyzedGroup); err != nil {
		return fmt.Errorf("album: ensure group posts.vision.analyzed: %w", err)
	}

	handleSeed := fn.TracedStage("album.handle_seed", func(ctx context.Context, m eventlog.Message) fn.Result[struct{}] {
		s.handleSeed(ctx, m)
		return fn.Ok(struct{}{})
	})
	handleAnalyzed := fn.TracedStage("album.handle_analyzed", func(ctx context.Context, m eventlog.Message) fn.Result[struct{}] {
		s.handleAnalyzed(ctx, m)
		return fn.Ok(struct{}{})
	})

	for {
		if ctx.Err() != nil {
			return nil
		}
		seedMsgs, err := s.deps.Events.Consume(ctx, events.TopicAlbumsParsed, albumsParsedGroup, consumerName, 16, 1*time.Second)
		if err != nil {
			s.log.Warn("consume albums.parsed failed", "error", err)
		}
		for _, m := range seedMsgs {
			handleSeed(ctx, m)
		}

		analyzedMsgs, err := s.deps.Events.Consume(ctx, events.TopicPostsVisionAnalyzed, visionAnalyzedGroup, consumerName, 16, 4*time.Second)
		if err != nil {
			s.log.Warn("consume posts.vision.analyzed failed", "error", err)
			continue
		}
		for _, m := range analyzedMsgs {
			handleAnalyzed(ctx, m)
		}
	}
}

func (s *Stage) handleSeed(ctx context.Context, m eventlog.Message) {
	defer func() {
		if err := s.deps.Events.Ack(ctx, events.TopicAlbumsParsed, albumsParsedGroup, m.ID); err != nil {
			s.log.Warn("ack failed", "error", err, "id", m.ID)
		}
	}()
	evt, err := events.Decode[events.AlbumsParsed](m.Fields.Data)
	if err != nil {
		s.log.Warn("decode albums.parsed failed", "error", err, "id", m.ID)
		return
	}
	if err := s.deps.KV.SetAlbumState(ctx, evt.AlbumID, kv.AlbumState{ItemsCount: evt.ItemsCount}); err != nil {
		s.log.Warn("seed album state failed", "error", err, "album_id", evt.AlbumID)
		return
	}
	if s.seeded != nil {
		s.seeded.Inc()
	}
}

func (s *Stage) handleAnalyzed(ctx context.Context, m eventlog.Message) {
	defer func() {
		if err := s.deps.Events.Ack(ctx, events.TopicPostsVisionAnalyzed, visionAnalyzedGroup, m.ID); err != nil {
			s.log.Warn("ack failed", "error", err, "id", m.ID)
		}
	}()
	evt, err := events.Decode[events.PostsVisionAnalyzed](m.Fields.Data)
	if err != nil {
		s.log.Warn("decode posts.vision.analyzed failed", "error", err, "id", m.ID)
		return
	}
	if err := s.accumulate(ctx, evt); err != nil {
		s.log.Warn("accumulate album item failed", "error", err, "post_id", evt.PostID)
	}
}

// accumulate implements per-item accumulation and
// threshold-triggered assembly.
func (s *Stage) accumulate(ctx context.Context, evt events.PostsVisionAnalyzed) error {
	albumID, ok, err := s.deps.Store.ResolveAlbumForPost(ctx, evt.PostID)
	if err != nil {
		return fmt.Errorf("album: resolve album for post: %w", err)
	}
	if !ok {
		return nil // standalone post, not part of a media group
	}

	state, ok, err := s.deps.KV.GetAlbumState(ctx, albumID)
	if err != nil {
		return fmt.Errorf("album: get state: %w", err)
	}
	if !ok {
		// albums.parsed never arrived (or state already expired); fall
		// back to this event's own media count so a single straggling
		// post doesn't wait forever for a seed that isn't coming.
		state = kv.AlbumState{ItemsCount: len(evt.Media)}
	}

	now := time.Now()
	if state.FirstAnalyzedAt.IsZero() {
		state.FirstAnalyzedAt = now
	}
	state.LastAnalyzedAt = now
	state.ItemsAnalyzed = appendUnique(state.ItemsAnalyzed, evt.PostID)

	if len(state.ItemsAnalyzed) < state.ItemsCount {
		return s.deps.KV.SetAlbumState(ctx, albumID, state)
	}

	return s.assemble(ctx, albumID, state, evt)
}

func (s *Stage) assemble(ctx context.Context, albumID string, state kv.AlbumState, last events.PostsVisionAnalyzed) error {
	lag := state.LastAnalyzedAt.Sub(state.FirstAnalyzedAt).Seconds()

	summary := map[string]any{
		"merged_labels": last.Vision.Labels,
		"has_meme":      last.Vision.IsMeme,
		"has_text":      last.Vision.OCRText != "",
		"items_count":   state.ItemsCount,
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("album: encode summary: %w", err)
	}
	blob, err := s.deps.Objects.Put(ctx, last.TenantID, objstore.KindAlbum, "json", payload)
	if err != nil {
		return fmt.Errorf("album: store summary blob: %w", err)
	}
	summary["s3_key"] = blob.Key

	if err := s.deps.Store.UpsertAlbumSummary(ctx, albumID, summary); err != nil {
		return fmt.Errorf("album: upsert summary: %w", err)
	}

	if err := s.publishAssembled(ctx, albumID, last.TenantID, last.TraceID, state, summary, blob.Key, lag); err != nil {
		return err
	}
	if s.assembled != nil {
		s.assembled.Inc()
	}
	if s.lagSeconds != nil {
		s.lagSeconds.Observe(lag)
	}
	return s.deps.KV.DeleteAlbumState(ctx, albumID)
}

func (s *Stage) publishAssembled(ctx context.Context, albumID, tenantID, traceID string, state kv.AlbumState, summary map[string]any, s3Key string, lag float64) error {
	base, err := events.NewBase(traceID, "album:"+albumID, time.Now())
	if err != nil {
		return fmt.Errorf("album: build envelope: %w", err)
	}
	labels, _ := summary["merged_labels"].([]string)
	hasMeme, _ := summary["has_meme"].(bool)
	hasText, _ := summary["has_text"].(bool)
	assembled := events.AlbumAssembled{
		Base:               base,
		AlbumID:            albumID,
		TenantID:           tenantID,
		ItemsAnalyzed:      len(state.ItemsAnalyzed),
		MergedLabels:       labels,
		HasMeme:            hasMeme,
		HasText:            hasText,
		S3Key:              s3Key,
		AssemblyLagSeconds: lag,
	}
	data, err := events.EncodeTenanted(assembled, tenantID)
	if err != nil {
		return fmt.Errorf("album: encode album.assembled: %w", err)
	}
	if _, err := s.deps.Events.Publish(ctx, events.TopicAlbumAssembled, events.TopicAlbumAssembled, data); err != nil {
		return fmt.Errorf("album: publish album.assembled: %w", err)
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

