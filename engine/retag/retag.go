// Package retag is the retagging stage: consumes
// posts.vision.analyzed and re-runs tagging when the vision result is
// newer than what the tags row was computed from — adapted from
// engine/tagging's adapter/cache/hash plumbing, retargeted onto a
// vision-triggered re-tag instead of the initial posts.parsed trigger.
package retag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ilyasni/postpipe/engine/domain"
	"github.com/ilyasni/postpipe/engine/events"
	"github.com/ilyasni/postpipe/engine/pgstore"
	"github.com/ilyasni/postpipe/pkg/eventlog"
	"github.com/ilyasni/postpipe/pkg/fn"
	"github.com/ilyasni/postpipe/pkg/metrics"
	"github.com/ilyasni/postpipe/pkg/ollama"
	"github.com/ilyasni/postpipe/pkg/resilience"
)

const (
	consumerGroup = "retag"
	maxTags       = 12
	prompt        = `Return a JSON object {"tags": [...]} with at most 12 short lowercase topical tags for this post, informed by the image description and any OCR text below. No commentary, JSON only.

Text:
%s

Image description:
%s

OCR text:
%s`
)

// Adapter is the AI tag-generation collaborator, mirroring
// engine/tagging's own local interface.
type Adapter interface {
	Generate(ctx context.Context, model, prompt string, opts ollama.GenerateOpts) (string, error)
}

// Deps bundles the collaborators the retagging stage needs.
type Deps struct {
	Store   *pgstore.Store
	Events  *eventlog.Client
	Adapter Adapter
	Model   string
	Breaker *resilience.Breaker
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Stage runs the retagging consumer loop.
type Stage struct {
	deps Deps
	log  *slog.Logger

	processed, triggered, skipped *metrics.Counter
}

// New builds a Stage.
func New(deps Deps) *Stage {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Stage{deps: deps, log: log}
	if deps.Metrics != nil {
		s.processed = deps.Metrics.Counter("retag_processed_total", "Vision results evaluated for a retag")
		s.triggered = deps.Metrics.Counter("retag_triggered_total", "Retags actually triggered")
		s.skipped = deps.Metrics.Counter("retag_skipped_total", "Retags skipped as not newer than stored tags")
	}
	return s
}

// Run consumes posts.vision.analyzed until ctx is cancelled.
func (s *Stage) Run(ctx context.Context, consumerName string) error {
	if err := s.deps.Events.EnsureGroup(ctx, events.TopicPostsVisionAnalyzed, consumerGroup); err != nil {
		return fmt.Errorf("retag: ensure group: %w", err)
	}
	handle := fn.TracedStage("retag.handle", func(ctx context.Context, m eventlog.Message) fn.Result[struct{}] {
		s.handle(ctx, m)
		return fn.Ok(struct{}{})
	})
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := s.deps.Events.Consume(ctx, events.TopicPostsVisionAnalyzed, consumerGroup, consumerName, 16, 5*time.Second)
		if err != nil {
			s.log.Warn("consume failed", "error", err)
			continue
		}
		for _, m := range msgs {
			handle(ctx, m)
		}
	}
}

func (s *Stage) handle(ctx context.Context, m eventlog.Message) {
	defer func() {
		if err := s.deps.Events.Ack(ctx, events.TopicPostsVisionAnalyzed, consumerGroup, m.ID); err != nil {
			s.log.Warn("ack failed", "error", err, "id", m.ID)
		}
	}()
	evt, err := events.Decode[events.PostsVisionAnalyzed](m.Fields.Data)
	if err != nil {
		s.log.Warn("decode posts.vision.analyzed failed", "error", err, "id", m.ID)
		return
	}
	if s.processed != nil {
		s.processed.Inc()
	}
	if err := s.maybeRetag(ctx, evt); err != nil {
		s.log.Warn("retag failed", "error", err, "post_id", evt.PostID)
	}
}

// maybeRetag implements trigger condition: the stored tags
// row has no version (legacy), the vision result is newer than what
// tags were last computed from, or the post's feature set changed.
func (s *Stage) maybeRetag(ctx context.Context, evt events.PostsVisionAnalyzed) error {
	existing, ok, err := s.deps.Store.GetEnrichment(ctx, evt.PostID, domain.EnrichmentTags)
	if err != nil {
		return fmt.Errorf("retag: get tags enrichment: %w", err)
	}

	storedVisionVersion, _ := existing.Payload["vision_version"].(string)
	storedFeaturesHash, _ := existing.Payload["features_hash"].(string)
	legacy := !ok || existing.Payload["tags_version"] == nil

	trigger := legacy || storedVisionVersion != evt.VisionVersion || storedFeaturesHash != evt.FeaturesHash
	if !trigger {
		if s.skipped != nil {
			s.skipped.Inc()
		}
		return nil
	}

	post, err := s.deps.Store.GetPost(ctx, evt.PostID)
	if err != nil {
		return fmt.Errorf("retag: get post: %w", err)
	}

	genStage := func(ctx context.Context) fn.Result[string] {
		out, err := s.deps.Adapter.Generate(ctx, s.deps.Model, fmt.Sprintf(prompt, post.Text, evt.Vision.Description, evt.Vision.OCRText), ollama.GenerateOpts{JSONFormat: true})
		return fn.FromPair(out, err)
	}
	var result fn.Result[string]
	if s.deps.Breaker != nil {
		result = resilience.CallResult(s.deps.Breaker, ctx, genStage)
	} else {
		result = genStage(ctx)
	}
	raw, err := result.Unwrap()
	if err != nil {
		return fmt.Errorf("retag: ai adapter: %w", err)
	}
	tags, err := parseTags(raw)
	if err != nil {
		return fmt.Errorf("retag: parse tags: %w", err)
	}

	version := nextVersion(existing.Payload["tags_version"])
	_, err = s.deps.Store.UpsertEnrichment(ctx, domain.PostEnrichment{
		PostID: evt.PostID,
		Kind:   domain.EnrichmentTags,
		Payload: map[string]any{
			"tags":           tags,
			"tags_hash":      hashTags(tags),
			"tags_version":   version,
			"vision_version": evt.VisionVersion,
			"features_hash":  evt.FeaturesHash,
			"source":         "vision_retag",
		},
		Version: "v1",
	})
	if err != nil {
		return fmt.Errorf("retag: upsert enrichment: %w", err)
	}

	if s.triggered != nil {
		s.triggered.Inc()
	}
	return s.publishTagged(ctx, evt, post, tags)
}

func (s *Stage) publishTagged(ctx context.Context, evt events.PostsVisionAnalyzed, post pgstore.PostRef, tags []string) error {
	base, err := events.NewBase(evt.TraceID, "retag:"+evt.PostID, time.Now())
	if err != nil {
		return fmt.Errorf("retag: build envelope: %w", err)
	}
	tagged := events.PostsTagged{
		Base:          base,
		TenantID:      evt.TenantID,
		PostID:        evt.PostID,
		ChannelID:     post.ChannelID,
		Tags:          tags,
		TagsHash:      hashTags(tags),
		Trigger:       events.TriggerVisionRetag,
		VisionVersion: evt.VisionVersion,
	}
	data, err := events.EncodeTenanted(tagged, evt.TenantID)
	if err != nil {
		return fmt.Errorf("retag: encode posts.tagged: %w", err)
	}
	if _, err := s.deps.Events.Publish(ctx, events.TopicPostsTagged, events.TopicPostsTagged, data); err != nil {
		return fmt.Errorf("retag: publish posts.tagged: %w", err)
	}
	return nil
}

// nextVersion bumps a JSON-decoded tags_version (float64, since it came
// through map[string]any) or starts at 1 for a legacy/missing row.
func nextVersion(v any) int {
	if f, ok := v.(float64); ok {
		return int(f) + 1
	}
	return 1
}

func hashTags(tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

type tagsPayload struct {
	Tags []string `json:"tags"`
}

func parseTags(raw string) ([]string, error) {
	var payload tagsPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("invalid tag JSON: %w", err)
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range payload.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) >= maxTags {
			break
		}
	}
	return out, nil
}
