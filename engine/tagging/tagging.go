// Package tagging is the tagging stage: consumes posts.parsed, calls
// the AI tag adapter behind a cache-key short-circuit and a circuit
// breaker, and emits posts.tagged only when the tag set actually
// changed.
package tagging

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
	"github.com/ilyasni/postpipe/pkg/kv"
	"github.com/ilyasni/postpipe/pkg/metrics"
	"github.com/ilyasni/postpipe/pkg/ollama"
	"github.com/ilyasni/postpipe/pkg/resilience"
)

const (
	consumerGroup  = "tagging"
	maxTags        = 12
	tagCacheTTL    = 24 * time.Hour
	prompt         = `Return a JSON object {"tags": [...]} with at most 12 short lowercase topical tags for this text. No commentary, JSON only.

Text:
%s`
)

// Adapter is the AI tag-generation collaborator; Stage depends on this
// interface rather than ollama.Client directly so tests can substitute
// a fake.
type Adapter interface {
	Generate(ctx context.Context, model, prompt string, opts ollama.GenerateOpts) (string, error)
}

// Deps bundles the collaborators the tagging stage needs.
type Deps struct {
	Store   *pgstore.Store
	KV      *kv.Store
	Events  *eventlog.Client
	Adapter Adapter
	Model   string
	Breaker *resilience.Breaker
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Stage runs the tagging consumer loop.
type Stage struct {
	deps Deps
	log  *slog.Logger

	processed  *metrics.Counter
	cacheHits  *metrics.Counter
	aiCalls    *metrics.Counter
	unchanged  *metrics.Counter
	callLat    *metrics.Histogram
}

// New builds a Stage.
func New(deps Deps) *Stage {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Stage{deps: deps, log: log}
	if deps.Metrics != nil {
		s.processed = deps.Metrics.Counter("tagging_processed_total", "Posts processed by the tagging stage")
		s.cacheHits = deps.Metrics.Counter("tagging_cache_hits_total", "Tagging cache-key short-circuits")
		s.aiCalls = deps.Metrics.Counter("tagging_ai_calls_total", "AI tag adapter calls")
		s.unchanged = deps.Metrics.Counter("tagging_unchanged_total", "Posts whose tag set did not change")
		s.callLat = deps.Metrics.Histogram("tagging_ai_call_latency_seconds", "AI tag adapter call latency", nil)
	}
	return s
}

// Run polls posts.parsed and tags each post until ctx is cancelled.
func (s *Stage) Run(ctx context.Context, consumerName string) error {
	if err := s.deps.Events.EnsureGroup(ctx, events.TopicPostsParsed, consumerGroup); err != nil {
		return fmt.Errorf("tagging: ensure group: %w", err)
	}
	handle := fn.TracedStage("tagging.handle", func(ctx context.Context, m eventlog.Message) fn.Result[struct{}] {
		s.handle(ctx, m)
		return fn.Ok(struct{}{})
	})
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := s.deps.Events.Consume(ctx, events.TopicPostsParsed, consumerGroup, consumerName, 16, 5*time.Second)
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
		if err := s.deps.Events.Ack(ctx, events.TopicPostsParsed, consumerGroup, m.ID); err != nil {
			s.log.Warn("ack failed", "error", err, "id", m.ID)
		}
	}()

	evt, err := events.Decode[events.PostsParsed](m.Fields.Data)
	if err != nil {
		s.log.Warn("decode posts.parsed failed", "error", err, "id", m.ID)
		return
	}

	if err := s.tagPost(ctx, evt); err != nil {
		s.log.Warn("tag post failed", "error", err, "post_id", evt.PostID)
	}
	if s.processed != nil {
		s.processed.Inc()
	}
}

// tagPost implements vision-retag triggers never reach this
// path in this version because posts.parsed carries no trigger field —
// the anti-loop guard lives in engine/retag, which republishes
// posts.tagged directly rather than posts.parsed.
func (s *Stage) tagPost(ctx context.Context, evt events.PostsParsed) error {
	cacheKey := tagCacheKey(evt.Text)

	if cached, ok, err := s.deps.KV.GetCachedTags(ctx, cacheKey); err == nil && ok {
		if s.cacheHits != nil {
			s.cacheHits.Inc()
		}
		return s.persistAndMaybeEmit(ctx, evt, cached, "cache")
	}

	start := time.Now()
	genStage := func(ctx context.Context) fn.Result[string] {
		out, err := s.deps.Adapter.Generate(ctx, s.deps.Model, fmt.Sprintf(prompt, evt.Text), ollama.GenerateOpts{JSONFormat: true})
		return fn.FromPair(out, err)
	}
	var result fn.Result[string]
	if s.deps.Breaker != nil {
		result = resilience.CallResult(s.deps.Breaker, ctx, genStage)
	} else {
		result = genStage(ctx)
	}
	raw, genErr := result.Unwrap()
	if s.callLat != nil {
		s.callLat.Since(start)
	}
	if s.aiCalls != nil {
		s.aiCalls.Inc()
	}
	if genErr != nil {
		return fmt.Errorf("tagging: ai adapter: %w", genErr)
	}

	tags, err := parseTags(raw)
	if err != nil {
		return fmt.Errorf("tagging: parse tags: %w", err)
	}

	_ = s.deps.KV.SetCachedTags(ctx, cacheKey, tags, tagCacheTTL)
	return s.persistAndMaybeEmit(ctx, evt, tags, "initial")
}

func (s *Stage) persistAndMaybeEmit(ctx context.Context, evt events.PostsParsed, tags []string, source string) error {
	tagsHash := hashTags(tags)
	prior, hadPrior, _ := s.deps.Store.GetEnrichment(ctx, evt.PostID, domain.EnrichmentTags)
	priorHash, _ := prior.Payload["tags_hash"].(string)
	changed, err := s.deps.Store.UpsertEnrichment(ctx, domain.PostEnrichment{
		PostID:  evt.PostID,
		Kind:    domain.EnrichmentTags,
		Payload: map[string]any{"tags": tags, "tags_hash": tagsHash, "tags_version": 1, "source": source},
		Version: "v1",
	})
	if err != nil {
		return fmt.Errorf("tagging: upsert enrichment: %w", err)
	}
	if !changed || (hadPrior && priorHash == tagsHash) {
		if s.unchanged != nil {
			s.unchanged.Inc()
		}
		return nil
	}
	return s.publishTagged(ctx, evt, tags, events.TriggerInitial)
}

func (s *Stage) publishTagged(ctx context.Context, evt events.PostsParsed, tags []string, trigger events.Trigger) error {
	base, err := events.NewBase(evt.TraceID, "tagging:"+evt.PostID, time.Now())
	if err != nil {
		return fmt.Errorf("tagging: build envelope: %w", err)
	}
	tagged := events.PostsTagged{
		Base:      base,
		TenantID:  evt.TenantID,
		PostID:    evt.PostID,
		ChannelID: evt.ChannelID,
		Tags:      tags,
		TagsHash:  hashTags(tags),
		Trigger:   trigger,
	}
	data, err := events.EncodeTenanted(tagged, evt.TenantID)
	if err != nil {
		return fmt.Errorf("tagging: encode posts.tagged: %w", err)
	}
	if _, err := s.deps.Events.Publish(ctx, events.TopicPostsTagged, events.TopicPostsTagged, data); err != nil {
		return fmt.Errorf("tagging: publish posts.tagged: %w", err)
	}
	return nil
}

func tagCacheKey(text string) string {
	sum := sha256.Sum256([]byte(normalizeForHash(text)))
	return hex.EncodeToString(sum[:])
}

func normalizeForHash(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
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

// parseTags normalises the adapter's raw JSON into a bounded, deduped,
// lowercased tag list.
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
