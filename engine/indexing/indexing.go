// Package indexing is the indexing stage: consumes posts.enriched
// and drives two independent write phases — embedding into the
// per-tenant Qdrant collection and writing the post into the knowledge
// graph — under a bounded-concurrency semaphore, embed-then-graph-write
// per post.
package indexing

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ilyasni/postpipe/engine/domain"
	"github.com/ilyasni/postpipe/engine/events"
	"github.com/ilyasni/postpipe/engine/graph"
	"github.com/ilyasni/postpipe/engine/objstore"
	"github.com/ilyasni/postpipe/engine/pgstore"
	"github.com/ilyasni/postpipe/engine/semantic"
	"github.com/ilyasni/postpipe/pkg/config"
	"github.com/ilyasni/postpipe/pkg/eventlog"
	"github.com/ilyasni/postpipe/pkg/fn"
	"github.com/ilyasni/postpipe/pkg/metrics"
)

const (
	consumerGroup      = "indexing"
	maxTextChars       = 2000
	maxVisionDescChars = 500
	maxVisionOCRChars  = 300
	maxCrawlChars      = 1500
	maxTextShortChars  = 500
	maintenanceEvery   = 30 * time.Second
	reclaimMinIdle     = 60 * time.Second
)

var entityPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]{2,}\b`)

// Adapter is the embedding-generation collaborator.
type Adapter interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// Deps bundles the collaborators the indexing stage needs.
type Deps struct {
	Store    *pgstore.Store
	Objects  *objstore.Store
	Graph    *graph.GraphStore
	Vector   *semantic.VectorStore
	Events   *eventlog.Client
	Adapter  Adapter
	Model    string
	EmbedDim int
	Cfg      config.Indexing
	GraphCfg config.Graph
	Logger   *slog.Logger
	Metrics  *metrics.Registry
}

// Stage runs the indexing consumer loop.
type Stage struct {
	deps Deps
	log  *slog.Logger
	sem  *semaphore.Weighted

	processed, embedCompleted, graphCompleted, skipped, dlq *metrics.Counter
	embedLat, graphLat                                      *metrics.Histogram

	lastMaintenance time.Time
}

// New builds a Stage.
func New(deps Deps) *Stage {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	concurrency := deps.Cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	s := &Stage{deps: deps, log: log, sem: semaphore.NewWeighted(int64(concurrency))}
	if deps.Metrics != nil {
		s.processed = deps.Metrics.Counter("indexing_processed_total", "Posts processed by the indexing stage")
		s.embedCompleted = deps.Metrics.Counter("indexing_embed_completed_total", "Embeddings successfully written")
		s.graphCompleted = deps.Metrics.Counter("indexing_graph_completed_total", "Graph documents successfully written")
		s.skipped = deps.Metrics.Counter("indexing_skipped_total", "Posts skipped by the indexing stage")
		s.dlq = deps.Metrics.Counter("indexing_dlq_total", "Posts routed to the DLQ by the indexing stage")
		s.embedLat = deps.Metrics.Histogram("indexing_embed_latency_ms", "Embedding call latency", nil)
		s.graphLat = deps.Metrics.Histogram("indexing_graph_latency_ms", "Graph write latency", nil)
	}
	return s
}

// Run consumes posts.enriched until ctx is cancelled.
func (s *Stage) Run(ctx context.Context, consumerName string) error {
	if err := s.deps.Events.EnsureGroup(ctx, events.TopicPostsEnriched, consumerGroup); err != nil {
		return fmt.Errorf("indexing: ensure group: %w", err)
	}

	handle := fn.TracedStage("indexing.handle", func(ctx context.Context, m eventlog.Message) fn.Result[struct{}] {
		s.handle(ctx, m)
		return fn.Ok(struct{}{})
	})

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := s.deps.Events.Consume(ctx, events.TopicPostsEnriched, consumerGroup, consumerName, 50, 1*time.Second)
		if err != nil {
			s.log.Warn("consume posts.enriched failed", "error", err)
			continue
		}
		for _, m := range msgs {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			msg := m
			go func() {
				defer s.sem.Release(1)
				handle(ctx, msg)
			}()
		}
		s.maintainIfDue(ctx)
	}
}

func (s *Stage) handle(ctx context.Context, m eventlog.Message) {
	defer func() {
		if err := s.deps.Events.Ack(ctx, events.TopicPostsEnriched, consumerGroup, m.ID); err != nil {
			s.log.Warn("ack failed", "error", err, "id", m.ID)
		}
	}()
	evt, err := events.Decode[events.PostsEnriched](m.Fields.Data)
	if err != nil {
		s.log.Warn("decode posts.enriched failed", "error", err, "id", m.ID)
		return
	}
	if evt.Skipped {
		return
	}
	if s.processed != nil {
		s.processed.Inc()
	}
	if err := s.indexPost(ctx, evt); err != nil {
		s.log.Warn("index post failed", "error", err, "post_id", evt.PostID)
	}
}

// indexPost implements tenant resolution, embedding, graph
// write, and status bookkeeping.
func (s *Stage) indexPost(ctx context.Context, evt events.PostsEnriched) error {
	tenantID := s.resolveTenant(ctx, evt)

	post, err := s.deps.Store.GetPost(ctx, evt.PostID)
	if err != nil {
		return fmt.Errorf("indexing: get post: %w", err)
	}

	tags, visionPayload, crawlPayload := s.loadEnrichments(ctx, evt.PostID)

	status := domain.IndexingStatus{PostID: evt.PostID}

	embedStatus, vectorID, embedErr := s.runEmbedding(ctx, tenantID, post, tags, visionPayload, crawlPayload)
	status.EmbeddingStatus = embedStatus
	status.VectorID = vectorID
	if embedErr != nil {
		status.ErrorMessage = embedErr.Error()
	}

	graphStatus, nodesWritten, edgesWritten, graphErr := s.runGraphWrite(ctx, tenantID, post, tags, visionPayload, crawlPayload)
	status.GraphStatus = graphStatus
	if graphErr != nil && status.ErrorMessage == "" {
		status.ErrorMessage = graphErr.Error()
	}

	if status.Both(domain.StateCompleted) || status.Both(domain.StateSkipped) {
		now := time.Now()
		status.ProcessingCompletedAt = &now
	}
	if err := s.deps.Store.UpsertIndexingStatus(ctx, status); err != nil {
		return fmt.Errorf("indexing: upsert status: %w", err)
	}
	if status.ProcessingCompletedAt != nil {
		if err := s.deps.Store.MarkProcessed(ctx, evt.PostID); err != nil {
			return fmt.Errorf("indexing: mark processed: %w", err)
		}
		return s.publishIndexed(ctx, tenantID, evt.TraceID, evt.PostID, vectorID, nodesWritten, edgesWritten)
	}
	return nil
}

func (s *Stage) resolveTenant(ctx context.Context, evt events.PostsEnriched) string {
	if evt.TenantID != "" && evt.TenantID != "default" {
		return evt.TenantID
	}
	if tenantID, err := s.deps.Store.ResolveTenantForPost(ctx, evt.PostID); err == nil && tenantID != "" {
		return tenantID
	}
	s.log.Warn("indexing: could not resolve tenant, falling back to default", "post_id", evt.PostID)
	return "default"
}

func (s *Stage) loadEnrichments(ctx context.Context, postID string) (tags []string, vision, crawl map[string]any) {
	if e, ok, err := s.deps.Store.GetEnrichment(ctx, postID, domain.EnrichmentTags); err == nil && ok {
		if raw, ok := e.Payload["tags"].([]any); ok {
			for _, t := range raw {
				if str, ok := t.(string); ok {
					tags = append(tags, str)
				}
			}
		}
	}
	if e, ok, err := s.deps.Store.GetEnrichment(ctx, postID, domain.EnrichmentVision); err == nil && ok {
		if result, ok := e.Payload["result"].(map[string]any); ok {
			vision = result
		}
	}
	if e, ok, err := s.deps.Store.GetEnrichment(ctx, postID, domain.EnrichmentCrawl); err == nil && ok {
		crawl = e.Payload
	}
	return tags, vision, crawl
}

// --- Embedding phase ---

func (s *Stage) runEmbedding(ctx context.Context, tenantID string, post pgstore.PostRef, tags []string, vision, crawl map[string]any) (domain.ProcessingState, string, error) {
	text := s.composeEmbeddingText(ctx, post, vision, crawl)
	if text == "" {
		if s.skipped != nil {
			s.skipped.Inc()
		}
		return domain.StateSkipped, "", nil
	}

	start := time.Now()
	embedding, err := s.deps.Adapter.Embed(ctx, s.deps.Model, text)
	if s.embedLat != nil {
		s.embedLat.Observe(float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		s.deadLetterEnriched(ctx, post.ID, tenantID, events.ReasonEmbedGenFail, err)
		return domain.StateFailed, "", err
	}
	if s.deps.EmbedDim > 0 && len(embedding) != s.deps.EmbedDim {
		err := fmt.Errorf("indexing: embedding dim %d != expected %d", len(embedding), s.deps.EmbedDim)
		s.deadLetterEnriched(ctx, post.ID, tenantID, events.ReasonEmbedDimMismatch, err)
		return domain.StateFailed, "", err
	}

	if err := s.deps.Vector.EnsureCollection(ctx, tenantID, len(embedding)); err != nil {
		return domain.StateFailed, "", fmt.Errorf("indexing: ensure collection: %w", err)
	}
	payload := semantic.Payload{
		PostID:    post.ID,
		TenantID:  tenantID,
		ChannelID: post.ChannelID,
		TextShort: truncate(post.Text, maxTextShortChars),
		Tags:      tags,
		HasVision: vision != nil,
		HasCrawl:  crawl != nil,
	}
	if hasMeme, ok := vision["is_meme"].(bool); ok {
		payload.HasMeme = hasMeme
	}
	if err := s.deps.Vector.Upsert(ctx, tenantID, semantic.VectorRecord{ID: post.ID, Embedding: embedding, Payload: payload}); err != nil {
		return domain.StateFailed, "", fmt.Errorf("indexing: upsert vector: %w", err)
	}
	if s.embedCompleted != nil {
		s.embedCompleted.Inc()
	}
	return domain.StateCompleted, post.ID, nil
}

func (s *Stage) deadLetterEnriched(ctx context.Context, postID, tenantID, reason string, cause error) {
	payload, _ := json.Marshal(map[string]any{"post_id": postID, "tenant_id": tenantID})
	if err := s.deps.Events.DeadLetter(ctx, events.TopicPostsEnriched, payload, reason, events.DeadLetterDetail{"error": cause.Error()}); err != nil {
		s.log.Warn("dead-letter failed", "error", err, "post_id", postID)
	}
	if s.dlq != nil {
		s.dlq.Inc()
	}
}

// composeEmbeddingText builds the priority-ordered, capped, deduplicated
// embedding input describes.
func (s *Stage) composeEmbeddingText(ctx context.Context, post pgstore.PostRef, vision, crawl map[string]any) string {
	var parts []string
	parts = append(parts, truncate(post.Text, maxTextChars))

	if vision != nil {
		if desc, ok := vision["description"].(string); ok {
			parts = append(parts, truncate(desc, maxVisionDescChars))
		}
		if ocr, ok := vision["ocr_text"].(string); ok {
			// the vision payload carries a single ocr_text field; there
			// is no "text_enhanced" variant to prefer.
			parts = append(parts, truncate(ocr, maxVisionOCRChars))
		}
	}

	if crawl != nil {
		if excerpt := s.loadCrawlExcerpt(ctx, crawl); excerpt != "" {
			parts = append(parts, truncate(excerpt, maxCrawlChars))
		}
	}

	return normalizeAndDedup(parts)
}

func (s *Stage) loadCrawlExcerpt(ctx context.Context, crawl map[string]any) string {
	key, ok := crawl["s3_key"].(string)
	if !ok || key == "" {
		return ""
	}
	blob, err := s.deps.Objects.Get(ctx, key)
	if err != nil {
		s.log.Warn("indexing: fetch crawl blob failed", "error", err, "key", key)
		return ""
	}
	r, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return ""
	}
	defer r.Close()
	text, err := io.ReadAll(r)
	if err != nil {
		return ""
	}
	return string(text)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func normalizeAndDedup(parts []string) string {
	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		norm := normalizeWhitespace(p)
		if norm == "" {
			continue
		}
		key := strings.ToLower(norm)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, norm)
	}
	return strings.Join(out, "\n")
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// --- Graph phase ---

func (s *Stage) runGraphWrite(ctx context.Context, tenantID string, post pgstore.PostRef, tags []string, vision, crawl map[string]any) (domain.ProcessingState, int, int, error) {
	doc := graph.Document{
		Post: graph.PostNode{
			ID:        post.ID,
			TenantID:  tenantID,
			ChannelID: post.ChannelID,
			PostedAt:  post.PostedAt,
			ExpiresAt: post.PostedAt.AddDate(0, 0, s.postExpiresDays()),
		},
		Tags: tags,
	}

	if media, err := s.deps.Store.GetPostMedia(ctx, post.ID); err == nil {
		for _, m := range media {
			doc.Images = append(doc.Images, graph.ImageRef{SHA256: m.SHA256, Mime: m.Mime})
		}
	}
	if crawl != nil {
		if url, ok := crawl["url"].(string); ok {
			if hash, ok := crawl["url_hash"].(string); ok {
				doc.WebPages = append(doc.WebPages, graph.WebPageRef{URLHash: hash, URL: url})
			}
		}
	}
	if vision != nil {
		if ocr, ok := vision["ocr_text"].(string); ok {
			doc.Entities = extractEntities(ocr)
		}
	}
	if albumID, ok, err := s.deps.Store.ResolveAlbumForPost(ctx, post.ID); err == nil && ok {
		doc.AlbumID = albumID
	}

	if len(doc.Tags) == 0 && len(doc.Images) == 0 && len(doc.WebPages) == 0 && len(doc.Entities) == 0 && doc.AlbumID == "" {
		if s.skipped != nil {
			s.skipped.Inc()
		}
		return domain.StateSkipped, 0, 0, nil
	}

	start := time.Now()
	nodes, edges, err := s.deps.Graph.WriteDocument(ctx, doc)
	if s.graphLat != nil {
		s.graphLat.Observe(float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		s.deadLetterEnriched(ctx, post.ID, tenantID, events.ReasonNeo4jFail, err)
		return domain.StateFailed, 0, 0, err
	}
	if s.graphCompleted != nil {
		s.graphCompleted.Inc()
	}
	return domain.StateCompleted, nodes, edges, nil
}

func (s *Stage) postExpiresDays() int {
	if s.deps.GraphCfg.PostExpiresDays > 0 {
		return s.deps.GraphCfg.PostExpiresDays
	}
	return 30
}

const maxEntities = 10

func extractEntities(text string) []string {
	matches := entityPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		key := strings.ToLower(m)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
		if len(out) >= maxEntities {
			break
		}
	}
	return out
}

func (s *Stage) publishIndexed(ctx context.Context, tenantID, traceID, postID, vectorID string, nodes, edges int) error {
	base, err := events.NewBase(traceID, "indexing:"+postID, time.Now())
	if err != nil {
		return fmt.Errorf("indexing: build envelope: %w", err)
	}
	indexed := events.PostsIndexed{
		Base:              base,
		PostID:            postID,
		TenantID:          tenantID,
		VectorID:          vectorID,
		EmbeddingProvider: "ollama",
		EmbeddingDim:      s.deps.EmbedDim,
		QdrantCollection:  semantic.CollectionName(tenantID),
		GraphNodesWritten: nodes,
		GraphEdgesWritten: edges,
	}
	data, err := events.EncodeTenanted(indexed, tenantID)
	if err != nil {
		return fmt.Errorf("indexing: encode posts.indexed: %w", err)
	}
	if _, err := s.deps.Events.Publish(ctx, events.TopicPostsIndexed, events.TopicPostsIndexed, data); err != nil {
		return fmt.Errorf("indexing: publish posts.indexed: %w", err)
	}
	return nil
}

// maintainIfDue periodically trims the log using the minimum pending ID
// across consumer groups and reclaims stale PEL entries.
func (s *Stage) maintainIfDue(ctx context.Context) {
	if time.Since(s.lastMaintenance) < maintenanceEvery {
		return
	}
	s.lastMaintenance = time.Now()

	if minID, ok, err := s.deps.Events.MinPendingID(ctx, events.TopicPostsEnriched); err == nil && ok {
		if err := s.deps.Events.Trim(ctx, events.TopicPostsEnriched, minID); err != nil {
			s.log.Warn("trim failed", "error", err, "topic", events.TopicPostsEnriched)
		}
	}
	if _, err := s.deps.Events.Reclaim(ctx, events.TopicPostsEnriched, consumerGroup, "indexing-maintenance", reclaimMinIdle, 100); err != nil {
		s.log.Warn("reclaim failed", "error", err, "topic", events.TopicPostsEnriched)
	}
}
