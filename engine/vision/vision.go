// Package vision is the vision analyzer: consumes
// posts.vision.uploaded, gates on policy/budget/idempotency, calls the
// vision model for each eligible media file, and emits
// posts.vision.analyzed or posts.vision.skipped — adapted from the
// tagging stage's AI-adapter/cache-short-circuit shape, retargeted onto
// per-media image analysis with a per-tenant token budget gate.
package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyasni/postpipe/engine/domain"
	"github.com/ilyasni/postpipe/engine/events"
	"github.com/ilyasni/postpipe/engine/objstore"
	"github.com/ilyasni/postpipe/engine/pgstore"
	"github.com/ilyasni/postpipe/pkg/config"
	"github.com/ilyasni/postpipe/pkg/eventlog"
	"github.com/ilyasni/postpipe/pkg/fn"
	"github.com/ilyasni/postpipe/pkg/kv"
	"github.com/ilyasni/postpipe/pkg/metrics"
	"github.com/ilyasni/postpipe/pkg/ollama"
)

const (
	consumerGroup = "vision"
	prompt        = `Describe this image. Return strict JSON: {"classification": "...", "description": "...", "labels": [...], "objects": [...], "is_meme": bool, "ocr_text": "...", "nsfw_score": 0.0, "aesthetic_score": 0.0}. No commentary, JSON only.`

	maxDescriptionChars    = 2000
	maxListItems           = 25
	estimatedTokensPerCall = 700
)

// Adapter is the vision-model collaborator.
type Adapter interface {
	Generate(ctx context.Context, model, prompt string, opts ollama.GenerateOpts) (string, error)
}

// Deps bundles the collaborators the vision stage needs.
type Deps struct {
	Store    *pgstore.Store
	Objects  *objstore.Store
	KV       *kv.Store
	Events   *eventlog.Client
	Adapter  Adapter
	OCR      Adapter // fallback OCR-only adapter, used when Adapter is unreachable
	Model    string
	Provider string
	Cfg      config.Vision
	Logger   *slog.Logger
	Metrics  *metrics.Registry
}

// Stage runs the vision consumer loop.
type Stage struct {
	deps Deps
	log  *slog.Logger

	processed, analyzed, skipped, ocrFallbacks *metrics.Counter
	callLat                                    *metrics.Histogram
}

// New builds a Stage.
func New(deps Deps) *Stage {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Stage{deps: deps, log: log}
	if deps.Metrics != nil {
		s.processed = deps.Metrics.Counter("vision_processed_total", "Posts processed by the vision stage")
		s.analyzed = deps.Metrics.Counter("vision_analyzed_total", "Media items successfully analyzed")
		s.skipped = deps.Metrics.Counter("vision_skipped_total", "Posts skipped by the vision policy")
		s.ocrFallbacks = deps.Metrics.Counter("vision_ocr_fallback_total", "Times the OCR-only fallback ran")
		s.callLat = deps.Metrics.Histogram("vision_call_latency_seconds", "Vision model call latency", nil)
	}
	return s
}

// Run polls posts.vision.uploaded until ctx is cancelled.
func (s *Stage) Run(ctx context.Context, consumerName string) error {
	if err := s.deps.Events.EnsureGroup(ctx, events.TopicPostsVisionUploaded, consumerGroup); err != nil {
		return fmt.Errorf("vision: ensure group: %w", err)
	}
	handle := fn.TracedStage("vision.handle", func(ctx context.Context, m eventlog.Message) fn.Result[struct{}] {
		s.handle(ctx, m)
		return fn.Ok(struct{}{})
	})
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := s.deps.Events.Consume(ctx, events.TopicPostsVisionUploaded, consumerGroup, consumerName, 8, 5*time.Second)
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
		if err := s.deps.Events.Ack(ctx, events.TopicPostsVisionUploaded, consumerGroup, m.ID); err != nil {
			s.log.Warn("ack failed", "error", err, "id", m.ID)
		}
	}()

	evt, err := events.Decode[events.PostsVisionUploaded](m.Fields.Data)
	if err != nil {
		s.log.Warn("decode posts.vision.uploaded failed", "error", err, "id", m.ID)
		return
	}
	if err := s.analyzePost(ctx, evt); err != nil {
		s.log.Warn("analyze post failed", "error", err, "post_id", evt.PostID)
	}
	if s.processed != nil {
		s.processed.Inc()
	}
}

// analyzePost implements policy → budget → idempotency →
// analyze flow.
func (s *Stage) analyzePost(ctx context.Context, evt events.PostsVisionUploaded) error {
	if !evt.RequiresVision || len(evt.MediaFiles) == 0 {
		return s.publishSkipped(ctx, evt, events.VisionSkipFormatUnsupported)
	}

	if ok, _, err := s.deps.KV.HasVisionBudget(ctx, evt.TenantID, s.deps.Cfg.TokenBudgetPerTenantDaily); err == nil && !ok {
		return s.publishSkipped(ctx, evt, events.VisionSkipBudgetExhausted)
	}

	files := evt.MediaFiles
	if max := s.deps.Cfg.MaxMediaPerPost; max > 0 && len(files) > max {
		files = files[:max]
	}

	var (
		labels, objects []string
		lastResult      events.VisionResult
		ocrTexts        []string
		anyAnalyzed     bool
		shas            []string
		mimeTypes       []string
	)
	start := time.Now()

	for _, f := range files {
		shas = append(shas, f.SHA256)
		mimeTypes = append(mimeTypes, f.MimeType)

		if already, err := s.alreadyProcessed(ctx, evt.PostID, f.SHA256); err == nil && already {
			continue
		}

		blob, err := s.deps.Objects.Get(ctx, f.S3Key)
		if err != nil {
			s.log.Warn("download vision blob failed", "error", err, "sha", f.SHA256)
			continue
		}

		raw, err := s.generate(ctx, blob)
		if err != nil {
			s.log.Warn("vision adapter failed", "error", err, "sha", f.SHA256)
			continue
		}

		result, err := parseResult(raw)
		if err != nil {
			s.log.Warn("vision result did not validate", "error", err, "sha", f.SHA256)
			continue
		}

		lastResult = result
		labels = append(labels, result.Labels...)
		objects = append(objects, result.Objects...)
		if result.OCRText != "" {
			ocrTexts = append(ocrTexts, result.OCRText)
		}
		anyAnalyzed = true

		if err := s.persistResult(ctx, evt, f, result); err != nil {
			s.log.Warn("persist vision result failed", "error", err, "sha", f.SHA256)
		}
		_ = s.deps.KV.MarkVisionProcessed(ctx, evt.PostID, f.SHA256, s.deps.Cfg.IdempotencyTTL)
	}

	if s.callLat != nil {
		s.callLat.Since(start)
	}
	_ = s.deps.KV.RecordVisionSpend(ctx, evt.TenantID, int64(len(files))*estimatedTokensPerCall)

	if !anyAnalyzed {
		return s.publishSkipped(ctx, evt, events.VisionSkipIdempotency)
	}

	merged := events.VisionResult{
		Classification: lastResult.Classification,
		Description:    truncate(lastResult.Description, maxDescriptionChars),
		Labels:         dedupCap(labels, maxListItems),
		Objects:        dedupCap(objects, maxListItems),
		IsMeme:         lastResult.IsMeme,
		OCRText:        truncate(strings.Join(ocrTexts, "\n"), maxDescriptionChars),
		NSFWScore:      lastResult.NSFWScore,
		AestheticScore: lastResult.AestheticScore,
	}

	if s.analyzed != nil {
		s.analyzed.Add(int64(len(files)))
	}
	return s.publishAnalyzed(ctx, evt, merged, time.Since(start).Milliseconds(), shas, mimeTypes)
}

func (s *Stage) alreadyProcessed(ctx context.Context, postID, sha string) (bool, error) {
	if hit, err := s.deps.KV.IsVisionProcessed(ctx, postID, sha); err == nil && hit {
		return true, nil
	}
	_, ok, err := s.deps.Store.GetEnrichment(ctx, postID, domain.EnrichmentVision)
	return ok, err
}

// generate calls the primary vision adapter, falling back to an
// OCR-only adapter when the primary is unreachable.
func (s *Stage) generate(ctx context.Context, image []byte) (string, error) {
	raw, err := s.deps.Adapter.Generate(ctx, s.deps.Model, prompt, ollama.GenerateOpts{Images: [][]byte{image}, JSONFormat: true})
	if err == nil {
		return raw, nil
	}
	if s.deps.OCR == nil {
		return "", err
	}
	if s.ocrFallbacks != nil {
		s.ocrFallbacks.Inc()
	}
	return s.deps.OCR.Generate(ctx, s.deps.Model, prompt, ollama.GenerateOpts{Images: [][]byte{image}, JSONFormat: true})
}

func (s *Stage) persistResult(ctx context.Context, evt events.PostsVisionUploaded, f events.MediaFileRef, result events.VisionResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("vision: encode result: %w", err)
	}
	ext := fmt.Sprintf("%s_%s_v1.json", s.deps.Provider, s.deps.Model)
	if _, err := s.deps.Objects.Put(ctx, evt.TenantID, objstore.KindVision, ext, payload); err != nil {
		return fmt.Errorf("vision: store blob: %w", err)
	}
	asMap := map[string]any{}
	if err := json.Unmarshal(payload, &asMap); err != nil {
		return fmt.Errorf("vision: decode result for storage: %w", err)
	}
	_, err = s.deps.Store.UpsertEnrichment(ctx, domain.PostEnrichment{
		PostID:  evt.PostID,
		Kind:    domain.EnrichmentVision,
		Payload: map[string]any{"sha256": f.SHA256, "provider": s.deps.Provider, "model": s.deps.Model, "result": asMap},
		Version: fmt.Sprintf("%s/%s/v1", s.deps.Provider, s.deps.Model),
	})
	return err
}

func (s *Stage) publishAnalyzed(ctx context.Context, evt events.PostsVisionUploaded, result events.VisionResult, durationMs int64, shas, mimeTypes []string) error {
	base, err := events.NewBase(evt.TraceID, "vision:"+evt.PostID, time.Now())
	if err != nil {
		return fmt.Errorf("vision: build envelope: %w", err)
	}
	analyzed := events.PostsVisionAnalyzed{
		Base:               base,
		TenantID:           evt.TenantID,
		PostID:             evt.PostID,
		Media:              evt.MediaFiles,
		Vision:             result,
		AnalysisDurationMs: durationMs,
		VisionVersion:      fmt.Sprintf("%s/%s/v1", s.deps.Provider, s.deps.Model),
		FeaturesHash:       events.FeaturesHash(shas, mimeTypes),
	}
	data, err := events.EncodeTenanted(analyzed, evt.TenantID)
	if err != nil {
		return fmt.Errorf("vision: encode posts.vision.analyzed: %w", err)
	}
	_, err = s.deps.Events.Publish(ctx, events.TopicPostsVisionAnalyzed, events.TopicPostsVisionAnalyzed, data)
	return err
}

func (s *Stage) publishSkipped(ctx context.Context, evt events.PostsVisionUploaded, reason events.VisionSkipReason) error {
	base, err := events.NewBase(evt.TraceID, "vision:skip:"+evt.PostID, time.Now())
	if err != nil {
		return fmt.Errorf("vision: build envelope: %w", err)
	}
	skippedEvt := events.PostsVisionSkipped{
		Base:     base,
		TenantID: evt.TenantID,
		PostID:   evt.PostID,
		Reasons:  []events.VisionSkipReason{reason},
	}
	data, err := events.EncodeTenanted(skippedEvt, evt.TenantID)
	if err != nil {
		return fmt.Errorf("vision: encode posts.vision.skipped: %w", err)
	}
	if _, err := s.deps.Events.Publish(ctx, events.TopicPostsVisionSkipped, events.TopicPostsVisionSkipped, data); err != nil {
		return fmt.Errorf("vision: publish posts.vision.skipped: %w", err)
	}
	if s.skipped != nil {
		s.skipped.Inc()
	}
	return nil
}

// parseResult validates the model's raw JSON against the strict schema
// bounds requires (description length, list sizes, score
// ranges).
func parseResult(raw string) (events.VisionResult, error) {
	var r events.VisionResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return events.VisionResult{}, fmt.Errorf("invalid vision JSON: %w", err)
	}
	if r.NSFWScore < 0 || r.NSFWScore > 1 {
		r.NSFWScore = 0
	}
	if r.AestheticScore < 0 || r.AestheticScore > 1 {
		r.AestheticScore = 0
	}
	r.Description = truncate(r.Description, maxDescriptionChars)
	r.Labels = dedupCap(r.Labels, maxListItems)
	r.Objects = dedupCap(r.Objects, maxListItems)
	return r, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func dedupCap(items []string, max int) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
		if len(out) >= max {
			break
		}
	}
	return out
}
