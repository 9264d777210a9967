// Package events defines the versioned event envelopes that cross the
// log : a tagged union per topic, schema-validated at both
// publish and consume time, replacing the source's dynamic untyped dict
// payloads.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ilyasni/postpipe/engine/domain"
)

// SchemaVersion is the default schema_version stamped on new envelopes.
const SchemaVersion = "v1"

// Base is embedded by every event payload.
type Base struct {
	SchemaVersion  string    `json:"schema_version"`
	TraceID        string    `json:"trace_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// NewBase builds a Base, generating TraceID if absent and stamping
// OccurredAt at UTC now semantics (callers pass occurredAt explicitly so
// the function stays deterministic/testable).
func NewBase(traceID, idempotencyKey string, occurredAt time.Time) (Base, error) {
	if err := domain.RequireIdempotencyKey(idempotencyKey); err != nil {
		return Base{}, err
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return Base{
		SchemaVersion:  SchemaVersion,
		TraceID:        traceID,
		OccurredAt:     occurredAt.UTC(),
		IdempotencyKey: idempotencyKey,
	}, nil
}

// Trigger distinguishes why a posts.tagged event fired.
type Trigger string

const (
	TriggerInitial     Trigger = "initial"
	TriggerVisionRetag Trigger = "vision_retag"
	TriggerManual      Trigger = "manual"
)

// VisionSkipReason enumerates posts.vision.skipped reasons.
type VisionSkipReason string

const (
	VisionSkipS3Missing         VisionSkipReason = "s3_missing"
	VisionSkipFormatUnsupported VisionSkipReason = "format_unsupported"
	VisionSkipBudgetExhausted   VisionSkipReason = "budget_exhausted"
	VisionSkipQuotaExceeded     VisionSkipReason = "quota_exceeded"
	VisionSkipIdempotency       VisionSkipReason = "idempotency"
)

// EnrichSkipReason enumerates posts.enriched skip_reason values.
type EnrichSkipReason string

const (
	EnrichSkipNoURL          EnrichSkipReason = "no_url"
	EnrichSkipTagMismatch    EnrichSkipReason = "tag_mismatch"
	EnrichSkipBudgetExhausted EnrichSkipReason = "budget_exhausted"
	EnrichSkipCacheHit       EnrichSkipReason = "cache_hit"
)

// PostsParsed is posts.parsed(v1).
type PostsParsed struct {
	Base
	UserID              string   `json:"user_id"`
	ChannelID           string   `json:"channel_id"`
	PostID              string   `json:"post_id"`
	TenantID            string   `json:"tenant_id"`
	Text                string   `json:"text"`
	URLs                []string `json:"urls"`
	PostedAt            time.Time `json:"posted_at"`
	ContentHash         string   `json:"content_hash"`
	LinkCount           int      `json:"link_count"`
	MediaSHA256List     []string `json:"media_sha256_list"`
	PlatformMessageID   int64    `json:"platform_message_id"`
	PlatformChannelID   string   `json:"platform_channel_id"`
	HasMedia            bool     `json:"has_media"`
	IsForward           bool     `json:"is_forward"`
	IsReply             bool     `json:"is_reply"`
}

// PostsTagged is posts.tagged(v1).
type PostsTagged struct {
	Base
	PostID        string   `json:"post_id"`
	TenantID      string   `json:"tenant_id"`
	ChannelID     string   `json:"channel_id"`
	Tags          []string `json:"tags"`
	TagsHash      string   `json:"tags_hash"`
	Topics        []string `json:"topics"`
	Provider      string   `json:"provider"`
	LatencyMs     int64    `json:"latency_ms"`
	Trigger       Trigger  `json:"trigger"`
	VisionVersion string   `json:"vision_version,omitempty"`
}

// PostsEnriched is posts.enriched(v1).
type PostsEnriched struct {
	Base
	PostID             string            `json:"post_id"`
	TenantID           string            `json:"tenant_id"`
	Enrichment         map[string]any    `json:"enrichment,omitempty"`
	SourceURLs         []string          `json:"source_urls"`
	WordCount          int               `json:"word_count"`
	OriginalWordCount  int               `json:"original_word_count"`
	Skipped            bool              `json:"skipped"`
	SkipReason         EnrichSkipReason  `json:"skip_reason,omitempty"`
	CrawlDurationMs    int64             `json:"crawl_duration_ms"`
	PolicyApplied      string            `json:"policy_applied"`
	QualityScore       float64           `json:"quality_score"`
}

// PostsIndexed is posts.indexed(v1).
type PostsIndexed struct {
	Base
	PostID            string        `json:"post_id"`
	TenantID          string        `json:"tenant_id"`
	VectorID          string        `json:"vector_id"`
	EmbeddingProvider string        `json:"embedding_provider"`
	EmbeddingDim      int           `json:"embedding_dim"`
	QdrantCollection  string        `json:"qdrant_collection"`
	GraphNodesWritten int           `json:"graph_nodes_written"`
	GraphEdgesWritten int           `json:"graph_edges_written"`
	EmbedDurationMs   int64         `json:"embed_duration_ms"`
	GraphDurationMs   int64         `json:"graph_duration_ms"`
}

// MediaFileRef describes one uploaded media item.
type MediaFileRef struct {
	SHA256    string `json:"sha256"`
	S3Key     string `json:"s3_key"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// PostsVisionUploaded is posts.vision.uploaded(v1).
type PostsVisionUploaded struct {
	Base
	TenantID      string         `json:"tenant_id"`
	PostID        string         `json:"post_id"`
	MediaFiles    []MediaFileRef `json:"media_files"`
	RequiresVision bool          `json:"requires_vision"`
}

// VisionResult is the structured per-media vision payload.
type VisionResult struct {
	Classification string   `json:"classification"`
	Description    string   `json:"description"`
	Labels         []string `json:"labels"`
	Objects        []string `json:"objects"`
	IsMeme         bool     `json:"is_meme"`
	OCRText        string   `json:"ocr_text,omitempty"`
	NSFWScore      float64  `json:"nsfw_score,omitempty"`
	AestheticScore float64  `json:"aesthetic_score,omitempty"`
	DominantColors []string `json:"dominant_colors,omitempty"`
}

// PostsVisionAnalyzed is posts.vision.analyzed(v1).
type PostsVisionAnalyzed struct {
	Base
	TenantID           string         `json:"tenant_id"`
	PostID             string         `json:"post_id"`
	Media              []MediaFileRef `json:"media"`
	Vision             VisionResult   `json:"vision"`
	AnalysisDurationMs int64          `json:"analysis_duration_ms"`
	VisionVersion      string         `json:"vision_version,omitempty"`
	FeaturesHash       string         `json:"features_hash"`
}

// PostsVisionSkipped is posts.vision.skipped(v1).
type PostsVisionSkipped struct {
	Base
	TenantID string             `json:"tenant_id"`
	PostID   string             `json:"post_id"`
	Reasons  []VisionSkipReason `json:"reasons"`
}

// AlbumsParsed is albums.parsed(v1).
type AlbumsParsed struct {
	Base
	AlbumID    string `json:"album_id"`
	TenantID   string `json:"tenant_id"`
	ChannelID  string `json:"channel_id"`
	ItemsCount int    `json:"items_count"`
}

// AlbumAssembled is album.assembled(v1).
type AlbumAssembled struct {
	Base
	AlbumID          string   `json:"album_id"`
	TenantID         string   `json:"tenant_id"`
	ItemsAnalyzed    int      `json:"items_analyzed"`
	MergedLabels     []string `json:"merged_labels"`
	HasMeme          bool     `json:"has_meme"`
	HasText          bool     `json:"has_text"`
	S3Key            string   `json:"s3_key"`
	AssemblyLagSeconds float64 `json:"assembly_lag_seconds"`
}

// --- Hash discipline ---

// ContentHash is the SHA-256 of normalised message text.
func ContentHash(text string) string {
	return sha256Hex(normalizeWhitespace(text))
}

// TagsHash is computed over the sorted, de-duplicated, non-empty tag
// set — stable under reordering.
func TagsHash(tags []string) string {
	norm := domain.NormalizeTagSet(tags)
	sorted := append([]string(nil), norm...)
	sort.Strings(sorted)
	return sha256Hex(strings.Join(sorted, "\x1f"))
}

// FeaturesHash covers the vision input features so a re-run that produces
// semantically identical features hashes identically.
func FeaturesHash(mediaSHAs []string, mimeTypes []string) string {
	sorted := append([]string(nil), mediaSHAs...)
	sort.Strings(sorted)
	parts := append(sorted, mimeTypes...)
	return sha256Hex(strings.Join(parts, "\x1f"))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// normalizeWhitespace collapses runs of whitespace, trims, and
// lowercases the result.
func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}
