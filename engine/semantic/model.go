package semantic

// Payload is the per-post Qdrant payload schema.
// Facets beyond the identifiers are best-effort: Trim drops them
// progressively when the serialised payload would exceed the 64 KiB cap.
type Payload struct {
	PostID    string   `json:"post_id"`
	TenantID  string   `json:"tenant_id"`
	ChannelID string   `json:"channel_id"`
	TextShort string   `json:"text_short,omitempty"`
	AlbumID   string   `json:"album_id,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	HasVision bool     `json:"has_vision,omitempty"`
	HasMeme   bool     `json:"has_meme,omitempty"`
	HasCrawl  bool     `json:"has_crawl,omitempty"`
}

// VectorRecord is one embedding + payload to upsert.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   Payload
}

const maxTextShortChars = 500

// facetDropOrder names, in the order they are stripped when the
// serialised payload exceeds 64 KiB, the facets calls optional
// ("facets are truncated first, then dropped entirely, preserving only
// the post identifiers and summary"). post_id/tenant_id/channel_id are
// never dropped.
var facetDropOrder = []string{"tags", "has_crawl", "has_meme", "has_vision", "album_id", "text_short"}
