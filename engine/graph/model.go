// Package graph provides Neo4j knowledge-graph operations for the post
// graph: nodes and relationships for posts, channels, tags, topics,
// media, web pages and entities.
package graph

import "time"

// PostNode is the Post node keyed by post_id.
type PostNode struct {
	ID        string
	TenantID  string
	ChannelID string
	PostedAt  time.Time
	ExpiresAt time.Time
}

// Document bundles everything one indexing pass writes for a single
// post in one transaction: the Post node plus every relationship it
// carries (Channel, Tag/Topic, ImageContent, WebPage, Entity, Album).
type Document struct {
	Post PostNode

	Tags []string // one Tag node per tag, each also linked to a same-named Topic

	// Images is keyed by SHA-256; Mime may be empty when unknown.
	Images []ImageRef

	// WebPages is keyed by the canonicalised-URL hash (the crawl dedup
	// key).
	WebPages []WebPageRef

	// Entities are names parsed from OCR text.
	Entities []string

	// AlbumID links the post to its Album node, if it belongs to one.
	AlbumID string
}

// ImageRef is one attached media item addressed by its content hash.
type ImageRef struct {
	SHA256 string
	Mime   string
}

// WebPageRef is one crawled URL addressed by its canonical-form hash.
type WebPageRef struct {
	URLHash string
	URL     string
}

func postToMap(p PostNode) map[string]any {
	return map[string]any{
		"id":         p.ID,
		"tenant_id":  p.TenantID,
		"channel_id": p.ChannelID,
		"posted_at":  p.PostedAt.UTC().Format(time.RFC3339),
		"expires_at": p.ExpiresAt.UTC().Format(time.RFC3339),
	}
}
