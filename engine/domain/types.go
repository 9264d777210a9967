// Package domain defines the core entities of the ingestion/enrichment
// pipeline and acts as the validation gate at pipeline entry points.
package domain

import "time"

// EnrichmentKind is the discriminator for PostEnrichment.kind.
type EnrichmentKind string

const (
	EnrichmentTags   EnrichmentKind = "tags"
	EnrichmentVision EnrichmentKind = "vision"
	EnrichmentCrawl  EnrichmentKind = "crawl"
)

// MediaRole distinguishes a post's primary media item from attachments.
type MediaRole string

const (
	MediaRolePrimary    MediaRole = "primary"
	MediaRoleAttachment MediaRole = "attachment"
)

// ProcessingState is the per-post per-phase indexing status.
type ProcessingState string

const (
	StatePending    ProcessingState = "pending"
	StateProcessing ProcessingState = "processing"
	StateCompleted  ProcessingState = "completed"
	StateSkipped    ProcessingState = "skipped"
	StateFailed     ProcessingState = "failed"
)

// Tenant is the isolation boundary: every record carries a TenantID and
// every query filters by it.
type Tenant struct {
	ID   string
	Name string
}

// Identity is one chat-platform user account, globally unique by
// platform ID, holding an encrypted session credential.
type Identity struct {
	ID                 string
	PlatformID         string
	EncryptedSession   []byte
	Authenticated      bool
	FailedReconnects   int
	LastReconnectReset time.Time
}

// Membership binds an Identity to a Tenant with a service tier.
type Membership struct {
	ID       string
	TenantID string
	IdentityID string
	Tier     string
}

// Channel is an observed chat-platform source, unique by PlatformID.
type Channel struct {
	ID             string
	TenantID       string
	PlatformID     string
	Title          string
	HighWaterMark  int64
	OnHold         bool
	InCooldownTTL  time.Time
}

// Subscription binds a Membership (user) to a Channel.
type Subscription struct {
	ID         string
	UserID     string
	ChannelID  string
	IsActive   bool
	Settings   map[string]any
}

// Post is one observed message, unique by (ChannelID, PlatformMessageID).
type Post struct {
	ID                string
	TenantID          string
	ChannelID         string
	PlatformMessageID int64
	Text              string
	ContentHash       string
	MediaURLs         []string
	PostedAt          time.Time
	HasMedia          bool
	IsForward         bool
	IsReply           bool
	IsPinned          bool
	Views             int64
	Reactions         int64
	Forwards          int64
	Replies           int64
	IsEdited          bool
	EditedAt          *time.Time
	IsProcessed       bool
	// GroupedID is the platform's media-group identifier (empty for
	// standalone posts), used by the media processor to detect albums.
	GroupedID string
}

// PostEnrichment is one row per (Post, Kind); the natural key is unique.
type PostEnrichment struct {
	PostID    string
	Kind      EnrichmentKind
	Payload   map[string]any
	Version   string // schema/provider/model triple, stably formatted
	UpdatedAt time.Time
}

// MediaObject is a content-addressed blob descriptor keyed by SHA-256.
type MediaObject struct {
	SHA256     string
	MimeType   string
	SizeBytes  int64
	BlobKey    string
	FirstSeen  time.Time
	LastSeen   time.Time
	RefsCount  int64
}

// PostMediaMap is the (Post, MediaObject, position) many-to-many link.
type PostMediaMap struct {
	PostID   string
	SHA256   string
	Position int
	Role     MediaRole
}

// Album (MediaGroup) is (Channel, PlatformGroupedID), unique.
type Album struct {
	ID                string
	ChannelID         string
	PlatformGroupedID string
	ItemsCount        int
	CoverSHA256       string
	Caption           string
	PostedAt          time.Time
}

// AlbumItem is (Album, Post, position).
type AlbumItem struct {
	AlbumID  string
	PostID   string
	Position int
}

// IndexingStatus is the per-post embedding/graph processing state.
type IndexingStatus struct {
	PostID                string
	EmbeddingStatus       ProcessingState
	GraphStatus           ProcessingState
	VectorID              string
	ErrorMessage          string
	ProcessingCompletedAt *time.Time
}

// Both reports whether embedding and graph phases reached the same
// terminal state (completed, or both skipped).
func (s IndexingStatus) Both(state ProcessingState) bool {
	return s.EmbeddingStatus == state && s.GraphStatus == state
}
