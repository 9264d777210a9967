// Package pgstore is the atomic batch writer: one transaction
// that upserts identity/membership, channel, gates on an active
// subscription, and bulk-merges posts with monotonic counters — a
// repository layer wrapping pgx behind a typed Go API.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ilyasni/postpipe/engine/domain"
	"github.com/ilyasni/postpipe/pkg/metrics"
)

// FailureReason classifies a failed batch save the way the source's
// _classify_error does, for low-cardinality metrics labels.
type FailureReason string

const (
	ReasonFKViolation      FailureReason = "fk_violation"
	ReasonTimeout          FailureReason = "timeout"
	ReasonConnectionError  FailureReason = "connection_error"
	ReasonDuplicateKey     FailureReason = "duplicate_key"
	ReasonPermissionDenied FailureReason = "permission_denied"
	ReasonNoSubscription   FailureReason = "no_subscription"
	ReasonSubInactive      FailureReason = "subscription_inactive"
	ReasonUnknown          FailureReason = "unknown"
)

// Store is the pgx-backed atomic batch writer.
type Store struct {
	pool *pgxpool.Pool

	commitLatency  *metrics.Histogram
	insertSuccess  *metrics.Counter
	insertFailures map[FailureReason]*metrics.Counter
	rollbacks      map[FailureReason]*metrics.Counter
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool, reg *metrics.Registry) *Store {
	s := &Store{
		pool:           pool,
		commitLatency:  reg.Histogram("pgstore_batch_commit_latency_seconds", "Atomic batch commit latency", nil),
		insertSuccess:  reg.Counter("pgstore_posts_insert_success_total", "Successful post upserts"),
		insertFailures: map[FailureReason]*metrics.Counter{},
		rollbacks:      map[FailureReason]*metrics.Counter{},
	}
	for _, r := range []FailureReason{
		ReasonFKViolation, ReasonTimeout, ReasonConnectionError, ReasonDuplicateKey,
		ReasonPermissionDenied, ReasonNoSubscription, ReasonSubInactive, ReasonUnknown,
	} {
		s.insertFailures[r] = reg.Counter(
			metrics.WithLabels("pgstore_posts_insert_failures_total", "reason", string(r)),
			"Failed post upserts by reason")
		s.rollbacks[r] = reg.Counter(
			metrics.WithLabels("pgstore_transaction_rollbacks_total", "reason", string(r)),
			"Transaction rollbacks by reason")
	}
	return s
}

// IdentityDescriptor is the (tenant, platform user) pair to upsert.
type IdentityDescriptor struct {
	TenantID          string
	PlatformUserID    int64
	Username          string
	FirstName         string
	LastName          string
	Tier              string
}

// ChannelDescriptor is the platform channel to upsert.
type ChannelDescriptor struct {
	PlatformChannelID int64
	Title             string
	Username          string
	IsActive          bool
}

// BatchResult is the outcome of SaveBatchAtomic.
type BatchResult struct {
	Success        bool
	Reason         FailureReason
	ProcessedCount int
	// NewOrChanged holds the post IDs whose content actually changed
	// (xmax=0 inserts, or updates where content differed) — the only
	// ones that should re-emit posts.parsed.
	NewOrChanged []string
}

var ErrNoPosts = errors.New("pgstore: empty post batch")

// SaveBatchAtomic performs the full C5 transaction: upsert identity +
// membership, upsert channel, gate on an active subscription (creating
// or activating one for system parsing against an active channel), then
// bulk-merge posts.
func (s *Store) SaveBatchAtomic(ctx context.Context, id IdentityDescriptor, ch ChannelDescriptor, posts []domain.Post) (BatchResult, error) {
	if len(posts) == 0 {
		return BatchResult{Success: true}, nil
	}

	start := time.Now()
	defer func() { s.commitLatency.Since(start) }()

	var result BatchResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, membershipID, err := upsertIdentityAndMembership(ctx, tx, id)
		if err != nil {
			return err
		}
		channelID, err := upsertChannel(ctx, tx, ch)
		if err != nil {
			return err
		}

		active, err := ensureSubscription(ctx, tx, membershipID, channelID, ch.IsActive)
		if err != nil {
			return err
		}
		if !active {
			if _, subErr := subscriptionRow(ctx, tx, membershipID, channelID); subErr == pgx.ErrNoRows {
				result = BatchResult{Reason: ReasonNoSubscription}
			} else {
				result = BatchResult{Reason: ReasonSubInactive}
			}
			return nil
		}

		newOrChanged, processed, err := bulkUpsertPosts(ctx, tx, channelID, posts)
		if err != nil {
			return err
		}
		result = BatchResult{Success: true, ProcessedCount: processed, NewOrChanged: newOrChanged}
		return nil
	})

	if err != nil {
		reason := classifyError(err)
		s.insertFailures[reason].Inc()
		s.rollbacks[reason].Inc()
		return BatchResult{Reason: reason}, err
	}
	if !result.Success {
		s.insertFailures[result.Reason].Inc()
		return result, nil
	}

	s.insertSuccess.Add(int64(result.ProcessedCount))
	return result, nil
}

func upsertIdentityAndMembership(ctx context.Context, tx pgx.Tx, id IdentityDescriptor) (identityID, membershipID string, err error) {
	err = tx.QueryRow(ctx, `
		INSERT INTO identities (platform_user_id, username, first_name, last_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform_user_id) DO UPDATE SET
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name
		RETURNING id
	`, id.PlatformUserID, id.Username, id.FirstName, id.LastName).Scan(&identityID)
	if err != nil {
		return "", "", fmt.Errorf("pgstore: upsert identity: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO memberships (tenant_id, identity_id, tier)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, identity_id) DO UPDATE SET tier = EXCLUDED.tier
		RETURNING id
	`, id.TenantID, identityID, nonEmpty(id.Tier, "free")).Scan(&membershipID)
	if err != nil {
		return "", "", fmt.Errorf("pgstore: upsert membership: %w", err)
	}
	return identityID, membershipID, nil
}

func upsertChannel(ctx context.Context, tx pgx.Tx, ch ChannelDescriptor) (channelID string, err error) {
	err = tx.QueryRow(ctx, `
		INSERT INTO channels (platform_channel_id, title, username, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform_channel_id) DO UPDATE SET
			title = EXCLUDED.title,
			username = EXCLUDED.username,
			is_active = EXCLUDED.is_active
		RETURNING id
	`, ch.PlatformChannelID, ch.Title, normalizeUsername(ch.Username), ch.IsActive).Scan(&channelID)
	if err != nil {
		return "", fmt.Errorf("pgstore: upsert channel: %w", err)
	}
	return channelID, nil
}

// ensureSubscription implements the system-parsing auto-activation rule
//: if no subscription exists (or it is inactive) and
// the channel is active, create/activate one; otherwise leave it as is.
func ensureSubscription(ctx context.Context, tx pgx.Tx, membershipID, channelID string, channelActive bool) (active bool, err error) {
	row := tx.QueryRow(ctx, `SELECT is_active FROM subscriptions WHERE user_id = $1 AND channel_id = $2`, membershipID, channelID)
	err = row.Scan(&active)
	switch {
	case err == pgx.ErrNoRows:
		if !channelActive {
			return false, nil
		}
	case err != nil:
		return false, fmt.Errorf("pgstore: read subscription: %w", err)
	case active:
		return true, nil
	case !channelActive:
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (user_id, channel_id, is_active, subscribed_at, settings)
		VALUES ($1, $2, true, now(), '{}'::jsonb)
		ON CONFLICT (user_id, channel_id) DO UPDATE SET
			is_active = true,
			subscribed_at = COALESCE(subscriptions.subscribed_at, now())
	`, membershipID, channelID)
	if err != nil {
		return false, fmt.Errorf("pgstore: activate subscription: %w", err)
	}
	return true, nil
}

func subscriptionRow(ctx context.Context, tx pgx.Tx, membershipID, channelID string) (bool, error) {
	var active bool
	err := tx.QueryRow(ctx, `SELECT is_active FROM subscriptions WHERE user_id = $1 AND channel_id = $2`, membershipID, channelID).Scan(&active)
	return active, err
}

// bulkUpsertPosts merges posts_data via ON CONFLICT DO UPDATE, using
// GREATEST for monotonic counters and COALESCE(NULLIF(...)) for text
// fields so a blank re-delivery never clobbers prior content. RETURNING
// (xmax=0) AS inserted distinguishes genuinely new/content-changed rows
// from no-op re-deliveries, so the caller only re-publishes posts.parsed
// for those.
func bulkUpsertPosts(ctx context.Context, tx pgx.Tx, channelID string, posts []domain.Post) (newOrChanged []string, processed int, err error) {
	for _, p := range posts {
		mediaURLs, marshalErr := json.Marshal(p.MediaURLs)
		if marshalErr != nil {
			return nil, processed, fmt.Errorf("pgstore: marshal media_urls: %w", marshalErr)
		}

		var postID string
		var inserted bool
		var priorContentHash string
		_ = tx.QueryRow(ctx, `SELECT content_hash FROM posts WHERE channel_id = $1 AND platform_message_id = $2`,
			channelID, p.PlatformMessageID).Scan(&priorContentHash)
		scanErr := tx.QueryRow(ctx, `
			INSERT INTO posts (
				channel_id, platform_message_id, content, content_hash, media_urls,
				posted_at, has_media, views_count, forwards_count, reactions_count,
				replies_count, is_pinned, is_edited, edited_at, grouped_id
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
			)
			ON CONFLICT (channel_id, platform_message_id) DO UPDATE SET
				content = COALESCE(NULLIF(EXCLUDED.content, ''), posts.content),
				content_hash = COALESCE(NULLIF(EXCLUDED.content_hash, ''), posts.content_hash),
				media_urls = COALESCE(EXCLUDED.media_urls, posts.media_urls),
				has_media = COALESCE(EXCLUDED.has_media, posts.has_media),
				views_count = GREATEST(posts.views_count, EXCLUDED.views_count),
				forwards_count = GREATEST(posts.forwards_count, EXCLUDED.forwards_count),
				reactions_count = GREATEST(posts.reactions_count, EXCLUDED.reactions_count),
				replies_count = GREATEST(posts.replies_count, EXCLUDED.replies_count),
				is_pinned = COALESCE(EXCLUDED.is_pinned, posts.is_pinned),
				is_edited = COALESCE(EXCLUDED.is_edited, posts.is_edited),
				edited_at = COALESCE(EXCLUDED.edited_at, posts.edited_at),
				grouped_id = COALESCE(EXCLUDED.grouped_id, posts.grouped_id)
			RETURNING id, (xmax = 0) AS inserted
		`,
			channelID, p.PlatformMessageID, p.Text, p.ContentHash, mediaURLs,
			p.PostedAt, p.HasMedia, p.Views, p.Forwards, p.Reactions,
			p.Replies, p.IsPinned, p.IsEdited, p.EditedAt, nullIfEmpty(p.GroupedID),
		).Scan(&postID, &inserted)
		if scanErr != nil {
			return nil, processed, fmt.Errorf("pgstore: upsert post: %w", scanErr)
		}
		processed++
		if inserted || priorContentHash != p.ContentHash {
			newOrChanged = append(newOrChanged, postID)
		}
	}
	return newOrChanged, processed, nil
}

// MediaRef mirrors events.MediaFileRef for the CAS writer without
// importing the events package (keeps pgstore leaf-level).
type MediaRef struct {
	SHA256    string
	S3Key     string
	MimeType  string
	SizeBytes int64
}

// SaveMediaToCAS upserts MediaObject rows (refs_count += 1 on conflict)
// and PostMediaMap rows (ON CONFLICT DO NOTHING). Failures here never
// roll back the caller's post transaction: media already
// lives durably in the blob store.
func (s *Store) SaveMediaToCAS(ctx context.Context, postID string, media []MediaRef, bucket string) error {
	if len(media) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin cas tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range media {
		if _, err := tx.Exec(ctx, `
			INSERT INTO media_objects (file_sha256, mime, size_bytes, s3_key, s3_bucket, first_seen_at, last_seen_at, refs_count)
			VALUES ($1, $2, $3, $4, $5, now(), now(), 1)
			ON CONFLICT (file_sha256) DO UPDATE SET
				last_seen_at = now(),
				refs_count = media_objects.refs_count + 1,
				s3_key = EXCLUDED.s3_key,
				s3_bucket = EXCLUDED.s3_bucket
		`, m.SHA256, m.MimeType, m.SizeBytes, m.S3Key, bucket); err != nil {
			return fmt.Errorf("pgstore: upsert media_object: %w", err)
		}
	}
	for i, m := range media {
		role := "attachment"
		if i == 0 {
			role = "primary"
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO post_media_map (post_id, file_sha256, position, role, uploaded_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (post_id, file_sha256) DO NOTHING
		`, postID, m.SHA256, i, role); err != nil {
			return fmt.Errorf("pgstore: insert post_media_map: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ForwardRef, ReactionRef, ReplyRef are the sidecar records for
// SaveForwardsReactionsReplies.
type ForwardRef struct {
	FromChatID     int64
	FromMessageID  int64
	FromChatTitle  string
	ForwardedAt    time.Time
}

type ReactionRef struct {
	ReactionType  string
	ReactionValue string
	UserPlatformID int64
	IsBig         bool
}

type ReplyRef struct {
	ReplyToPostID    string
	ReplyMessageID   int64
	ReplyChatID      int64
	ReplyContent     string
	ReplyPostedAt    time.Time
	ThreadID         int64
}

// SaveForwardsReactionsReplies persists the sidecar tables; it never
// aborts the caller's transaction on failure — it runs in
// its own best-effort transaction and swallows errors after logging.
func (s *Store) SaveForwardsReactionsReplies(ctx context.Context, postID string, forwards []ForwardRef, reactions []ReactionRef, replies []ReplyRef) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil //nolint:nilerr // best-effort sidecar, never fails the caller
	}
	defer tx.Rollback(ctx)

	for _, f := range forwards {
		tx.Exec(ctx, `
			INSERT INTO post_forwards (post_id, from_chat_id, from_message_id, from_chat_title, forwarded_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, postID, f.FromChatID, f.FromMessageID, f.FromChatTitle, f.ForwardedAt)
	}
	for _, r := range reactions {
		tx.Exec(ctx, `
			INSERT INTO post_reactions (post_id, reaction_type, reaction_value, user_platform_id, is_big)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (post_id, reaction_type, reaction_value, user_platform_id) DO UPDATE SET updated_at = now()
		`, postID, r.ReactionType, r.ReactionValue, r.UserPlatformID, r.IsBig)
	}
	for _, rp := range replies {
		tx.Exec(ctx, `
			INSERT INTO post_replies (post_id, reply_to_post_id, reply_message_id, reply_chat_id, reply_content, reply_posted_at, thread_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING
		`, postID, rp.ReplyToPostID, rp.ReplyMessageID, rp.ReplyChatID, rp.ReplyContent, rp.ReplyPostedAt, rp.ThreadID)
	}
	_ = tx.Commit(ctx)
	return nil
}

// MediaObjectRow is one media_objects row as read back for eviction
// scoring: the object store itself only tracks in-process byte usage,
// not refs_count/last_seen_at, so eviction candidates come from here.
type MediaObjectRow struct {
	SHA256     string
	S3Key      string
	SizeBytes  int64
	RefsCount  int64
	LastSeenAt time.Time
}

// EvictionCandidates returns up to limit media_objects rows, refs_count=0
// rows first and oldest last_seen_at within that, mirroring the ranking
// objstore.SelectEvictionCandidates re-applies client-side.
func (s *Store) EvictionCandidates(ctx context.Context, limit int) ([]MediaObjectRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT file_sha256, s3_key, size_bytes, refs_count, last_seen_at
		FROM media_objects
		ORDER BY (refs_count = 0) DESC, last_seen_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: query eviction candidates: %w", err)
	}
	defer rows.Close()

	var out []MediaObjectRow
	for rows.Next() {
		var r MediaObjectRow
		if err := rows.Scan(&r.SHA256, &r.S3Key, &r.SizeBytes, &r.RefsCount, &r.LastSeenAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan eviction candidate: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteMediaObject removes a media_objects row after its blob has been
// evicted from the bucket.
func (s *Store) DeleteMediaObject(ctx context.Context, sha256 string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM media_objects WHERE file_sha256 = $1`, sha256); err != nil {
		return fmt.Errorf("pgstore: delete media_object: %w", err)
	}
	return nil
}

func classifyError(err error) FailureReason {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return ReasonFKViolation
		case "23505":
			return ReasonDuplicateKey
		case "42501":
			return ReasonPermissionDenied
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonUnknown
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func normalizeUsername(u string) string {
	for len(u) > 0 && u[0] == '@' {
		u = u[1:]
	}
	return u
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
