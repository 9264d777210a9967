// Package kv wraps the shared Redis instance used as scheduler state
// across the pipeline 
// with small typed keyspaces so TTLs and key shapes are enforced in one
// place instead of being re-derived at every call site.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a thin typed wrapper over a *redis.Client.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Client returns the underlying client, e.g. for pkg/eventlog to share
// the same connection pool.
func (s *Store) Client() *redis.Client { return s.rdb }

// --- floodwait:{account}:{method} ---

func floodKey(account, method string) string {
	return fmt.Sprintf("floodwait:%s:%s", account, method)
}

// SetFloodWait records a flood-wait lock with TTL = wait + buffer; the
// stored value is the Unix time at which the wait ends.
func (s *Store) SetFloodWait(ctx context.Context, account, method string, wait, buffer time.Duration) error {
	return s.rdb.Set(ctx, floodKey(account, method), time.Now().Add(wait).Unix(), wait+buffer).Err()
}

// IsRateLimited reports whether a flood-wait lock is currently held.
func (s *Store) IsRateLimited(ctx context.Context, account, method string) (bool, error) {
	n, err := s.rdb.Exists(ctx, floodKey(account, method)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WaitTime returns the remaining wait recorded for a flood-wait lock.
// Returns (0, false, nil) when no lock is held.
func (s *Store) WaitTime(ctx context.Context, account, method string) (time.Duration, bool, error) {
	v, err := s.rdb.Get(ctx, floodKey(account, method)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	until, _ := strconv.ParseInt(v, 10, 64)
	remaining := time.Until(time.Unix(until, 0))
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true, nil
}

// --- channel:cooldown:{channel} ---

func cooldownKey(channel string) string { return "channel:cooldown:" + channel }

// SetCooldown puts a channel into cool-down for the given duration.
func (s *Store) SetCooldown(ctx context.Context, channel string, dur time.Duration) error {
	return s.rdb.Set(ctx, cooldownKey(channel), 1, dur).Err()
}

// IsInCooldown reports whether a channel is currently cooling down.
func (s *Store) IsInCooldown(ctx context.Context, channel string) (bool, error) {
	n, err := s.rdb.Exists(ctx, cooldownKey(channel)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- rate_limit:{user|channel|global}:{id}:{minute_bucket} ---

// slidingWindowScript performs an atomic INCR+EXPIRE so concurrent callers
// never race on the admission check.
var slidingWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// CheckRateLimit implements C4's sliding-window limiter. On Redis
// unavailability it degrades to Allowed=true  ("starving
// callers is worse than overshoot") — the caller should log a warning.
func (s *Store) CheckRateLimit(ctx context.Context, scope, id string, limitPerMinute int) (allowed bool, current int64, remaining int64, resetIn time.Duration, degraded bool, err error) {
	bucket := time.Now().UTC().Truncate(time.Minute).Unix()
	key := fmt.Sprintf("rate_limit:%s:%s:%d", scope, id, bucket)

	res, scriptErr := slidingWindowScript.Run(ctx, s.rdb, []string{key}, 60).Result()
	if scriptErr != nil {
		return true, 0, int64(limitPerMinute), time.Minute, true, scriptErr
	}
	n, _ := res.(int64)
	resetIn = time.Until(time.Unix(bucket, 0).Add(time.Minute))
	remaining = int64(limitPerMinute) - n
	if remaining < 0 {
		remaining = 0
	}
	return n <= int64(limitPerMinute), n, remaining, resetIn, false, nil
}

// --- vision_budget:{tenant}:{day}, TTL 25h ---

func visionBudgetKey(tenant string) string {
	return fmt.Sprintf("vision_budget:%s:%s", tenant, time.Now().UTC().Format("2006-01-02"))
}

// HasVisionBudget reports whether the tenant still has headroom under its
// daily token budget . A missing key reads
// as zero spend.
func (s *Store) HasVisionBudget(ctx context.Context, tenant string, dailyBudget int64) (bool, int64, error) {
	v, err := s.rdb.Get(ctx, visionBudgetKey(tenant)).Int64()
	if err != nil && err != redis.Nil {
		return false, 0, err
	}
	return v < dailyBudget, v, nil
}

// RecordVisionSpend adds the actual token cost of a completed analysis to
// today's per-tenant running total.
func (s *Store) RecordVisionSpend(ctx context.Context, tenant string, tokens int64) error {
	key := visionBudgetKey(tenant)
	n, err := s.rdb.IncrBy(ctx, key, tokens).Result()
	if err != nil {
		return err
	}
	if n == tokens {
		s.rdb.Expire(ctx, key, 25*time.Hour)
	}
	return nil
}

// --- album:state:{album_id}, TTL 6h ---

const AlbumStateTTL = 6 * time.Hour

func albumStateKey(albumID string) string { return "album:state:" + albumID }

// AlbumState mirrors the per-album accumulator describes.
type AlbumState struct {
	ItemsCount      int       `json:"items_count"`
	ItemsAnalyzed   []string  `json:"items_analyzed"`
	FirstAnalyzedAt time.Time `json:"first_analyzed_at,omitempty"`
	LastAnalyzedAt  time.Time `json:"last_analyzed_at,omitempty"`
}

// SetAlbumState writes the per-album accumulator with a 6h TTL.
func (s *Store) SetAlbumState(ctx context.Context, albumID string, st AlbumState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, albumStateKey(albumID), b, AlbumStateTTL).Err()
}

// GetAlbumState reads the per-album accumulator, if present.
func (s *Store) GetAlbumState(ctx context.Context, albumID string) (AlbumState, bool, error) {
	b, err := s.rdb.Get(ctx, albumStateKey(albumID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return AlbumState{}, false, nil
		}
		return AlbumState{}, false, err
	}
	var st AlbumState
	if err := json.Unmarshal(b, &st); err != nil {
		return AlbumState{}, false, err
	}
	return st, true, nil
}

// DeleteAlbumState removes the per-album accumulator once assembled
func (s *Store) DeleteAlbumState(ctx context.Context, albumID string) error {
	return s.rdb.Del(ctx, albumStateKey(albumID)).Err()
}

// --- vision:processed:{post}:{sha}, TTL 24h by default ---

func visionProcessedKey(postID, sha string) string {
	return fmt.Sprintf("vision:processed:%s:%s", postID, sha)
}

// MarkVisionProcessed records that (post, sha) has been analyzed, for the
// idempotency_skip fast path.
func (s *Store) MarkVisionProcessed(ctx context.Context, postID, sha string, ttl time.Duration) error {
	return s.rdb.Set(ctx, visionProcessedKey(postID, sha), 1, ttl).Err()
}

// IsVisionProcessed reports whether (post, sha) was already analyzed.
func (s *Store) IsVisionProcessed(ctx context.Context, postID, sha string) (bool, error) {
	n, err := s.rdb.Exists(ctx, visionProcessedKey(postID, sha)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- album_seen:{channel}:{grouped_id}, TTL 6h ---

func albumSeenKey(channel, groupedID string) string {
	return fmt.Sprintf("album_seen:%s:%s", channel, groupedID)
}

// MarkAlbumSeen records that an album's siblings have already been
// fetched, preventing the media processor from re-scanning it.
func (s *Store) MarkAlbumSeen(ctx context.Context, channel, groupedID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, albumSeenKey(channel, groupedID), 1, ttl).Err()
}

// IsAlbumSeen reports whether an album's siblings were already fetched.
func (s *Store) IsAlbumSeen(ctx context.Context, channel, groupedID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, albumSeenKey(channel, groupedID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- crawlcache:{sha256(canonical_url)}, TTL 7d by default ---

func crawlCacheKey(urlHash string) string { return "crawlcache:" + urlHash }

// MarkCrawled records that a canonical URL has already been crawled,
// backing the enrichment stage's cache_hit skip reason.
func (s *Store) MarkCrawled(ctx context.Context, urlHash string, ttl time.Duration) error {
	return s.rdb.Set(ctx, crawlCacheKey(urlHash), 1, ttl).Err()
}

// IsCrawled reports whether a canonical URL was already crawled recently.
func (s *Store) IsCrawled(ctx context.Context, urlHash string) (bool, error) {
	n, err := s.rdb.Exists(ctx, crawlCacheKey(urlHash)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- tagcache:{sha256(text)}, TTL 24h by default ---

func tagCacheKey(hash string) string { return "tagcache:" + hash }

// SetCachedTags stores a tagging result keyed by the caller's content
// hash, short-circuiting repeat AI calls for identical text.
func (s *Store) SetCachedTags(ctx context.Context, hash string, tags []string, ttl time.Duration) error {
	b, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, tagCacheKey(hash), b, ttl).Err()
}

// GetCachedTags looks up a previously cached tag list.
func (s *Store) GetCachedTags(ctx context.Context, hash string) ([]string, bool, error) {
	b, err := s.rdb.Get(ctx, tagCacheKey(hash)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	var tags []string
	if err := json.Unmarshal(b, &tags); err != nil {
		return nil, false, err
	}
	return tags, true, nil
}
