// Package objstore is the content-addressed object store:
// SHA-256-keyed blobs with per-tenant quota enforcement, eviction, and
// reads, layered directly over an S3-compatible bucket SDK. Reads are
// plain GetObject downloads; no presigned URLs are issued.
package objstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ilyasni/postpipe/pkg/config"
	"github.com/ilyasni/postpipe/pkg/metrics"
)

// Kind is the content-type category used for keying and per-type quota.
type Kind string

const (
	KindMedia  Kind = "media"
	KindVision Kind = "vision"
	KindCrawl  Kind = "crawl"
	KindAlbum  Kind = "album"
)

// Store is the S3-backed content-addressed object store.
type Store struct {
	s3     *s3.Client
	bucket string
	quota  config.Quota

	usage *usageTracker

	opBytes   *metrics.Counter
	opLatency *metrics.Histogram
}

// New creates a Store against bucket, enforcing the given quota limits.
func New(client *s3.Client, bucket string, quota config.Quota, reg *metrics.Registry) *Store {
	return &Store{
		s3:        client,
		bucket:    bucket,
		quota:     quota,
		usage:     newUsageTracker(),
		opBytes:   reg.Counter("objstore_bytes_total", "Total bytes written to the object store"),
		opLatency: reg.Histogram("objstore_op_latency_seconds", "Object store operation latency", nil),
	}
}

// KeyFor derives the canonical key for a blob given its content kind
func KeyFor(kind Kind, tenant, sha, ext string) string {
	switch kind {
	case KindMedia:
		prefix := sha
		if len(sha) >= 2 {
			prefix = sha[:2]
		}
		return fmt.Sprintf("media/%s/%s/%s.%s", tenant, prefix, sha, ext)
	case KindVision:
		// caller appends "{provider}_{model}_{schemaver}.json[.gz]" as ext
		return fmt.Sprintf("vision/%s/%s/%s", tenant, sha, ext)
	case KindCrawl:
		urlHashPrefix := sha
		if len(sha) >= 16 {
			urlHashPrefix = sha[:16]
		}
		return fmt.Sprintf("crawl/%s/%s.%s", tenant, urlHashPrefix, ext)
	case KindAlbum:
		return fmt.Sprintf("album/%s/%s_vision_summary_v1.%s", tenant, sha, ext)
	default:
		return fmt.Sprintf("%s/%s/%s.%s", kind, tenant, sha, ext)
	}
}

// SHA256Hex computes the content-addressing key for b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// QuotaDenialReason enumerates why CheckQuota denied admission.
type QuotaDenialReason string

const (
	ReasonBucketEmergency QuotaDenialReason = "bucket_emergency"
	ReasonTenantLimit     QuotaDenialReason = "tenant_limit"
	ReasonTypeLimit       QuotaDenialReason = "type_limit"
	ReasonObjectTooLarge  QuotaDenialReason = "object_too_large"
)

// QuotaDecision is CheckQuota's observable outcome.
type QuotaDecision struct {
	Allowed        bool
	Reason         QuotaDenialReason
	CurrentUsageGB float64
	TenantLimitGB  float64
}

const gib = 1 << 30

// CheckQuota performs the pre-upload admission check.
func (s *Store) CheckQuota(tenant string, size int64, kind Kind) QuotaDecision {
	totalBytes := s.usage.total()
	if float64(totalBytes+size)/gib > s.quota.BucketEmergencyGB {
		return QuotaDecision{
			Allowed:        false,
			Reason:         ReasonBucketEmergency,
			CurrentUsageGB: float64(totalBytes) / gib,
		}
	}

	tenantBytes := s.usage.tenant(tenant)
	tenantGB := float64(tenantBytes) / gib
	if tenantGB+float64(size)/gib > s.quota.PerTenantGB {
		return QuotaDecision{
			Allowed:        false,
			Reason:         ReasonTenantLimit,
			CurrentUsageGB: tenantGB,
			TenantLimitGB:  s.quota.PerTenantGB,
		}
	}

	maxObjectBytes := int64(s.quota.MaxObjectMediaMB * (1 << 20))
	if kind == KindVision || kind == KindCrawl {
		maxObjectBytes = int64(s.quota.MaxObjectVisionMB * (1 << 20))
	}
	if size > maxObjectBytes {
		return QuotaDecision{Allowed: false, Reason: ReasonObjectTooLarge}
	}

	typeBytes := s.usage.tenantType(tenant, kind)
	typeLimitGB := s.quota.PerTypeMediaGB
	switch kind {
	case KindVision:
		typeLimitGB = s.quota.PerTypeVisionGB
	case KindCrawl:
		typeLimitGB = s.quota.PerTypeCrawlGB
	}
	if float64(typeBytes+size)/gib > typeLimitGB {
		return QuotaDecision{
			Allowed:        false,
			Reason:         ReasonTypeLimit,
			CurrentUsageGB: float64(typeBytes) / gib,
			TenantLimitGB:  typeLimitGB,
		}
	}

	return QuotaDecision{Allowed: true, CurrentUsageGB: tenantGB, TenantLimitGB: s.quota.PerTenantGB}
}

// PutResult is the outcome of an idempotent content-addressed upload.
type PutResult struct {
	SHA256  string
	Key     string
	Size    int64
	Created bool // false means the blob already existed (no-op upload)
}

// ParseKey recovers a blob's content kind and tenant from its canonical
// key, the inverse of KeyFor's path layout.
func ParseKey(key string) (kind Kind, tenant string, ok bool) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) < 2 {
		return "", "", false
	}
	switch Kind(parts[0]) {
	case KindMedia, KindVision, KindCrawl, KindAlbum:
		return Kind(parts[0]), parts[1], true
	default:
		return "", "", false
	}
}

// Put uploads b under the canonical key for (kind, tenant, ext) iff it
// does not already exist; repeated Put of identical bytes is a no-op and
// returns the existing key (put(b) twice always yields the same key).
func (s *Store) Put(ctx context.Context, tenant string, kind Kind, ext string, b []byte) (PutResult, error) {
	start := time.Now()
	defer func() { s.opLatency.Since(start) }()

	sha := SHA256Hex(b)
	key := KeyFor(kind, tenant, sha, ext)

	exists, err := s.exists(ctx, key)
	if err != nil {
		return PutResult{}, fmt.Errorf("objstore: head %s: %w", key, err)
	}
	if exists {
		return PutResult{SHA256: sha, Key: key, Size: int64(len(b)), Created: false}, nil
	}

	_, err = s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(b),
	})
	if err != nil {
		return PutResult{}, fmt.Errorf("objstore: put %s: %w", key, err)
	}

	s.usage.add(tenant, kind, int64(len(b)))
	s.opBytes.Add(int64(len(b)))
	return PutResult{SHA256: sha, Key: key, Size: int64(len(b)), Created: true}, nil
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return false, nil
	}
	return false, err
}

// Get downloads the blob at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// EvictionCandidate is one descriptor considered during LRU eviction.
type EvictionCandidate struct {
	SHA256     string
	Key        string
	Kind       Kind
	Tenant     string
	Size       int64
	RefsCount  int64
	LastSeenAt time.Time
}

// evictionPriority ranks a candidate for eviction: refs_count = 0 first,
// then oldest last_seen_at, then content-type priority crawl > vision >
// media.
func evictionPriority(c EvictionCandidate) (int, int64, int) {
	refsRank := 1
	if c.RefsCount == 0 {
		refsRank = 0
	}
	typeRank := 2 // media
	switch c.Kind {
	case KindCrawl:
		typeRank = 0
	case KindVision:
		typeRank = 1
	}
	return refsRank, c.LastSeenAt.Unix(), typeRank
}

// SelectEvictionCandidates orders candidates by eviction priority: only
// refs_count = 0 blobs are ever legal to evict, so candidates with
// RefsCount > 0 are filtered out entirely.
func SelectEvictionCandidates(candidates []EvictionCandidate) []EvictionCandidate {
	legal := make([]EvictionCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.RefsCount == 0 {
			legal = append(legal, c)
		}
	}
	for i := 1; i < len(legal); i++ {
		j := i
		for j > 0 && less(legal[j], legal[j-1]) {
			legal[j], legal[j-1] = legal[j-1], legal[j]
			j--
		}
	}
	return legal
}

func less(a, b EvictionCandidate) bool {
	ar, at, atyp := evictionPriority(a)
	br, bt, btyp := evictionPriority(b)
	if ar != br {
		return ar < br
	}
	if at != bt {
		return at < bt
	}
	return atyp < btyp
}

// Evict deletes the blob at key from the bucket and subtracts size from
// the usage tracker; the durable descriptor row is dropped by the
// EvictionSink, not here.
func (s *Store) Evict(ctx context.Context, tenant string, kind Kind, key string, size int64) error {
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objstore: evict %s: %w", key, err)
	}
	s.usage.sub(tenant, kind, size)
	return nil
}

// UsageGB returns the bucket's current in-process usage estimate.
func (s *Store) UsageGB() float64 { return float64(s.usage.total()) / gib }

// EvictionSource loads up to limit eviction candidates from durable
// storage (the object store only tracks in-process byte usage, not
// refs_count/last_seen_at).
type EvictionSource func(ctx context.Context, limit int) ([]EvictionCandidate, error)

// EvictionSink runs after a candidate's blob has been deleted from the
// bucket, to drop its durable CAS row.
type EvictionSink func(ctx context.Context, c EvictionCandidate) error

const evictionBatchSize = 50

// RunEvictionLoop periodically checks bucket usage against the emergency
// threshold and, while over it, evicts legal candidates (refs_count = 0,
// oldest first, crawl > vision > media) until usage drops back under the
// threshold or source runs dry. Runs until ctx is cancelled, matching the
// other stages' supervised consumer-loop shape.
func (s *Store) RunEvictionLoop(ctx context.Context, interval time.Duration, source EvictionSource, sink EvictionSink) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.evictUntilUnderQuota(ctx, source, sink); err != nil {
				return err
			}
		}
	}
}

func (s *Store) evictUntilUnderQuota(ctx context.Context, source EvictionSource, sink EvictionSink) error {
	for s.UsageGB() > s.quota.BucketEmergencyGB {
		candidates, err := source(ctx, evictionBatchSize)
		if err != nil {
			return fmt.Errorf("objstore: load eviction candidates: %w", err)
		}
		ranked := SelectEvictionCandidates(candidates)
		if len(ranked) == 0 {
			return nil // nothing legally evictable; emergency denial stays in effect
		}
		for _, c := range ranked {
			if s.UsageGB() <= s.quota.BucketEmergencyGB {
				return nil
			}
			if err := s.Evict(ctx, c.Tenant, c.Kind, c.Key, c.Size); err != nil {
				return fmt.Errorf("objstore: evict %s: %w", c.Key, err)
			}
			if sink != nil {
				if err := sink(ctx, c); err != nil {
					return fmt.Errorf("objstore: evict sink %s: %w", c.Key, err)
				}
			}
		}
	}
	return nil
}
