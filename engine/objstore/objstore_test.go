package objstore

import (
	"testing"
	"time"

	"github.com/ilyasni/postpipe/pkg/config"
)

func TestKeyForLayout(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindMedia, "media/t1/ab/abcd1234.jpg"},
		{KindCrawl, "crawl/t1/abcd1234567890ab.html"},
		{KindAlbum, "album/t1/abcd1234_vision_summary_v1.json"},
	}
	for _, c := range cases {
		var got string
		switch c.kind {
		case KindMedia:
			got = KeyFor(c.kind, "t1", "abcd1234", "jpg")
		case KindCrawl:
			got = KeyFor(c.kind, "t1", "abcd1234567890ab1234", "html")
		case KindAlbum:
			got = KeyFor(c.kind, "t1", "abcd1234", "json")
		}
		if got != c.want {
			t.Fatalf("KeyFor(%s) = %s, want %s", c.kind, got, c.want)
		}
	}
}

func TestCheckQuotaObjectTooLarge(t *testing.T) {
	s := &Store{quota: testQuota()}
	s.usage = newUsageTracker()
	d := s.CheckQuota("t1", 20<<20, KindMedia)
	if d.Allowed {
		t.Fatal("expected denial for oversized media object")
	}
	if d.Reason != ReasonObjectTooLarge {
		t.Fatalf("got reason %s, want %s", d.Reason, ReasonObjectTooLarge)
	}
}

func TestCheckQuotaPerTenantLimit(t *testing.T) {
	s := &Store{quota: testQuota()}
	s.usage = newUsageTracker()
	s.Seed("t1", KindMedia, int64(1.9*gib))

	d := s.CheckQuota("t1", int64(0.2*gib), KindMedia)
	if d.Allowed {
		t.Fatal("expected tenant-limit denial")
	}
	if d.Reason != ReasonTenantLimit {
		t.Fatalf("got reason %s, want %s", d.Reason, ReasonTenantLimit)
	}
}

func TestCheckQuotaAllowsWithinLimits(t *testing.T) {
	s := &Store{quota: testQuota()}
	s.usage = newUsageTracker()
	d := s.CheckQuota("t1", 1<<20, KindMedia)
	if !d.Allowed {
		t.Fatalf("expected allow, got denial reason %s", d.Reason)
	}
}

func TestSelectEvictionCandidatesOrdering(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	candidates := []EvictionCandidate{
		{Key: "a", Kind: KindMedia, RefsCount: 0, LastSeenAt: now.Add(-1 * time.Hour)},
		{Key: "b", Kind: KindCrawl, RefsCount: 0, LastSeenAt: now.Add(-1 * time.Hour)},
		{Key: "c", Kind: KindMedia, RefsCount: 1, LastSeenAt: now.Add(-10 * time.Hour)},
		{Key: "d", Kind: KindVision, RefsCount: 0, LastSeenAt: now.Add(-2 * time.Hour)},
	}
	got := SelectEvictionCandidates(candidates)
	if len(got) != 3 {
		t.Fatalf("expected referenced blob excluded, got %d candidates", len(got))
	}
	// oldest last_seen_at first among refs_count=0 candidates
	if got[0].Key != "d" {
		t.Fatalf("expected oldest (d) first, got %s", got[0].Key)
	}
	// among equal last_seen_at, crawl outranks media
	if got[1].Key != "b" || got[2].Key != "a" {
		t.Fatalf("expected crawl before media at equal age, got order %v", []string{got[1].Key, got[2].Key})
	}
}

func testQuota() config.Quota {
	return config.Quota{
		BucketTotalGB:     15,
		BucketEmergencyGB: 14,
		PerTenantGB:       2,
		PerTypeMediaGB:    10,
		PerTypeVisionGB:   2,
		PerTypeCrawlGB:    2,
		MaxObjectMediaMB:  15,
		MaxObjectVisionMB: 40,
	}
}
