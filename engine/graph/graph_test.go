package graph

import (
	"testing"
	"time"
)

func TestPostToMapRoundTripsTimestamps(t *testing.T) {
	posted := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	expires := posted.AddDate(0, 0, 30)
	p := PostNode{ID: "p1", TenantID: "t1", ChannelID: "c1", PostedAt: posted, ExpiresAt: expires}

	m := postToMap(p)
	if m["id"] != "p1" || m["tenant_id"] != "t1" || m["channel_id"] != "c1" {
		t.Fatalf("postToMap scalar fields = %v", m)
	}

	got := timeProp(m, "posted_at")
	if !got.Equal(posted) {
		t.Fatalf("timeProp(posted_at) = %v, want %v", got, posted)
	}
	got = timeProp(m, "expires_at")
	if !got.Equal(expires) {
		t.Fatalf("timeProp(expires_at) = %v, want %v", got, expires)
	}
}

func TestTimePropMissingReturnsZero(t *testing.T) {
	if got := timeProp(map[string]any{}, "posted_at"); !got.IsZero() {
		t.Fatalf("timeProp on missing key = %v, want zero", got)
	}
}

func TestStrPropWrongTypeReturnsEmpty(t *testing.T) {
	if got := strProp(map[string]any{"id": 42}, "id"); got != "" {
		t.Fatalf("strProp on non-string value = %q, want empty", got)
	}
}
