package events

import (
	"testing"
	"time"
)

func TestTagsHashStableUnderShuffle(t *testing.T) {
	a := TagsHash([]string{"meme", "politics", "news"})
	b := TagsHash([]string{"News", " Politics ", "meme", "meme"})
	if a != b {
		t.Fatalf("TagsHash not stable under shuffle/dedup/case: %s != %s", a, b)
	}
}

func TestContentHashNormalizesWhitespace(t *testing.T) {
	a := ContentHash("Hello   world\n\n")
	b := ContentHash("hello world")
	if a != b {
		t.Fatalf("ContentHash not normalized: %s != %s", a, b)
	}
}

func TestEncodeTenantedFailsClosed(t *testing.T) {
	base, err := NewBase("", "idem-1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	ev := PostsParsed{Base: base, PostID: "p1", TenantID: "default"}

	if _, err := EncodeTenanted(ev, "default"); err == nil {
		t.Fatal("expected EncodeTenanted to reject default tenant")
	}
	if _, err := EncodeTenanted(ev, ""); err == nil {
		t.Fatal("expected EncodeTenanted to reject empty tenant")
	}
	if _, err := EncodeTenanted(ev, "tenant-1"); err != nil {
		t.Fatalf("unexpected error for valid tenant: %v", err)
	}
}

func TestEncodeRejectsMissingIdempotencyKey(t *testing.T) {
	ev := PostsParsed{Base: Base{SchemaVersion: "v1", TraceID: "t1"}}
	if _, err := Encode(ev); err == nil {
		t.Fatal("expected Encode to reject missing idempotency_key")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	base, _ := NewBase("trace-1", "idem-2", time.Now())
	ev := PostsTagged{
		Base:     base,
		PostID:   "p1",
		TenantID: "t1",
		Tags:     []string{"a", "b"},
		TagsHash: TagsHash([]string{"a", "b"}),
		Trigger:  TriggerInitial,
	}
	raw, err := Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode[PostsTagged](raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.PostID != ev.PostID || decoded.TagsHash != ev.TagsHash {
		t.Fatalf("round-trip mismatch: %+v != %+v", decoded, ev)
	}
}
