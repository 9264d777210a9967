package tagging

import "testing"

func TestParseTagsDedupesLowercasesAndCaps(t *testing.T) {
	raw := `{"tags": ["Go", " go ", "Testing", "testing", "a", "b", "c", "d", "e", "f", "g", "h", "i", "j"]}`
	tags, err := parseTags(raw)
	if err != nil {
		t.Fatalf("parseTags: %v", err)
	}
	if len(tags) != maxTags {
		t.Fatalf("len(tags) = %d, want %d", len(tags), maxTags)
	}
	if tags[0] != "go" || tags[1] != "testing" {
		t.Fatalf("unexpected tag order/casing: %v", tags)
	}
}

func TestParseTagsInvalidJSON(t *testing.T) {
	if _, err := parseTags("not json"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestHashTagsIsOrderIndependent(t *testing.T) {
	a := hashTags([]string{"go", "testing"})
	b := hashTags([]string{"testing", "go"})
	if a != b {
		t.Fatalf("hashTags should be order-independent: %q vs %q", a, b)
	}
}

func TestTagCacheKeyNormalisesCaseAndWhitespace(t *testing.T) {
	a := tagCacheKey("  Hello World  ")
	b := tagCacheKey("hello world")
	if a != b {
		t.Fatalf("tagCacheKey should normalise: %q vs %q", a, b)
	}
}
