package retag

import "testing"

func TestNextVersionBumpsFromJSONFloat(t *testing.T) {
	if got := nextVersion(float64(3)); got != 4 {
		t.Fatalf("nextVersion(3) = %d, want 4", got)
	}
}

func TestNextVersionStartsAtOneForLegacy(t *testing.T) {
	if got := nextVersion(nil); got != 1 {
		t.Fatalf("nextVersion(nil) = %d, want 1", got)
	}
	if got := nextVersion("not-a-number"); got != 1 {
		t.Fatalf("nextVersion(string) = %d, want 1", got)
	}
}

func TestHashTagsStableUnderReordering(t *testing.T) {
	a := hashTags([]string{"go", "redis", "telegram"})
	b := hashTags([]string{"telegram", "go", "redis"})
	if a != b {
		t.Fatalf("hashTags not order-stable: %q != %q", a, b)
	}
}

func TestParseTagsDedupesLowercasesAndCaps(t *testing.T) {
	raw := `{"tags": ["Go", "go", "REDIS", "a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"]}`
	tags, err := parseTags(raw)
	if err != nil {
		t.Fatalf("parseTags: %v", err)
	}
	if len(tags) != maxTags {
		t.Fatalf("parseTags returned %d tags, want %d", len(tags), maxTags)
	}
	if tags[0] != "go" || tags[1] != "redis" {
		t.Fatalf("parseTags = %v, want lowercase-deduped prefix [go redis]", tags)
	}
}

func TestParseTagsRejectsInvalidJSON(t *testing.T) {
	if _, err := parseTags("not json"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
