package vision

import "testing"

func TestParseResultClampsOutOfRangeScores(t *testing.T) {
	raw := `{"classification": "photo", "description": "a cat", "nsfw_score": 5.0, "aesthetic_score": -1.0}`
	r, err := parseResult(raw)
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if r.NSFWScore != 0 || r.AestheticScore != 0 {
		t.Fatalf("expected out-of-range scores clamped to 0, got %+v", r)
	}
}

func TestParseResultInvalidJSON(t *testing.T) {
	if _, err := parseResult("not json"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestDedupCapDedupesAndCaps(t *testing.T) {
	in := []string{"cat", "cat", " dog ", "dog", "bird"}
	out := dedupCap(in, 2)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0] != "cat" || out[1] != "dog" {
		t.Fatalf("unexpected dedup order: %v", out)
	}
}

func TestTruncateRespectsMax(t *testing.T) {
	if got := truncate("hello world", 5); got != "hello" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("hi", 5); got != "hi" {
		t.Fatalf("truncate = %q, want unchanged", got)
	}
}
