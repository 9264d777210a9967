package enrichment

import "testing"

func TestCanonicalizeURLStripsTrackingAndSortsQuery(t *testing.T) {
	canonical, hash, err := canonicalizeURL("HTTPS://Example.COM:443/path/?utm_source=x&b=2&a=1&fbclid=abc#frag")
	if err != nil {
		t.Fatalf("canonicalizeURL: %v", err)
	}
	want := "https://example.com/path?a=1&b=2"
	if canonical != want {
		t.Fatalf("canonical = %q, want %q", canonical, want)
	}
	if hash == "" {
		t.Fatal("expected non-empty hash")
	}
}

func TestCanonicalizeURLIsDeterministic(t *testing.T) {
	a, hashA, _ := canonicalizeURL("https://example.com/a?b=1&a=2")
	b, hashB, _ := canonicalizeURL("https://example.com/a?a=2&b=1")
	if a != b || hashA != hashB {
		t.Fatalf("expected identical canonical form regardless of query order: %q vs %q", a, b)
	}
}

func TestFirstURLExtractsFirstMatch(t *testing.T) {
	text := "check this out https://example.com/foo and also http://other.com"
	if got := firstURL(text); got != "https://example.com/foo" {
		t.Fatalf("firstURL = %q", got)
	}
}

func TestFirstURLNoneFound(t *testing.T) {
	if got := firstURL("no links here"); got != "" {
		t.Fatalf("firstURL = %q, want empty", got)
	}
}

func TestTagsMatchPolicy(t *testing.T) {
	s := &Stage{}
	s.deps.Cfg.PolicyTagRegex = `(?i)longread|research|paper|release`
	if !s.tagsMatchPolicy([]string{"golang", "longread"}) {
		t.Fatal("expected match on longread")
	}
	if s.tagsMatchPolicy([]string{"golang", "news"}) {
		t.Fatal("expected no match")
	}
}
