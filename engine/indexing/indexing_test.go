package indexing

import (
	"reflect"
	"testing"
)

func TestTruncateRespectsMax(t *testing.T) {
	if got := truncate("hello world", 5); got != "hello" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 50); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestNormalizeAndDedupCollapsesWhitespaceAndDuplicates(t *testing.T) {
	got := normalizeAndDedup([]string{"Hello   world\n", "hello world", "", "Another  line"})
	want := "Hello world\nAnother line"
	if got != want {
		t.Fatalf("normalizeAndDedup = %q, want %q", got, want)
	}
}

func TestExtractEntitiesDedupes(t *testing.T) {
	text := "Alice met Bob near Paris. alice and BOB went to paris again."
	got := extractEntities(text)
	want := []string{"Alice", "Bob", "Paris"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("extractEntities = %v, want %v", got, want)
	}
}

func TestExtractEntitiesCapsAtMax(t *testing.T) {
	text := "Aaa Bbb Ccc Ddd Eee Fff Ggg Hhh Iii Jjj Kkk Lll"
	got := extractEntities(text)
	if len(got) != maxEntities {
		t.Fatalf("extractEntities returned %d entities, want %d", len(got), maxEntities)
	}
}
