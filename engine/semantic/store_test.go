package semantic

import (
	"strings"
	"testing"
)

func TestCollectionNameIsPerTenant(t *testing.T) {
	if got := CollectionName("acme"); got != "tacme_posts" {
		t.Fatalf("CollectionName = %q", got)
	}
}

func TestTrimToBudgetKeepsIdentifiersUnderPressure(t *testing.T) {
	p := Payload{
		PostID:    "p1",
		TenantID:  "t1",
		ChannelID: "c1",
		TextShort: strings.Repeat("x", 500),
		Tags:      strings.Split(strings.Repeat("tag,", 20000), ","),
		HasVision: true,
		HasCrawl:  true,
	}
	fields, err := trimToBudget(p)
	if err != nil {
		t.Fatalf("trimToBudget: %v", err)
	}
	if fields["post_id"].GetStringValue() != "p1" {
		t.Fatalf("post_id dropped under pressure")
	}
	if fields["tenant_id"].GetStringValue() != "t1" {
		t.Fatalf("tenant_id dropped under pressure")
	}
	if _, ok := fields["tags"]; ok {
		t.Fatalf("expected oversized tags facet to be stripped")
	}
}

func TestTrimToBudgetKeepsSmallPayloadIntact(t *testing.T) {
	p := Payload{PostID: "p1", TenantID: "t1", ChannelID: "c1", TextShort: "hello", Tags: []string{"a", "b"}}
	fields, err := trimToBudget(p)
	if err != nil {
		t.Fatalf("trimToBudget: %v", err)
	}
	if _, ok := fields["tags"]; !ok {
		t.Fatalf("expected small tags facet to survive")
	}
	if fields["text_short"].GetStringValue() != "hello" {
		t.Fatalf("text_short = %v", fields["text_short"])
	}
}
