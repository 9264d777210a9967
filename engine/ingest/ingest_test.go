package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/ilyasni/postpipe/engine/telegram"
)

func TestIngestMessageBuffersAndAdvancesHighWaterMark(t *testing.T) {
	w := New(Identity{TenantID: "t1", PlatformUserID: 42}, Deps{})

	w.ingestMessage(context.Background(), telegram.RawMessage{
		PlatformChannelID: 100,
		PlatformMessageID: 5,
		Text:              "hello",
		PostedAt:          time.Now(),
	})

	batch := w.pendingByChan["100"]
	if batch == nil || len(batch.posts) != 1 {
		t.Fatalf("expected one buffered post, got %+v", batch)
	}
	if batch.channel.HighWaterMark != 5 {
		t.Fatalf("hwm = %d, want 5", batch.channel.HighWaterMark)
	}
}

func TestIngestMessageSkipsAtOrBelowHighWaterMark(t *testing.T) {
	w := New(Identity{TenantID: "t1", PlatformUserID: 42}, Deps{})
	ctx := context.Background()

	w.ingestMessage(ctx, telegram.RawMessage{PlatformChannelID: 100, PlatformMessageID: 10, PostedAt: time.Now()})
	w.ingestMessage(ctx, telegram.RawMessage{PlatformChannelID: 100, PlatformMessageID: 10, PostedAt: time.Now()})
	w.ingestMessage(ctx, telegram.RawMessage{PlatformChannelID: 100, PlatformMessageID: 7, PostedAt: time.Now()})

	batch := w.pendingByChan["100"]
	if len(batch.posts) != 1 {
		t.Fatalf("expected duplicate/stale messages to be skipped, got %d posts", len(batch.posts))
	}
}

func TestIngestMessageSeparatesChannels(t *testing.T) {
	w := New(Identity{TenantID: "t1", PlatformUserID: 42}, Deps{})
	ctx := context.Background()

	w.ingestMessage(ctx, telegram.RawMessage{PlatformChannelID: 100, PlatformMessageID: 1, PostedAt: time.Now()})
	w.ingestMessage(ctx, telegram.RawMessage{PlatformChannelID: 200, PlatformMessageID: 1, PostedAt: time.Now()})

	if len(w.pendingByChan) != 2 {
		t.Fatalf("expected two independent channel buffers, got %d", len(w.pendingByChan))
	}
}
