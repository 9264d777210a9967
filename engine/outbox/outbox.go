// Package outbox is the outbox relay: polls outbox_events rows a
// stage staged inside its own DB transaction, publishes each to the
// event log, and flips it to sent or schedules a retry with the same
// doubling backoff the stage supervisor uses for restarts.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ilyasni/postpipe/engine/pgstore"
	"github.com/ilyasni/postpipe/pkg/config"
	"github.com/ilyasni/postpipe/pkg/eventlog"
	"github.com/ilyasni/postpipe/pkg/fn"
	"github.com/ilyasni/postpipe/pkg/metrics"
)

const (
	batchSize = 100
	pollEvery = 2 * time.Second
)

// Deps bundles the collaborators the relay needs.
type Deps struct {
	Store  *pgstore.Store
	Events *eventlog.Client
	Cfg    config.Supervisor
	Logger *slog.Logger
	Metrics *metrics.Registry
}

// Relay runs the outbox polling loop.
type Relay struct {
	deps Deps
	log  *slog.Logger

	sent, failed, published *metrics.Counter
}

// New builds a Relay.
func New(deps Deps) *Relay {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{deps: deps, log: log}
	if deps.Metrics != nil {
		r.published = deps.Metrics.Counter("outbox_published_total", "Outbox rows published to the event log")
		r.sent = deps.Metrics.Counter("outbox_sent_total", "Outbox rows flipped to sent")
		r.failed = deps.Metrics.Counter("outbox_failed_total", "Outbox rows exhausted and flipped to failed")
	}
	return r
}

// Run polls outbox_events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		if err := r.relayOnce(ctx); err != nil {
			r.log.Warn("outbox: relay pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) relayOnce(ctx context.Context) error {
	events, err := r.deps.Store.FetchPendingOutboxEvents(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("outbox: fetch pending: %w", err)
	}
	relay := fn.TracedStage("outbox.relay_one", func(ctx context.Context, e pgstore.OutboxEvent) fn.Result[struct{}] {
		r.relayOne(ctx, e)
		return fn.Ok(struct{}{})
	})
	for _, e := range events {
		relay(ctx, e)
	}
	return nil
}

func (r *Relay) relayOne(ctx context.Context, e pgstore.OutboxEvent) {
	_, err := r.deps.Events.Publish(ctx, e.Stream, e.Event, e.Payload)
	if r.published != nil {
		r.published.Inc()
	}
	if err == nil {
		if markErr := r.deps.Store.MarkOutboxSent(ctx, e.ID); markErr != nil {
			r.log.Warn("outbox: mark sent failed", "error", markErr, "id", e.ID)
			return
		}
		if r.sent != nil {
			r.sent.Inc()
		}
		return
	}

	r.log.Warn("outbox: publish failed", "error", err, "id", e.ID, "retry_count", e.RetryCount)
	maxRetries := r.deps.Cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	exhausted := e.RetryCount+1 >= maxRetries
	nextRetryAt := time.Now().Add(backoffFor(r.deps.Cfg, e.RetryCount))
	if markErr := r.deps.Store.MarkOutboxRetry(ctx, e.ID, exhausted, nextRetryAt); markErr != nil {
		r.log.Warn("outbox: mark retry failed", "error", markErr, "id", e.ID)
		return
	}
	if exhausted && r.failed != nil {
		r.failed.Inc()
	}
}

// backoffFor mirrors the supervisor's doubling backoff.
func backoffFor(cfg config.Supervisor, retryCount int) time.Duration {
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	max := cfg.MaxBackoff
	if max <= 0 {
		max = 60 * time.Second
	}
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2
	}

	backoff := initial
	for i := 0; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * mult)
		if backoff >= max {
			return max
		}
	}
	return backoff
}
