// Package ingest is the ingestion worker: one resilient
// per-identity client loop with reconnect backoff, a connectivity
// watchdog, cooperative flood-wait handling, and atomic per-channel
// batch writes — adapted from the source's TelegramClientManager onto a
// push-style update stream instead of a pull-per-channel API.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ilyasni/postpipe/engine/domain"
	"github.com/ilyasni/postpipe/engine/events"
	"github.com/ilyasni/postpipe/engine/media"
	"github.com/ilyasni/postpipe/engine/pgstore"
	"github.com/ilyasni/postpipe/engine/ratelimit"
	"github.com/ilyasni/postpipe/engine/telegram"
	"github.com/ilyasni/postpipe/pkg/eventlog"
	"github.com/ilyasni/postpipe/pkg/metrics"
)

const (
	watchdogTick       = 20 * time.Second
	keepAliveInterval  = 150 * time.Second
	failureWindowSpan  = 15 * time.Minute
	failureWindowLimit = 10
	batchFlushSize     = 32
	batchFlushInterval = 3 * time.Second
)

// MediaDispatcher hands media file IDs off to the media processor
// and returns the resulting content-addressed refs to attach to the
// batch write; ingest never touches the object store directly.
type MediaDispatcher interface {
	Dispatch(ctx context.Context, tenantID, groupedID string, items []telegram.MediaItem) ([]pgstore.MediaRef, []string, error)
}

// Identity is the per-worker chat-platform account under management.
type Identity struct {
	TenantID       string
	PlatformUserID int64
	Username       string
	FirstName      string
	LastName       string
	Tier           string
}

// Deps bundles the collaborators one Worker needs.
type Deps struct {
	Client  telegram.Client
	Store   *pgstore.Store
	Rate    *ratelimit.Manager
	Events  *eventlog.Client
	Media   MediaDispatcher
	Bucket  string
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Worker runs the reconnect/watchdog/ingest loop for one Identity.
type Worker struct {
	id   Identity
	deps Deps
	log  *slog.Logger

	reconnects   *metrics.Counter
	disconnects  map[string]*metrics.Counter
	floodWaits   *metrics.Counter
	connected    *metrics.Gauge
	batchLatency *metrics.Histogram

	mu            sync.Mutex
	pendingByChan map[string]*pendingBatch
	batchSize     int
}

type pendingBatch struct {
	channel      pgstore.ActiveChannel
	posts        []domain.Post
	mediaByMsgID map[int64][]pgstore.MediaRef
}

// New builds a Worker for identity over deps.
func New(id Identity, deps Deps) *Worker {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := deps.Metrics
	w := &Worker{
		id:            id,
		deps:          deps,
		log:           log.With("identity", id.PlatformUserID),
		pendingByChan: map[string]*pendingBatch{},
		batchSize:     batchFlushSize,
	}
	if reg != nil {
		w.reconnects = reg.Counter("ingest_reconnect_attempts_total", "Reconnect attempts")
		w.floodWaits = reg.Counter("ingest_flood_waits_total", "Flood-wait events observed")
		w.connected = reg.Gauge("ingest_connected", "1 if the worker's client is currently connected")
		w.batchLatency = reg.Histogram("ingest_batch_write_latency_seconds", "Atomic batch write latency", nil)
		w.disconnects = map[string]*metrics.Counter{}
		for _, reason := range []string{"network", "auth_error", "timeout"} {
			w.disconnects[reason] = reg.Counter(
				metrics.WithLabels("ingest_disconnects_total", "reason", reason),
				"Disconnects by reason")
		}
	}
	return w
}

// ErrTerminal is returned by Run when the identity crossed the
// persistent-disconnect threshold and has been marked unauthenticated;
// the supervisor should not restart this worker automatically.
var ErrTerminal = errors.New("ingest: identity marked unauthenticated after persistent disconnect")

// Run drives the reconnect/watchdog/consume loop until ctx is cancelled
// or the identity becomes terminally unauthenticated.
func (w *Worker) Run(ctx context.Context) error {
	fails := newFailureWindow(failureWindowSpan, failureWindowLimit)
	backoff := time.Second

	w.loadActiveChannels(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := w.deps.Client.Connect(ctx); err != nil {
			if w.disconnects != nil {
				w.disconnects["auth_error"].Inc()
			}
			if fails.record(time.Now()) {
				return w.handlePersistentDisconnect(ctx)
			}
			delay, next := nextBackoffDelay(backoff)
			backoff = next
			if w.reconnects != nil {
				w.reconnects.Inc()
			}
			w.log.Warn("connect failed, backing off", "error", err, "delay", delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		fails.reset()
		backoff = time.Second
		if w.connected != nil {
			w.connected.Set(1)
		}

		updates, err := w.deps.Client.Updates(ctx)
		if err != nil {
			w.log.Warn("start updates failed", "error", err)
			if w.connected != nil {
				w.connected.Set(0)
			}
			continue
		}

		watchCtx, cancelWatch := context.WithCancel(ctx)
		watchDone := make(chan struct{})
		go func() {
			defer close(watchDone)
			w.watchdog(watchCtx)
		}()

		w.consume(ctx, updates)
		cancelWatch()
		<-watchDone

		if w.connected != nil {
			w.connected.Set(0)
		}
		if ctx.Err() != nil {
			return nil
		}
		if w.disconnects != nil {
			w.disconnects["network"].Inc()
		}
	}
}

// loadActiveChannels seeds pendingByChan with every channel this
// identity actively subscribes to, carrying forward its persisted
// high-water mark so the HWM-skip rule in ingestMessage survives a
// worker restart instead of re-seeding each channel at 0 on first
// sighting.
func (w *Worker) loadActiveChannels(ctx context.Context) {
	if w.deps.Store == nil {
		return
	}
	channels, err := w.deps.Store.ActiveChannels(ctx, w.id.PlatformUserID)
	if err != nil {
		w.log.Warn("load active channels failed", "error", err)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range channels {
		channelKey := strconv.FormatInt(c.PlatformChannelID, 10)
		if _, exists := w.pendingByChan[channelKey]; exists {
			continue
		}
		w.pendingByChan[channelKey] = &pendingBatch{
			channel:      c,
			mediaByMsgID: map[int64][]pgstore.MediaRef{},
		}
	}
}

// refreshBatchSize recomputes the per-channel flush threshold from the
// account's current adaptive batch size (time-of-day window plus any
// outstanding flood-wait), so a sustained flood-wait condition shrinks
// how much ingest buffers before writing instead of flushing on a fixed
// count regardless of how rate-constrained the account currently is.
func (w *Worker) refreshBatchSize(ctx context.Context) {
	if w.deps.Rate == nil {
		return
	}
	size, err := w.deps.Rate.AdaptiveBatchSize(ctx, strconv.FormatInt(w.id.PlatformUserID, 10), time.Now())
	if err != nil || size <= 0 {
		return
	}
	w.mu.Lock()
	w.batchSize = size
	w.mu.Unlock()
}

func (w *Worker) handlePersistentDisconnect(ctx context.Context) error {
	w.log.Error("persistent disconnect, marking identity unauthenticated")
	if err := w.deps.Store.MarkIdentityUnauthenticated(ctx, w.id.PlatformUserID); err != nil {
		w.log.Error("mark unauthenticated failed", "error", err)
	}
	if w.disconnects != nil {
		w.disconnects["auth_error"].Inc()
	}
	return ErrTerminal
}

// watchdog ticks every 20s; once 150s have passed since the last
// successful keep-alive it calls KeepAlive as the liveness probe. Ticks
// in between make no call, so connectivity is checked at most once
// every 150s.
func (w *Worker) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()
	var lastKeepAlive time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(lastKeepAlive) < keepAliveInterval {
				continue
			}
			kaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := w.deps.Client.KeepAlive(kaCtx)
			cancel()
			if err != nil {
				w.handleCallErr(ctx, "keepAlive", "", err)
				if w.disconnects != nil {
					w.disconnects["timeout"].Inc()
				}
				continue
			}
			lastKeepAlive = now
		}
	}
}

// consume reads normalised messages until the update channel closes or
// ctx is cancelled, buffering per channel and flushing on a timer.
func (w *Worker) consume(ctx context.Context, updates <-chan telegram.RawMessage) {
	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushAll(context.Background())
			return
		case <-ticker.C:
			w.refreshBatchSize(ctx)
			w.flushAll(ctx)
		case msg, ok := <-updates:
			if !ok {
				w.flushAll(ctx)
				return
			}
			w.ingestMessage(ctx, msg)
		}
	}
}

func (w *Worker) ingestMessage(ctx context.Context, msg telegram.RawMessage) {
	channelKey := strconv.FormatInt(msg.PlatformChannelID, 10)

	if w.deps.Rate != nil {
		if cooling, err := w.deps.Rate.IsChannelCoolingDown(ctx, channelKey); err == nil && cooling {
			return
		}
	}

	w.mu.Lock()
	batch, ok := w.pendingByChan[channelKey]
	w.mu.Unlock()
	if !ok {
		// loadActiveChannels didn't know about this channel at startup
		// (brand new subscription, or it raced the DB commit): treat it
		// as active with HWM 0 and let the atomic write upsert it; its
		// persisted HWM takes over once the next restart's
		// loadActiveChannels picks it up.
		batch = &pendingBatch{
			channel: pgstore.ActiveChannel{
				PlatformChannelID: msg.PlatformChannelID,
				Title:             msg.ChannelTitle,
				Username:          msg.ChannelUsername,
			},
			mediaByMsgID: map[int64][]pgstore.MediaRef{},
		}
		w.mu.Lock()
		w.pendingByChan[channelKey] = batch
		w.mu.Unlock()
	}

	if msg.PlatformMessageID <= batch.channel.HighWaterMark {
		return
	}

	var mediaRefs []pgstore.MediaRef
	var mediaSHAs []string
	if len(msg.Media) > 0 && w.deps.Media != nil {
		refs, shas, err := w.deps.Media.Dispatch(ctx, w.id.TenantID, msg.GroupedID, msg.Media)
		if err != nil {
			w.log.Warn("media dispatch failed", "error", err, "channel", msg.PlatformChannelID)
		} else {
			mediaRefs = refs
			mediaSHAs = shas
		}
	}

	post := domain.Post{
		TenantID:          w.id.TenantID,
		PlatformMessageID: msg.PlatformMessageID,
		Text:              msg.Text,
		ContentHash:       events.ContentHash(msg.Text),
		MediaURLs:         mediaSHAs,
		PostedAt:          msg.PostedAt,
		HasMedia:          len(msg.Media) > 0,
		IsForward:         msg.IsForward,
		IsReply:           msg.IsReply,
		Views:             msg.Views,
		Forwards:          msg.Forwards,
		IsEdited:          msg.IsEdited,
		GroupedID:         msg.GroupedID,
	}
	if msg.IsEdited {
		edited := msg.EditedAt
		post.EditedAt = &edited
	}

	w.mu.Lock()
	batch.posts = append(batch.posts, post)
	batch.channel.HighWaterMark = msg.PlatformMessageID
	if len(mediaRefs) > 0 {
		batch.mediaByMsgID[msg.PlatformMessageID] = mediaRefs
	}
	full := len(batch.posts) >= w.batchSize
	w.mu.Unlock()

	if full {
		w.flushChannel(ctx, channelKey)
	}
}

func (w *Worker) flushAll(ctx context.Context) {
	w.mu.Lock()
	keys := make([]string, 0, len(w.pendingByChan))
	for k, b := range w.pendingByChan {
		if len(b.posts) > 0 {
			keys = append(keys, k)
		}
	}
	w.mu.Unlock()

	for _, k := range keys {
		w.flushChannel(ctx, k)
	}
}

func (w *Worker) flushChannel(ctx context.Context, channelKey string) {
	w.mu.Lock()
	batch, ok := w.pendingByChan[channelKey]
	if !ok || len(batch.posts) == 0 {
		w.mu.Unlock()
		return
	}
	posts := batch.posts
	channel := batch.channel
	mediaByMsgID := batch.mediaByMsgID
	batch.posts = nil
	batch.mediaByMsgID = map[int64][]pgstore.MediaRef{}
	w.mu.Unlock()

	start := time.Now()
	result, err := w.deps.Store.SaveBatchAtomic(ctx, pgstore.IdentityDescriptor{
		TenantID:       w.id.TenantID,
		PlatformUserID: w.id.PlatformUserID,
		Username:       w.id.Username,
		FirstName:      w.id.FirstName,
		LastName:       w.id.LastName,
		Tier:           w.id.Tier,
	}, pgstore.ChannelDescriptor{
		PlatformChannelID: channel.PlatformChannelID,
		Title:             channel.Title,
		Username:          channel.Username,
		IsActive:          true,
	}, posts)
	if w.batchLatency != nil {
		w.batchLatency.Since(start)
	}
	if err != nil {
		w.log.Error("atomic batch write failed", "error", err, "channel", channel.PlatformChannelID)
		return
	}
	if !result.Success {
		w.log.Warn("batch write gated", "reason", result.Reason, "channel", channel.PlatformChannelID)
		return
	}

	if err := w.deps.Store.UpdateHighWaterMark(ctx, channel.ChannelID, channel.HighWaterMark); err != nil {
		w.log.Warn("hwm update failed", "error", err, "channel", channel.PlatformChannelID)
	}

	if len(mediaByMsgID) > 0 {
		w.linkMedia(ctx, channel, mediaByMsgID)
	}

	for _, postID := range result.NewOrChanged {
		w.publishParsed(ctx, postID, channel, posts)
	}
}

// linkMedia resolves each buffered post's ID now that the batch write
// assigned one, then writes its media-CAS refs.
func (w *Worker) linkMedia(ctx context.Context, channel pgstore.ActiveChannel, mediaByMsgID map[int64][]pgstore.MediaRef) {
	for msgID, refs := range mediaByMsgID {
		postID, err := w.deps.Store.ResolvePostID(ctx, channel.ChannelID, msgID)
		if err != nil {
			w.log.Warn("resolve post id for media link failed", "error", err, "channel", channel.PlatformChannelID, "message_id", msgID)
			continue
		}
		if err := w.deps.Store.SaveMediaToCAS(ctx, postID, refs, w.deps.Bucket); err != nil {
			w.log.Warn("save media to cas failed", "error", err, "post_id", postID)
			continue
		}
		w.publishVisionUploaded(ctx, postID, refs)
	}
}

// publishVisionUploaded emits posts.vision.uploaded for the subset of a
// post's media the vision analyzer can act on. When none is eligible,
// MediaFiles is empty and RequiresVision is false, but the event still
// fires so C10 can record the skip rather than silently never seeing
// the post.
func (w *Worker) publishVisionUploaded(ctx context.Context, postID string, refs []pgstore.MediaRef) {
	if w.deps.Events == nil || len(refs) == 0 {
		return
	}
	files := make([]events.MediaFileRef, 0, len(refs))
	eligible := false
	for _, r := range refs {
		if media.IsVisionEligible(r.MimeType) {
			files = append(files, events.MediaFileRef{
				SHA256:    r.SHA256,
				S3Key:     r.S3Key,
				MimeType:  r.MimeType,
				SizeBytes: r.SizeBytes,
			})
			eligible = true
		}
	}

	base, err := events.NewBase("", "ingest:"+postID, time.Now())
	if err != nil {
		w.log.Warn("build vision envelope failed", "error", err)
		return
	}
	evt := events.PostsVisionUploaded{
		Base:           base,
		TenantID:       w.id.TenantID,
		PostID:         postID,
		MediaFiles:     files,
		RequiresVision: eligible,
	}
	data, err := events.EncodeTenanted(evt, w.id.TenantID)
	if err != nil {
		w.log.Warn("encode posts.vision.uploaded failed", "error", err)
		return
	}
	if _, err := w.deps.Events.Publish(ctx, events.TopicPostsVisionUploaded, events.TopicPostsVisionUploaded, data); err != nil {
		w.log.Warn("publish posts.vision.uploaded failed", "error", err)
	}
}

func (w *Worker) publishParsed(ctx context.Context, postID string, channel pgstore.ActiveChannel, posts []domain.Post) {
	if w.deps.Events == nil || len(posts) == 0 {
		return
	}
	// The batch write does not echo back per-post fields, so the most
	// recent post in the flushed batch stands in for the published
	// envelope's body; indexing recomputes facts it actually needs by
	// post ID lookup rather than relying on this payload alone.
	p := posts[len(posts)-1]
	base, err := events.NewBase("", "ingest:"+postID, time.Now())
	if err != nil {
		w.log.Warn("build envelope failed", "error", err)
		return
	}
	evt := events.PostsParsed{
		Base:              base,
		UserID:            strconv.FormatInt(w.id.PlatformUserID, 10),
		ChannelID:         channel.ChannelID,
		PostID:            postID,
		TenantID:          w.id.TenantID,
		Text:              p.Text,
		PostedAt:          p.PostedAt,
		ContentHash:       p.ContentHash,
		MediaSHA256List:   p.MediaURLs,
		PlatformMessageID: p.PlatformMessageID,
		PlatformChannelID: strconv.FormatInt(channel.PlatformChannelID, 10),
		HasMedia:          p.HasMedia,
		IsForward:         p.IsForward,
		IsReply:           p.IsReply,
	}
	data, err := events.EncodeTenanted(evt, w.id.TenantID)
	if err != nil {
		w.log.Warn("encode posts.parsed failed", "error", err)
		return
	}
	if _, err := w.deps.Events.Publish(ctx, events.TopicPostsParsed, events.TopicPostsParsed, data); err != nil {
		w.log.Warn("publish posts.parsed failed", "error", err)
	}
}

// handleCallErr implements the cooperative flood-wait contract: wait
// flood.seconds+1; if it exceeds 60s and the failing call was scoped to
// a channel, cool that channel down so the next cycle skips it
// (account-level calls like keep-alive have no channel to cool).
func (w *Worker) handleCallErr(ctx context.Context, method, channelKey string, err error) {
	var fw *telegram.FloodWaitError
	if !errors.As(err, &fw) {
		w.log.Warn("call failed", "method", method, "error", err)
		return
	}
	if w.floodWaits != nil {
		w.floodWaits.Inc()
	}
	wait := time.Duration(fw.Seconds) * time.Second
	if w.deps.Rate != nil {
		_ = w.deps.Rate.RecordFloodWait(ctx, strconv.FormatInt(w.id.PlatformUserID, 10), method, wait)
	}
	sleepCtx(ctx, wait+time.Second)
	if fw.Seconds > 60 && channelKey != "" && w.deps.Rate != nil {
		_ = w.deps.Rate.SetChannelCooldown(ctx, channelKey, wait)
	}
}

// sleepCtx sleeps for d or returns early (false) if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
