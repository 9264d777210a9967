// Package enrichment is the enrichment stage: consumes posts.tagged,
// gates crawling behind a tag policy, and publishes posts.enriched in
// every case — a rate-limited fetch with a sha256 dedup key, bounded to
// a single-page fetch-and-extract rather than full-site discovery.
package enrichment

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/ilyasni/postpipe/engine/domain"
	"github.com/ilyasni/postpipe/engine/events"
	"github.com/ilyasni/postpipe/engine/objstore"
	"github.com/ilyasni/postpipe/engine/pgstore"
	"github.com/ilyasni/postpipe/pkg/config"
	"github.com/ilyasni/postpipe/pkg/eventlog"
	"github.com/ilyasni/postpipe/pkg/fn"
	"github.com/ilyasni/postpipe/pkg/kv"
	"github.com/ilyasni/postpipe/pkg/metrics"
)

const (
	consumerGroup = "enrichment"
	crawlCacheTTL = 7 * 24 * time.Hour
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

var trackingParams = map[string]bool{
	"fbclid": true, "gclid": true, "ref": true, "source": true, "campaign": true,
}

// Deps bundles the collaborators the enrichment stage needs.
type Deps struct {
	Store   *pgstore.Store
	Objects *objstore.Store
	KV      *kv.Store
	Events  *eventlog.Client
	Cfg     config.Crawl
	HTTP    *http.Client
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Stage runs the enrichment consumer loop.
type Stage struct {
	deps    Deps
	log     *slog.Logger
	limiter *rate.Limiter

	processed, crawled, skipped *metrics.Counter
	fetchLat                    *metrics.Histogram
}

// New builds a Stage.
func New(deps Deps) *Stage {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: deps.Cfg.FetchTimeout}
	}
	s := &Stage{
		deps:    deps,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
	}
	if deps.Metrics != nil {
		s.processed = deps.Metrics.Counter("enrichment_processed_total", "Posts processed by the enrichment stage")
		s.crawled = deps.Metrics.Counter("enrichment_crawled_total", "Posts whose URL was actually crawled")
		s.skipped = deps.Metrics.Counter("enrichment_skipped_total", "Posts skipped by the enrichment policy")
		s.fetchLat = deps.Metrics.Histogram("enrichment_fetch_latency_seconds", "Crawl fetch latency", nil)
	}
	return s
}

// Run polls posts.tagged and enriches each post until ctx is cancelled.
func (s *Stage) Run(ctx context.Context, consumerName string) error {
	if err := s.deps.Events.EnsureGroup(ctx, events.TopicPostsTagged, consumerGroup); err != nil {
		return fmt.Errorf("enrichment: ensure group: %w", err)
	}
	handle := fn.TracedStage("enrichment.handle", func(ctx context.Context, m eventlog.Message) fn.Result[struct{}] {
		s.handle(ctx, m)
		return fn.Ok(struct{}{})
	})
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := s.deps.Events.Consume(ctx, events.TopicPostsTagged, consumerGroup, consumerName, 16, 5*time.Second)
		if err != nil {
			s.log.Warn("consume failed", "error", err)
			continue
		}
		for _, m := range msgs {
			handle(ctx, m)
		}
	}
}

func (s *Stage) handle(ctx context.Context, m eventlog.Message) {
	defer func() {
		if err := s.deps.Events.Ack(ctx, events.TopicPostsTagged, consumerGroup, m.ID); err != nil {
			s.log.Warn("ack failed", "error", err, "id", m.ID)
		}
	}()

	evt, err := events.Decode[events.PostsTagged](m.Fields.Data)
	if err != nil {
		s.log.Warn("decode posts.tagged failed", "error", err, "id", m.ID)
		return
	}
	if err := s.enrichPost(ctx, evt); err != nil {
		s.log.Warn("enrich post failed", "error", err, "post_id", evt.PostID)
	}
	if s.processed != nil {
		s.processed.Inc()
	}
}

// enrichPost implements gate → crawl → always-publish flow.
func (s *Stage) enrichPost(ctx context.Context, evt events.PostsTagged) error {
	if !s.tagsMatchPolicy(evt.Tags) {
		return s.publishEnriched(ctx, evt, nil, true, events.EnrichSkipTagMismatch, 0, 0)
	}

	post, err := s.deps.Store.GetPost(ctx, evt.PostID)
	if err != nil {
		return fmt.Errorf("enrichment: get post: %w", err)
	}
	rawURL := firstURL(post.Text)
	if rawURL == "" {
		return s.publishEnriched(ctx, evt, nil, true, events.EnrichSkipNoURL, 0, 0)
	}

	canonical, hash, err := canonicalizeURL(rawURL)
	if err != nil {
		return s.publishEnriched(ctx, evt, nil, true, events.EnrichSkipNoURL, 0, 0)
	}

	if seen, err := s.deps.KV.IsCrawled(ctx, hash); err == nil && seen {
		return s.publishEnriched(ctx, evt, []string{canonical}, true, events.EnrichSkipCacheHit, 0, 0)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.deps.Cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	markdown, wordCount, err := s.crawl(fetchCtx, canonical)
	durationMs := time.Since(start).Milliseconds()
	if s.fetchLat != nil {
		s.fetchLat.Since(start)
	}
	if err != nil {
		if fetchCtx.Err() != nil {
			return s.publishEnriched(ctx, evt, []string{canonical}, true, events.EnrichSkipBudgetExhausted, durationMs, 0)
		}
		return fmt.Errorf("enrichment: crawl %s: %w", canonical, err)
	}

	_ = s.deps.KV.MarkCrawled(ctx, hash, crawlCacheTTL)

	gz, err := gzipBytes([]byte(markdown))
	if err != nil {
		return fmt.Errorf("enrichment: compress crawl blob: %w", err)
	}
	blob, err := s.deps.Objects.Put(ctx, evt.TenantID, objstore.KindCrawl, "md.gz", gz)
	if err != nil {
		return fmt.Errorf("enrichment: store crawl blob: %w", err)
	}

	if _, err := s.deps.Store.UpsertEnrichment(ctx, domain.PostEnrichment{
		PostID: evt.PostID,
		Kind:   domain.EnrichmentCrawl,
		Payload: map[string]any{
			"url":         canonical,
			"url_hash":    hash,
			"sha256":      blob.SHA256,
			"s3_key":      blob.Key,
			"word_count":  wordCount,
			"duration_ms": durationMs,
		},
		Version: "v1",
	}); err != nil {
		return fmt.Errorf("enrichment: upsert enrichment: %w", err)
	}

	if s.crawled != nil {
		s.crawled.Inc()
	}
	return s.publishEnrichedOK(ctx, evt, canonical, wordCount, durationMs)
}

func (s *Stage) tagsMatchPolicy(tags []string) bool {
	re, err := regexp.Compile(s.deps.Cfg.PolicyTagRegex)
	if err != nil {
		return false
	}
	for _, t := range tags {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}

// crawl fetches url, rate-limited, and extracts a bounded markdown-ish
// text body. Inline-image OCR is deferred to the vision stage,
// which already analyzes every uploaded media file — no OCR library is
// pulled in here solely to duplicate that work.
func (s *Stage) crawl(ctx context.Context, rawURL string) (string, int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := s.deps.HTTP.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", 0, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", 0, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", 0, err
	}
	doc.Find("script, style, nav, footer").Remove()

	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		b.WriteString("# " + title + "\n\n")
	}
	doc.Find("p, h1, h2, h3, li").Each(func(_ int, sel *goquery.Selection) {
		t := strings.TrimSpace(sel.Text())
		if t != "" {
			b.WriteString(t + "\n\n")
		}
	})

	text := b.String()
	if max := s.deps.Cfg.MaxMarkdownChars; max > 0 && len(text) > max {
		text = text[:max]
	}
	return text, len(strings.Fields(text)), nil
}

func (s *Stage) publishEnrichedOK(ctx context.Context, evt events.PostsTagged, url string, wordCount int, durationMs int64) error {
	return s.publishEnriched(ctx, evt, []string{url}, false, "", durationMs, wordCount)
}

func (s *Stage) publishEnriched(ctx context.Context, evt events.PostsTagged, sourceURLs []string, skipped bool, reason events.EnrichSkipReason, durationMs int64, wordCount int) error {
	base, err := events.NewBase(evt.TraceID, "enrichment:"+evt.PostID, time.Now())
	if err != nil {
		return fmt.Errorf("enrichment: build envelope: %w", err)
	}
	enriched := events.PostsEnriched{
		Base:            base,
		PostID:          evt.PostID,
		TenantID:        evt.TenantID,
		SourceURLs:      sourceURLs,
		WordCount:       wordCount,
		Skipped:         skipped,
		SkipReason:      reason,
		CrawlDurationMs: durationMs,
		PolicyApplied:   s.deps.Cfg.PolicyTagRegex,
	}
	data, err := events.EncodeTenanted(enriched, evt.TenantID)
	if err != nil {
		return fmt.Errorf("enrichment: encode posts.enriched: %w", err)
	}
	if _, err := s.deps.Events.Publish(ctx, events.TopicPostsEnriched, events.TopicPostsEnriched, data); err != nil {
		return fmt.Errorf("enrichment: publish posts.enriched: %w", err)
	}
	if skipped && s.skipped != nil {
		s.skipped.Inc()
	}
	return nil
}

func firstURL(text string) string {
	return urlPattern.FindString(text)
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// canonicalizeURL implements canonicaliser: lower-case
// scheme/host, drop default ports, drop fragment, strip tracking
// params, sort query keys, strip trailing slash. Its SHA-256 is the
// crawl dedup key.
func canonicalizeURL(raw string) (canonical string, hash string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if host, port, splitErr := net.SplitHostPort(u.Host); splitErr == nil {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = host
		}
	}

	q := u.Query()
	for key := range q {
		if trackingParams[key] || strings.HasPrefix(key, "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode() // url.Values.Encode sorts by key

	u.Path = strings.TrimSuffix(u.Path, "/")

	canonical = u.String()
	sum := sha256.Sum256([]byte(canonical))
	return canonical, hex.EncodeToString(sum[:]), nil
}
