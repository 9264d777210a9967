// Package media is the media processor: classifies each
// attachment, enforces per-type size limits, checks object-store quota,
// and uploads to the content-addressed store — adapted from the
// pack's Telegram channel's media download/classify pass (media.go),
// retargeted from local-disk staging onto direct streaming into C3.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ilyasni/postpipe/engine/objstore"
	"github.com/ilyasni/postpipe/engine/pgstore"
	"github.com/ilyasni/postpipe/engine/telegram"
	"github.com/ilyasni/postpipe/pkg/config"
	"github.com/ilyasni/postpipe/pkg/kv"
	"github.com/ilyasni/postpipe/pkg/metrics"
)

// visionEligibleMIME is the set of content types the vision analyzer
// can act on: images plus PDF/office/plain-text documents.
var visionEligibleMIME = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/gif":       true,
	"application/pdf": true,
	"text/plain":      true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// IsVisionEligible reports whether mime qualifies a media item for C10
// analysis (images, PDFs, office docs, plain text).
func IsVisionEligible(mime string) bool { return visionEligibleMIME[mime] }

// Processor implements engine/ingest.MediaDispatcher: it downloads,
// size-limits, quota-checks, and uploads each attachment on a message.
type Processor struct {
	client telegram.Client
	store  *objstore.Store
	kv     *kv.Store
	media  config.Media
	album  config.Album
	log    *slog.Logger

	skipped   *metrics.Counter
	uploaded  *metrics.Counter
	tooLarge  *metrics.Counter
}

// New builds a Processor.
func New(client telegram.Client, store *objstore.Store, kvStore *kv.Store, mediaCfg config.Media, albumCfg config.Album, reg *metrics.Registry, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	p := &Processor{client: client, store: store, kv: kvStore, media: mediaCfg, album: albumCfg, log: log}
	if reg != nil {
		p.skipped = reg.Counter("media_skipped_total", "Media items skipped (quota or size)")
		p.uploaded = reg.Counter("media_uploaded_total", "Media items uploaded to the object store")
		p.tooLarge = reg.Counter("media_too_large_total", "Media items rejected for exceeding the per-type size limit")
	}
	return p
}

// Dispatch downloads and uploads every item, returning the refs to
// attach to the post's media-CAS rows and the list of SHA-256 hashes to
// carry on the posts.parsed event.
func (p *Processor) Dispatch(ctx context.Context, tenantID, groupedID string, items []telegram.MediaItem) ([]pgstore.MediaRef, []string, error) {
	if groupedID != "" {
		if seen, err := p.kv.IsAlbumSeen(ctx, tenantID, groupedID); err == nil && seen {
			// Siblings already processed under this album; the push
			// model delivers each item as its own update, so there is
			// nothing further to fetch here (unlike a pull client that
			// would re-request the group).
		} else if err == nil {
			_ = p.kv.MarkAlbumSeen(ctx, tenantID, groupedID, 6*time.Hour)
		}
	}

	var refs []pgstore.MediaRef
	var shas []string
	for _, item := range items {
		ref, err := p.processOne(ctx, tenantID, item)
		if err != nil {
			p.log.Warn("media item skipped", "error", err, "kind", item.Kind, "file_id", item.FileID)
			continue
		}
		if ref == nil {
			continue
		}
		refs = append(refs, *ref)
		shas = append(shas, ref.SHA256)
	}
	return refs, shas, nil
}

func (p *Processor) processOne(ctx context.Context, tenantID string, item telegram.MediaItem) (*pgstore.MediaRef, error) {
	limit, timeout := p.limitsFor(item.Kind)
	if item.SizeBytes > 0 && item.SizeBytes > limit {
		if p.tooLarge != nil {
			p.tooLarge.Inc()
		}
		return nil, fmt.Errorf("media: %s exceeds size limit (%d > %d)", item.Kind, item.SizeBytes, limit)
	}

	dlCtx, cancel := context.WithTimeout(ctx, timeout)
	data, _, err := p.client.DownloadFile(dlCtx, item.FileID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("media: download: %w", err)
	}
	if int64(len(data)) > limit {
		if p.tooLarge != nil {
			p.tooLarge.Inc()
		}
		return nil, fmt.Errorf("media: downloaded %s exceeds size limit (%d > %d)", item.Kind, len(data), limit)
	}

	mime := item.MimeType
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	kind := objstore.KindMedia
	decision := p.store.CheckQuota(tenantID, int64(len(data)), kind)
	if !decision.Allowed {
		if p.skipped != nil {
			p.skipped.Inc()
		}
		return nil, fmt.Errorf("media: quota denied: %s", decision.Reason)
	}

	ext := extensionFor(mime)
	result, err := p.store.Put(ctx, tenantID, kind, ext, data)
	if err != nil {
		return nil, fmt.Errorf("media: upload: %w", err)
	}
	if p.uploaded != nil {
		p.uploaded.Inc()
	}

	return &pgstore.MediaRef{
		SHA256:    result.SHA256,
		S3Key:     result.Key,
		MimeType:  mime,
		SizeBytes: result.Size,
	}, nil
}

func (p *Processor) limitsFor(kind telegram.MediaKind) (maxBytes int64, timeout time.Duration) {
	switch kind {
	case telegram.MediaPhoto:
		return p.media.MaxBytesPhoto, p.media.DownloadTimeoutPhoto
	default:
		return p.media.MaxBytesDoc, p.media.DownloadTimeoutDoc
	}
}

func extensionFor(mime string) string {
	switch mime {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "application/pdf":
		return "pdf"
	case "video/mp4":
		return "mp4"
	case "text/plain":
		return "txt"
	default:
		return "bin"
	}
}
