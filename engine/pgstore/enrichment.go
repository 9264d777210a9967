package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ilyasni/postpipe/engine/domain"
)

// PostRef is the minimal post projection the downstream stages need to
// read without pulling the full ingestion-facing domain.Post shape.
type PostRef struct {
	ID        string
	TenantID  string
	ChannelID string
	Text      string
	MediaURLs []string
	PostedAt  time.Time
}

// GetPost loads the minimal post projection by ID.
func (s *Store) GetPost(ctx context.Context, postID string) (PostRef, error) {
	var p PostRef
	var mediaURLs []string
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, channel_id, text, media_urls, posted_at
		FROM posts WHERE id = $1
	`, postID).Scan(&p.ID, &p.TenantID, &p.ChannelID, &p.Text, &mediaURLs, &p.PostedAt)
	if err != nil {
		return PostRef{}, fmt.Errorf("pgstore: get post %s: %w", postID, err)
	}
	p.MediaURLs = mediaURLs
	return p, nil
}

// GetEnrichment loads the (post, kind) enrichment row, if any.
func (s *Store) GetEnrichment(ctx context.Context, postID string, kind domain.EnrichmentKind) (domain.PostEnrichment, bool, error) {
	var e domain.PostEnrichment
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT post_id, kind, payload, version, updated_at
		FROM post_enrichments WHERE post_id = $1 AND kind = $2
	`, postID, kind).Scan(&e.PostID, &e.Kind, &payload, &e.Version, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PostEnrichment{}, false, nil
		}
		return domain.PostEnrichment{}, false, fmt.Errorf("pgstore: get enrichment %s/%s: %w", postID, kind, err)
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return domain.PostEnrichment{}, false, fmt.Errorf("pgstore: decode enrichment payload: %w", err)
	}
	return e, true, nil
}

// UpsertEnrichment writes a (post, kind) enrichment row. changed reports
// whether the payload differed from what was already stored, so the
// caller can decide whether updated_at — and a downstream emit — is
// warranted.
func (s *Store) UpsertEnrichment(ctx context.Context, e domain.PostEnrichment) (changed bool, err error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return false, fmt.Errorf("pgstore: encode enrichment payload: %w", err)
	}

	var priorPayload []byte
	err = s.pool.QueryRow(ctx, `
		SELECT payload FROM post_enrichments WHERE post_id = $1 AND kind = $2
	`, e.PostID, e.Kind).Scan(&priorPayload)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("pgstore: read prior enrichment: %w", err)
	}
	changed = err != nil || string(priorPayload) != string(payload)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO post_enrichments (post_id, kind, payload, version, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (post_id, kind) DO UPDATE SET
			payload = EXCLUDED.payload,
			version = EXCLUDED.version,
			updated_at = CASE WHEN post_enrichments.payload IS DISTINCT FROM EXCLUDED.payload
				THEN now() ELSE post_enrichments.updated_at END
	`, e.PostID, e.Kind, payload, e.Version)
	if err != nil {
		return false, fmt.Errorf("pgstore: upsert enrichment %s/%s: %w", e.PostID, e.Kind, err)
	}
	return changed, nil
}

// UpsertIndexingStatus writes the per-post embedding/graph processing
// state.
func (s *Store) UpsertIndexingStatus(ctx context.Context, st domain.IndexingStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexing_status (post_id, embedding_status, graph_status, vector_id, error_message, processing_completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (post_id) DO UPDATE SET
			embedding_status = EXCLUDED.embedding_status,
			graph_status = EXCLUDED.graph_status,
			vector_id = EXCLUDED.vector_id,
			error_message = EXCLUDED.error_message,
			processing_completed_at = EXCLUDED.processing_completed_at
	`, st.PostID, st.EmbeddingStatus, st.GraphStatus, st.VectorID, st.ErrorMessage, st.ProcessingCompletedAt)
	if err != nil {
		return fmt.Errorf("pgstore: upsert indexing status %s: %w", st.PostID, err)
	}
	return nil
}

// MarkProcessed flips posts.is_processed once both indexing phases
// reach a terminal state.
func (s *Store) MarkProcessed(ctx context.Context, postID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE posts SET is_processed = true WHERE id = $1`, postID)
	if err != nil {
		return fmt.Errorf("pgstore: mark processed %s: %w", postID, err)
	}
	return nil
}

// PostMedia is the minimal media projection the indexing stage needs
// to link ImageContent nodes and derive MIME types.
type PostMedia struct {
	SHA256 string
	Mime   string
}

// GetPostMedia loads the media items attached to a post, in position
// order, joined against media_objects for MIME type.
func (s *Store) GetPostMedia(ctx context.Context, postID string) ([]PostMedia, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.file_sha256, mo.mime
		FROM post_media_map m
		JOIN media_objects mo ON mo.file_sha256 = m.file_sha256
		WHERE m.post_id = $1
		ORDER BY m.position
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: get post media %s: %w", postID, err)
	}
	defer rows.Close()

	var out []PostMedia
	for rows.Next() {
		var pm PostMedia
		if err := rows.Scan(&pm.SHA256, &pm.Mime); err != nil {
			return nil, fmt.Errorf("pgstore: scan post media: %w", err)
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

// ResolveTenantForPost resolves a post's tenant via the posts/channels
// join the indexing stage falls back to when an event carries no
// tenant_id.
func (s *Store) ResolveTenantForPost(ctx context.Context, postID string) (string, error) {
	var tenantID string
	err := s.pool.QueryRow(ctx, `SELECT tenant_id FROM posts WHERE id = $1`, postID).Scan(&tenantID)
	if err != nil {
		return "", fmt.Errorf("pgstore: resolve tenant for post %s: %w", postID, err)
	}
	return tenantID, nil
}
