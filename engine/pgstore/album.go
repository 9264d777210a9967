package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ResolveAlbumForPost looks up the album a post belongs to, if any
func (s *Store) ResolveAlbumForPost(ctx context.Context, postID string) (albumID string, ok bool, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT album_id FROM album_items WHERE post_id = $1
	`, postID).Scan(&albumID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("pgstore: resolve album for post %s: %w", postID, err)
	}
	return albumID, true, nil
}

// UpsertAlbumSummary persists the album-level aggregated vision summary
func (s *Store) UpsertAlbumSummary(ctx context.Context, albumID string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pgstore: encode album summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO album_enrichments (album_id, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (album_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
	`, albumID, b)
	if err != nil {
		return fmt.Errorf("pgstore: upsert album summary %s: %w", albumID, err)
	}
	return nil
}
