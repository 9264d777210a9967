package pgstore

import (
	"context"
	"fmt"
)

// ActiveChannel is one channel the ingestion worker should poll for a
// given identity: an active, non-held subscription.
type ActiveChannel struct {
	ChannelID         string
	PlatformChannelID int64
	Title             string
	Username          string
	HighWaterMark     int64
}

// ActiveChannels returns the channels platformUserID has an active
// subscription to and that are not on_hold.
func (s *Store) ActiveChannels(ctx context.Context, platformUserID int64) ([]ActiveChannel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.platform_channel_id, c.title, c.username, c.high_water_mark
		FROM subscriptions sub
		JOIN memberships m ON m.id = sub.user_id
		JOIN identities i ON i.id = m.identity_id
		JOIN channels c ON c.id = sub.channel_id
		WHERE i.platform_user_id = $1 AND sub.is_active AND c.is_active AND NOT c.on_hold
	`, platformUserID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list active channels: %w", err)
	}
	defer rows.Close()

	var out []ActiveChannel
	for rows.Next() {
		var c ActiveChannel
		if err := rows.Scan(&c.ChannelID, &c.PlatformChannelID, &c.Title, &c.Username, &c.HighWaterMark); err != nil {
			return nil, fmt.Errorf("pgstore: scan active channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateHighWaterMark advances a channel's high_water_mark, but only
// forward (never regresses it on an out-of-order update).
func (s *Store) UpdateHighWaterMark(ctx context.Context, channelID string, hwm int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE channels SET high_water_mark = GREATEST(high_water_mark, $2) WHERE id = $1
	`, channelID, hwm)
	if err != nil {
		return fmt.Errorf("pgstore: update high_water_mark: %w", err)
	}
	return nil
}

// ResolvePostID looks up a post's primary key by its natural key, for
// callers (ingest's media-CAS linker) that only learned the platform
// message ID at buffering time, before the batch write assigned an ID.
func (s *Store) ResolvePostID(ctx context.Context, channelID string, platformMessageID int64) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM posts WHERE channel_id = $1 AND platform_message_id = $2
	`, channelID, platformMessageID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("pgstore: resolve post id: %w", err)
	}
	return id, nil
}

// MarkIdentityUnauthenticated flips an identity's authenticated flag off
// and puts all of its channels on_hold.
func (s *Store) MarkIdentityUnauthenticated(ctx context.Context, platformUserID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin unauth tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE identities SET authenticated = false WHERE platform_user_id = $1`, platformUserID); err != nil {
		return fmt.Errorf("pgstore: mark identity unauthenticated: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE channels SET on_hold = true
		WHERE id IN (
			SELECT sub.channel_id FROM subscriptions sub
			JOIN memberships m ON m.id = sub.user_id
			JOIN identities i ON i.id = m.identity_id
			WHERE i.platform_user_id = $1
		)
	`, platformUserID); err != nil {
		return fmt.Errorf("pgstore: mark channels on_hold: %w", err)
	}
	return tx.Commit(ctx)
}
