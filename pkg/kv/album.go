package kv

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// GetAlbumState reads the per-album accumulator state. ok is false when no
// state exists (already assembled, or never seeded).
func (s *Store) GetAlbumState(ctx context.Context, albumID string) (state AlbumState, ok bool, err error) {
	raw, err := s.rdb.Get(ctx, albumStateKey(albumID)).Bytes()
	if err == redis.Nil {
		return AlbumState{}, false, nil
	}
	if err != nil {
		return AlbumState{}, false, err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return AlbumState{}, false, err
	}
	return state, true, nil
}

// SetAlbumState writes (or refreshes the TTL of) album accumulator state.
func (s *Store) SetAlbumState(ctx context.Context, albumID string, state AlbumState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, albumStateKey(albumID), raw, AlbumStateTTL).Err()
}

// DeleteAlbumState removes the accumulator once the album is assembled.
func (s *Store) DeleteAlbumState(ctx context.Context, albumID string) error {
	return s.rdb.Del(ctx, albumStateKey(albumID)).Err()
}
