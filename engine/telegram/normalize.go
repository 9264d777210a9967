package telegram

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
)

// normalizeUpdate extracts a RawMessage from whichever update variant
// carries one; returns nil for updates the ingestion worker ignores
// (callback queries, my_chat_member, etc).
func normalizeUpdate(upd telego.Update) *RawMessage {
	switch {
	case upd.ChannelPost != nil:
		return normalizeMessage(upd.ChannelPost, false)
	case upd.EditedChannelPost != nil:
		return normalizeMessage(upd.EditedChannelPost, true)
	case upd.Message != nil:
		return normalizeMessage(upd.Message, false)
	case upd.EditedMessage != nil:
		return normalizeMessage(upd.EditedMessage, true)
	default:
		return nil
	}
}

func normalizeMessage(m *telego.Message, edited bool) *RawMessage {
	out := &RawMessage{
		PlatformMessageID: int64(m.MessageID),
		PlatformChannelID: m.Chat.ID,
		ChannelTitle:      m.Chat.Title,
		ChannelUsername:   m.Chat.Username,
		Text:              messageText(m),
		PostedAt:          time.Unix(int64(m.Date), 0).UTC(),
		IsEdited:          edited,
		GroupedID:         m.MediaGroupID,
		IsForward:         m.ForwardOrigin != nil,
		IsReply:           m.ReplyToMessage != nil,
	}
	if edited {
		out.EditedAt = out.PostedAt
	}
	if m.ReplyToMessage != nil {
		out.ReplyToMessageID = int64(m.ReplyToMessage.MessageID)
	}
	out.Media = mediaItems(m)
	// The Bot API does not expose per-message view/forward counters the
	// way the platform's user-account API does; engine/ingest leaves
	// these at zero and relies on later re-syncs where available.
	return out
}

func messageText(m *telego.Message) string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

func mediaItems(m *telego.Message) []MediaItem {
	var items []MediaItem
	if len(m.Photo) > 0 {
		// Largest photo size is last in the slice.
		p := m.Photo[len(m.Photo)-1]
		items = append(items, MediaItem{FileID: p.FileID, Kind: MediaPhoto, MimeType: "image/jpeg", SizeBytes: int64(p.FileSize)})
	}
	if m.Video != nil {
		items = append(items, MediaItem{FileID: m.Video.FileID, Kind: MediaVideo, MimeType: m.Video.MimeType, FileName: m.Video.FileName, SizeBytes: int64(m.Video.FileSize)})
	}
	if m.Document != nil {
		items = append(items, MediaItem{FileID: m.Document.FileID, Kind: MediaDocument, MimeType: m.Document.MimeType, FileName: m.Document.FileName, SizeBytes: int64(m.Document.FileSize)})
	}
	if m.Audio != nil {
		items = append(items, MediaItem{FileID: m.Audio.FileID, Kind: MediaAudio, MimeType: m.Audio.MimeType, FileName: m.Audio.FileName, SizeBytes: int64(m.Audio.FileSize)})
	}
	if m.Animation != nil {
		items = append(items, MediaItem{FileID: m.Animation.FileID, Kind: MediaAnimation, MimeType: m.Animation.MimeType, FileName: m.Animation.FileName, SizeBytes: int64(m.Animation.FileSize)})
	}
	return items
}

// classifyTelegramErr wraps a telego API error, extracting a
// FloodWaitError from a "Too Many Requests: retry after N" response the
// way the platform reports flood control on the Bot API.
func classifyTelegramErr(err error, method string) error {
	if err == nil {
		return nil
	}
	var apiErr *telego.APIError
	if errors.As(err, &apiErr) && apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
		return &FloodWaitError{Seconds: apiErr.Parameters.RetryAfter, Method: method}
	}
	if secs, ok := parseRetryAfter(err.Error()); ok {
		return &FloodWaitError{Seconds: secs, Method: method}
	}
	return err
}

func parseRetryAfter(msg string) (int, bool) {
	const marker = "retry after "
	idx := strings.Index(strings.ToLower(msg), marker)
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(msg[idx+len(marker):])
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	secs, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return secs, true
}
