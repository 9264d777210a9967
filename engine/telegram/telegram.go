// Package telegram is the chat-platform client collaborator for the
// ingestion worker: a thin, mockable interface over the Bot API's
// long-polling channel, scoped to a single-purpose message reader
// instead of a full chatbot surface.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mymmrac/telego"
)

// RawMessage is the platform-native shape the ingestion worker
// normalises into domain.Post.
type RawMessage struct {
	PlatformMessageID int64
	PlatformChannelID int64
	ChannelTitle      string
	ChannelUsername   string
	Text              string
	PostedAt          time.Time
	IsEdited          bool
	EditedAt          time.Time
	GroupedID         string
	Media             []MediaItem
	Views             int64
	Forwards          int64
	IsForward         bool
	IsReply           bool
	ReplyToMessageID  int64
}

// MediaKind is the coarse classification the media processor needs
// before it can pick a size limit and decide vision-eligibility.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaAnimation MediaKind = "animation"
)

// MediaItem is one attachment on a message, platform-native enough for
// the media processor to classify and size-check before downloading.
type MediaItem struct {
	FileID    string
	Kind      MediaKind
	MimeType  string
	FileName  string
	SizeBytes int64
}

// FloodWaitError signals the platform rejected a call with a flood-wait
// instruction; Seconds is how long the caller must back
// off before retrying on this account.
type FloodWaitError struct {
	Seconds int
	Method  string
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("telegram: flood wait %ds on %s", e.Seconds, e.Method)
}

// Client is the contract the ingestion worker depends on; Adapter
// implements it over mymmrac/telego, and tests substitute a fake.
type Client interface {
	// Connect establishes the underlying session.
	Connect(ctx context.Context) error
	// Disconnect tears the session down.
	Disconnect(ctx context.Context) error
	// Updates starts long polling and returns a channel of normalised
	// messages; closed when ctx is cancelled or the poll loop exits.
	Updates(ctx context.Context) (<-chan RawMessage, error)
	// KeepAlive issues a lightweight call (GetMe) to verify liveness.
	KeepAlive(ctx context.Context) error
	// DownloadFile fetches a media file's bytes by its platform file ID.
	DownloadFile(ctx context.Context, fileID string) ([]byte, string, error)
}

// Config configures an Adapter.
type Config struct {
	Token string
	Proxy string
}

// Adapter is the telego-backed Client implementation.
type Adapter struct {
	bot *telego.Bot
}

// NewAdapter builds an Adapter, wiring an HTTP proxy when configured the
// way the pack's telegram channel adapter does.
func NewAdapter(cfg Config) (*Adapter, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid proxy url %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Adapter{bot: bot}, nil
}

// Connect verifies the bot token against the platform.
func (a *Adapter) Connect(ctx context.Context) error {
	_, err := a.bot.GetMeWithContext(ctx)
	if err != nil {
		return classifyTelegramErr(err, "getMe")
	}
	return nil
}

// Disconnect is a no-op for the long-polling Bot API transport; the
// poll goroutine is stopped by cancelling the ctx passed to Updates.
func (a *Adapter) Disconnect(ctx context.Context) error { return nil }

// KeepAlive issues GetMe as the lightweight liveness probe.
func (a *Adapter) KeepAlive(ctx context.Context) error {
	_, err := a.bot.GetMeWithContext(ctx)
	if err != nil {
		return classifyTelegramErr(err, "getMe")
	}
	return nil
}

// Updates starts long polling and normalises channel posts / messages
// into RawMessage. The returned channel closes when ctx is cancelled.
func (a *Adapter) Updates(ctx context.Context) (<-chan RawMessage, error) {
	updates, err := a.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{"message", "edited_message", "channel_post", "edited_channel_post"},
	})
	if err != nil {
		return nil, classifyTelegramErr(err, "getUpdates")
	}

	out := make(chan RawMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				if msg := normalizeUpdate(upd); msg != nil {
					select {
					case out <- *msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// DownloadFile resolves a Telegram file ID to its bytes.
func (a *Adapter) DownloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, "", classifyTelegramErr(err, "getFile")
	}
	data, err := a.bot.DownloadFile(file.FilePath)
	if err != nil {
		return nil, "", classifyTelegramErr(err, "downloadFile")
	}
	return data, file.FilePath, nil
}
