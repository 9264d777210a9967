// Package eventlog is the append-only log client: Redis Streams
// organised around consumer groups, one group per stage, one physical
// consumer per process, and a per-stage dead-letter stream. Publish and
// consume are typed by topic. Publish writes its OTel span context into
// a `traceparent` stream field; Consume does not read it
// back, so spans do not continue across process boundaries.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Fields are the two logical fields every message on the log carries:
// an event tag and a JSON data payload, both as strings.
type Fields struct {
	Event string
	Data  []byte
}

// Message is one delivered entry: its stream ID plus its fields.
type Message struct {
	ID     string
	Fields Fields
}

// Client is the Redis Streams-backed event log client.
type Client struct {
	rdb *redis.Client
}

// New wraps an existing Redis client. Stages share one Client across
// publish/consume, the same Redis instance the shared KV store runs on.
func New(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

func streamKey(topic string) string { return "stream:" + topic }

func dlqKey(topic string) string { return "stream:" + topic + ":dlq" }

// tracer starts the publish span whose context Publish writes into the
// `traceparent` stream field; nothing reads that field on consume.
var tracer = otel.Tracer("pkg/eventlog")

// Publish appends a message to topic's stream. Retry-safe: callers may
// publish the same logical event twice; downstream idempotency (the
// envelope's idempotency_key) guarantees single application.
func (c *Client) Publish(ctx context.Context, topic string, event string, data []byte) (id string, err error) {
	ctx, span := tracer.Start(ctx, "eventlog.publish")
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	tp := carrier.Get("traceparent")

	res, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]any{
			"event":       event,
			"data":        data,
			"traceparent": tp,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("eventlog: publish %s: %w", topic, err)
	}
	return res, nil
}

// PublishJSON marshals v and publishes it as the data field.
func (c *Client) PublishJSON(ctx context.Context, topic, event string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("eventlog: marshal %s: %w", topic, err)
	}
	return c.Publish(ctx, topic, event, data)
}

// EnsureGroup creates the consumer group for topic if it does not exist.
// Safe to call repeatedly (e.g. once per consumer start-up).
func (c *Client) EnsureGroup(ctx context.Context, topic, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, streamKey(topic), group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("eventlog: ensure group %s/%s: %w", topic, group, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 13 && err.Error()[:13] == "BUSYGROUP Con"
}

// Consume fetches up to batch new messages for (topic, group, consumer),
// blocking up to blockDuration when the stream is empty.
func (c *Client) Consume(ctx context.Context, topic, group, consumer string, batch int64, blockDuration time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey(topic), ">"},
		Count:    batch,
		Block:    blockDuration,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: consume %s/%s: %w", topic, group, err)
	}
	return messagesFromStreams(res), nil
}

// Ack removes id from group's pending-entry list.
func (c *Client) Ack(ctx context.Context, topic, group, id string) error {
	if err := c.rdb.XAck(ctx, streamKey(topic), group, id).Err(); err != nil {
		return fmt.Errorf("eventlog: ack %s/%s/%s: %w", topic, group, id, err)
	}
	return nil
}

// Reclaim claims messages idle longer than minIdle in another consumer's
// pending list, via XAUTOCLAIM (grounded in the original system's
// xautoclaim-based reclaim path), returning them to consumer.
func (c *Client) Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey(topic),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("eventlog: reclaim %s/%s: %w", topic, group, err)
	}
	return messagesFromXMessages(msgs), nil
}

// MinPendingID returns the smallest pending-entry ID across all of
// topic's consumer groups, suitable as the safeMinID argument to Trim.
// Returns ("", false) when there is no pending work anywhere.
func (c *Client) MinPendingID(ctx context.Context, topic string) (string, bool, error) {
	groups, err := c.rdb.XInfoGroups(ctx, streamKey(topic)).Result()
	if err != nil {
		return "", false, fmt.Errorf("eventlog: xinfo groups %s: %w", topic, err)
	}
	var min string
	for _, g := range groups {
		pel, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: streamKey(topic),
			Group:  g.Name,
			Start:  "-",
			End:    "+",
			Count:  1,
		}).Result()
		if err != nil || len(pel) == 0 {
			continue
		}
		id := pel[0].ID
		if min == "" || compareStreamIDs(id, min) < 0 {
			min = id
		}
	}
	if min == "" {
		return "", false, nil
	}
	return min, true, nil
}

// Trim approximately trims the stream to keep only entries at or after
// safeMinID. Callers must compute safeMinID via MinPendingID first; an
// unchecked trim would lose undelivered work — trimming must never
// remove an entry unacknowledged by any consumer group.
func (c *Client) Trim(ctx context.Context, topic, safeMinID string) error {
	if safeMinID == "" {
		return nil
	}
	if err := c.rdb.XTrimMinID(ctx, streamKey(topic), safeMinID).Err(); err != nil {
		return fmt.Errorf("eventlog: trim %s: %w", topic, err)
	}
	return nil
}

// DeadLetterDetail is the structured detail object published alongside a
// DLQ entry's string reason.
type DeadLetterDetail map[string]any

// DeadLetter publishes payload into topic's dlq stream with reason and
// details.
func (c *Client) DeadLetter(ctx context.Context, topic string, payload []byte, reason string, details DeadLetterDetail) error {
	detailJSON, err := json.Marshal(details)
	if err != nil {
		detailJSON = []byte("{}")
	}
	_, err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqKey(topic),
		Values: map[string]any{
			"event":   topic + ".dlq",
			"data":    payload,
			"reason":  reason,
			"details": detailJSON,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("eventlog: dead-letter %s: %w", topic, err)
	}
	return nil
}

func messagesFromStreams(streams []redis.XStream) []Message {
	var out []Message
	for _, st := range streams {
		for _, m := range st.Messages {
			out = append(out, messageFromXMessage(m))
		}
	}
	return out
}

func messagesFromXMessages(msgs []redis.XMessage) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = messageFromXMessage(m)
	}
	return out
}

func messageFromXMessage(m redis.XMessage) Message {
	msg := Message{ID: m.ID}
	if ev, ok := m.Values["event"].(string); ok {
		msg.Fields.Event = ev
	}
	switch d := m.Values["data"].(type) {
	case string:
		msg.Fields.Data = []byte(d)
	case []byte:
		msg.Fields.Data = d
	}
	return msg
}

// compareStreamIDs compares two Redis stream IDs ("ms-seq") lexically by
// numeric parts; returns <0, 0, >0 like strings.Compare.
func compareStreamIDs(a, b string) int {
	am, as := splitStreamID(a)
	bm, bs := splitStreamID(b)
	if am != bm {
		if am < bm {
			return -1
		}
		return 1
	}
	if as != bs {
		if as < bs {
			return -1
		}
		return 1
	}
	return 0
}

func splitStreamID(id string) (ms, seq int64) {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			ms = parseInt(id[:i])
			seq = parseInt(id[i+1:])
			return
		}
	}
	return parseInt(id), 0
}

func parseInt(s string) int64 {
	var n int64
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return n
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n
}
