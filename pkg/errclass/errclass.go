// Package errclass gives every error flowing through the pipeline a
// category so stages can branch on policy instead of on error type.
package errclass

import (
	"errors"
	"fmt"
	"time"
)

// Class is the category of an error as it crosses a pipeline stage.
type Class int

const (
	// Unknown is the zero value; treated the same as Permanent so a
	// missed classification fails loud (DLQ) rather than silently
	// retrying forever.
	Unknown Class = iota
	// Transient errors are retried via PEL redelivery; never DLQ'd
	// directly (max_deliveries still applies upstream).
	Transient
	// Permanent errors are acked and routed to the stage's DLQ.
	Permanent
	// FloodWait carries a concrete wait duration from the external
	// platform; callers sleep and retry, never DLQ.
	FloodWait
	// AuthFailed means the identity's session is no longer usable;
	// terminal for that identity, not for the message.
	AuthFailed
	// RateLimited means a local limiter denied the call; caller should
	// back off and retry, never DLQ.
	RateLimited
	// IdempotencySkip means the work was already done; ack silently,
	// no DLQ, no downstream event.
	IdempotencySkip
	// ResourceSkip means a quota/budget/format gate denied the work;
	// ack, optionally emit a `skipped` event, never DLQ.
	ResourceSkip
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case FloodWait:
		return "flood_wait"
	case AuthFailed:
		return "auth_failed"
	case RateLimited:
		return "rate_limited"
	case IdempotencySkip:
		return "idempotency_skip"
	case ResourceSkip:
		return "resource_skip"
	default:
		return "unknown"
	}
}

// classified wraps an error with its Class and, for FloodWait, the wait.
type classified struct {
	class  Class
	wait   time.Duration
	reason string
	err    error
}

func (c *classified) Error() string {
	if c.reason != "" {
		return fmt.Sprintf("%s: %s: %v", c.class, c.reason, c.err)
	}
	return fmt.Sprintf("%s: %v", c.class, c.err)
}

func (c *classified) Unwrap() error { return c.err }

// New wraps err with an explicit class.
func New(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: class, err: err}
}

// Newf wraps err with a class and a machine-readable reason (used as the
// DLQ `reason` field and as `skip_reason` for skipped events).
func Newf(class Class, reason string, err error) error {
	if err == nil {
		return nil
	}
	return &classified{class: class, reason: reason, err: err}
}

// WaitFor wraps err as FloodWait carrying the platform's reported delay.
func WaitFor(seconds int, err error) error {
	return &classified{class: FloodWait, wait: time.Duration(seconds) * time.Second, err: err}
}

// Of returns the Class of err, Unknown if it was never classified.
func Of(err error) Class {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	return Unknown
}

// Reason returns the machine-readable reason attached via Newf, or "".
func Reason(err error) string {
	var c *classified
	if errors.As(err, &c) {
		return c.reason
	}
	return ""
}

// Wait returns the flood-wait duration attached via WaitFor, or 0.
func Wait(err error) time.Duration {
	var c *classified
	if errors.As(err, &c) {
		return c.wait
	}
	return 0
}

// IsDLQable reports whether err should be routed to a DLQ after its
// delivery budget is exhausted (Transient, Permanent, Unknown).
func IsDLQable(err error) bool {
	switch Of(err) {
	case Transient, Permanent, Unknown:
		return true
	default:
		return false
	}
}

// ShouldAckSilently reports whether err requires an ack with no DLQ and
// no downstream event (IdempotencySkip).
func ShouldAckSilently(err error) bool {
	return Of(err) == IdempotencySkip
}
