package events

import (
	"encoding/json"
	"fmt"

	"github.com/ilyasni/postpipe/engine/domain"
)

// Topic names . Each has a
// corresponding DLQ topic at Topic+".dlq".
const (
	TopicPostsParsed         = "posts.parsed"
	TopicPostsTagged         = "posts.tagged"
	TopicPostsEnriched       = "posts.enriched"
	TopicPostsIndexed        = "posts.indexed"
	TopicPostsVisionUploaded = "posts.vision.uploaded"
	TopicPostsVisionAnalyzed = "posts.vision.analyzed"
	TopicPostsVisionSkipped  = "posts.vision.skipped"
	TopicAlbumsParsed        = "albums.parsed"
	TopicAlbumAssembled      = "album.assembled"
	TopicPersonaIngested     = "persona.messages.ingested" // out-of-core collaborator
)

// DLQTopic returns the dead-letter stream name for topic.
func DLQTopic(topic string) string { return topic + ".dlq" }

// DLQ reason strings.
const (
	ReasonSchemaInvalid     = "schema_invalid"
	ReasonNoText            = "no_text"
	ReasonEmbedGenFail      = "embed_gen_fail"
	ReasonEmbedDimMismatch  = "embed_dim_mismatch"
	ReasonQdrantFail        = "qdrant_fail"
	ReasonNeo4jFail         = "neo4j_fail"
	ReasonFKViolation       = "fk_violation"
	ReasonPermissionDenied  = "permission_denied"
	ReasonUnhandled         = "unhandled"
)

// Envelope is the minimal interface every typed event payload satisfies:
// access to its embedded Base for validation.
type Envelope interface {
	base() Base
}

func (e PostsParsed) base() Base         { return e.Base }
func (e PostsTagged) base() Base         { return e.Base }
func (e PostsEnriched) base() Base       { return e.Base }
func (e PostsIndexed) base() Base        { return e.Base }
func (e PostsVisionUploaded) base() Base { return e.Base }
func (e PostsVisionAnalyzed) base() Base { return e.Base }
func (e PostsVisionSkipped) base() Base  { return e.Base }
func (e AlbumsParsed) base() Base        { return e.Base }
func (e AlbumAssembled) base() Base      { return e.Base }

// ValidateEnvelope checks the base envelope fields every event must
// carry, independent of which topic it's destined for.
func ValidateEnvelope(e Envelope) error {
	b := e.base()
	if b.SchemaVersion == "" {
		return domain.NewValidationError("schema_version", "", fmt.Errorf("%s", ReasonSchemaInvalid))
	}
	if err := domain.RequireIdempotencyKey(b.IdempotencyKey); err != nil {
		return err
	}
	if b.TraceID == "" {
		return domain.NewValidationError("trace_id", "", fmt.Errorf("%s", ReasonSchemaInvalid))
	}
	return nil
}

// Encode validates e and marshals it to JSON, the wire format for every
// stream message's data field.
func Encode(e Envelope) ([]byte, error) {
	if err := ValidateEnvelope(e); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// EncodeTenanted additionally fails closed on an unresolved tenant_id
// before encoding . Every
// publish path for a tenant-scoped event must call this, not Encode.
func EncodeTenanted(e Envelope, tenantID string) ([]byte, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	return Encode(e)
}

// Decode unmarshals raw JSON into a typed envelope of type T and, when T
// is an event envelope, validates its base fields.
func Decode[T any](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero, fmt.Errorf("events: decode: %w", err)
	}
	if e, ok := any(v).(Envelope); ok {
		if err := ValidateEnvelope(e); err != nil {
			var zero T
			return zero, fmt.Errorf("events: decode: %w", err)
		}
	}
	return v, nil
}
