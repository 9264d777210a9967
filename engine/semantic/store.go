// Package semantic is the Qdrant-backed vector store: one collection
// per tenant (t{tenant}_posts) holding the fixed post-vector schema.
package semantic

import (
	"context"
	"encoding/json"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const maxPayloadBytes = 64 * 1024

// VectorStore is the sole owner of all Qdrant operations. Every call
// takes a tenant ID and resolves it to that tenant's collection.
type VectorStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
}

// New creates a VectorStore connected to Qdrant at the given gRPC address.
func New(addr string) (*VectorStore, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	return &VectorStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
	}, nil
}

// Close closes the underlying gRPC connection.
func (v *VectorStore) Close() error {
	return v.conn.Close()
}

// CollectionName returns the per-tenant collection name.
func CollectionName(tenantID string) string {
	return fmt.Sprintf("t%s_posts", tenantID)
}

// EnsureCollection creates the tenant's collection if it doesn't exist.
func (v *VectorStore) EnsureCollection(ctx context.Context, tenantID string, dims int) error {
	name := CollectionName(tenantID)
	list, err := v.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("semantic: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			return nil
		}
	}

	d := uint64(dims)
	_, err = v.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     d,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: create collection %s: %w", name, err)
	}
	return nil
}

// Upsert stores one post's embedding + payload, truncating text_short
// and stripping facets progressively if the serialised payload would
// exceed the 64 KiB cap.
func (v *VectorStore) Upsert(ctx context.Context, tenantID string, rec VectorRecord) error {
	if len(rec.Payload.TextShort) > maxTextShortChars {
		rec.Payload.TextShort = rec.Payload.TextShort[:maxTextShortChars]
	}

	payload, err := trimToBudget(rec.Payload)
	if err != nil {
		return fmt.Errorf("semantic: encode payload: %w", err)
	}

	point := &pb.PointStruct{
		Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: rec.ID}},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: rec.Embedding}},
		},
		Payload: payload,
	}

	wait := true
	_, err = v.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: CollectionName(tenantID),
		Wait:           &wait,
		Points:         []*pb.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("semantic: upsert post %s: %w", rec.Payload.PostID, err)
	}
	return nil
}

// DeleteByPost removes the point for a post, used by the out-of-core
// cleanup stage defers.
func (v *VectorStore) DeleteByPost(ctx context.Context, tenantID, postID string) error {
	wait := true
	_, err := v.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: CollectionName(tenantID),
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{fieldMatch("post_id", postID)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("semantic: delete post %s: %w", postID, err)
	}
	return nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

// trimToBudget serialises a Payload to its Qdrant value map, dropping
// facets in facetDropOrder until the JSON-encoded size fits under
// maxPayloadBytes. post_id/tenant_id/channel_id are never dropped.
func trimToBudget(p Payload) (map[string]*pb.Value, error) {
	m := payloadToFields(p)
	for _, key := range facetDropOrder {
		if size(m) <= maxPayloadBytes {
			break
		}
		delete(m, key)
	}
	return toValueMap(m), nil
}

func size(m map[string]any) int {
	b, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(b)
}

func payloadToFields(p Payload) map[string]any {
	m := map[string]any{
		"post_id":    p.PostID,
		"tenant_id":  p.TenantID,
		"channel_id": p.ChannelID,
	}
	if p.TextShort != "" {
		m["text_short"] = p.TextShort
	}
	if p.AlbumID != "" {
		m["album_id"] = p.AlbumID
	}
	if len(p.Tags) > 0 {
		m["tags"] = p.Tags
	}
	if p.HasVision {
		m["has_vision"] = p.HasVision
	}
	if p.HasMeme {
		m["has_meme"] = p.HasMeme
	}
	if p.HasCrawl {
		m["has_crawl"] = p.HasCrawl
	}
	return m
}

func toValueMap(m map[string]any) map[string]*pb.Value {
	out := make(map[string]*pb.Value, len(m))
	for k, val := range m {
		switch tv := val.(type) {
		case string:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
		case bool:
			out[k] = &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
		case []string:
			values := make([]*pb.Value, len(tv))
			for i, s := range tv {
				values[i] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
			}
			out[k] = &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: values}}}
		default:
			out[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
		}
	}
	return out
}
