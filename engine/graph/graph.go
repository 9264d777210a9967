package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ilyasni/postpipe/pkg/repo"
)

// GraphStore provides graph operations on top of the generic Neo4j
// repository, plus the raw-Cypher relationship writes the post graph
// needs.
type GraphStore struct {
	driver neo4j.DriverWithContext
	posts  *repo.Neo4jRepo[PostNode, string]
}

// New creates a new GraphStore.
func New(driver neo4j.DriverWithContext) *GraphStore {
	return &GraphStore{driver: driver, posts: newPostRepo(driver)}
}

// GetPost returns a Post node by ID.
func (g *GraphStore) GetPost(ctx context.Context, id string) (PostNode, error) {
	return g.posts.Get(ctx, id)
}

// WriteDocument upserts a Post node and every relationship it
// participates in, all in a single transaction. Returns the number of
// nodes and relationships written, for the caller's posts.indexed
// graph_nodes_written/graph_edges_written fields.
func (g *GraphStore) WriteDocument(ctx context.Context, doc Document) (nodes int, edges int, err error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		n, e := 0, 0

		if _, err := tx.Run(ctx, `MERGE (p:Post {id: $id}) SET p += $props`, map[string]any{
			"id":    doc.Post.ID,
			"props": postToMap(doc.Post),
		}); err != nil {
			return nil, fmt.Errorf("graph: upsert post: %w", err)
		}
		n++

		if doc.Post.ChannelID != "" {
			if _, err := tx.Run(ctx, `
				MATCH (p:Post {id: $post})
				MERGE (c:Channel {id: $channel})
				MERGE (p)-[:POSTED_IN]->(c)
			`, map[string]any{"post": doc.Post.ID, "channel": doc.Post.ChannelID}); err != nil {
				return nil, fmt.Errorf("graph: link channel: %w", err)
			}
			n++
			e++
		}

		for _, tag := range doc.Tags {
			if tag == "" {
				continue
			}
			if _, err := tx.Run(ctx, `
				MATCH (p:Post {id: $post})
				MERGE (t:Tag {name: $tag})
				MERGE (top:Topic {name: $tag})
				MERGE (p)-[:TAGGED_WITH]->(t)
				MERGE (t)-[:ABOUT]->(top)
			`, map[string]any{"post": doc.Post.ID, "tag": tag}); err != nil {
				return nil, fmt.Errorf("graph: link tag %s: %w", tag, err)
			}
			n += 2
			e += 2
		}

		for _, img := range doc.Images {
			if img.SHA256 == "" {
				continue
			}
			if _, err := tx.Run(ctx, `
				MATCH (p:Post {id: $post})
				MERGE (i:ImageContent {sha256: $sha})
				SET i.mime = CASE WHEN $mime <> '' THEN $mime ELSE i.mime END
				MERGE (p)-[:HAS_IMAGE]->(i)
			`, map[string]any{"post": doc.Post.ID, "sha": img.SHA256, "mime": img.Mime}); err != nil {
				return nil, fmt.Errorf("graph: link image %s: %w", img.SHA256, err)
			}
			n++
			e++
		}

		for _, wp := range doc.WebPages {
			if wp.URLHash == "" {
				continue
			}
			if _, err := tx.Run(ctx, `
				MATCH (p:Post {id: $post})
				MERGE (w:WebPage {url_hash: $hash})
				SET w.url = $url
				MERGE (p)-[:LINKS_TO]->(w)
			`, map[string]any{"post": doc.Post.ID, "hash": wp.URLHash, "url": wp.URL}); err != nil {
				return nil, fmt.Errorf("graph: link web page %s: %w", wp.URLHash, err)
			}
			n++
			e++
		}

		for _, ent := range doc.Entities {
			if ent == "" {
				continue
			}
			if _, err := tx.Run(ctx, `
				MATCH (p:Post {id: $post})
				MERGE (en:Entity {name: $name})
				MERGE (p)-[:MENTIONS]->(en)
			`, map[string]any{"post": doc.Post.ID, "name": ent}); err != nil {
				return nil, fmt.Errorf("graph: link entity %s: %w", ent, err)
			}
			n++
			e++
		}

		if doc.AlbumID != "" {
			if _, err := tx.Run(ctx, `
				MATCH (p:Post {id: $post})
				MERGE (a:Album {id: $album})
				MERGE (p)-[:PART_OF]->(a)
			`, map[string]any{"post": doc.Post.ID, "album": doc.AlbumID}); err != nil {
				return nil, fmt.Errorf("graph: link album: %w", err)
			}
			n++
			e++
		}

		return [2]int{n, e}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	counts := result.([2]int)
	return counts[0], counts[1], nil
}

// DeletePost removes a Post node and its relationships, used by the
// out-of-core cleanup stage defers (interface kept here so that
// stage has a home to call into without reaching past this package).
func (g *GraphStore) DeletePost(ctx context.Context, postID string) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `MATCH (p:Post {id: $id}) DETACH DELETE p`, map[string]any{"id": postID})
	return err
}
