package graph

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/ilyasni/postpipe/pkg/repo"
)

func newPostRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[PostNode, string] {
	return repo.NewNeo4jRepo[PostNode, string](
		driver,
		"Post",
		postToMap,
		postFromRecord,
	)
}

func postFromRecord(rec *neo4j.Record) (PostNode, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return PostNode{}, err
	}
	props := node.Props
	return PostNode{
		ID:        strProp(props, "id"),
		TenantID:  strProp(props, "tenant_id"),
		ChannelID: strProp(props, "channel_id"),
		PostedAt:  timeProp(props, "posted_at"),
		ExpiresAt: timeProp(props, "expires_at"),
	}, nil
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func timeProp(props map[string]any, key string) time.Time {
	s := strProp(props, key)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
