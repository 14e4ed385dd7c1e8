package executor

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/datagate-labs/datagate/internal/domain/identity"
	"github.com/datagate-labs/datagate/internal/domain/tool"
)

const (
	defaultDocsK   = 5
	snippetMaxRune = 240
)

// aclTags returns the document ACL tags a role may read.
func aclTags(role string) []string {
	tags := []string{"public"}
	switch role {
	case string(identity.RoleMarketing):
		tags = append(tags, "marketing_only")
	case string(identity.RoleDataAnalyst), string(identity.RoleAdmin):
		tags = append(tags, "finance_only", "internal")
	}
	return tags
}

const searchDocsQuery = `
SELECT d.document_id, d.title, d.acl_tag, c.content, c.chunk_index
FROM internal.doc_chunks AS c
JOIN internal.documents AS d ON d.document_id = c.document_id
WHERE d.acl_tag = ANY($1) AND c.content ILIKE $2
ORDER BY d.document_id, c.chunk_index
LIMIT $3`

// SearchDocs matches chunk text against the query, restricted to the
// documents the role's ACL tags admit.
func (e *Executor) SearchDocs(ctx context.Context, role, region string, in tool.SearchDocsInputs) (*tool.Result, error) {
	k := in.K
	if k <= 0 {
		k = defaultDocsK
	}

	execCtx, cancel := e.execCtx(ctx)
	defer cancel()

	sess, err := e.wh.Session(execCtx, role, region)
	if err != nil {
		return nil, e.mapWarehouseErr(err)
	}
	defer sess.Close()

	start := time.Now()
	res, err := sess.Query(execCtx, searchDocsQuery, k,
		aclTags(role), "%"+in.Query+"%", k)
	if err != nil {
		return nil, e.mapWarehouseErr(err)
	}

	hits := make([]tool.DocHit, 0, len(res.Rows))
	for _, r := range res.Rows {
		hits = append(hits, tool.DocHit{
			DocumentID: asString(r[0]),
			Title:      asString(r[1]),
			ACLTag:     asString(r[2]),
			Snippet:    snippet(asString(r[3])),
			ChunkIndex: int(asInt(r[4])),
		})
	}
	return &tool.Result{
		Docs:      hits,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

// snippet truncates chunk content at a rune boundary.
func snippet(s string) string {
	if utf8.RuneCountInString(s) <= snippetMaxRune {
		return s
	}
	runes := []rune(s)
	return string(runes[:snippetMaxRune]) + "…"
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

func asInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
