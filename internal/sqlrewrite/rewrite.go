// Package sqlrewrite applies policy constraints to a statement before
// execution: region predicates, the row-limit safety net, and result
// masking sentinels.
package sqlrewrite

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/datagate-labs/datagate/internal/domain/policy"
	"github.com/datagate-labs/datagate/internal/sqlscan"
)

// Catalog maps qualified table names ("reporting.customers") to the
// column that scopes their rows to a region. Tables absent from the
// catalog carry no region column and are never rewritten.
type Catalog map[string]string

// RegionColumn returns the region column for the first referenced
// table found in the catalog, or "".
func (c Catalog) RegionColumn(tables []policy.TableRef) string {
	for _, t := range tables {
		if col, ok := c[t.String()]; ok {
			return col
		}
	}
	return ""
}

// regionValue guards against predicate injection through the region
// field; regions are short uppercase codes.
var regionValue = regexp.MustCompile(`^[A-Z]{1,8}$`)

// clause keywords that terminate the top-level WHERE section. The
// region predicate must land before any of them.
var tailClauses = map[string]struct{}{
	"group": {}, "having": {}, "order": {}, "limit": {}, "offset": {}, "union": {},
}

// Applier rewrites statements under the engine's schema catalog.
type Applier struct {
	catalog Catalog
}

func NewApplier(catalog Catalog) *Applier {
	return &Applier{catalog: catalog}
}

// ApplyRegionFilter appends a region predicate to a SELECT whose FROM
// references a catalogued region-bearing table. Returns the rewritten
// query and whether anything changed.
func (a *Applier) ApplyRegionFilter(query string, tables []policy.TableRef, region string) (string, bool, error) {
	col := a.catalog.RegionColumn(tables)
	if col == "" {
		return query, false, nil
	}
	if !regionValue.MatchString(region) {
		return "", false, fmt.Errorf("sqlrewrite: invalid region %q", region)
	}
	toks, err := sqlscan.Scan(query)
	if err != nil {
		return "", false, err
	}

	hasWhere := false
	insertAt := len(query)
	for _, t := range toks {
		if t.Kind != sqlscan.KindIdent || t.Quoted || t.Depth != 0 {
			continue
		}
		if t.Text == "where" {
			hasWhere = true
		}
		if _, tail := tailClauses[t.Text]; tail {
			insertAt = t.Pos
			break
		}
	}

	var pred string
	if hasWhere {
		pred = fmt.Sprintf("AND %s = '%s' ", col, region)
	} else {
		pred = fmt.Sprintf("WHERE %s = '%s' ", col, region)
	}
	head := strings.TrimRight(query[:insertAt], " \t\n\r;")
	tail := query[insertAt:]
	if tail == "" {
		return head + " " + strings.TrimRight(pred, " "), true, nil
	}
	return head + " " + pred + tail, true, nil
}

// EnsureLimit appends LIMIT n when the statement has no positive
// top-level LIMIT. This is a safety net behind the policy layer, which
// may already have refused limit-less statements.
func (a *Applier) EnsureLimit(query string, n int) (string, bool, error) {
	toks, err := sqlscan.Scan(query)
	if err != nil {
		return "", false, err
	}
	for i, t := range toks {
		if t.Kind != sqlscan.KindIdent || t.Quoted || t.Depth != 0 || t.Text != "limit" {
			continue
		}
		if i+1 < len(toks) && toks[i+1].Kind == sqlscan.KindNumber {
			if v, err := strconv.Atoi(toks[i+1].Text); err == nil && v > 0 {
				return query, false, nil
			}
		}
	}
	return strings.TrimRight(query, " \t\n\r;") + " LIMIT " + strconv.Itoa(n), true, nil
}
