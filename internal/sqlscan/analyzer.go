package sqlscan

import (
	"sort"
	"strconv"

	"github.com/datagate-labs/datagate/internal/domain/policy"
)

// Analysis is the structural fact record extracted from one statement.
type Analysis struct {
	QueryType policy.QueryType
	Tables    []policy.TableRef
	Columns   []string
	HasLimit  bool
	Aggregate bool
}

// Keywords are excluded from column candidates and table positions.
var Keywords = map[string]struct{}{
	"select": {}, "from": {}, "where": {}, "and": {}, "or": {}, "not": {},
	"as": {}, "on": {}, "join": {}, "inner": {}, "left": {}, "right": {},
	"full": {}, "outer": {}, "cross": {}, "group": {}, "by": {}, "having": {},
	"order": {}, "limit": {}, "offset": {}, "union": {}, "all": {},
	"distinct": {}, "insert": {}, "into": {}, "values": {}, "update": {},
	"set": {}, "delete": {}, "create": {}, "table": {}, "drop": {},
	"alter": {}, "truncate": {}, "rename": {}, "with": {}, "asc": {},
	"desc": {}, "between": {}, "in": {}, "is": {}, "null": {}, "like": {},
	"ilike": {}, "case": {}, "when": {}, "then": {}, "else": {}, "end": {},
	"exists": {}, "any": {}, "some": {}, "cast": {}, "interval": {},
	"true": {}, "false": {}, "using": {}, "returning": {}, "if": {},
	"index": {}, "view": {}, "nulls": {}, "first": {}, "last": {},
	"current_date": {}, "current_timestamp": {}, "now": {},
}

// aggregateFuncs mark a SELECT as aggregated, which lifts the LIMIT
// requirement.
var aggregateFuncs = map[string]struct{}{
	"count": {}, "sum": {}, "avg": {}, "min": {}, "max": {},
}

// statement kinds by leading keyword.
var statementKinds = map[string]policy.QueryType{
	"select":   policy.QuerySelect,
	"insert":   policy.QueryInsert,
	"update":   policy.QueryUpdate,
	"delete":   policy.QueryDelete,
	"create":   policy.QueryDDL,
	"drop":     policy.QueryDDL,
	"alter":    policy.QueryDDL,
	"truncate": policy.QueryDDL,
}

// Analyze tokenizes a single SQL statement and extracts the facts the
// policy engine reasons about. Errors are parse failures; the caller
// maps them to a refusal, never to a pass.
func Analyze(query string) (*Analysis, error) {
	toks, err := Scan(query)
	if err != nil {
		return nil, err
	}

	a := &Analysis{QueryType: policy.QueryUnknown}

	// The statement kind comes from the leading keyword. A CTE prefix
	// (WITH ... AS (...)) keeps its inner statements above depth 0, so
	// the main statement keyword is the first kind keyword at depth 0
	// after the WITH.
	lead := toks[0]
	if lead.Kind != KindIdent || lead.Quoted {
		return nil, &ErrParse{Msg: "unrecognized statement kind"}
	}
	if qt, ok := statementKinds[lead.Text]; ok {
		a.QueryType = qt
	} else if lead.Text == "with" {
		for _, t := range toks[1:] {
			if t.Kind != KindIdent || t.Quoted || t.Depth != 0 {
				continue
			}
			if qt, ok := statementKinds[t.Text]; ok {
				a.QueryType = qt
				break
			}
		}
	}
	if a.QueryType == policy.QueryUnknown {
		return nil, &ErrParse{Msg: "unrecognized statement kind"}
	}

	tableSeen := make(map[policy.TableRef]struct{})
	colSeen := make(map[string]struct{})
	tablePos := make(map[int]struct{}) // token indexes consumed as table refs

	addTable := func(ref policy.TableRef, used []int) {
		if _, dup := tableSeen[ref]; !dup {
			tableSeen[ref] = struct{}{}
			a.Tables = append(a.Tables, ref)
		}
		for _, u := range used {
			tablePos[u] = struct{}{}
		}
	}

	for i, t := range toks {
		if t.Kind != KindIdent || t.Quoted {
			continue
		}
		switch t.Text {
		case "from", "join", "into", "table":
			if ref, used, ok := tableRefAt(toks, i+1); ok {
				addTable(ref, used)
			}
		case "update":
			// UPDATE <table> at statement position only.
			if t.Depth == 0 && a.QueryType == policy.QueryUpdate {
				if ref, used, ok := tableRefAt(toks, i+1); ok {
					addTable(ref, used)
				}
			}
		case "group":
			if i+1 < len(toks) && toks[i+1].Text == "by" {
				a.Aggregate = true
			}
		case "limit":
			if t.Depth == 0 && i+1 < len(toks) && toks[i+1].Kind == KindNumber {
				if n, err := strconv.Atoi(toks[i+1].Text); err == nil && n > 0 {
					a.HasLimit = true
				}
			}
		}
	}

	// Column candidates: every bare identifier that is not a keyword,
	// not a function name (next token opens a call), not a table
	// reference, and not a qualifier (next token is a dot). Aliases and
	// table names slip through; that is the safe direction.
	for i, t := range toks {
		if t.Kind != KindIdent {
			continue
		}
		if _, isTable := tablePos[i]; isTable {
			continue
		}
		if !t.Quoted {
			if _, kw := Keywords[t.Text]; kw {
				continue
			}
		}
		if i+1 < len(toks) && toks[i+1].Kind == KindPunct {
			switch toks[i+1].Text {
			case "(":
				if _, agg := aggregateFuncs[t.Text]; agg {
					a.Aggregate = true
				}
				continue // function name
			case ".":
				continue // qualifier: take the trailing segment instead
			}
		}
		if _, dup := colSeen[t.Text]; !dup {
			colSeen[t.Text] = struct{}{}
			a.Columns = append(a.Columns, t.Text)
		}
	}
	sort.Strings(a.Columns)

	return a, nil
}

// tableRefAt parses ident[.ident] starting at index i. Returns the
// reference, the consumed token indexes, and ok. A following "(" means
// a function or subquery, not a table.
func tableRefAt(toks []Token, i int) (policy.TableRef, []int, bool) {
	if i >= len(toks) || toks[i].Kind != KindIdent {
		return policy.TableRef{}, nil, false
	}
	if _, kw := Keywords[toks[i].Text]; kw && !toks[i].Quoted {
		return policy.TableRef{}, nil, false
	}
	if i+1 < len(toks) && toks[i+1].Kind == KindPunct && toks[i+1].Text == "(" {
		return policy.TableRef{}, nil, false
	}
	if i+2 < len(toks) && toks[i+1].Kind == KindPunct && toks[i+1].Text == "." && toks[i+2].Kind == KindIdent {
		ref := policy.TableRef{Schema: toks[i].Text, Table: toks[i+2].Text}
		return ref, []int{i, i + 2}, true
	}
	// Unqualified reference. The empty schema fails closed downstream.
	return policy.TableRef{Table: toks[i].Text}, []int{i}, true
}
