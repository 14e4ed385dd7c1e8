// Package tool contains domain types for the governed tool catalogue.
package tool

import (
	"encoding/json"
	"time"
)

// Tool names in the fixed catalogue. The dispatcher accepts nothing
// else; an unknown name is a malformed envelope, not a policy denial.
const (
	NameRunSQL        = "run_sql"
	NameSearchDocs    = "search_docs"
	NameExplainMetric = "explain_metric"
	NameGenerateChart = "generate_chart"
)

// Known reports whether name is in the catalogue.
func Known(name string) bool {
	switch name {
	case NameRunSQL, NameSearchDocs, NameExplainMetric, NameGenerateChart:
		return true
	default:
		return false
	}
}

// Envelope is the validated tool-call request. RequestID is the
// idempotency key: replaying an ID while the original is in flight
// joins the in-flight call instead of starting another.
type Envelope struct {
	RequestID      string                 `json:"request_id" validate:"required,uuid4"`
	ExternalUserID string                 `json:"external_user_id" validate:"required,max=128"`
	ToolName       string                 `json:"tool_name" validate:"required"`
	Inputs         map[string]interface{} `json:"inputs" validate:"required"`
}

// SQLInputs are the run_sql tool inputs.
type SQLInputs struct {
	Query string `json:"query" validate:"required,max=20000"`
	// RowCount is the caller-declared expected result size, used by the
	// large-data approval trigger. Optional.
	RowCount int64 `json:"row_count,omitempty" validate:"omitempty,min=0"`
}

// SearchDocsInputs are the search_docs tool inputs.
type SearchDocsInputs struct {
	Query string `json:"query" validate:"required,max=1000"`
	K     int    `json:"k,omitempty" validate:"omitempty,min=1,max=50"`
}

// ExplainMetricInputs are the explain_metric tool inputs.
type ExplainMetricInputs struct {
	Name string `json:"name" validate:"required,max=200"`
}

// GenerateChartInputs are the generate_chart tool inputs.
type GenerateChartInputs struct {
	ChartType string                   `json:"chart_type" validate:"required,oneof=bar line area point arc"`
	Data      []map[string]interface{} `json:"data" validate:"required,max=5000"`
	Title     string                   `json:"title,omitempty" validate:"max=200"`
	X         string                   `json:"x" validate:"required"`
	Y         string                   `json:"y" validate:"required"`
	Color     string                   `json:"color,omitempty"`
}

// Result is the successful output of a tool execution.
type Result struct {
	// Columns and Rows carry tabular output (run_sql). Masked columns
	// have already been overwritten by the time a Result leaves the
	// executor.
	Columns []string                 `json:"columns,omitempty"`
	Rows    []map[string]interface{} `json:"rows,omitempty"`
	// RowCount is the number of rows returned after capping.
	RowCount int `json:"row_count,omitempty"`
	// Truncated is set when the row cap cut the result short.
	Truncated bool `json:"truncated,omitempty"`

	// Docs carries search_docs hits.
	Docs []DocHit `json:"docs,omitempty"`

	// Metric carries the explain_metric definition.
	Metric *Metric `json:"metric,omitempty"`

	// Chart carries the generate_chart output.
	Chart *Chart `json:"chart,omitempty"`

	// LatencyMS is wall-clock execution time in milliseconds.
	LatencyMS int64 `json:"latency_ms"`
}

// DocHit is a single search_docs match.
type DocHit struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	ACLTag     string `json:"acl_tag"`
	Snippet    string `json:"snippet"`
	ChunkIndex int    `json:"chunk_index"`
}

// Metric is a business-metric definition from the metric registry.
type Metric struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description"`
	Formula     string    `json:"formula"`
	Owner       string    `json:"owner"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Chart is the generate_chart output: a Vega-Lite spec plus a content
// hash of the charted data for caching and audit correlation.
type Chart struct {
	Spec     json.RawMessage `json:"spec"`
	DataHash string          `json:"data_hash"`
}
