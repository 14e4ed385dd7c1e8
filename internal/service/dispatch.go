package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/datagate-labs/datagate/internal/domain/policy"
	"github.com/datagate-labs/datagate/internal/domain/tool"
	"github.com/datagate-labs/datagate/internal/executor"
)

// ToolExecutor is the executor surface the services drive. Satisfied
// by *executor.Executor.
type ToolExecutor interface {
	RunSQL(ctx context.Context, req executor.SQLRequest) (*tool.Result, error)
	SearchDocs(ctx context.Context, role, region string, in tool.SearchDocsInputs) (*tool.Result, error)
	ExplainMetric(ctx context.Context, role, region string, in tool.ExplainMetricInputs) (*tool.Result, error)
	GenerateChart(in tool.GenerateChartInputs) (*tool.Result, error)
}

// decodeInputs maps loosely typed envelope inputs onto a typed input
// struct via a JSON round trip, matching how they arrived on the wire.
func decodeInputs(m map[string]interface{}, out interface{}) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode inputs: %w", err)
	}
	return nil
}

// dispatch routes an allowed call to its tool handler. The policy
// input carries the analyzer's view for run_sql; constraints carry the
// decision's obligations.
func dispatch(ctx context.Context, exec ToolExecutor, role, region, toolName string,
	inputs map[string]interface{}, in *policy.Input, cons policy.Constraints) (*tool.Result, error) {

	switch toolName {
	case tool.NameRunSQL:
		var sqlIn tool.SQLInputs
		if err := decodeInputs(inputs, &sqlIn); err != nil {
			return nil, tool.NewError(tool.CodeEnvelopeMalformed, err.Error())
		}
		return exec.RunSQL(ctx, executor.SQLRequest{
			Role:        role,
			Region:      region,
			Query:       sqlIn.Query,
			QueryType:   in.QueryType,
			Tables:      in.Tables,
			Constraints: cons,
		})
	case tool.NameSearchDocs:
		var docsIn tool.SearchDocsInputs
		if err := decodeInputs(inputs, &docsIn); err != nil {
			return nil, tool.NewError(tool.CodeEnvelopeMalformed, err.Error())
		}
		return exec.SearchDocs(ctx, role, region, docsIn)
	case tool.NameExplainMetric:
		var metricIn tool.ExplainMetricInputs
		if err := decodeInputs(inputs, &metricIn); err != nil {
			return nil, tool.NewError(tool.CodeEnvelopeMalformed, err.Error())
		}
		return exec.ExplainMetric(ctx, role, region, metricIn)
	case tool.NameGenerateChart:
		var chartIn tool.GenerateChartInputs
		if err := decodeInputs(inputs, &chartIn); err != nil {
			return nil, tool.NewError(tool.CodeEnvelopeMalformed, err.Error())
		}
		return exec.GenerateChart(chartIn)
	default:
		return nil, tool.NewError(tool.CodeEnvelopeMalformed, "unknown tool "+toolName)
	}
}

// resultSummary condenses an execution result for the audit row. Row
// contents never land in the audit log, only their shape.
func resultSummary(res *tool.Result) map[string]interface{} {
	if res == nil {
		return nil
	}
	summary := map[string]interface{}{
		"latency_ms": res.LatencyMS,
	}
	if res.Columns != nil {
		summary["columns"] = len(res.Columns)
	}
	if res.RowCount > 0 || res.Rows != nil {
		summary["row_count"] = res.RowCount
		summary["truncated"] = res.Truncated
	}
	if res.Docs != nil {
		summary["doc_hits"] = len(res.Docs)
	}
	if res.Metric != nil {
		summary["metric"] = res.Metric.Name
	}
	if res.Chart != nil {
		summary["chart_data_hash"] = res.Chart.DataHash
	}
	return summary
}
