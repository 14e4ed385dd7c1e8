package executor

import (
	"context"
	"time"

	"github.com/datagate-labs/datagate/internal/domain/tool"
)

const explainMetricQuery = `
SELECT name, display_name, description, formula, owner, updated_at
FROM internal.metrics
WHERE lower(name) = lower($1) OR lower(display_name) = lower($1)
ORDER BY name
LIMIT 1`

// ExplainMetric looks up a metric definition by name or display name.
// The lookup is deterministic: ties on display name resolve by name
// order.
func (e *Executor) ExplainMetric(ctx context.Context, role, region string, in tool.ExplainMetricInputs) (*tool.Result, error) {
	execCtx, cancel := e.execCtx(ctx)
	defer cancel()

	sess, err := e.wh.Session(execCtx, role, region)
	if err != nil {
		return nil, e.mapWarehouseErr(err)
	}
	defer sess.Close()

	start := time.Now()
	res, err := sess.Query(execCtx, explainMetricQuery, 1, in.Name)
	if err != nil {
		return nil, e.mapWarehouseErr(err)
	}
	if len(res.Rows) == 0 {
		return nil, tool.NewError(tool.CodeMetricNotFound, "no metric named "+in.Name)
	}

	r := res.Rows[0]
	m := &tool.Metric{
		Name:        asString(r[0]),
		DisplayName: asString(r[1]),
		Description: asString(r[2]),
		Formula:     asString(r[3]),
		Owner:       asString(r[4]),
	}
	if t, ok := r[5].(time.Time); ok {
		m.UpdatedAt = t
	}
	return &tool.Result{
		Metric:    m,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}
