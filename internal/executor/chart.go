package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/datagate-labs/datagate/internal/domain/tool"
)

const vegaLiteSchema = "https://vega.github.io/schema/vega-lite/v5.json"

// GenerateChart builds a Vega-Lite spec for the supplied data. Pure:
// no warehouse access, so the data hash is the only link between the
// chart and whatever query produced its rows.
func (e *Executor) GenerateChart(in tool.GenerateChartInputs) (*tool.Result, error) {
	start := time.Now()

	dataJSON, err := json.Marshal(in.Data)
	if err != nil {
		return nil, fmt.Errorf("encode chart data: %w", err)
	}
	sum := sha256.Sum256(dataJSON)
	hash := hex.EncodeToString(sum[:])[:16]

	encoding := map[string]interface{}{
		"x": map[string]interface{}{"field": in.X, "type": fieldType(in.Data, in.X)},
		"y": map[string]interface{}{"field": in.Y, "type": fieldType(in.Data, in.Y)},
	}
	if in.Color != "" {
		encoding["color"] = map[string]interface{}{"field": in.Color, "type": "nominal"}
	}
	spec := map[string]interface{}{
		"$schema":  vegaLiteSchema,
		"mark":     in.ChartType,
		"data":     map[string]interface{}{"values": in.Data},
		"encoding": encoding,
	}
	if in.Title != "" {
		spec["title"] = in.Title
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode chart spec: %w", err)
	}
	return &tool.Result{
		Chart: &tool.Chart{
			Spec:     json.RawMessage(specJSON),
			DataHash: hash,
		},
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

// fieldType infers the Vega-Lite type from the first row that carries
// the field. Numbers chart quantitatively, everything else nominally.
func fieldType(data []map[string]interface{}, field string) string {
	for _, row := range data {
		v, ok := row[field]
		if !ok || v == nil {
			continue
		}
		switch v.(type) {
		case float64, float32, int, int32, int64, json.Number:
			return "quantitative"
		default:
			return "nominal"
		}
	}
	return "nominal"
}
