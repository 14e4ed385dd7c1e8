package sqlrewrite

import "strings"

// Mask sentinels by column name. Anything not listed masks to the
// generic sentinel.
var maskSentinels = map[string]string{
	"email":          "***@***.***",
	"phone":          "***-***-****",
	"card_last_four": "****",
}

const maskDefault = "***"

// MaskSentinel returns the sentinel value for a masked column.
func MaskSentinel(column string) string {
	if s, ok := maskSentinels[strings.ToLower(column)]; ok {
		return s
	}
	return maskDefault
}

// MaskRows overwrites the listed columns in every row with their
// sentinel values, in place. Column matching is case-insensitive.
func MaskRows(rows []map[string]interface{}, masked []string) {
	if len(masked) == 0 {
		return
	}
	want := make(map[string]struct{}, len(masked))
	for _, m := range masked {
		want[strings.ToLower(m)] = struct{}{}
	}
	for _, row := range rows {
		for col := range row {
			if _, ok := want[strings.ToLower(col)]; ok {
				row[col] = MaskSentinel(col)
			}
		}
	}
}
