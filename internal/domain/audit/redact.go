package audit

import (
	"regexp"
	"strings"
)

// piiFieldNames are map keys whose values are always redacted,
// matching the warehouse PII column set. Comparison is
// case-insensitive on the final path segment.
var piiFieldNames = map[string]struct{}{
	"email":          {},
	"phone":          {},
	"address":        {},
	"address_line1":  {},
	"address_line2":  {},
	"contact_name":   {},
	"card_last_four": {},
	"ssn":            {},
	"tax_id":         {},
}

// Value patterns scrubbed from free-text strings. The card pattern
// accepts the common 4x4 groupings as well as bare 16 digits.
var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d{1,2}[\s.\-]?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ \-]?){15}\d\b`)
)

const fieldRedacted = "[REDACTED]"

// queryFields are keys whose string values are kept verbatim. SQL text
// is operator-facing; scrubbing it would destroy replayability, and the
// analyzer already refuses statements the caller may not run.
var queryFields = map[string]struct{}{
	"query": {},
	"sql":   {},
}

// Redact returns a deep copy of m with PII removed: values under PII
// field names replaced wholesale, and email/phone/card patterns
// scrubbed out of remaining string values.
func Redact(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = redactValue(k, v)
	}
	return out
}

func redactValue(key string, v interface{}) interface{} {
	lk := strings.ToLower(key)
	if _, ok := piiFieldNames[lk]; ok {
		return fieldRedacted
	}
	switch t := v.(type) {
	case string:
		if _, ok := queryFields[lk]; ok {
			return t
		}
		return RedactText(t)
	case map[string]interface{}:
		return Redact(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = redactValue(key, e)
		}
		return out
	case []map[string]interface{}:
		out := make([]map[string]interface{}, len(t))
		for i, e := range t {
			out[i] = Redact(e)
		}
		return out
	default:
		return v
	}
}

// RedactText scrubs email, phone, and card-number patterns from free
// text. Card numbers are matched before phones so a 16-digit run is
// never half-eaten by the shorter pattern.
func RedactText(s string) string {
	s = cardPattern.ReplaceAllString(s, "[CARD_REDACTED]")
	s = emailPattern.ReplaceAllString(s, "[EMAIL_REDACTED]")
	s = phonePattern.ReplaceAllString(s, "[PHONE_REDACTED]")
	return s
}
