package filter

import (
	"log"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Reserved query parameters that are never treated as filter conditions.
var reservedParams = map[string]bool{
	"status": true,
	"limit":  true,
	"cursor": true,
}

// Special date parameters mapping onto the timestamp attributes.
var dateParams = map[string]Condition{
	"created_after":    {Path: []string{"created_at"}, Op: OpGt},
	"created_before":   {Path: []string{"created_at"}, Op: OpLt},
	"delivered_after":  {Path: []string{"delivered_at"}, Op: OpGt},
	"delivered_before": {Path: []string{"delivered_at"}, Op: OpLt},
}

var (
	bracketKeyPattern = regexp.MustCompile(`^([^\[\]]+)\[([^\[\]]+)\]$`)
	fieldNamePattern  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)
)

// Parse extracts filter conditions from request query parameters. Supported
// forms are field=value (implicit eq) and field[op]=value, with dot-paths
// addressing nested payload and metadata values. Malformed entries are
// dropped with a log line, never surfaced as errors.
func Parse(params url.Values) []Condition {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var conditions []Condition
	for _, key := range keys {
		value := params.Get(key)
		if reservedParams[key] || value == "" {
			continue
		}

		if cond, ok := dateParams[key]; ok {
			if _, err := time.Parse(time.RFC3339, value); err != nil {
				log.Printf("Dropping filter %q: value is not an RFC 3339 timestamp", key)
				continue
			}
			cond.Value = value
			conditions = append(conditions, cond)
			continue
		}

		field := key
		op := OpEq
		if match := bracketKeyPattern.FindStringSubmatch(key); match != nil {
			field = match[1]
			parsed, ok := ParseOperator(match[2])
			if !ok {
				log.Printf("Dropping filter %q: unknown operator %q", key, match[2])
				continue
			}
			op = parsed
		}

		if !fieldNamePattern.MatchString(field) {
			log.Printf("Dropping filter %q: invalid field name", key)
			continue
		}

		conditions = append(conditions, Condition{
			Path:  strings.Split(field, "."),
			Op:    op,
			Value: value,
		})
	}
	return conditions
}
