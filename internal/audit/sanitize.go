package audit

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/roach88/toolrun/internal/canonical"
)

const (
	// RedactedMarker replaces values of sensitive input keys.
	RedactedMarker = "[redacted]"

	// TruncatedMarker is appended to shortened strings.
	TruncatedMarker = "...[truncated]"

	maxInputString  = 1000
	maxOutputString = 500
	maxOutputKeys   = 20
)

var sensitiveKeyParts = []string{"token", "secret", "password", "api_key"}

// SanitizeInput returns a copy of input safe to persist. Values under keys
// whose lowercase form contains token, secret, password or api_key are
// redacted; strings longer than 1000 characters are truncated. Nested maps
// and slices are sanitized recursively.
func SanitizeInput(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if isSensitive(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch x := generic(v).(type) {
	case string:
		return truncate(x, maxInputString)
	case map[string]any:
		return SanitizeInput(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return v
	}
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// SummarizeOutput reduces an integration response to a small, non-sensitive
// summary: long strings are truncated, arrays become {type, count} and
// objects become {type, keys} with at most 20 key names in sorted order.
func SummarizeOutput(output any) any {
	switch x := generic(output).(type) {
	case string:
		return truncate(x, maxOutputString)
	case []any:
		return map[string]any{"type": "array", "count": len(x)}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > maxOutputKeys {
			keys = keys[:maxOutputKeys]
		}
		return map[string]any{"type": "object", "keys": keys}
	default:
		return output
	}
}

// generic returns typed maps, slices and structs in the map[string]any /
// []any form so their contents can be redacted and summarized. Scalars are
// returned unchanged.
func generic(v any) any {
	switch v.(type) {
	case nil, string, bool, json.Number, map[string]any, []any:
		return v
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return normalized(v)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return normalized(v)
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Struct, reflect.Pointer, reflect.Interface:
		return normalized(v)
	}
	return v
}

// normalized falls back to the JSON form of v; values that cannot be
// encoded are kept as they are.
func normalized(v any) any {
	n, err := canonical.Normalize(v)
	if err != nil {
		return v
	}
	return n
}

// truncate cuts s to n characters (runes) plus the marker.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + TruncatedMarker
}
