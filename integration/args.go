package integration

import (
	"fmt"
	"strconv"
)

// StringArg extracts a string argument, tolerating stringable values.
// Returns "" when the key is absent.
func StringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// RequireString extracts a non-empty string argument or fails with an
// invalid_request error.
func RequireString(app string, args map[string]any, key string) (string, error) {
	s := StringArg(args, key)
	if s == "" {
		return "", Errf(KindInvalidRequest, app, "missing required argument %q", key)
	}
	return s, nil
}

// IntArg extracts an integer argument, tolerating JSON float64 decoding
// and numeric strings. Returns def when absent or unparseable.
func IntArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return def
}

// StringsArg extracts a string-list argument. A scalar string becomes a
// one-element list; []any elements are stringified.
func StringsArg(args map[string]any, key string) []string {
	v, ok := args[key]
	if !ok || v == nil {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case string:
		if list == "" {
			return nil
		}
		return []string{list}
	case []any:
		out := make([]string, 0, len(list))
		for _, e := range list {
			if e == nil {
				continue
			}
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	}
	return nil
}
