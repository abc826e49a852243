package interp

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRE matches {{ dotted.path }} placeholders in step config
// values.
var placeholderRE = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

// Render substitutes {{path}} placeholders in s with values from data.
// A path that resolves to nothing, including an explicit null, leaves the
// placeholder untouched, so a literal that merely looks like a
// placeholder survives.
func Render(s string, data map[string]any) string {
	return placeholderRE.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderRE.FindStringSubmatch(match)[1]
		v, ok := Lookup(data, path)
		if !ok || v == nil {
			return match
		}
		return Stringify(v)
	})
}

// Lookup resolves a dotted path against nested maps. List elements are
// addressable by index ("items.0.name").
func Lookup(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		case []map[string]any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Stringify renders a resolved value for templating and comparisons.
// Integral floats drop the JSON decoding artifact (".0"); composite
// values render as JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case map[string]any, []any, []map[string]any:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// RenderConfig renders every string value of a step config, descending
// into nested maps and lists.
func RenderConfig(cfg map[string]any, data map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = renderValue(v, data)
	}
	return out
}

func renderValue(v any, data map[string]any) any {
	switch t := v.(type) {
	case string:
		return Render(t, data)
	case map[string]any:
		return RenderConfig(t, data)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = renderValue(e, data)
		}
		return out
	default:
		return v
	}
}
