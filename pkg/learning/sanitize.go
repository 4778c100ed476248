package learning

import "regexp"

// secretKeyPattern matches context keys that must never reach the ledger.
var secretKeyPattern = regexp.MustCompile(`(?i)(secret|token|password|api[_-]?key|authorization|cookie|bearer|private[_-]?key)`)

const (
	maxStringLen   = 240
	maxSanitzDepth = 3
)

// Sanitize returns a copy of ctx safe to persist in the learning ledger:
// secret-looking keys are dropped, strings are truncated to 240 characters,
// and nesting deeper than 3 levels is cut off.
func Sanitize(ctx map[string]any) map[string]any {
	return sanitizeMap(ctx, 1)
}

func sanitizeMap(m map[string]any, depth int) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if secretKeyPattern.MatchString(k) {
			continue
		}
		if sv, ok := sanitizeValue(v, depth); ok {
			out[k] = sv
		}
	}
	return out
}

func sanitizeValue(v any, depth int) (any, bool) {
	switch t := v.(type) {
	case string:
		if len(t) > maxStringLen {
			return t[:maxStringLen], true
		}
		return t, true
	case map[string]any:
		if depth >= maxSanitzDepth {
			return nil, false
		}
		return sanitizeMap(t, depth+1), true
	case []any:
		if depth >= maxSanitzDepth {
			return nil, false
		}
		out := make([]any, 0, len(t))
		for _, item := range t {
			if sv, ok := sanitizeValue(item, depth+1); ok {
				out = append(out, sv)
			}
		}
		return out, true
	default:
		return v, true
	}
}
