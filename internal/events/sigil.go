package events

import "strings"

// reservedSigil prefixes keys that collide with document-store operators.
// They are stripped before an event payload is persisted.
const reservedSigil = "$"

// StripSigils returns a copy of the payload with the reserved sigil removed
// from every key, recursively through nested maps and slices.
func StripSigils(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[strings.TrimPrefix(k, reservedSigil)] = stripValue(v)
	}
	return out
}

func stripValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return StripSigils(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = stripValue(e)
		}
		return out
	default:
		return v
	}
}
