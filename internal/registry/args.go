package registry

import (
	"github.com/arbiter-dev/arbiterd/internal/domain"
)

// Argument extraction from decoded JSON. JSON numbers arrive as float64;
// absent or mistyped values fall back to the zero value, with required
// fields checked by the individual tools.

func argString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func argBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return fallback
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func argFloat(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// argThinkingMode validates an optional depth argument. An empty value is
// fine; an unknown one is a caller mistake surfaced as validation_error.
func argThinkingMode(args map[string]any, key string) (domain.ThinkingMode, error) {
	raw := argString(args, key)
	if raw == "" {
		return "", nil
	}
	mode := domain.ThinkingMode(raw)
	if !mode.Valid() {
		return "", domain.NewCallError(domain.ErrorKindValidation,
			"unknown thinking_mode %q", raw)
	}
	return mode, nil
}
