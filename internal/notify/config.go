package notify

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel config arrives as decoded JSON, so values are loosely typed.

func configString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return fmt.Sprint(t)
	}
}

func configInt(cfg map[string]any, key string, fallback int) int {
	switch t := cfg[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return fallback
}

// configStrings accepts a list or a comma-separated string.
func configStrings(cfg map[string]any, key string) []string {
	var raw []string
	switch t := cfg[key].(type) {
	case string:
		raw = strings.Split(t, ",")
	case []string:
		raw = t
	case []any:
		for _, item := range t {
			raw = append(raw, fmt.Sprint(item))
		}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func configMap(cfg map[string]any, key string) map[string]string {
	out := map[string]string{}
	switch t := cfg[key].(type) {
	case map[string]any:
		for k, v := range t {
			out[k] = fmt.Sprint(v)
		}
	case map[string]string:
		for k, v := range t {
			out[k] = v
		}
	}
	return out
}
