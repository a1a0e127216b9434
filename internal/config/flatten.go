package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// secretKeys lists the dot-separated keys whose values may carry
// credentials.
var secretKeys = map[string]bool{
	"store.mongo.uri": true,
}

// IsSecretKey returns true if the given dot-separated key is a secret.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"http": {"listen": ":8080"}} becomes {"http.listen": ":8080"}.
// Lists such as http.allowed_origins stay single values.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(key, child, out)
			continue
		}
		out[key] = v
	}
}

// Unflatten converts a flat map with dot-separated keys back into a nested map.
// A key that descends through a non-map value replaces that value.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		current := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := current[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				current[part] = child
			}
			current = child
		}
		current[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets returns a copy of the flat map with secret values masked.
// Connection strings keep their scheme, user and hosts with the password
// redacted; anything that does not parse as a URL is hidden entirely.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !secretKeys[k] || !ok || s == "" {
			out[k] = v
			continue
		}
		out[k] = maskURI(s)
	}
	return out
}

func maskURI(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}

// coerceValue converts a command-line value for key into the type the key
// holds in the default config. Durations must parse with time.ParseDuration
// and lists take comma-separated entries.
func coerceValue(key, raw string) (any, error) {
	defaults, err := ListValues(Default(), false)
	if err != nil {
		return nil, err
	}
	def, ok := defaults[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}

	switch d := def.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s expects true or false, got %q", key, raw)
		}
		return b, nil
	case float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s expects a number, got %q", key, raw)
		}
		return n, nil
	case []any, nil:
		// A null default is an unset list.
		if strings.TrimSpace(raw) == "" {
			return []any{}, nil
		}
		parts := strings.Split(raw, ",")
		list := make([]any, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		return list, nil
	case string:
		if _, err := time.ParseDuration(d); err == nil {
			if _, err := time.ParseDuration(raw); err != nil {
				return nil, fmt.Errorf("%s expects a duration such as 10s, got %q", key, raw)
			}
		}
		return raw, nil
	}
	return raw, nil
}
