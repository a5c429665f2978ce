package config

import "strings"

// secretKeys are the flattened keys masked by MaskSecrets.
var secretKeys = map[string]bool{
	"llm.default.api_key":     true,
	"llm.canary.api_key":      true,
	"llm.secondary.api_key":   true,
	"search.serper_api_key":   true,
	"search.brave_api_key":    true,
	"telegram.token":          true,
	"telegram.webhook_secret": true,
	"whatsapp.access_token":   true,
	"whatsapp.verify_token":   true,
	"whatsapp.app_secret":     true,
}

// IsSecretKey reports whether key names a credential.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten turns nested JSON objects into dot-separated keys, so
// {"llm": {"canary": {"model": "gpt-4"}}} becomes {"llm.canary.model": "gpt-4"}.
// Empty objects produce no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if prefix != "" {
				k = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(k, child)
				continue
			}
			out[k] = v
		}
	}
	walk("", m)
	return out
}

// Unflatten is the inverse of Flatten. A scalar standing where an object is
// needed is replaced by the object.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		node := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = v
	}
	return out
}

// MaskSecrets copies flat, replacing non-empty secrets with "***" and their
// last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		out[k] = v
		s, ok := v.(string)
		if !secretKeys[k] || !ok || s == "" {
			continue
		}
		r := []rune(s)
		if len(r) > 4 {
			r = r[len(r)-4:]
		}
		out[k] = "***" + string(r)
	}
	return out
}
