// Package keystore flattens nested TOML or YAML documents into dotted,
// normalized keys such as "watch.max-depth".
package keystore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Store struct {
	raw  map[string]any
	flat map[string]any
}

func (s Store) Flat() map[string]any {
	flat := make(map[string]any, len(s.flat))
	for key, value := range s.flat {
		flat[key] = value
	}
	return flat
}

// Keys returns every normalized key in sorted order.
func (s Store) Keys() []string {
	keys := make([]string, 0, len(s.flat))
	for key := range s.flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func DecodeTOML(data []byte) (Store, error) {
	raw := map[string]any{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return Store{}, err
	}
	return FromRaw(raw), nil
}

func DecodeYAML(data []byte) (Store, error) {
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Store{}, err
	}
	return FromRaw(raw), nil
}

func FromRaw(raw map[string]any) Store {
	flat := make(map[string]any)
	flattenMap("", raw, flat)

	normalized := make(map[string]any, len(flat))
	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		normalizedKey := NormalizeKey(key)
		if _, exists := normalized[normalizedKey]; exists {
			continue
		}
		normalized[normalizedKey] = flat[key]
	}

	return Store{raw: raw, flat: normalized}
}

func (s Store) Has(key string) bool {
	_, ok := s.flat[NormalizeKey(key)]
	return ok
}

func (s Store) GetBool(key string) (bool, bool) {
	value, ok := s.flat[NormalizeKey(key)]
	if !ok {
		return false, false
	}
	typed, ok := value.(bool)
	return typed, ok
}

func (s Store) GetInt(key string) (int64, bool) {
	value, ok := s.flat[NormalizeKey(key)]
	if !ok {
		return 0, false
	}
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case uint64:
		return int64(typed), true
	case float64:
		if typed == float64(int64(typed)) {
			return int64(typed), true
		}
	}
	return 0, false
}

func (s Store) GetString(key string) (string, bool) {
	value, ok := s.flat[NormalizeKey(key)]
	if !ok {
		return "", false
	}
	typed, ok := value.(string)
	return typed, ok
}

// GetStrings accepts either a list of strings or a single string.
func (s Store) GetStrings(key string) ([]string, bool) {
	value, ok := s.flat[NormalizeKey(key)]
	if !ok {
		return nil, false
	}
	switch typed := value.(type) {
	case string:
		return []string{typed}, true
	case []string:
		return append([]string(nil), typed...), true
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, text)
		}
		return out, true
	default:
		return nil, false
	}
}

func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	parts := strings.Split(key, ".")
	for i, part := range parts {
		lowered := strings.ToLower(part)
		parts[i] = strings.ReplaceAll(lowered, "_", "-")
	}
	return strings.Join(parts, ".")
}

func flattenMap(prefix string, raw map[string]any, out map[string]any) {
	for key, value := range raw {
		flattenValue(joinKey(prefix, key), value, out)
	}
}

func flattenValue(key string, value any, out map[string]any) {
	switch typed := value.(type) {
	case map[string]any:
		flattenMap(key, typed, out)
	case map[any]any:
		nested := make(map[string]any, len(typed))
		for innerKey, innerValue := range typed {
			nested[fmt.Sprint(innerKey)] = innerValue
		}
		flattenMap(key, nested, out)
	default:
		out[key] = value
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
