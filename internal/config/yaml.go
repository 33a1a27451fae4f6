package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decodeToJSON funnels YAML config files through the strict JSON decoder.
// JSON input passes through untouched; YAML is unmarshaled, its map keys
// forced to strings, and re-marshaled as JSON, so DisallowUnknownFields
// covers both formats. The returned format string is "json" or "yaml".
func decodeToJSON(path string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, "yaml", nil
}

// stringifyKeys rewrites every map key to a string. yaml.v3 decodes plain
// mappings to map[string]any already, but aliases and merge keys can still
// surface map[any]any in nested documents.
func stringifyKeys(in any) any {
	switch v := in.(type) {
	case map[string]any:
		for k, elem := range v {
			v[k] = stringifyKeys(elem)
		}
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[fmt.Sprint(k)] = stringifyKeys(elem)
		}
		return out
	case []any:
		for i, elem := range v {
			v[i] = stringifyKeys(elem)
		}
		return v
	default:
		return in
	}
}
