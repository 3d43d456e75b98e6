package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON returns data as JSON so a single strict decoder handles both
// formats. ".json" files pass through, ".yaml"/".yml" are converted, and any
// other extension is sniffed: a leading '{' means JSON.
func toJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return data, nil
	case ".yaml", ".yml":
	default:
		if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
			return data, nil
		}
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml %s: %w", filepath.Base(path), err)
	}
	if doc == nil {
		// Empty document: every section takes its defaults.
		return []byte("{}"), nil
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("convert yaml %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// stringKeys rewrites map[any]any nodes (non-string YAML keys) so that
// encoding/json can marshal them.
func stringKeys(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			node[k] = stringKeys(child)
		}
		return node
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[fmt.Sprint(k)] = stringKeys(child)
		}
		return out
	case []any:
		for i, child := range node {
			node[i] = stringKeys(child)
		}
		return node
	default:
		return v
	}
}
