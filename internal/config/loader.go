package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// LoadRaw reads a settings file into a merged raw map, resolving $include
// directives relative to the file with cycle detection. Environment
// variables in the file body are expanded before parsing.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings path is required")
	}
	seen := map[string]bool{}
	return loadRawRecursive(path, seen)
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("settings include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	// The $include key is a directive, not a variable reference.
	expanded := os.Expand(string(data), func(name string) string {
		if name == includeKey[1:] {
			return includeKey
		}
		return os.Getenv(name)
	})
	raw, err := parseRawBytes([]byte(expanded), absPath)
	if err != nil {
		return nil, err
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	if len(includes) > 0 {
		baseDir := filepath.Dir(absPath)
		for _, inc := range includes {
			if strings.TrimSpace(inc) == "" {
				continue
			}
			incPath := inc
			if !filepath.IsAbs(incPath) {
				incPath = filepath.Join(baseDir, incPath)
			}
			incRaw, err := loadRawRecursive(incPath, seen)
			if err != nil {
				return nil, fmt.Errorf("include %s: %w", inc, err)
			}
			merged = mergeRaw(merged, incRaw)
		}
	}
	return mergeRaw(merged, raw), nil
}

// parseRawBytes parses by extension: .json/.json5 via json5 (accepts plain
// JSON), anything else via yaml.
func parseRawBytes(data []byte, path string) (map[string]any, error) {
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		dec := json5.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return raw, nil
}

// extractIncludes pops the $include key; it accepts a string or a list.
func extractIncludes(raw map[string]any) ([]string, error) {
	v, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []any:
		var out []string
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings", includeKey)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a string or list of strings", includeKey)
	}
}

// mergeRaw deep-merges override onto base. Maps merge recursively; every
// other value in override replaces the base value.
func mergeRaw(base, override map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = mergeRaw(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// decodeSettings converts a raw merged map onto a Settings value, using the
// defaults for anything the map does not set.
func decodeSettings(raw map[string]any) (Settings, error) {
	s := Default()
	// Round-trip through yaml so the raw map's loosely-typed values land in
	// the typed struct with the same coercions a direct file parse gets.
	data, err := yaml.Marshal(raw)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, err
	}
	return s, nil
}
