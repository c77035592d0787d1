// Package seed loads seed documents for the /_doubleagent/seed endpoint.
// YAML fixtures and JSON (comments and trailing commas allowed) are both
// normalised to a JSON object.
package seed

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/islo-labs/doubleagent/internal/errdefs"
)

// Load reads path and returns its content as a JSON object.
func Load(path string) (json.RawMessage, error) {
	// #nosec G304 -- path comes from the user or a fixture lookup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errdefs.IOError{Op: "read", Path: path, Err: err}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FromYAML(data, path)
	default:
		return FromJSON(data, path)
	}
}

// FromJSON validates data as a JSON object after stripping comments.
func FromJSON(data []byte, path string) (json.RawMessage, error) {
	stripped := jsonc.ToJSON(data)
	var probe map[string]any
	if err := json.Unmarshal(stripped, &probe); err != nil {
		return nil, &errdefs.ManifestParseError{Path: path, Err: err}
	}
	if probe == nil {
		return nil, &errdefs.ManifestParseError{Path: path, Err: errors.New("seed document must be an object")}
	}
	return json.Marshal(probe)
}

// FromYAML converts a YAML mapping to JSON.
func FromYAML(data []byte, path string) (json.RawMessage, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &errdefs.ManifestParseError{Path: path, Err: err}
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, &errdefs.ManifestParseError{Path: path, Err: errors.New("seed document must be a mapping")}
	}
	out, err := json.Marshal(normalize(doc))
	if err != nil {
		return nil, &errdefs.ManifestParseError{Path: path, Err: err}
	}
	return out, nil
}

// normalize rewrites map[any]any nodes, which encoding/json rejects.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[keyString(k)] = normalize(e)
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	default:
		return v
	}
}

func keyString(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	b, _ := json.Marshal(k)
	return strings.Trim(string(b), `"`)
}
