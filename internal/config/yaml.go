package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Format is the encoding of a config file, chosen by extension.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// canonicalJSON returns data as JSON. YAML documents are re-encoded so both
// formats share the strict decoder in Decode.
func canonicalJSON(f Format, data []byte) ([]byte, error) {
	if f != FormatYAML {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(stringKeys(doc))
}

// stringKeys rewrites YAML maps with non-string keys (numbers, booleans)
// so encoding/json accepts them.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = stringKeys(e)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range x {
			x[i] = stringKeys(e)
		}
	}
	return v
}
