package utils

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseYAML parses a YAML string into result
func ParseYAML(yamlStr string, result any) error {
	return yaml.Unmarshal([]byte(strings.TrimSpace(yamlStr)), result)
}

// NormalizeYAML converts maps with non-string keys produced by the YAML
// decoder into JSON compatible maps
func NormalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = NormalizeYAML(item)
		}
		return out
	case map[string]interface{}:
		for k, item := range val {
			val[k] = NormalizeYAML(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = NormalizeYAML(item)
		}
		return val
	default:
		return val
	}
}
