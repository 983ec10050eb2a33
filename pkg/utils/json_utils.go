package utils

import (
	"encoding/json"
	"strings"
)

// ParseJSON parses a JSON string into result after trimming surrounding
// whitespace
func ParseJSON(jsonStr string, result any) error {
	return json.Unmarshal([]byte(strings.TrimSpace(jsonStr)), result)
}

// LooksLikeJSON reports whether s is wrapped in object or array brackets
func LooksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"))
}
