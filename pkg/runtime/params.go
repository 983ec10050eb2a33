package runtime

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// stringParam returns the first key holding a non-empty value, rendered as
// a string
func stringParam(data map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		switch v := data[key].(type) {
		case nil:
			continue
		case string:
			if v != "" {
				return v
			}
		case bool:
			if v {
				return "true"
			}
		default:
			if f, ok := numberValue(v); ok && f == 0 {
				continue
			}
			return fmt.Sprint(v)
		}
	}
	return ""
}

// firstPresent returns the first key whose value is not nil
func firstPresent(data map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, key := range keys {
		if v, ok := data[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// intParam reads a non-negative integer from the first present key
func intParam(data map[string]interface{}, keys ...string) int {
	v, ok := firstPresent(data, keys...)
	if !ok {
		return 0
	}
	f, ok := toNumber(v)
	if !ok || f < 0 {
		return 0
	}
	return int(f)
}

// numberValue accepts only values that are already numeric
func numberValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toNumber coerces numbers, numeric strings and booleans to a finite float
func toNumber(v interface{}) (float64, bool) {
	if f, ok := numberValue(v); ok {
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	switch t := v.(type) {
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		return parseNumber(t)
	default:
		return 0, false
	}
}

// parseNumber parses a trimmed, non-empty decimal string into a finite float
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// truthy mirrors the loose truthiness editors expect from flag fields
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if f, ok := numberValue(t); ok {
			return f != 0 && !math.IsNaN(f)
		}
		return true
	}
}

// stringify renders v as text: strings unchanged, nil as empty, everything
// else as JSON
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

// mergeInfo returns a copy of obj with info set
func mergeInfo(obj map[string]interface{}, info string) map[string]interface{} {
	out := make(map[string]interface{}, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	out["info"] = info
	return out
}
