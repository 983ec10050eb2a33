package utils

import "strings"

// GetPath walks root along a dotted path and returns the value found there.
// An empty path returns root itself. A missing key or a non-object segment
// yields nil.
func GetPath(root interface{}, path string) interface{} {
	if path == "" {
		return root
	}

	current := root
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return current
}

// LookupPath is GetPath that also reports whether the final key exists
func LookupPath(root interface{}, path string) (interface{}, bool) {
	if path == "" {
		return root, true
	}

	current := root
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SetPath returns a root with value assigned at path. An empty path returns
// value. Intermediate objects are created as needed and any non-object
// intermediate is replaced by an empty object.
//
// Maps along the path are copied, so the input root is never modified and
// siblings of the written key are shared with it.
func SetPath(root interface{}, path string, value interface{}) interface{} {
	if path == "" {
		return value
	}
	return setKeys(root, strings.Split(path, "."), value)
}

func setKeys(node interface{}, keys []string, value interface{}) interface{} {
	src, _ := node.(map[string]interface{})
	dst := make(map[string]interface{}, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}

	if len(keys) == 1 {
		dst[keys[0]] = value
		return dst
	}

	dst[keys[0]] = setKeys(src[keys[0]], keys[1:], value)
	return dst
}

// CloneValue deep-copies a decoded JSON value
func CloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	default:
		return val
	}
}
