package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	var v map[string]interface{}
	require.NoError(t, ParseJSON("  {\"a\": 1}\n", &v))
	assert.Equal(t, float64(1), v["a"])

	assert.Error(t, ParseJSON("{nope", &v))
}

func TestLooksLikeJSON(t *testing.T) {
	assert.True(t, LooksLikeJSON(` {"a":1} `))
	assert.True(t, LooksLikeJSON(`[1,2]`))
	assert.False(t, LooksLikeJSON(`{"a":1`))
	assert.False(t, LooksLikeJSON(`plain`))
}

func TestNormalizeYAML(t *testing.T) {
	var v interface{}
	require.NoError(t, ParseYAML("nodes:\n  - id: a\n    data:\n      1: one\n", &v))

	norm := NormalizeYAML(v).(map[string]interface{})
	nodes := norm["nodes"].([]interface{})
	data := nodes[0].(map[string]interface{})["data"].(map[string]interface{})
	assert.Equal(t, "one", data["1"])
}
