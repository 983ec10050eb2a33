package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tcmartin/flowcraft/pkg/utils"
)

// Formatter modes
const (
	formatPickField = "pick_field"
	formatToUpper   = "to_upper"
	formatToLower   = "to_lower"
	formatTrim      = "trim"
	formatReplace   = "replace"
	formatSlice     = "slice"
)

var (
	upperCaser = cases.Upper(language.Und)
	lowerCaser = cases.Lower(language.Und)
)

// fieldPaths reads the source path (default "body") and the target path
// (default: the source path)
func fieldPaths(data map[string]interface{}) (string, string) {
	fieldPath := stringParam(data, "fieldPath", "path")
	if fieldPath == "" {
		fieldPath = "body"
	}
	targetPath := stringParam(data, "targetPath", "outputPath")
	if targetPath == "" {
		targetPath = fieldPath
	}
	return fieldPath, targetPath
}

func missingOutput(in *Input) *Result {
	output := map[string]interface{}{
		"error":      fmt.Sprintf("%s node: no previous output", in.NodeType),
		"lastOutput": nil,
	}
	return failure(output, in.LastOutput)
}

func executeFormatter(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	data := in.Data()
	if !truthy(in.LastOutput) {
		return missingOutput(in), nil
	}

	mode := stringParam(data, "mode")
	if mode == "" {
		mode = formatPickField
	}
	fieldPath, targetPath := fieldPaths(data)

	raw := utils.GetPath(in.LastOutput, fieldPath)
	value := raw
	if mode != formatPickField {
		str := stringify(raw)
		switch mode {
		case formatToUpper:
			str = upperCaser.String(str)
		case formatToLower:
			str = lowerCaser.String(str)
		case formatTrim:
			str = strings.TrimSpace(str)
		case formatReplace:
			if from := stringify(data["from"]); from != "" {
				str = strings.ReplaceAll(str, from, stringify(data["to"]))
			}
		case formatSlice:
			str = sliceRunes(str, data["start"], data["end"])
		}
		value = str
	}

	output := map[string]interface{}{
		"mode":       mode,
		"fieldPath":  fieldPath,
		"targetPath": targetPath,
		"value":      value,
	}
	return success(output, utils.SetPath(in.LastOutput, targetPath, value)), nil
}

// sliceRunes cuts s with start/end indexes where negative values count
// from the end
func sliceRunes(s string, startRaw, endRaw interface{}) string {
	runes := []rune(s)
	n := len(runes)

	clamp := func(raw interface{}, def int) int {
		f, ok := toNumber(raw)
		if raw == nil || !ok {
			return def
		}
		i := int(f)
		if i < 0 {
			i += n
		}
		return min(max(i, 0), n)
	}

	start := clamp(startRaw, 0)
	end := clamp(endRaw, n)
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}

func executeJSONParse(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	data := in.Data()
	if !truthy(in.LastOutput) {
		return missingOutput(in), nil
	}
	fieldPath, targetPath := fieldPaths(data)

	raw, found := utils.LookupPath(in.LastOutput, fieldPath)
	var value interface{}
	switch v := raw.(type) {
	case string:
		if err := utils.ParseJSON(v, &value); err != nil {
			output := map[string]interface{}{
				"error":     fmt.Sprintf("json_parse: invalid JSON at %s: %v", fieldPath, err),
				"fieldPath": fieldPath,
			}
			return failure(output, in.LastOutput), nil
		}
	case nil:
		msg := fmt.Sprintf("json_parse: no value at %s", fieldPath)
		if found {
			msg = fmt.Sprintf("json_parse: value at %s is null", fieldPath)
		}
		output := map[string]interface{}{"error": msg, "fieldPath": fieldPath}
		return failure(output, in.LastOutput), nil
	default:
		// already structured
		value = v
	}

	output := map[string]interface{}{
		"mode":       "json_parse",
		"fieldPath":  fieldPath,
		"targetPath": targetPath,
		"value":      value,
	}
	return success(output, utils.SetPath(in.LastOutput, targetPath, value)), nil
}

func executeJSONStringify(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	data := in.Data()
	if !truthy(in.LastOutput) {
		return missingOutput(in), nil
	}
	fieldPath, targetPath := fieldPaths(data)

	raw := utils.GetPath(in.LastOutput, fieldPath)
	var (
		encoded []byte
		err     error
	)
	if truthy(data["pretty"]) {
		encoded, err = json.MarshalIndent(raw, "", "  ")
	} else {
		encoded, err = json.Marshal(raw)
	}
	if err != nil {
		output := map[string]interface{}{
			"error":     fmt.Sprintf("json_stringify: %v", err),
			"fieldPath": fieldPath,
		}
		return failure(output, in.LastOutput), nil
	}

	value := string(encoded)
	output := map[string]interface{}{
		"mode":       "json_stringify",
		"fieldPath":  fieldPath,
		"targetPath": targetPath,
		"value":      value,
	}
	return success(output, utils.SetPath(in.LastOutput, targetPath, value)), nil
}

// Number formatter modes
const (
	numberRound   = "round"
	numberCeil    = "ceil"
	numberFloor   = "floor"
	numberPercent = "percent"
)

func executeNumberFormatter(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	data := in.Data()
	if !truthy(in.LastOutput) {
		return missingOutput(in), nil
	}

	mode := stringParam(data, "mode")
	if mode == "" {
		mode = numberRound
	}
	fieldPath, targetPath := fieldPaths(data)

	raw := utils.GetPath(in.LastOutput, fieldPath)
	number, ok := toNumber(raw)
	if _, isBool := raw.(bool); !ok || isBool {
		output := map[string]interface{}{
			"error":     fmt.Sprintf("number_formatter: value at %s is not numeric", fieldPath),
			"fieldPath": fieldPath,
			"value":     raw,
		}
		return failure(output, in.LastOutput), nil
	}

	decimalsRaw, hasDecimals := firstPresent(data, "decimals", "precision")
	decimals := 0
	if hasDecimals {
		if d, ok := toNumber(decimalsRaw); ok && d > 0 {
			decimals = int(d)
		}
	}
	scale := math.Pow(10, float64(decimals))

	var value float64
	switch mode {
	case numberRound:
		value = math.Round(number*scale) / scale
	case numberCeil:
		value = math.Ceil(number*scale) / scale
	case numberFloor:
		value = math.Floor(number*scale) / scale
	case numberPercent:
		value = number * 100
		if hasDecimals {
			value = math.Round(value*scale) / scale
		}
	default:
		output := map[string]interface{}{
			"error": fmt.Sprintf("number_formatter: unknown mode %s", mode),
			"mode":  mode,
		}
		return failure(output, in.LastOutput), nil
	}

	output := map[string]interface{}{
		"mode":       mode,
		"fieldPath":  fieldPath,
		"targetPath": targetPath,
		"value":      value,
	}
	return success(output, utils.SetPath(in.LastOutput, targetPath, value)), nil
}

func executeSetFields(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	assignments, _ := in.Data()["assignments"].([]interface{})
	if len(assignments) == 0 {
		output := map[string]interface{}{"info": "Set node: no assignments, nothing changed"}
		return success(output, in.LastOutput), nil
	}

	updated := in.LastOutput
	if updated == nil {
		updated = map[string]interface{}{}
	}

	applied := make([]interface{}, 0, len(assignments))
	for _, item := range assignments {
		assignment, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		path, _ := assignment["path"].(string)
		if path == "" {
			continue
		}

		value := coerceValue(assignment["value"])
		updated = utils.SetPath(updated, path, value)
		applied = append(applied, map[string]interface{}{"path": path, "value": value})
	}

	output := map[string]interface{}{
		"info":    "Set fields node executed",
		"applied": applied,
	}
	return success(output, updated), nil
}

// coerceValue turns editor strings into booleans, numbers or JSON
// literals when they look like one
func coerceValue(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}

	trimmed := strings.TrimSpace(s)
	switch trimmed {
	case "true":
		return true
	case "false":
		return false
	}
	if n, ok := parseNumber(trimmed); ok {
		return n
	}
	if utils.LooksLikeJSON(trimmed) {
		var decoded interface{}
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded
		}
	}
	return trimmed
}
