package runtime

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tcmartin/flowcraft/pkg/utils"
)

// If node modes
const (
	ifModeStatusEq = "status_eq"
	ifModeOkTrue   = "ok_true"
)

// executeIf evaluates the previous output. A false condition, a missing
// previous output or an unknown mode all end the branch.
func executeIf(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	data := in.Data()

	mode := stringParam(data, "mode")
	if mode == "" {
		mode = ifModeStatusEq
	}

	var (
		output map[string]interface{}
		passed bool
	)

	switch {
	case !truthy(in.LastOutput):
		output = map[string]interface{}{
			"error":      "if node: no previous output to evaluate",
			"lastOutput": nil,
		}

	case mode == ifModeStatusEq:
		expectedRaw, ok := firstPresent(data, "expected")
		if !ok {
			expectedRaw = 200
		}
		status := utils.GetPath(in.LastOutput, "status")
		expected, expectedOK := toNumber(expectedRaw)
		actual, actualOK := numberValue(status)
		passed = expectedOK && actualOK && actual == expected

		var expectedOut interface{} = expectedRaw
		if expectedOK {
			expectedOut = expected
		}
		output = map[string]interface{}{
			"info":     fmt.Sprintf("IF: last status %v == %v?", status, expectedOut),
			"status":   status,
			"expected": expectedOut,
			"passed":   passed,
		}

	case mode == ifModeOkTrue:
		ok := truthy(utils.GetPath(in.LastOutput, "ok"))
		passed = ok
		output = map[string]interface{}{
			"info":   "IF: last ok === true?",
			"ok":     ok,
			"passed": passed,
		}

	default:
		output = map[string]interface{}{
			"error":      fmt.Sprintf("unknown if mode: %s", mode),
			"mode":       mode,
			"lastOutput": in.LastOutput,
		}
	}

	result := success(output, output)
	if _, failed := output["error"]; failed {
		result = failure(output, output)
	}
	if !passed {
		result.Signal = SignalBranchFalse
	}
	return result, nil
}

func executeLog(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	message := stringParam(in.Data(), "message", "label")
	if message == "" {
		message = "Log node executed"
	}
	output := map[string]interface{}{
		"message":    message,
		"lastOutput": in.LastOutput,
	}
	return success(output, in.LastOutput), nil
}

func executeExecutionData(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	output := map[string]interface{}{
		"info":        "Execution data snapshot",
		"runId":       in.RunID,
		"flowId":      in.FlowID,
		"triggerType": string(in.TriggerType),
		"lastOutput":  in.LastOutput,
	}
	return success(output, in.LastOutput), nil
}

// waitDuration is ms when it is a positive number, else seconds (or delay,
// default 1) times 1000, never negative
func waitDuration(data map[string]interface{}) float64 {
	if ms, ok := numberValue(data["ms"]); ok && !math.IsNaN(ms) && ms > 0 {
		return ms
	}

	raw, ok := firstPresent(data, "seconds", "delay")
	if !ok {
		raw = 1
	}
	sec, ok := toNumber(raw)
	if !ok {
		return 0
	}
	return math.Max(sec*1000, 0)
}

func executeWait(ctx context.Context, in *Input, deps *Deps) (*Result, error) {
	ms := waitDuration(in.Data())

	if err := deps.Sleep(ctx, time.Duration(ms*float64(time.Millisecond))); err != nil {
		return nil, fmt.Errorf("wait interrupted: %w", err)
	}

	output := map[string]interface{}{
		"info":          "Wait node executed",
		"waitedMs":      ms,
		"waitedSeconds": ms / 1000,
	}
	return success(output, in.LastOutput), nil
}

// Defaults of stop nodes
const (
	DefaultStopCode   = "manual_stop"
	DefaultStopReason = "Stop & Error node stopped the flow."
)

func executeStop(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	data := in.Data()

	code := stringParam(data, "code", "errorCode")
	if code == "" {
		code = DefaultStopCode
	}
	reason := stringParam(data, "reason", "message")
	if reason == "" {
		reason = DefaultStopReason
	}

	output := map[string]interface{}{
		"code":       code,
		"reason":     reason,
		"lastOutput": in.LastOutput,
	}
	result := failure(output, in.LastOutput)
	result.Signal = SignalStopError
	return result, nil
}
