package runtime

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/utils"
)

const startInfo = "Start node executed"

func executeStart(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	output := map[string]interface{}{"info": startInfo}

	switch last := in.LastOutput.(type) {
	case nil:
		return success(output, output), nil
	case map[string]interface{}:
		return success(output, mergeInfo(last, startInfo)), nil
	default:
		return success(output, last), nil
	}
}

func executeWebhookTrigger(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	data := in.Data()

	method := strings.ToUpper(stringParam(data, "method"))
	if method == "" {
		method = "ANY"
	}
	authMode := stringParam(data, "authMode")
	if authMode == "" {
		authMode = "none"
	}

	output := map[string]interface{}{
		"info":           "Webhook trigger",
		"method":         method,
		"authMode":       authMode,
		"trigger":        string(in.TriggerType),
		"triggerPayload": in.TriggerPayload,
	}
	return success(output, in.LastOutput), nil
}

func executeScheduleTrigger(_ context.Context, in *Input, deps *Deps) (*Result, error) {
	data := in.Data()
	output := map[string]interface{}{
		"info":     "Schedule trigger",
		"cron":     stringParam(data, "cron"),
		"timezone": stringParam(data, "timezone"),
		"now":      deps.Now().UTC().Format(time.RFC3339),
	}
	return success(output, in.LastOutput), nil
}

// Body modes of respond_webhook
const (
	bodyModeLastOutput = "lastOutput"
	bodyModeStatic     = "static"
	bodyModeCustomJSON = "customJson"
)

func executeRespondWebhook(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	data := in.Data()

	statusCode := http.StatusOK
	if v, ok := firstPresent(data, "statusCode", "status"); ok {
		if f, ok := toNumber(v); ok {
			statusCode = min(max(int(f), 100), 599)
		}
	}

	bodyMode := stringParam(data, "bodyMode")
	if bodyMode == "" {
		bodyMode = bodyModeLastOutput
	}

	status := models.NodeStatusSuccess
	var body interface{}

	switch bodyMode {
	case bodyModeStatic:
		body = data["body"]
		if text, ok := body.(string); ok && utils.LooksLikeJSON(text) {
			var decoded interface{}
			if err := utils.ParseJSON(text, &decoded); err == nil {
				body = decoded
			}
		}

	case bodyModeCustomJSON:
		raw, _ := firstPresent(data, "customJson", "body")
		text, isText := raw.(string)
		if !isText {
			body = raw
			break
		}
		var decoded interface{}
		if err := utils.ParseJSON(text, &decoded); err != nil {
			statusCode = http.StatusInternalServerError
			body = map[string]interface{}{"error": fmt.Sprintf("invalid customJson: %v", err)}
			status = models.NodeStatusError
			break
		}
		body = decoded

	default:
		bodyMode = bodyModeLastOutput
		body = in.LastOutput
	}

	output := map[string]interface{}{
		"statusCode": statusCode,
		"bodyMode":   bodyMode,
		"body":       body,
	}
	return &Result{
		Output:   output,
		Next:     body,
		Signal:   SignalTerminalRespond,
		Status:   status,
		Response: &Response{StatusCode: statusCode, Body: body},
	}, nil
}
