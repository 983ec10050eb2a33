package runtime

import (
	"context"
	"strings"

	"github.com/tcmartin/flowcraft/pkg/utils"
)

func executeSendEmail(ctx context.Context, in *Input, deps *Deps) (*Result, error) {
	data := in.Data()

	to := recipients(data["to"])
	if len(to) == 0 {
		output := map[string]interface{}{"error": "send_email requires at least one recipient"}
		return failure(output, output), nil
	}

	subject := stringParam(data, "subject")

	if deps.Email == nil {
		output := map[string]interface{}{
			"error":   utils.ErrEmailNotConfigured.Error(),
			"to":      to,
			"subject": subject,
		}
		return failure(output, output), nil
	}

	from := stringParam(data, "from")
	if from == "" {
		from = deps.Email.DefaultFrom()
	}

	msg := &utils.EmailMessage{
		From:    from,
		To:      to,
		Subject: subject,
		Text:    stringParam(data, "body", "text"),
		HTML:    stringParam(data, "html"),
	}
	result := deps.Email.Send(ctx, msg, utils.RetryPolicy{
		RetryCount:   intParam(data, "retryCount", "retries"),
		RetryDelayMs: intParam(data, "retryDelayMs", "retryDelay"),
	})

	output := map[string]interface{}{
		"ok":       result.OK,
		"status":   result.Status,
		"provider": result.Provider,
		"to":       to,
		"subject":  subject,
		"response": result.Response,
		"retry":    result.Retry.ToOutput(),
	}
	if result.Error != "" {
		output["error"] = result.Error
	}
	if !result.OK {
		return failure(output, output), nil
	}
	return success(output, output), nil
}

// recipients splits a comma separated string or flattens a list
func recipients(raw interface{}) []string {
	var parts []string
	switch v := raw.(type) {
	case string:
		parts = strings.Split(v, ",")
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
	case []string:
		parts = v
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
