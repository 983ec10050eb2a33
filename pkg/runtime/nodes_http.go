package runtime

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tcmartin/flowcraft/pkg/utils"
)

func executeHTTPRequest(ctx context.Context, in *Input, deps *Deps) (*Result, error) {
	data := in.Data()

	method := strings.ToUpper(stringParam(data, "method"))
	if method == "" {
		method = http.MethodGet
	}

	rawURL, _ := firstString(data, "url", "endpoint", "urlTemplate")
	if strings.TrimSpace(rawURL) == "" {
		output := map[string]interface{}{
			"error":  "HTTP node has no URL configured",
			"method": method,
		}
		return failure(output, output), nil
	}

	headers := nodeHeaders(data["headers"])

	if credentialID := stringParam(data, "credentialId", "credential_id"); credentialID != "" {
		if deps.Credentials == nil {
			return nil, fmt.Errorf("credential %s requested but no credential resolver is configured", credentialID)
		}
		resolved, err := deps.Credentials.Resolve(ctx, in.WorkspaceID, credentialID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve credential %s: %w", credentialID, err)
		}
		// Credential headers win over node headers of the same name.
		for name, value := range resolved.Headers {
			for existing := range headers {
				if strings.EqualFold(existing, name) {
					delete(headers, existing)
				}
			}
			headers[name] = value
		}
	}

	var body interface{}
	if raw, ok := data["body"]; ok && raw != nil {
		if text, isText := raw.(string); !isText || text != "" {
			body = raw
		}
	}

	req := &utils.HTTPRequest{
		URL:          rawURL,
		Method:       method,
		Headers:      headers,
		Body:         body,
		ContentType:  stringParam(data, "contentType"),
		RetryCount:   intParam(data, "retryCount", "retries"),
		RetryDelayMs: intParam(data, "retryDelayMs", "retryDelay"),
	}
	if timeoutMs := intParam(data, "timeoutMs"); timeoutMs > 0 {
		req.Timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	resp := deps.HTTP.Do(ctx, req)
	output := resp.ToOutput()
	if resp.Failed() {
		return failure(output, output), nil
	}
	return success(output, output), nil
}

// nodeHeaders accepts headers as an object or as a list of {key, value}
// pairs, as the editor produces both
func nodeHeaders(raw interface{}) map[string]string {
	headers := make(map[string]string)
	switch h := raw.(type) {
	case map[string]interface{}:
		for k, v := range h {
			if k != "" && v != nil {
				headers[k] = fmt.Sprint(v)
			}
		}
	case []interface{}:
		for _, item := range h {
			pair, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			name := stringParam(pair, "key", "name")
			if name == "" {
				continue
			}
			if v, ok := pair["value"]; ok && v != nil {
				headers[name] = fmt.Sprint(v)
			}
		}
	}
	return headers
}

// firstString returns the first key holding a string value
func firstString(data map[string]interface{}, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := data[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
