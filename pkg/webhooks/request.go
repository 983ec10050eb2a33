// Package webhooks captures inbound webhook requests and decides whether
// they may trigger a flow.
package webhooks

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultMaxBodyBytes caps the captured request body
const DefaultMaxBodyBytes int64 = 1 << 20

// Request is the snapshot of an inbound webhook call that is stored as the
// run's trigger payload
type Request struct {
	// Method is the upper-cased HTTP method
	Method string

	// Body is the decoded JSON body, the raw text when the body is not
	// JSON, or nil when empty
	Body interface{}

	// Query holds the first value of each query parameter
	Query map[string]string

	// Headers holds lower-cased header names
	Headers map[string]string

	// Token is the credential presented by the caller, if any
	Token string

	ReceivedAt time.Time
}

// Capture reads r into a Request. Bodies of GET and HEAD requests are
// ignored. maxBody <= 0 uses DefaultMaxBodyBytes.
func Capture(r *http.Request, maxBody int64) (*Request, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	req := &Request{
		Method:     strings.ToUpper(r.Method),
		Query:      make(map[string]string),
		Headers:    make(map[string]string),
		ReceivedAt: time.Now().UTC(),
	}

	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			req.Query[key] = values[0]
		}
	}
	for key, values := range r.Header {
		req.Headers[strings.ToLower(key)] = strings.Join(values, ", ")
	}

	if req.Method != http.MethodGet && req.Method != http.MethodHead && r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook body: %w", err)
		}
		if int64(len(raw)) > maxBody {
			return nil, fmt.Errorf("webhook body exceeds %d bytes", maxBody)
		}
		req.Body = decodeBody(raw)
	}

	req.Token = ExtractToken(req)
	return req, nil
}

func decodeBody(raw []byte) interface{} {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return string(raw)
}

var tokenParams = []string{"token", "access_token"}

func isTokenParam(key string) bool {
	for _, p := range tokenParams {
		if key == p {
			return true
		}
	}
	return false
}

// ExtractToken returns the token presented by the caller. Query parameters
// win over custom headers, which win over an Authorization bearer token.
func ExtractToken(req *Request) string {
	for _, key := range tokenParams {
		if v := strings.TrimSpace(req.Query[key]); v != "" {
			return v
		}
	}
	for _, key := range []string{"x-flowcraft-token", "x-flowcraft-webhook-token", "x-flow-token"} {
		if v := strings.TrimSpace(req.Headers[key]); v != "" {
			return v
		}
	}
	if authz := req.Headers["authorization"]; len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// Payload returns the snapshot as the JSON document stored in
// trigger_payload. The presented token is not included and header values
// listed in redact are masked.
func (r *Request) Payload(redact ...string) map[string]interface{} {
	query := make(map[string]interface{}, len(r.Query))
	for k, v := range r.Query {
		if isTokenParam(k) {
			continue
		}
		query[k] = v
	}
	headers := make(map[string]interface{}, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	for _, name := range redact {
		if _, ok := headers[strings.ToLower(name)]; ok {
			headers[strings.ToLower(name)] = "[redacted]"
		}
	}

	return map[string]interface{}{
		"method":     r.Method,
		"body":       r.Body,
		"query":      query,
		"headers":    headers,
		"receivedAt": r.ReceivedAt.Format(time.RFC3339Nano),
	}
}
