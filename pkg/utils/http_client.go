// Package utils provides shared building blocks for node executors: path
// access, outbound HTTP with retry, and email delivery.
package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// DefaultBaseURL is used to resolve relative request URLs when none is configured
const DefaultBaseURL = "http://localhost:3000"

// DefaultHTTPTimeout bounds a single attempt when the request sets no timeout
const DefaultHTTPTimeout = 30 * time.Second

var absoluteURL = regexp.MustCompile(`(?i)^https?://`)

// HTTPClient issues outbound requests for http_request nodes and HTTP based
// email providers
type HTTPClient struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
}

// HTTPRequest represents an outbound request and its retry policy
type HTTPRequest struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        interface{}       `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`

	// RetryCount is the number of extra attempts after the first
	RetryCount int `json:"retry_count"`

	// RetryDelayMs is the fixed pause between attempts
	RetryDelayMs int `json:"retry_delay_ms"`

	// Timeout overrides the client timeout for each attempt
	Timeout time.Duration `json:"timeout,omitempty"`
}

// RetryInfo is the retry telemetry attached to every result
type RetryInfo struct {
	Attempts     int    `json:"attempts"`
	RetryCount   int    `json:"retryCount"`
	RetryDelayMs int    `json:"retryDelayMs"`
	LastStatus   int    `json:"lastStatus,omitempty"`
	LastOk       bool   `json:"lastOk"`
	LastError    string `json:"lastError,omitempty"`
}

// HTTPResponse is the normalized outcome of a call. When no response was
// ever received Error is set and Status is zero.
type HTTPResponse struct {
	Status      int               `json:"status,omitempty"`
	OK          bool              `json:"ok"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        interface{}       `json:"body,omitempty"`
	URL         string            `json:"url"`
	ResolvedURL string            `json:"resolvedUrl,omitempty"`
	Method      string            `json:"method"`
	Error       string            `json:"error,omitempty"`
	Retry       RetryInfo         `json:"retry"`
}

// ToOutput renders the telemetry as a JSON document
func (i RetryInfo) ToOutput() map[string]interface{} {
	out := map[string]interface{}{
		"attempts":     i.Attempts,
		"retryCount":   i.RetryCount,
		"retryDelayMs": i.RetryDelayMs,
		"lastOk":       i.LastOk,
	}
	if i.LastStatus != 0 {
		out["lastStatus"] = i.LastStatus
	}
	if i.LastError != "" {
		out["lastError"] = i.LastError
	}
	return out
}

// Failed reports whether no response was received
func (r *HTTPResponse) Failed() bool {
	return r.Error != ""
}

// NewHTTPClient creates a new HTTP client resolving relative URLs against baseURL
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPClient{
		client:  &http.Client{},
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

// BaseURL returns the base used for relative URLs
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// ResolveURL returns raw unchanged when it is absolute, otherwise the base
// URL joined with raw
func (c *HTTPClient) ResolveURL(raw string) string {
	if absoluteURL.MatchString(raw) {
		return raw
	}
	if strings.HasPrefix(raw, "/") {
		return c.baseURL + raw
	}
	return c.baseURL + "/" + raw
}

// Do executes req with the fixed-delay retry policy. It never returns an
// error: transport failures are reported in the result.
func (c *HTTPClient) Do(ctx context.Context, req *HTTPRequest) *HTTPResponse {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	finalURL := c.ResolveURL(req.URL)
	retryCount := max(req.RetryCount, 0)
	retryDelayMs := max(req.RetryDelayMs, 0)

	payload, err := encodeBody(req.Body)
	if err != nil {
		return &HTTPResponse{
			URL:         req.URL,
			ResolvedURL: finalURL,
			Method:      method,
			Error:       err.Error(),
			Retry:       RetryInfo{RetryCount: retryCount, RetryDelayMs: retryDelayMs, LastError: err.Error()},
		}
	}

	var (
		last    *HTTPResponse
		lastErr error
	)
	attempts := RetryFixed(ctx, retryCount, time.Duration(retryDelayMs)*time.Millisecond, func(int) bool {
		resp, err := c.attempt(ctx, method, finalURL, req, payload)
		if err != nil {
			lastErr = err
			return false
		}
		last, lastErr = resp, nil
		return resp.OK
	})

	info := RetryInfo{
		Attempts:     attempts,
		RetryCount:   retryCount,
		RetryDelayMs: retryDelayMs,
	}

	// A response from an earlier attempt still counts when a later one failed
	// at the transport level; retry.lastError then carries that failure.
	if last != nil {
		info.LastStatus = last.Status
		info.LastOk = last.OK
		if lastErr != nil {
			info.LastError = lastErr.Error()
		}
		last.Retry = info
		return last
	}

	msg := "request failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	info.LastError = msg
	return &HTTPResponse{
		URL:         req.URL,
		ResolvedURL: finalURL,
		Method:      method,
		Error:       msg,
		Retry:       info,
	}
}

func (c *HTTPClient) attempt(ctx context.Context, method, finalURL string, req *HTTPRequest, payload []byte) (*HTTPResponse, error) {
	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	sendBody := payload != nil && method != http.MethodGet && method != http.MethodHead
	if sendBody {
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, finalURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	// Set content type if not provided and body is not nil
	if sendBody && httpReq.Header.Get("Content-Type") == "" {
		contentType := req.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for key, values := range resp.Header {
		headers[strings.ToLower(key)] = strings.Join(values, ", ")
	}

	return &HTTPResponse{
		Status:  resp.StatusCode,
		OK:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		Headers: headers,
		Body:    DecodeBody(raw),
		URL:     finalURL,
		Method:  method,
	}, nil
}

// DecodeBody returns raw parsed as JSON, or as text when it is not JSON
func DecodeBody(raw []byte) interface{} {
	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		return parsed
	}
	return string(raw)
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		return data, nil
	}
}

// ToOutput renders the result as the JSON document stored in node logs and
// threaded as the next context
func (r *HTTPResponse) ToOutput() map[string]interface{} {
	retry := r.Retry.ToOutput()

	if r.Failed() {
		return map[string]interface{}{
			"error":       r.Error,
			"url":         r.URL,
			"resolvedUrl": r.ResolvedURL,
			"method":      r.Method,
			"retry":       retry,
		}
	}

	headers := make(map[string]interface{}, len(r.Headers))
	for k, v := range r.Headers {
		headers[k] = v
	}
	return map[string]interface{}{
		"status":  r.Status,
		"ok":      r.OK,
		"headers": headers,
		"body":    r.Body,
		"url":     r.URL,
		"method":  r.Method,
		"retry":   retry,
	}
}
