package utils

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientResolveURL(t *testing.T) {
	c := NewHTTPClient("http://example.test/", 0)

	assert.Equal(t, "https://api.test/x", c.ResolveURL("https://api.test/x"))
	assert.Equal(t, "HTTP://api.test/x", c.ResolveURL("HTTP://api.test/x"))
	assert.Equal(t, "http://example.test/api/flows", c.ResolveURL("/api/flows"))
	assert.Equal(t, "http://example.test/api/flows", c.ResolveURL("api/flows"))

	assert.Equal(t, DefaultBaseURL, NewHTTPClient("", 0).BaseURL())
}

func TestHTTPClientDo(t *testing.T) {
	t.Run("JSON response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

			body, _ := io.ReadAll(r.Body)
			var payload map[string]interface{}
			require.NoError(t, json.Unmarshal(body, &payload))
			assert.Equal(t, "ada", payload["name"])

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Trace", "abc")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"42"}`))
		}))
		defer server.Close()

		c := NewHTTPClient(server.URL, time.Second)
		resp := c.Do(context.Background(), &HTTPRequest{
			URL:     "/users",
			Method:  "post",
			Headers: map[string]string{"x-api-key": "secret"},
			Body:    map[string]interface{}{"name": "ada"},
		})

		assert.False(t, resp.Failed())
		assert.Equal(t, http.StatusCreated, resp.Status)
		assert.True(t, resp.OK)
		assert.Equal(t, "abc", resp.Headers["x-trace"])
		assert.Equal(t, map[string]interface{}{"id": "42"}, resp.Body)
		assert.Equal(t, server.URL+"/users", resp.URL)
		assert.Equal(t, "POST", resp.Method)
		assert.Equal(t, 1, resp.Retry.Attempts)
	})

	t.Run("text response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("plain text"))
		}))
		defer server.Close()

		resp := NewHTTPClient("", time.Second).Do(context.Background(), &HTTPRequest{URL: server.URL})
		assert.Equal(t, "plain text", resp.Body)
		assert.Equal(t, "GET", resp.Method)
	})

	t.Run("retries non-2xx until exhausted", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		resp := NewHTTPClient("", time.Second).Do(context.Background(), &HTTPRequest{
			URL:          server.URL,
			RetryCount:   2,
			RetryDelayMs: 1,
		})

		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
		assert.False(t, resp.Failed())
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
		assert.False(t, resp.OK)
		assert.Equal(t, 3, resp.Retry.Attempts)
		assert.Equal(t, http.StatusServiceUnavailable, resp.Retry.LastStatus)
	})

	t.Run("keeps earlier response when the last attempt fails", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				conn.Close()
			}
		}))
		defer server.Close()

		resp := NewHTTPClient("", time.Second).Do(context.Background(), &HTTPRequest{
			Method:     "POST",
			URL:        server.URL,
			Body:       map[string]interface{}{"a": 1},
			RetryCount: 1,
		})

		assert.False(t, resp.Failed())
		assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
		assert.False(t, resp.OK)
		assert.Equal(t, 2, resp.Retry.Attempts)
		assert.Equal(t, http.StatusServiceUnavailable, resp.Retry.LastStatus)
		assert.NotEmpty(t, resp.Retry.LastError)
	})

	t.Run("stops retrying on success", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 2 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		resp := NewHTTPClient("", time.Second).Do(context.Background(), &HTTPRequest{
			URL:        server.URL,
			RetryCount: 5,
		})

		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
		assert.True(t, resp.OK)
		assert.Equal(t, 2, resp.Retry.Attempts)
	})

	t.Run("network failure makes exactly n+1 attempts", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		addr := server.URL
		server.Close()

		resp := NewHTTPClient("", time.Second).Do(context.Background(), &HTTPRequest{
			URL:        addr,
			RetryCount: 3,
		})

		assert.True(t, resp.Failed())
		assert.Equal(t, 4, resp.Retry.Attempts)
		assert.NotEmpty(t, resp.Retry.LastError)
		assert.Equal(t, addr, resp.ResolvedURL)

		out := resp.ToOutput()
		assert.Contains(t, out, "error")
		assert.Equal(t, addr, out["resolvedUrl"])
	})

	t.Run("per attempt timeout", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer server.Close()

		resp := NewHTTPClient("", time.Second).Do(context.Background(), &HTTPRequest{
			URL:     server.URL,
			Timeout: 20 * time.Millisecond,
		})
		assert.True(t, resp.Failed())
	})

	t.Run("GET never sends a body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			assert.Empty(t, body)
			assert.Empty(t, r.Header.Get("Content-Type"))
		}))
		defer server.Close()

		NewHTTPClient("", time.Second).Do(context.Background(), &HTTPRequest{URL: server.URL, Body: "ignored"})
	})
}

func TestRetryFixed(t *testing.T) {
	calls := 0
	made := RetryFixed(context.Background(), 2, 0, func(n int) bool {
		assert.Equal(t, calls, n)
		calls++
		return false
	})
	assert.Equal(t, 3, made)

	made = RetryFixed(context.Background(), -1, 0, func(int) bool { return false })
	assert.Equal(t, 1, made)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	made = RetryFixed(ctx, 5, time.Hour, func(int) bool { return false })
	assert.Equal(t, 1, made, "cancelled context stops the loop during the delay")
}
