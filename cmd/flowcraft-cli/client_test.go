package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/r3labs/sse/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientDo(t *testing.T) {
	var gotAuth, gotWorkspace, gotPath, gotQuery string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotWorkspace = r.Header.Get("X-Workspace-ID")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"flow-1","name":"Demo"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "tok", "ws-1")
	var out struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	err := client.Do(context.Background(), http.MethodPost, "/flows", url.Values{"a": {"b"}}, map[string]string{"name": "Demo"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "ws-1", gotWorkspace)
	assert.Equal(t, "/api/v1/flows", gotPath)
	assert.Equal(t, "a=b", gotQuery)
	assert.Equal(t, "Demo", gotBody["name"])
	assert.Equal(t, "flow-1", out.ID)
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/coded":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_webhook_token","message":"bad token"}`))
		case "/api/v1/plain":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"Flow not found"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down\n"))
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "", "")
	ctx := context.Background()

	err := client.Do(ctx, http.MethodGet, "/coded", nil, nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "server returned 401: invalid_webhook_token: bad token", err.Error())

	err = client.Do(ctx, http.MethodGet, "/plain", nil, nil, nil)
	assert.EqualError(t, err, "server returned 404: Flow not found")

	err = client.Do(ctx, http.MethodGet, "/other", nil, nil, nil)
	assert.EqualError(t, err, "server returned 502: upstream down")
}

func TestClientRawResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/yaml", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write([]byte("nodes: []\n"))
	}))
	defer srv.Close()

	var raw []byte
	err := NewClient(srv.URL, "", "").DoRaw(context.Background(), http.MethodPost, "/flows/import", nil, []byte("nodes: []"), "application/yaml", &raw)
	require.NoError(t, err)
	assert.Equal(t, "nodes: []\n", string(raw))
}

func TestWatchRunStopsOnFinish(t *testing.T) {
	streams := sse.New()
	streams.AutoReplay = true
	defer streams.Close()

	streams.CreateStream("run-1")
	streams.Publish("run-1", &sse.Event{Event: []byte("node.log"), Data: []byte(`{"node":"a"}`)})
	streams.Publish("run-1", &sse.Event{Event: []byte("run.finished"), Data: []byte(`{"status":"success"}`)})

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		streams.ServeHTTP(w, r)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []string
	err := watchRun(ctx, NewClient(srv.URL, "tok", "ws-1"), "run-1", func(event string, data []byte) {
		seen = append(seen, event)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"node.log", "run.finished"}, seen)
	assert.Equal(t, "Bearer tok", gotAuth)
}
