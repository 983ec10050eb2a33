package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowcraft/pkg/auth"
	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/utils"
)

type fakeResolver struct {
	headers map[string]string
	err     error
	calls   []string
}

func (f *fakeResolver) Resolve(_ context.Context, workspaceID, id string) (*auth.ResolvedCredential, error) {
	f.calls = append(f.calls, workspaceID+"/"+id)
	if f.err != nil {
		return nil, f.err
	}
	return &auth.ResolvedCredential{ID: id, Type: auth.CredentialTypeHTTPBearer, Headers: f.headers}, nil
}

type fakeEmail struct {
	sent   []*utils.EmailMessage
	policy utils.RetryPolicy
	result *utils.EmailResult
}

func (f *fakeEmail) Send(_ context.Context, msg *utils.EmailMessage, policy utils.RetryPolicy) *utils.EmailResult {
	f.sent = append(f.sent, msg)
	f.policy = policy
	return f.result
}
func (f *fakeEmail) Provider() string    { return "resend" }
func (f *fakeEmail) DefaultFrom() string { return "noreply@example.com" }

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func testDeps() *Deps {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return (&Deps{
		Sleep: (&sleepRecorder{}).Sleep,
		Now:   func() time.Time { return fixed },
	}).withDefaults(nil)
}

func run(t *testing.T, exec Executor, data map[string]interface{}, last interface{}, deps *Deps) *Result {
	t.Helper()
	if deps == nil {
		deps = testDeps()
	}
	in := &Input{
		RunID:       "run-1",
		FlowID:      "flow-1",
		WorkspaceID: "ws-1",
		TriggerType: models.TriggerManual,
		Node:        models.Node{ID: "n1", Data: data},
		NodeType:    "test",
		LastOutput:  last,
	}
	res, err := exec(context.Background(), in, deps)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestStartExecutor(t *testing.T) {
	res := run(t, executeStart, nil, nil, nil)
	assert.Equal(t, map[string]interface{}{"info": startInfo}, res.Next)

	prior := map[string]interface{}{"payload": "p"}
	res = run(t, executeStart, nil, prior, nil)
	assert.Equal(t, map[string]interface{}{"payload": "p", "info": startInfo}, res.Next)
	assert.NotContains(t, prior, "info", "prior context must not be mutated")

	res = run(t, executeStart, nil, "text", nil)
	assert.Equal(t, "text", res.Next)
}

func TestTriggerExecutors(t *testing.T) {
	last := map[string]interface{}{"a": 1}

	res := run(t, executeWebhookTrigger, map[string]interface{}{"method": "post", "authMode": "token"}, last, nil)
	out := res.Output.(map[string]interface{})
	assert.Equal(t, "POST", out["method"])
	assert.Equal(t, "token", out["authMode"])
	assert.Equal(t, last, res.Next)

	res = run(t, executeScheduleTrigger, map[string]interface{}{"cron": "*/5 * * * *", "timezone": "UTC"}, last, nil)
	out = res.Output.(map[string]interface{})
	assert.Equal(t, "*/5 * * * *", out["cron"])
	assert.Equal(t, "2025-01-02T03:04:05Z", out["now"])
	assert.Equal(t, last, res.Next)
}

func TestRespondWebhookExecutor(t *testing.T) {
	last := map[string]interface{}{"status": 200.0}

	tests := []struct {
		name   string
		data   map[string]interface{}
		code   int
		body   interface{}
		status models.NodeStatus
	}{
		{"last output default", nil, 200, last, models.NodeStatusSuccess},
		{"static json", map[string]interface{}{"bodyMode": "static", "body": `{"ok":true}`, "statusCode": 201.0}, 201, map[string]interface{}{"ok": true}, models.NodeStatusSuccess},
		{"static text", map[string]interface{}{"bodyMode": "static", "body": "thanks"}, 200, "thanks", models.NodeStatusSuccess},
		{"custom json", map[string]interface{}{"bodyMode": "customJson", "customJson": `[1,2]`, "status": "202"}, 202, []interface{}{1.0, 2.0}, models.NodeStatusSuccess},
		{"status clamped", map[string]interface{}{"bodyMode": "static", "body": "x", "statusCode": 999.0}, 599, "x", models.NodeStatusSuccess},
		{"invalid custom json", map[string]interface{}{"bodyMode": "customJson", "customJson": "{nope"}, 500, nil, models.NodeStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, executeRespondWebhook, tt.data, last, nil)
			assert.Equal(t, SignalTerminalRespond, res.Signal)
			assert.Equal(t, tt.status, res.Status)
			require.NotNil(t, res.Response)
			assert.Equal(t, tt.code, res.Response.StatusCode)
			if tt.body != nil {
				assert.Equal(t, tt.body, res.Response.Body)
				assert.Equal(t, tt.body, res.Next)
			} else {
				assert.Contains(t, res.Response.Body.(map[string]interface{})["error"], "invalid customJson")
			}
		})
	}
}

func TestIfExecutor(t *testing.T) {
	tests := []struct {
		name   string
		data   map[string]interface{}
		last   interface{}
		passed bool
		status models.NodeStatus
	}{
		{"status matches default", nil, map[string]interface{}{"status": 200}, true, models.NodeStatusSuccess},
		{"status matches expected string", map[string]interface{}{"expected": "404"}, map[string]interface{}{"status": 404.0}, true, models.NodeStatusSuccess},
		{"status differs", map[string]interface{}{"expected": 404.0}, map[string]interface{}{"status": 200.0}, false, models.NodeStatusSuccess},
		{"string status is not a number", nil, map[string]interface{}{"status": "200"}, false, models.NodeStatusSuccess},
		{"ok true", map[string]interface{}{"mode": "ok_true"}, map[string]interface{}{"ok": true}, true, models.NodeStatusSuccess},
		{"ok false", map[string]interface{}{"mode": "ok_true"}, map[string]interface{}{"ok": false}, false, models.NodeStatusSuccess},
		{"no previous output", nil, nil, false, models.NodeStatusError},
		{"unknown mode", map[string]interface{}{"mode": "regex"}, map[string]interface{}{"status": 200}, false, models.NodeStatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, executeIf, tt.data, tt.last, nil)
			assert.Equal(t, tt.status, res.Status)
			if tt.passed {
				assert.Equal(t, SignalContinue, res.Signal)
				assert.Equal(t, true, res.Output.(map[string]interface{})["passed"])
			} else {
				assert.Equal(t, SignalBranchFalse, res.Signal)
			}
			assert.Equal(t, res.Output, res.Next)
		})
	}
}

func TestObservationalExecutors(t *testing.T) {
	last := map[string]interface{}{"k": "v"}

	res := run(t, executeLog, map[string]interface{}{"label": "checkpoint"}, last, nil)
	assert.Equal(t, "checkpoint", res.Output.(map[string]interface{})["message"])
	assert.Equal(t, last, res.Next)

	res = run(t, executeLog, nil, last, nil)
	assert.Equal(t, "Log node executed", res.Output.(map[string]interface{})["message"])

	res = run(t, executeExecutionData, nil, last, nil)
	out := res.Output.(map[string]interface{})
	assert.Equal(t, "run-1", out["runId"])
	assert.Equal(t, "flow-1", out["flowId"])
	assert.Equal(t, last, out["lastOutput"])
	assert.Equal(t, last, res.Next)

	res = run(t, executeUnsupported, nil, last, nil)
	assert.Equal(t, "unsupported node type: test", res.Output.(map[string]interface{})["info"])
	assert.Equal(t, last, res.Next)
}

func TestWaitExecutor(t *testing.T) {
	tests := []struct {
		name string
		data map[string]interface{}
		ms   float64
	}{
		{"default one second", nil, 1000},
		{"explicit ms", map[string]interface{}{"ms": 250.0}, 250},
		{"non positive ms falls back", map[string]interface{}{"ms": 0.0, "seconds": 2.0}, 2000},
		{"delay alias", map[string]interface{}{"delay": "0.5"}, 500},
		{"not a number", map[string]interface{}{"seconds": "soon"}, 0},
		{"negative clamped", map[string]interface{}{"seconds": -3.0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &sleepRecorder{}
			deps := testDeps()
			deps.Sleep = rec.Sleep

			res := run(t, executeWait, tt.data, "ctx", deps)
			out := res.Output.(map[string]interface{})
			assert.Equal(t, tt.ms, out["waitedMs"])
			assert.Equal(t, tt.ms/1000, out["waitedSeconds"])
			assert.Equal(t, "ctx", res.Next)
			require.Len(t, rec.waits, 1)
			assert.Equal(t, time.Duration(tt.ms)*time.Millisecond, rec.waits[0])
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := executeWait(ctx, &Input{Node: models.Node{ID: "w"}}, (&Deps{}).withDefaults(nil))
	assert.Error(t, err)
}

func TestStopExecutor(t *testing.T) {
	res := run(t, executeStop, nil, "prev", nil)
	assert.Equal(t, SignalStopError, res.Signal)
	assert.Equal(t, models.NodeStatusError, res.Status)
	out := res.Output.(map[string]interface{})
	assert.Equal(t, DefaultStopCode, out["code"])
	assert.Equal(t, DefaultStopReason, out["reason"])
	assert.Equal(t, "prev", res.Next)

	res = run(t, executeStop, map[string]interface{}{"errorCode": "E42", "message": "quota exceeded"}, nil, nil)
	out = res.Output.(map[string]interface{})
	assert.Equal(t, "E42", out["code"])
	assert.Equal(t, "quota exceeded", out["reason"])
}

func TestFormatterExecutor(t *testing.T) {
	ctx := map[string]interface{}{"body": map[string]interface{}{"title": "x", "other": "y"}}

	res := run(t, executeFormatter, map[string]interface{}{
		"fieldPath": "body.title", "mode": "to_upper", "targetPath": "body.title",
	}, ctx, nil)
	assert.Equal(t, map[string]interface{}{"body": map[string]interface{}{"title": "X", "other": "y"}}, res.Next)
	assert.Equal(t, "x", ctx["body"].(map[string]interface{})["title"], "input context is not mutated")

	tests := []struct {
		name string
		data map[string]interface{}
		want interface{}
	}{
		{"pick field keeps type", map[string]interface{}{"fieldPath": "n"}, 3.0},
		{"stringify non string", map[string]interface{}{"fieldPath": "obj", "mode": "to_lower"}, `{"a":"b"}`},
		{"nil becomes empty", map[string]interface{}{"fieldPath": "missing", "mode": "trim"}, ""},
		{"trim", map[string]interface{}{"fieldPath": "s", "mode": "trim"}, "Hello World"},
		{"replace all", map[string]interface{}{"fieldPath": "s", "mode": "replace", "from": "o", "to": "0"}, "  Hell0 W0rld "},
		{"slice", map[string]interface{}{"fieldPath": "s", "mode": "slice", "start": 2.0, "end": 7.0}, "Hello"},
		{"slice negative", map[string]interface{}{"fieldPath": "s", "mode": "slice", "start": -6.0, "end": -1.0}, "World"},
	}
	source := map[string]interface{}{"n": 3.0, "obj": map[string]interface{}{"a": "B"}, "s": "  Hello World "}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, executeFormatter, tt.data, source, nil)
			assert.Equal(t, models.NodeStatusSuccess, res.Status)
			assert.Equal(t, tt.want, res.Output.(map[string]interface{})["value"])
		})
	}

	res = run(t, executeFormatter, map[string]interface{}{"fieldPath": "s", "targetPath": "copy"}, source, nil)
	next := res.Next.(map[string]interface{})
	assert.Equal(t, source["s"], next["copy"])
	assert.Equal(t, source["s"], next["s"])

	res = run(t, executeFormatter, nil, nil, nil)
	assert.Equal(t, models.NodeStatusError, res.Status)
	assert.Nil(t, res.Next)
}

func TestJSONExecutors(t *testing.T) {
	last := map[string]interface{}{"body": `{"items":[1,2]}`, "bad": "{oops", "obj": map[string]interface{}{"a": 1.0}}

	res := run(t, executeJSONParse, nil, last, nil)
	assert.Equal(t, models.NodeStatusSuccess, res.Status)
	assert.Equal(t, map[string]interface{}{"items": []interface{}{1.0, 2.0}}, res.Next.(map[string]interface{})["body"])

	res = run(t, executeJSONParse, map[string]interface{}{"fieldPath": "bad"}, last, nil)
	assert.Equal(t, models.NodeStatusError, res.Status)
	assert.Equal(t, last, res.Next)

	res = run(t, executeJSONParse, map[string]interface{}{"fieldPath": "nothing"}, last, nil)
	assert.Equal(t, models.NodeStatusError, res.Status)

	res = run(t, executeJSONStringify, map[string]interface{}{"fieldPath": "obj", "targetPath": "raw"}, last, nil)
	assert.Equal(t, `{"a":1}`, res.Next.(map[string]interface{})["raw"])

	res = run(t, executeJSONStringify, map[string]interface{}{"fieldPath": "obj", "pretty": true}, last, nil)
	assert.Equal(t, "{\n  \"a\": 1\n}", res.Output.(map[string]interface{})["value"])
}

func TestNumberFormatterExecutor(t *testing.T) {
	last := map[string]interface{}{"n": 3.14159, "s": "2.5", "word": "abc"}

	tests := []struct {
		name string
		data map[string]interface{}
		want float64
	}{
		{"round default", map[string]interface{}{"fieldPath": "n"}, 3},
		{"round decimals", map[string]interface{}{"fieldPath": "n", "decimals": 2.0}, 3.14},
		{"ceil", map[string]interface{}{"fieldPath": "n", "mode": "ceil", "precision": 1.0}, 3.2},
		{"floor", map[string]interface{}{"fieldPath": "n", "mode": "floor"}, 3},
		{"percent of string", map[string]interface{}{"fieldPath": "s", "mode": "percent"}, 250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, executeNumberFormatter, tt.data, last, nil)
			require.Equal(t, models.NodeStatusSuccess, res.Status)
			assert.InDelta(t, tt.want, res.Output.(map[string]interface{})["value"], 1e-9)
		})
	}

	res := run(t, executeNumberFormatter, map[string]interface{}{"fieldPath": "word"}, last, nil)
	assert.Equal(t, models.NodeStatusError, res.Status)
	assert.Equal(t, last, res.Next)

	res = run(t, executeNumberFormatter, map[string]interface{}{"fieldPath": "n", "mode": "sqrt"}, last, nil)
	assert.Equal(t, models.NodeStatusError, res.Status)
	assert.Equal(t, last, res.Next)
}

func TestSetFieldsExecutor(t *testing.T) {
	res := run(t, executeSetFields, map[string]interface{}{
		"assignments": []interface{}{
			map[string]interface{}{"path": "flags.active", "value": " true "},
			map[string]interface{}{"path": "count", "value": "42"},
			map[string]interface{}{"path": "list", "value": "[1, 2]"},
			map[string]interface{}{"path": "name", "value": "  Ada  "},
			map[string]interface{}{"path": "broken", "value": "{nope}"},
			map[string]interface{}{"path": "raw", "value": 7.0},
			map[string]interface{}{"value": "ignored"},
		},
	}, nil, nil)

	assert.Equal(t, map[string]interface{}{
		"flags":  map[string]interface{}{"active": true},
		"count":  42.0,
		"list":   []interface{}{1.0, 2.0},
		"name":   "Ada",
		"broken": "{nope}",
		"raw":    7.0,
	}, res.Next)
	assert.Len(t, res.Output.(map[string]interface{})["applied"], 6)

	last := map[string]interface{}{"keep": true}
	res = run(t, executeSetFields, map[string]interface{}{"assignments": []interface{}{}}, last, nil)
	assert.Equal(t, last, res.Next)
	assert.Contains(t, res.Output, "info")
}

func TestHTTPRequestExecutor(t *testing.T) {
	var hits int32
	var gotAuth, gotCustom, gotBody, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Custom")
		gotContentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"path": r.URL.Path})
	}))
	defer srv.Close()

	resolver := &fakeResolver{headers: map[string]string{"Authorization": "Bearer cred"}}
	deps := testDeps()
	deps.HTTP = utils.NewHTTPClient(srv.URL, time.Second)
	deps.Credentials = resolver

	res := run(t, executeHTTPRequest, map[string]interface{}{
		"url":          "items",
		"method":       "post",
		"headers":      []interface{}{map[string]interface{}{"key": "authorization", "value": "Bearer node"}, map[string]interface{}{"key": "X-Custom", "value": 1.0}},
		"body":         map[string]interface{}{"a": 1.0},
		"credentialId": "cred-1",
	}, nil, deps)

	require.Equal(t, models.NodeStatusSuccess, res.Status)
	out := res.Output.(map[string]interface{})
	assert.Equal(t, 200, out["status"])
	assert.Equal(t, map[string]interface{}{"path": "/items"}, out["body"])
	assert.Equal(t, "POST", out["method"])
	assert.Equal(t, "Bearer cred", gotAuth, "credential header wins")
	assert.Equal(t, "1", gotCustom)
	assert.Equal(t, `{"a":1}`, gotBody)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, []string{"ws-1/cred-1"}, resolver.calls)
	assert.Equal(t, out, res.Next)

	// non-2xx responses are results, not failures
	atomic.StoreInt32(&hits, 0)
	res = run(t, executeHTTPRequest, map[string]interface{}{"url": srv.URL + "/fail", "retryCount": 2.0, "retryDelayMs": 0.0}, nil, deps)
	assert.Equal(t, models.NodeStatusSuccess, res.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, 3, res.Output.(map[string]interface{})["retry"].(map[string]interface{})["attempts"])
}

func TestHTTPRequestExecutorFailures(t *testing.T) {
	deps := testDeps()

	res := run(t, executeHTTPRequest, map[string]interface{}{"method": "GET"}, nil, deps)
	assert.Equal(t, models.NodeStatusError, res.Status)
	assert.Contains(t, res.Output.(map[string]interface{})["error"], "no URL")

	deps.HTTP = utils.NewHTTPClient("http://127.0.0.1:1", 200*time.Millisecond)
	res = run(t, executeHTTPRequest, map[string]interface{}{"url": "/down", "retries": 1.0}, nil, deps)
	assert.Equal(t, models.NodeStatusError, res.Status)
	out := res.Output.(map[string]interface{})
	assert.NotEmpty(t, out["error"])
	assert.Equal(t, "http://127.0.0.1:1/down", out["resolvedUrl"])
	assert.Equal(t, 2, out["retry"].(map[string]interface{})["attempts"])

	deps.Credentials = &fakeResolver{err: errors.New("credential not found")}
	in := &Input{WorkspaceID: "ws", Node: models.Node{ID: "h", Data: map[string]interface{}{"url": "/x", "credential_id": "c"}}}
	_, err := executeHTTPRequest(context.Background(), in, deps)
	assert.ErrorContains(t, err, "credential not found")

	deps.Credentials = nil
	_, err = executeHTTPRequest(context.Background(), in, deps)
	assert.ErrorContains(t, err, "no credential resolver")
}

func TestSendEmailExecutor(t *testing.T) {
	deps := testDeps()

	res := run(t, executeSendEmail, map[string]interface{}{"to": " , "}, nil, deps)
	assert.Equal(t, models.NodeStatusError, res.Status)
	assert.Contains(t, res.Output.(map[string]interface{})["error"], "recipient")

	res = run(t, executeSendEmail, map[string]interface{}{"to": "a@example.com"}, nil, deps)
	assert.Equal(t, models.NodeStatusError, res.Status)
	assert.Equal(t, utils.ErrEmailNotConfigured.Error(), res.Output.(map[string]interface{})["error"])

	sender := &fakeEmail{result: &utils.EmailResult{OK: true, Status: 200, Provider: "resend", Retry: utils.RetryInfo{Attempts: 1, LastOk: true}}}
	deps.Email = sender
	res = run(t, executeSendEmail, map[string]interface{}{
		"to":         "a@example.com, b@example.com",
		"subject":    "Hi",
		"text":       "Body",
		"retryCount": 2.0,
	}, nil, deps)
	assert.Equal(t, models.NodeStatusSuccess, res.Status)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, sender.sent[0].To)
	assert.Equal(t, "noreply@example.com", sender.sent[0].From)
	assert.Equal(t, "Body", sender.sent[0].Text)
	assert.Equal(t, 2, sender.policy.RetryCount)
	assert.Equal(t, true, res.Output.(map[string]interface{})["ok"])

	sender.result = &utils.EmailResult{Provider: "resend", Status: 422, Error: "resend responded with status 422"}
	res = run(t, executeSendEmail, map[string]interface{}{"to": []interface{}{"c@example.com"}}, nil, deps)
	assert.Equal(t, models.NodeStatusError, res.Status)
	assert.Equal(t, res.Output, res.Next)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup(models.NodeTypeHTTP)
	assert.True(t, ok)
	assert.Contains(t, r.Types(), models.NodeTypeSetFields)

	assert.Error(t, r.Register("", executeLog))
	assert.Error(t, r.Register("x", nil))
	require.NoError(t, r.Register("custom", executeLog))
	_, ok = r.Lookup("custom")
	assert.True(t, ok)

	res, err := r.Resolve("nope")(context.Background(), &Input{NodeType: "nope", LastOutput: 1}, testDeps())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Next)
}
