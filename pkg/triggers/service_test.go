package triggers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/runtime"
	"github.com/tcmartin/flowcraft/pkg/storage"
	"github.com/tcmartin/flowcraft/pkg/webhooks"
)

type fixture struct {
	flows   storage.FlowStore
	runs    storage.RunStore
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider := storage.NewMemoryProvider()
	f := &fixture{flows: provider.GetFlowStore(), runs: provider.GetRunStore()}

	deps := &runtime.Deps{Sleep: func(context.Context, time.Duration) error { return nil }}
	engine := runtime.NewEngine(f.flows, f.runs, runtime.NewRegistry(), deps)
	f.service = NewService(f.flows, f.runs, engine,
		WithAuthorizer(webhooks.Authorizer{GlobalToken: "global"}),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)
	return f
}

func (f *fixture) flow(t *testing.T, workspace string, nodes ...models.Node) string {
	t.Helper()
	ctx := context.Background()
	flow := &models.Flow{WorkspaceID: workspace, Name: "flow"}
	require.NoError(t, f.flows.CreateFlow(ctx, flow))

	edges := []models.Edge{}
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, models.Edge{ID: nodes[i].ID, Source: nodes[i-1].ID, Target: nodes[i].ID})
	}
	require.NoError(t, f.flows.SaveDiagram(ctx, &models.Diagram{FlowID: flow.ID, WorkspaceID: workspace, Nodes: nodes, Edges: edges}))
	return flow.ID
}

func typed(id, nodeType string, data map[string]interface{}) models.Node {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["type"] = nodeType
	return models.Node{ID: id, Data: data}
}

func capture(t *testing.T, method, target, body string, headers map[string]string) *webhooks.Request {
	t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	req, err := webhooks.Capture(r, 0)
	require.NoError(t, err)
	return req
}

func requireTriggerError(t *testing.T, err error, status int, code string) *Error {
	t.Helper()
	te, ok := AsError(err)
	require.True(t, ok, "expected trigger error, got %v", err)
	assert.Equal(t, status, te.Status)
	assert.Equal(t, code, te.Code)
	return te
}

func TestManual(t *testing.T) {
	f := newFixture(t)
	flowID := f.flow(t, "ws-1", typed("start", models.NodeTypeStart, nil), typed("log", models.NodeTypeLog, nil))

	out, err := f.service.Manual(context.Background(), ManualRequest{
		FlowID:      flowID,
		WorkspaceID: "ws-1",
		Payload:     map[string]interface{}{"name": "Ada"},
		ErrorMode:   "continue",
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, out.Result.Status)
	assert.Equal(t, models.ErrorModeContinue, out.Result.ErrorMode)
	assert.Equal(t, models.TriggerManual, out.Run.TriggerType)
	assert.Equal(t, models.RunStatusCompleted, out.Run.Status)
	assert.Equal(t, "ws-1", out.Run.WorkspaceID)
	assert.Len(t, out.Result.Executed, 2)
}

func TestCreateManualRunValidation(t *testing.T) {
	f := newFixture(t)
	flowID := f.flow(t, "ws-1", typed("start", models.NodeTypeStart, nil))
	ctx := context.Background()

	_, err := f.service.CreateManualRun(ctx, ManualRequest{})
	requireTriggerError(t, err, http.StatusBadRequest, CodeInvalidRequest)

	_, err = f.service.CreateManualRun(ctx, ManualRequest{FlowID: "missing"})
	requireTriggerError(t, err, http.StatusNotFound, CodeFlowNotFound)

	_, err = f.service.CreateManualRun(ctx, ManualRequest{FlowID: flowID, WorkspaceID: "ws-2"})
	requireTriggerError(t, err, http.StatusNotFound, CodeFlowNotFound)

	run, err := f.service.CreateManualRun(ctx, ManualRequest{FlowID: flowID})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, run.Status)
}

func TestWebhookRespond(t *testing.T) {
	f := newFixture(t)
	flowID := f.flow(t, "ws-1",
		typed("hook", models.NodeTypeWebhookTrigger, map[string]interface{}{"method": "POST", "authMode": "token", "token": "abc"}),
		typed("reply", models.NodeTypeRespondWebhook, map[string]interface{}{"statusCode": 201.0}),
	)

	req := capture(t, http.MethodPost, "/hooks/"+flowID+"?token=abc", `{"order":1}`, map[string]string{"Authorization": "Bearer other"})
	out, err := f.service.Webhook(context.Background(), flowID, req)
	require.NoError(t, err)

	require.NotNil(t, out.Result.Webhook)
	assert.Equal(t, 201, out.Result.Webhook.StatusCode)
	assert.Equal(t, models.TriggerWebhook, out.Run.TriggerType)
	assert.Equal(t, map[string]interface{}{"order": float64(1)}, out.Run.Payload)

	tp := out.Run.TriggerPayload.(map[string]interface{})
	assert.Equal(t, "POST", tp["method"])
	assert.Equal(t, "[redacted]", tp["headers"].(map[string]interface{})["authorization"])
	assert.NotContains(t, tp, "token")
}

func TestWebhookRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	noHook := f.flow(t, "ws-1", typed("start", models.NodeTypeStart, nil))
	protected := f.flow(t, "ws-1", typed("hook", models.NodeTypeWebhookTrigger, map[string]interface{}{"method": "POST", "authMode": "token", "token": "abc"}))

	_, err := f.service.Webhook(ctx, "missing", capture(t, http.MethodPost, "/", "", nil))
	requireTriggerError(t, err, http.StatusNotFound, CodeFlowNotFound)

	_, err = f.service.Webhook(ctx, noHook, capture(t, http.MethodPost, "/", "", nil))
	requireTriggerError(t, err, http.StatusBadRequest, CodeWebhookNotConfigured)

	_, err = f.service.Webhook(ctx, protected, capture(t, http.MethodGet, "/?token=abc", "", nil))
	te := requireTriggerError(t, err, http.StatusMethodNotAllowed, CodeMethodNotAllowed)
	assert.Equal(t, "POST", te.Details["allowedMethod"])
	assert.Equal(t, "GET", te.Details["receivedMethod"])

	_, err = f.service.Webhook(ctx, protected, capture(t, http.MethodPost, "/", "", nil))
	requireTriggerError(t, err, http.StatusUnauthorized, CodeInvalidWebhookToken)

	_, err = f.service.Webhook(ctx, protected, capture(t, http.MethodPost, "/?token=nope", "", nil))
	requireTriggerError(t, err, http.StatusUnauthorized, CodeInvalidWebhookToken)

	out, err := f.service.Webhook(ctx, protected, capture(t, http.MethodPost, "/", "", map[string]string{"X-Flowcraft-Token": "global"}))
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, out.Result.Status)

	runs, err := f.runs.ListRuns(ctx, storage.RunFilter{FlowID: protected})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestWebhookWithoutDiagram(t *testing.T) {
	f := newFixture(t)
	flow := &models.Flow{WorkspaceID: "ws-1", Name: "bare"}
	require.NoError(t, f.flows.CreateFlow(context.Background(), flow))

	_, err := f.service.Webhook(context.Background(), flow.ID, capture(t, http.MethodPost, "/", "", nil))
	requireTriggerError(t, err, http.StatusNotFound, CodeDiagramNotFound)
}

func TestSchedule(t *testing.T) {
	f := newFixture(t)
	flowID := f.flow(t, "ws-1",
		typed("tick", models.NodeTypeScheduleTrigger, map[string]interface{}{"cron": "*/5 * * * *", "timezone": "Europe/Istanbul"}),
		typed("log", models.NodeTypeLog, nil),
	)

	out, err := f.service.Schedule(context.Background(), ScheduleRequest{
		FlowID:  flowID,
		Payload: map[string]interface{}{"value": "1"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, out.Result.Status)
	assert.Equal(t, []string{"tick", "log"}, []string{out.Result.Executed[0].NodeID, out.Result.Executed[1].NodeID})

	tp := out.Run.TriggerPayload.(map[string]interface{})
	assert.Equal(t, "*/5 * * * *", tp["cron"])
	assert.Equal(t, "Europe/Istanbul", tp["timezone"])
	assert.Equal(t, SourceAPI, tp["source"])
	assert.Equal(t, "2026-01-02T03:04:05Z", tp["scheduledAt"])
	assert.Equal(t, "schedule", tp["triggerType"])
	assert.Equal(t, map[string]interface{}{"value": "1"}, tp["payload"])
}

func TestScheduleWithoutDiagram(t *testing.T) {
	f := newFixture(t)
	flow := &models.Flow{WorkspaceID: "ws-1", Name: "bare"}
	require.NoError(t, f.flows.CreateFlow(context.Background(), flow))

	out, err := f.service.Schedule(context.Background(), ScheduleRequest{FlowID: flow.ID, Source: SourceScheduler})
	assert.ErrorIs(t, err, runtime.ErrDiagramNotFound)
	require.NotNil(t, out)
	assert.Equal(t, models.RunStatusError, out.Run.Status)
}

func TestSchedulePayload(t *testing.T) {
	tests := []struct {
		name  string
		body  interface{}
		query map[string]string
		want  interface{}
	}{
		{"nested payload", map[string]interface{}{"payload": map[string]interface{}{"a": 1.0}}, nil, map[string]interface{}{"a": 1.0}},
		{"body object", map[string]interface{}{"a": 1.0}, map[string]string{"b": "2"}, map[string]interface{}{"a": 1.0}},
		{"body list", []interface{}{1.0}, nil, []interface{}{1.0}},
		{"query params", nil, map[string]string{"flow_id": "f", "flowId": "f", "value": "123.45"}, map[string]interface{}{"value": "123.45"}},
		{"scalar body falls back to query", "text", map[string]string{"x": "y"}, map[string]interface{}{"x": "y"}},
		{"nothing", nil, map[string]string{"flow_id": "f"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SchedulePayload(tt.body, tt.query))
		})
	}
}

type failingExecutor struct{ err error }

func (e failingExecutor) ExecuteRun(context.Context, string) (*runtime.RunResult, error) {
	return nil, e.err
}

func TestExecutorFailure(t *testing.T) {
	f := newFixture(t)
	flowID := f.flow(t, "ws-1", typed("start", models.NodeTypeStart, nil))

	boom := errors.New("storage offline")
	svc := NewService(f.flows, f.runs, failingExecutor{err: boom})

	out, err := svc.Manual(context.Background(), ManualRequest{FlowID: flowID})
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, out)
	assert.NotEmpty(t, out.Run.ID)
	assert.Nil(t, out.Result)
}
