// Package triggers turns manual clicks, inbound webhooks and schedule ticks
// into runs and executes them.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/runtime"
	"github.com/tcmartin/flowcraft/pkg/storage"
	"github.com/tcmartin/flowcraft/pkg/webhooks"
)

// Schedule sources recorded in trigger_payload.source
const (
	SourceAPI       = "api_trigger_schedule"
	SourceScheduler = "scheduler"
)

// redactedHeaders are masked in stored webhook snapshots
var redactedHeaders = []string{"authorization", "cookie", "x-flowcraft-token", "x-flowcraft-webhook-token", "x-flow-token"}

// RunExecutor executes a queued run
type RunExecutor interface {
	ExecuteRun(ctx context.Context, runID string) (*runtime.RunResult, error)
}

// Outcome is the stored run and, once executed, its result
type Outcome struct {
	Run    *models.Run
	Result *runtime.RunResult
}

// Service creates runs for every trigger source and hands them to the
// executor synchronously
type Service struct {
	flows      storage.FlowStore
	runs       storage.RunStore
	executor   RunExecutor
	authorizer webhooks.Authorizer
	logger     logging.Logger
	now        func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithAuthorizer sets the webhook authorizer
func WithAuthorizer(a webhooks.Authorizer) Option {
	return func(s *Service) {
		s.authorizer = a
	}
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for scheduledAt
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a trigger service
func NewService(flows storage.FlowStore, runs storage.RunStore, executor RunExecutor, opts ...Option) *Service {
	s := &Service{
		flows:    flows,
		runs:     runs,
		executor: executor,
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ManualRequest starts a run from the editor or the API
type ManualRequest struct {
	FlowID      string
	WorkspaceID string
	Payload     interface{}
	ErrorMode   string
}

// CreateManualRun stores a queued manual run without executing it
func (s *Service) CreateManualRun(ctx context.Context, req ManualRequest) (*models.Run, error) {
	flow, err := s.lookupFlow(ctx, req.FlowID, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	run := &models.Run{
		FlowID:      flow.ID,
		WorkspaceID: flow.WorkspaceID,
		Status:      models.RunStatusQueued,
		TriggerType: models.TriggerManual,
		Payload:     req.Payload,
		ErrorMode:   req.ErrorMode,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// Manual creates a manual run and executes it
func (s *Service) Manual(ctx context.Context, req ManualRequest) (*Outcome, error) {
	run, err := s.CreateManualRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, run)
}

// Webhook authorizes an inbound request against the flow's webhook_trigger
// node, stores the request snapshot on a new run and executes it
func (s *Service) Webhook(ctx context.Context, flowID string, req *webhooks.Request) (*Outcome, error) {
	flow, err := s.lookupFlow(ctx, flowID, "")
	if err != nil {
		return nil, err
	}

	diagram, err := s.flows.GetDiagram(ctx, flow.ID)
	if err != nil {
		if errors.Is(err, storage.ErrDiagramNotFound) || errors.Is(err, storage.ErrFlowNotFound) {
			return nil, &Error{Status: http.StatusNotFound, Code: CodeDiagramNotFound, Message: "flow " + flow.ID + " has no diagram"}
		}
		return nil, fmt.Errorf("failed to load diagram: %w", err)
	}

	node, ok := diagram.FindByType(models.NodeTypeWebhookTrigger)
	if !ok {
		return nil, &Error{
			Status:  http.StatusBadRequest,
			Code:    CodeWebhookNotConfigured,
			Message: "flow has no webhook_trigger node",
		}
	}

	settings := webhooks.SettingsFromNode(node)
	if err := s.authorizer.Authorize(settings, req); err != nil {
		s.logger.Warn("webhook rejected",
			logging.F("flow_id", flow.ID),
			logging.F("method", req.Method),
			logging.Err(err))

		if errors.Is(err, webhooks.ErrMethodNotAllowed) {
			return nil, &Error{
				Status:  http.StatusMethodNotAllowed,
				Code:    CodeMethodNotAllowed,
				Message: err.Error(),
				Details: map[string]interface{}{
					"allowedMethod":  settings.Method,
					"receivedMethod": req.Method,
				},
			}
		}
		return nil, &Error{Status: http.StatusUnauthorized, Code: CodeInvalidWebhookToken, Message: err.Error()}
	}

	run := &models.Run{
		FlowID:         flow.ID,
		WorkspaceID:    flow.WorkspaceID,
		Status:         models.RunStatusQueued,
		TriggerType:    models.TriggerWebhook,
		TriggerPayload: req.Payload(redactedHeaders...),
		Payload:        req.Body,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.Info("webhook triggered run",
		logging.F("flow_id", flow.ID),
		logging.F("run_id", run.ID),
		logging.F("node_id", node.ID),
		logging.F("method", req.Method))

	return s.execute(ctx, run)
}

// ScheduleRequest is one schedule tick, from the API or the scheduler
type ScheduleRequest struct {
	FlowID      string
	WorkspaceID string
	Payload     interface{}
	Source      string
	ScheduledAt time.Time
}

// Schedule creates a schedule run and executes it. The cron and timezone
// of the flow's schedule_trigger node are recorded when present; a
// missing diagram is left for the engine to report.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*Outcome, error) {
	flow, err := s.lookupFlow(ctx, req.FlowID, req.WorkspaceID)
	if err != nil {
		return nil, err
	}

	var cron, timezone interface{}
	if diagram, err := s.flows.GetDiagram(ctx, flow.ID); err == nil {
		if node, ok := diagram.FindByType(models.NodeTypeScheduleTrigger); ok {
			if v, ok := node.Data["cron"].(string); ok {
				cron = v
			}
			if v, ok := node.Data["timezone"].(string); ok {
				timezone = v
			}
		}
	} else {
		s.logger.Warn("schedule trigger could not read diagram", logging.F("flow_id", flow.ID), logging.Err(err))
	}

	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = s.now()
	}
	source := req.Source
	if source == "" {
		source = SourceAPI
	}

	run := &models.Run{
		FlowID:      flow.ID,
		WorkspaceID: flow.WorkspaceID,
		Status:      models.RunStatusQueued,
		TriggerType: models.TriggerSchedule,
		TriggerPayload: map[string]interface{}{
			"scheduledAt": scheduledAt.UTC().Format(time.RFC3339Nano),
			"cron":        cron,
			"timezone":    timezone,
			"source":      source,
			"payload":     req.Payload,
			"trigger":     string(models.TriggerSchedule),
			"triggerType": string(models.TriggerSchedule),
		},
		Payload: req.Payload,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.Info("schedule triggered run",
		logging.F("flow_id", flow.ID),
		logging.F("run_id", run.ID),
		logging.F("source", source))

	return s.execute(ctx, run)
}

// SchedulePayload picks the payload of a schedule call: body.payload or
// the body itself when it is an object or list, else the query
// parameters other than the flow id, else nil
func SchedulePayload(body interface{}, query map[string]string) interface{} {
	switch b := body.(type) {
	case map[string]interface{}:
		if p, ok := b["payload"]; ok && p != nil {
			return p
		}
		return b
	case []interface{}:
		return b
	}

	params := make(map[string]interface{})
	for k, v := range query {
		if k == "flow_id" || k == "flowId" {
			continue
		}
		params[k] = v
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

func (s *Service) lookupFlow(ctx context.Context, flowID, workspaceID string) (*models.Flow, error) {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return nil, invalidRequest("flow_id missing")
	}

	flow, err := s.flows.GetFlow(ctx, flowID)
	if err != nil {
		if errors.Is(err, storage.ErrFlowNotFound) {
			return nil, flowNotFound(flowID)
		}
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	if workspaceID != "" && flow.WorkspaceID != workspaceID {
		return nil, flowNotFound(flowID)
	}
	return flow, nil
}

func (s *Service) execute(ctx context.Context, run *models.Run) (*Outcome, error) {
	outcome := &Outcome{Run: run}

	result, err := s.executor.ExecuteRun(ctx, run.ID)
	if stored, getErr := s.runs.GetRun(ctx, run.ID); getErr == nil {
		outcome.Run = stored
	}
	if err != nil {
		return outcome, err
	}
	outcome.Result = result
	return outcome, nil
}
