package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tcmartin/flowcraft/pkg/events"
	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/storage"
	"github.com/tcmartin/flowcraft/pkg/tracing"
	"github.com/tcmartin/flowcraft/pkg/utils"
)

// Errors returned by ExecuteRun before any node runs
var (
	ErrDiagramNotFound = errors.New("flow diagram not found")
	ErrEmptyDiagram    = errors.New("flow diagram has no nodes")
	ErrRunNotQueued    = errors.New("run is not queued")
)

// Run end reasons
const (
	ReasonIfConditionFalse = "if_condition_false"
)

// ExecutedNode is one entry of the envelope's executed list
type ExecutedNode struct {
	NodeID string            `json:"node_id"`
	Type   string            `json:"type"`
	Status models.NodeStatus `json:"status"`
	Output interface{}       `json:"output"`
	Error  *string           `json:"error"`
}

// RunResult is the envelope returned for an executed run
type RunResult struct {
	Status     models.RunStatus `json:"status"`
	RunID      string           `json:"run_id"`
	Executed   []ExecutedNode   `json:"executed"`
	LastOutput interface{}      `json:"lastOutput"`
	ErrorMode  models.ErrorMode `json:"errorMode"`

	Reason string `json:"reason,omitempty"`
	Code   string `json:"code,omitempty"`
	Node   string `json:"node,omitempty"`
	Error  string `json:"error,omitempty"`

	// Response is the respond_webhook result of a run not started by a webhook
	Response *Response `json:"response,omitempty"`

	// Webhook is set when a webhook run ended at a respond_webhook node.
	// Callers relay it instead of the envelope.
	Webhook *Response `json:"-"`
}

// Engine executes runs against flow and run storage
type Engine struct {
	flows    storage.FlowStore
	runs     storage.RunStore
	registry *Registry
	deps     *Deps
	events   events.Publisher
	logger   logging.Logger
	tracer   trace.Tracer
}

// Option configures an Engine
type Option func(*Engine)

// WithEvents publishes run progress to pub
func WithEvents(pub events.Publisher) Option {
	return func(e *Engine) {
		if pub != nil {
			e.events = pub
		}
	}
}

// WithLogger sets the engine logger
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer overrides the tracer used for run and node spans
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// NewEngine creates an engine. A nil registry means the built-in node types.
func NewEngine(flows storage.FlowStore, runs storage.RunStore, registry *Registry, deps *Deps, opts ...Option) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Engine{
		flows:    flows,
		runs:     runs,
		registry: registry,
		events:   events.NopPublisher{},
		logger:   logging.NewNop(),
		tracer:   tracing.Tracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.deps = deps.withDefaults(e.logger)
	return e
}

// Registry returns the executor registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// runState is the mutable state of one run, owned by a single ExecuteRun call
type runState struct {
	run        *models.Run
	diagram    *models.Diagram
	errorMode  models.ErrorMode
	lastOutput interface{}
	visited    map[string]bool
	executed   []ExecutedNode
	hadError   bool
	result     *RunResult
}

// visit is the outcome of running one node
type visit struct {
	node      models.Node
	nodeType  string
	result    *Result
	nodeError error
}

// ExecuteRun executes a queued run to completion
func (e *Engine) ExecuteRun(ctx context.Context, runID string) (result *RunResult, err error) {
	ctx, span := e.tracer.Start(ctx, "flow.run", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	logger := e.logger.WithContext(ctx).WithFields(logging.F("run_id", runID))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
			logger.Error("run aborted by panic", logging.Err(err))
			e.markError(ctx, runID, err.Error())
			result = nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if run.Status != models.RunStatusQueued {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunNotQueued, runID, run.Status)
	}
	span.SetAttributes(attribute.String("flow.id", run.FlowID), attribute.String("run.trigger", string(run.TriggerType)))

	diagram, err := e.flows.GetDiagram(ctx, run.FlowID)
	if err != nil || (diagram.WorkspaceID != "" && run.WorkspaceID != "" && diagram.WorkspaceID != run.WorkspaceID) {
		if err != nil && !errors.Is(err, storage.ErrDiagramNotFound) && !errors.Is(err, storage.ErrFlowNotFound) {
			e.markError(ctx, runID, err.Error())
			return nil, fmt.Errorf("failed to load diagram of flow %s: %w", run.FlowID, err)
		}
		e.markError(ctx, runID, ErrDiagramNotFound.Error())
		return nil, ErrDiagramNotFound
	}
	if len(diagram.Nodes) == 0 {
		e.markError(ctx, runID, ErrEmptyDiagram.Error())
		return nil, ErrEmptyDiagram
	}

	st := &runState{
		run:        run,
		diagram:    diagram,
		errorMode:  ResolveErrorMode(run),
		lastOutput: SeedContext(run),
		visited:    make(map[string]bool),
		executed:   []ExecutedNode{},
	}

	startedAt := time.Now().UTC()
	if _, err := e.runs.UpdateRun(ctx, runID, models.RunUpdate{Status: models.RunStatusRunning, StartedAt: &startedAt}); err != nil {
		return nil, fmt.Errorf("failed to mark run %s running: %w", runID, err)
	}
	e.events.Publish(ctx, events.Event{Type: events.EventRunStatus, RunID: runID, FlowID: run.FlowID, Status: models.RunStatusRunning})
	e.logger.LogFlowExecution(run.FlowID, runID, "started", map[string]interface{}{
		"trigger_type": string(run.TriggerType),
		"error_mode":   string(st.errorMode),
		"nodes":        len(diagram.Nodes),
	})

	current, ok := EntryNode(diagram, run.TriggerType)
	for ok && !st.visited[current.ID] {
		st.visited[current.ID] = true

		v := e.visitNode(ctx, st, current)
		if done := e.handle(st, v); done {
			break
		}

		current, ok = diagram.Next(current.ID)
	}

	if st.result == nil {
		st.result = e.envelope(st, models.RunStatusCompleted)
		if st.hadError {
			st.result.Status = models.RunStatusError
		}
	}

	if err := e.finish(ctx, st); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("run.status", string(st.result.Status)))
	return st.result, nil
}

// visitNode runs or skips a node and records its log
func (e *Engine) visitNode(ctx context.Context, st *runState, node models.Node) *visit {
	nodeType := node.ResolveType()
	ctx, span := e.tracer.Start(ctx, "flow.node", trace.WithAttributes(
		attribute.String("run.id", st.run.ID),
		attribute.String("flow.id", st.run.FlowID),
		attribute.String("node.id", node.ID),
		attribute.String("node.type", nodeType),
	))
	defer span.End()

	v := &visit{node: node, nodeType: nodeType}

	if node.IsDisabled() {
		v.result = &Result{
			Output: map[string]interface{}{"info": "node disabled, skipped", "skipped": true},
			Next:   st.lastOutput,
			Status: models.NodeStatusSkipped,
		}
	} else {
		in := &Input{
			RunID:          st.run.ID,
			FlowID:         st.run.FlowID,
			WorkspaceID:    st.run.WorkspaceID,
			TriggerType:    st.run.TriggerType,
			TriggerPayload: st.run.TriggerPayload,
			Node:           node,
			NodeType:       nodeType,
			LastOutput:     st.lastOutput,
		}
		v.result, v.nodeError = e.invoke(ctx, e.registry.Resolve(nodeType), in)
	}

	var output interface{}
	status := models.NodeStatusSuccess
	var errText *string
	if v.nodeError != nil {
		msg := v.nodeError.Error()
		errText = &msg
		output = map[string]interface{}{"error": msg}
		status = models.NodeStatusError
	} else {
		output = v.result.Output
		if v.result.Status != "" {
			status = v.result.Status
		}
	}

	span.SetAttributes(attribute.String("node.status", string(status)))
	if status == models.NodeStatusError {
		span.SetStatus(codes.Error, "node failed")
	}

	entry := &models.NodeLog{
		RunID:    st.run.ID,
		NodeID:   node.ID,
		NodeType: nodeType,
		Status:   status,
		Output:   output,
	}
	if err := e.runs.AppendNodeLog(ctx, entry); err != nil {
		e.logger.WithContext(ctx).Warn("failed to append node log",
			logging.F("run_id", st.run.ID), logging.F("node_id", node.ID), logging.Err(err))
	}
	e.events.Publish(ctx, events.Event{Type: events.EventNodeLog, RunID: st.run.ID, FlowID: st.run.FlowID, NodeLog: entry})
	e.logger.LogNodeExecution(st.run.FlowID, st.run.ID, node.ID, "executed", map[string]interface{}{
		"type":   nodeType,
		"status": string(status),
	})

	st.executed = append(st.executed, ExecutedNode{
		NodeID: node.ID,
		Type:   nodeType,
		Status: status,
		Output: output,
		Error:  errText,
	})
	if status == models.NodeStatusError {
		st.hadError = true
	}
	return v
}

// invoke calls exec, turning a panic into a technical error
func (e *Engine) invoke(ctx context.Context, exec Executor, in *Input) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("node %s panicked: %v", in.Node.ID, r)
		}
	}()

	result, err = exec(ctx, in, e.deps)
	if err == nil && result == nil {
		err = fmt.Errorf("node %s returned no result", in.Node.ID)
	}
	return result, err
}

// handle applies the control outcome of a visit and reports whether the
// loop is over
func (e *Engine) handle(st *runState, v *visit) bool {
	switch {
	case v.nodeError == nil && v.result.Signal == SignalTerminalRespond:
		st.lastOutput = v.result.Next
		st.result = e.envelope(st, models.RunStatusCompleted)
		if st.hadError {
			st.result.Status = models.RunStatusError
		}
		if st.run.TriggerType == models.TriggerWebhook {
			st.result.Webhook = v.result.Response
		} else {
			st.result.Response = v.result.Response
		}
		return true

	case v.nodeError == nil && v.result.Signal == SignalStopError:
		st.result = e.envelope(st, models.RunStatusError)
		output, _ := v.result.Output.(map[string]interface{})
		st.result.Reason = stringParam(output, "reason")
		if st.result.Reason == "" {
			st.result.Reason = DefaultStopReason
		}
		st.result.Code = stringParam(output, "code")
		if st.result.Code == "" {
			st.result.Code = DefaultStopCode
		}
		return true

	case v.nodeError != nil:
		if st.errorMode == models.ErrorModeContinue {
			return false
		}
		st.result = e.envelope(st, models.RunStatusError)
		st.result.Node = v.node.ID
		st.result.Error = v.nodeError.Error()
		return true

	case v.result.Signal == SignalBranchFalse:
		st.lastOutput = v.result.Next
		st.result = e.envelope(st, models.RunStatusCompleted)
		st.result.Reason = ReasonIfConditionFalse
		return true

	default:
		st.lastOutput = v.result.Next
		return false
	}
}

func (e *Engine) envelope(st *runState, status models.RunStatus) *RunResult {
	return &RunResult{
		Status:     status,
		RunID:      st.run.ID,
		Executed:   st.executed,
		LastOutput: st.lastOutput,
		ErrorMode:  st.errorMode,
	}
}

// finish writes the terminal status and publishes the result
func (e *Engine) finish(ctx context.Context, st *runState) error {
	res := st.result
	finishedAt := time.Now().UTC()
	update := models.RunUpdate{
		Status:      res.Status,
		FinalOutput: res.LastOutput,
		FinishedAt:  &finishedAt,
	}
	if res.Status == models.RunStatusError {
		switch {
		case res.Error != "":
			update.ErrorMessage = res.Error
		case res.Reason != "":
			update.ErrorMessage = res.Reason
		default:
			update.ErrorMessage = "one or more nodes failed"
		}
	}

	if _, err := e.runs.UpdateRun(ctx, st.run.ID, update); err != nil {
		return fmt.Errorf("failed to finish run %s: %w", st.run.ID, err)
	}

	e.events.Publish(ctx, events.Event{
		Type:   events.EventRunFinished,
		RunID:  st.run.ID,
		FlowID: st.run.FlowID,
		Status: res.Status,
		Data:   res,
	})
	e.logger.LogFlowExecution(st.run.FlowID, st.run.ID, "finished", map[string]interface{}{
		"status":   string(res.Status),
		"executed": len(res.Executed),
		"reason":   res.Reason,
	})
	return nil
}

// markError moves a run to error, ignoring failures
func (e *Engine) markError(ctx context.Context, runID, message string) {
	finishedAt := time.Now().UTC()
	_, err := e.runs.UpdateRun(ctx, runID, models.RunUpdate{
		Status:       models.RunStatusError,
		ErrorMessage: message,
		FinishedAt:   &finishedAt,
	})
	if err != nil {
		e.logger.Warn("failed to mark run as error", logging.F("run_id", runID), logging.Err(err))
		return
	}
	e.events.Publish(ctx, events.Event{Type: events.EventRunFinished, RunID: runID, Status: models.RunStatusError, Data: map[string]interface{}{"error": message}})
}

// ResolveErrorMode reads the run's error mode, then errorMode of the
// trigger payload, then of the payload
func ResolveErrorMode(run *models.Run) models.ErrorMode {
	if mode, ok := models.ParseErrorMode(run.ErrorMode); ok {
		return mode
	}
	for _, doc := range []interface{}{run.TriggerPayload, run.Payload} {
		if raw, ok := utils.GetPath(doc, "errorMode").(string); ok {
			if mode, ok := models.ParseErrorMode(raw); ok {
				return mode
			}
		}
	}
	return models.ErrorModeFailFast
}

// EntryNode picks the first node to run for a trigger type
func EntryNode(diagram *models.Diagram, trigger models.TriggerType) (models.Node, bool) {
	if len(diagram.Nodes) == 0 {
		return models.Node{}, false
	}

	switch trigger {
	case models.TriggerWebhook:
		if n, ok := diagram.FindByType(models.NodeTypeWebhookTrigger); ok {
			return n, true
		}
	case models.TriggerSchedule:
		if n, ok := diagram.FindByType(models.NodeTypeScheduleTrigger); ok {
			return n, true
		}
	}
	if n, ok := diagram.FindByType(models.NodeTypeStart); ok {
		return n, true
	}
	return diagram.Nodes[0], true
}

// SeedContext builds the initial context of a run from its trigger
func SeedContext(run *models.Run) interface{} {
	// copies, so executors never alias what the run store holds
	tp := utils.CloneValue(run.TriggerPayload)
	runPayload := utils.CloneValue(run.Payload)

	switch run.TriggerType {
	case models.TriggerWebhook:
		payload := runPayload
		if payload == nil {
			payload = utils.GetPath(tp, "body")
		}
		return map[string]interface{}{
			"trigger":        string(models.TriggerWebhook),
			"triggerPayload": tp,
			"payload":        payload,
			"body":           utils.GetPath(tp, "body"),
			"query":          utils.GetPath(tp, "query"),
			"headers":        utils.GetPath(tp, "headers"),
		}

	case models.TriggerSchedule:
		payload := runPayload
		if payload == nil {
			payload = utils.GetPath(tp, "payload")
		}
		return map[string]interface{}{
			"trigger":        string(models.TriggerSchedule),
			"triggerPayload": tp,
			"payload":        payload,
		}

	default:
		payload := runPayload
		if payload == nil {
			payload = tp
		}
		if payload == nil {
			return nil
		}
		trigger := string(run.TriggerType)
		if trigger == "" {
			trigger = string(models.TriggerManual)
		}
		return map[string]interface{}{
			"trigger": trigger,
			"payload": payload,
			"body":    payload,
		}
	}
}
