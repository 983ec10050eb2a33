// Package runtime executes flow runs: it walks a diagram node by node,
// dispatching each node to the executor registered for its type.
package runtime

import (
	"context"
	"time"

	"github.com/tcmartin/flowcraft/pkg/auth"
	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/utils"
)

// Signal tells the engine what to do after a node ran
type Signal int

// Control signals
const (
	SignalContinue Signal = iota
	SignalBranchFalse
	SignalStopError
	SignalTerminalRespond
)

func (s Signal) String() string {
	switch s {
	case SignalBranchFalse:
		return "branch_false"
	case SignalStopError:
		return "stop_error"
	case SignalTerminalRespond:
		return "terminal_respond"
	default:
		return "continue"
	}
}

// Response is the HTTP response computed by a respond_webhook node
type Response struct {
	StatusCode int         `json:"statusCode"`
	Body       interface{} `json:"body"`
}

// Result is what an executor hands back to the engine.
//
// Output is always logged. Next becomes the context of the following node.
// Status is NodeStatusError for node-local domain errors, which are recorded
// but do not abort the run.
type Result struct {
	Output   interface{}
	Next     interface{}
	Signal   Signal
	Status   models.NodeStatus
	Response *Response
}

// Input is the per-visit view an executor gets of the run
type Input struct {
	RunID          string
	FlowID         string
	WorkspaceID    string
	TriggerType    models.TriggerType
	TriggerPayload interface{}

	Node       models.Node
	NodeType   string
	LastOutput interface{}
}

// Data returns the node configuration, never nil
func (in *Input) Data() map[string]interface{} {
	if in.Node.Data == nil {
		return map[string]interface{}{}
	}
	return in.Node.Data
}

// Executor runs one node. A returned error is a technical failure; the
// engine logs it and applies the run's error mode.
type Executor func(ctx context.Context, in *Input, deps *Deps) (*Result, error)

// Deps are the collaborators shared by all executors of an engine
type Deps struct {
	HTTP        *utils.HTTPClient
	Credentials auth.CredentialResolver

	// Email is nil when no provider is configured
	Email utils.EmailSender

	Sleep  func(ctx context.Context, d time.Duration) error
	Now    func() time.Time
	Logger logging.Logger
}

// withDefaults returns a filled copy; logger backs a missing Logger
func (d *Deps) withDefaults(logger logging.Logger) *Deps {
	out := Deps{}
	if d != nil {
		out = *d
	}
	if out.HTTP == nil {
		out.HTTP = utils.NewHTTPClient("", 0)
	}
	if out.Sleep == nil {
		out.Sleep = utils.Sleep
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Logger == nil {
		out.Logger = logger
	}
	if out.Logger == nil {
		out.Logger = logging.NewNop()
	}
	return &out
}

// success builds a continuing result
func success(output, next interface{}) *Result {
	return &Result{Output: output, Next: next, Status: models.NodeStatusSuccess}
}

// failure builds a continuing result logged with error status
func failure(output, next interface{}) *Result {
	return &Result{Output: output, Next: next, Status: models.NodeStatusError}
}
