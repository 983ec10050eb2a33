package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tcmartin/flowcraft/pkg/models"
)

// Registry maps node types to executors
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry returns a registry holding the built-in node types
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	for nodeType, exec := range CoreExecutors() {
		r.executors[nodeType] = exec
	}
	return r
}

// CoreExecutors returns the built-in executors keyed by node type
func CoreExecutors() map[string]Executor {
	return map[string]Executor{
		models.NodeTypeStart:           executeStart,
		models.NodeTypeWebhookTrigger:  executeWebhookTrigger,
		models.NodeTypeScheduleTrigger: executeScheduleTrigger,
		models.NodeTypeRespondWebhook:  executeRespondWebhook,
		models.NodeTypeHTTPRequest:     executeHTTPRequest,
		models.NodeTypeHTTP:            executeHTTPRequest,
		models.NodeTypeSendEmail:       executeSendEmail,
		models.NodeTypeIf:              executeIf,
		models.NodeTypeLog:             executeLog,
		models.NodeTypeExecutionData:   executeExecutionData,
		models.NodeTypeWait:            executeWait,
		models.NodeTypeDelay:           executeWait,
		models.NodeTypeStopError:       executeStop,
		models.NodeTypeStop:            executeStop,
		models.NodeTypeFormatter:       executeFormatter,
		models.NodeTypeJSONFormatter:   executeFormatter,
		models.NodeTypeTextFormatter:   executeFormatter,
		models.NodeTypeJSONParse:       executeJSONParse,
		models.NodeTypeJSONStringify:   executeJSONStringify,
		models.NodeTypeNumberFormatter: executeNumberFormatter,
		models.NodeTypeSetFields:       executeSetFields,
		models.NodeTypeSet:             executeSetFields,
	}
}

// Register adds or replaces the executor of a node type
func (r *Registry) Register(nodeType string, exec Executor) error {
	if nodeType == "" {
		return fmt.Errorf("node type is required")
	}
	if exec == nil {
		return fmt.Errorf("executor for %s is nil", nodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[nodeType] = exec
	return nil
}

// Lookup returns the executor registered for nodeType
func (r *Registry) Lookup(nodeType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[nodeType]
	return exec, ok
}

// Resolve returns the executor for nodeType, falling back to one that
// reports the type as unsupported
func (r *Registry) Resolve(nodeType string) Executor {
	if exec, ok := r.Lookup(nodeType); ok {
		return exec
	}
	return executeUnsupported
}

// Types lists the registered node types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func executeUnsupported(_ context.Context, in *Input, _ *Deps) (*Result, error) {
	output := map[string]interface{}{
		"info": fmt.Sprintf("unsupported node type: %s", in.NodeType),
	}
	return success(output, in.LastOutput), nil
}
