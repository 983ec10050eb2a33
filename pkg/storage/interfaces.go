// Package storage provides interfaces for persistent storage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tcmartin/flowcraft/pkg/models"
)

// Errors returned by storage providers
var (
	ErrFlowNotFound       = errors.New("flow not found")
	ErrDiagramNotFound    = errors.New("diagram not found")
	ErrRunNotFound        = errors.New("run not found")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrInvalidTransition  = errors.New("invalid run status transition")
)

// StorageProvider defines the interface for persistence backends
type StorageProvider interface {
	// Initialize sets up the storage backend
	Initialize() error

	// Close cleans up resources
	Close() error

	// GetFlowStore returns a store for flows and their diagrams
	GetFlowStore() FlowStore

	// GetRunStore returns a store for runs and node logs
	GetRunStore() RunStore

	// GetCredentialStore returns a store for credentials
	GetCredentialStore() CredentialStore
}

// FlowStore manages flow and diagram persistence
type FlowStore interface {
	// CreateFlow persists a new flow
	CreateFlow(ctx context.Context, flow *models.Flow) error

	// GetFlow retrieves a flow by ID
	GetFlow(ctx context.Context, flowID string) (*models.Flow, error)

	// ListFlows returns flows of a workspace, or all flows when workspaceID is empty
	ListFlows(ctx context.Context, workspaceID string) ([]*models.Flow, error)

	// UpdateFlow replaces flow name and description
	UpdateFlow(ctx context.Context, flow *models.Flow) error

	// DeleteFlow removes a flow and its diagram
	DeleteFlow(ctx context.Context, flowID string) error

	// SaveDiagram stores the diagram of a flow, replacing any previous one
	SaveDiagram(ctx context.Context, diagram *models.Diagram) error

	// GetDiagram retrieves the diagram of a flow
	GetDiagram(ctx context.Context, flowID string) (*models.Diagram, error)
}

// RunFilter narrows ListRuns results
type RunFilter struct {
	WorkspaceID string
	FlowID      string
	Status      models.RunStatus
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// Matches reports whether the run satisfies the filter, ignoring paging
func (f RunFilter) Matches(run *models.Run) bool {
	if f.WorkspaceID != "" && run.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.FlowID != "" && run.FlowID != f.FlowID {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.From != nil && run.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && run.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// Page applies Offset and Limit to an already sorted slice
func (f RunFilter) Page(runs []*models.Run) []*models.Run {
	if f.Offset > 0 {
		if f.Offset >= len(runs) {
			return []*models.Run{}
		}
		runs = runs[f.Offset:]
	}
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs
}

// RunStore manages run and node log persistence
type RunStore interface {
	// CreateRun persists a new run
	CreateRun(ctx context.Context, run *models.Run) error

	// GetRun retrieves a run by ID
	GetRun(ctx context.Context, runID string) (*models.Run, error)

	// UpdateRun applies an update, rejecting illegal status transitions
	UpdateRun(ctx context.Context, runID string, update models.RunUpdate) (*models.Run, error)

	// ListRuns returns runs matching the filter, newest first
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)

	// AppendNodeLog appends a node log entry to a run
	AppendNodeLog(ctx context.Context, log *models.NodeLog) error

	// GetNodeLogs returns the node logs of a run in execution order
	GetNodeLogs(ctx context.Context, runID string) ([]*models.NodeLog, error)
}

// CredentialStore manages credential persistence. Stores only ever see
// SealedConfig; encryption happens above this layer.
type CredentialStore interface {
	// SaveCredential creates or replaces a credential
	SaveCredential(ctx context.Context, cred *models.Credential) error

	// GetCredential retrieves a credential scoped to a workspace
	GetCredential(ctx context.Context, workspaceID, id string) (*models.Credential, error)

	// ListCredentials returns all credentials of a workspace
	ListCredentials(ctx context.Context, workspaceID string) ([]*models.Credential, error)

	// DeleteCredential removes a credential
	DeleteCredential(ctx context.Context, workspaceID, id string) error
}

// applyRunUpdate validates and applies an update in place
func applyRunUpdate(run *models.Run, update models.RunUpdate) error {
	if run.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	if update.Status != "" && !run.Status.CanTransitionTo(update.Status) {
		return ErrInvalidTransition
	}
	update.Apply(run)
	return nil
}
