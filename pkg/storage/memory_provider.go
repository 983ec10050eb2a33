package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tcmartin/flowcraft/pkg/models"
)

// MemoryProvider implements the StorageProvider interface using in-memory storage
type MemoryProvider struct {
	flowStore       *MemoryFlowStore
	runStore        *MemoryRunStore
	credentialStore *MemoryCredentialStore
}

// NewMemoryProvider creates a new in-memory storage provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		flowStore:       NewMemoryFlowStore(),
		runStore:        NewMemoryRunStore(),
		credentialStore: NewMemoryCredentialStore(),
	}
}

// Initialize sets up the storage backend
func (p *MemoryProvider) Initialize() error {
	// Nothing to initialize for in-memory storage
	return nil
}

// Close cleans up resources
func (p *MemoryProvider) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

// GetFlowStore returns a store for flows and their diagrams
func (p *MemoryProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// GetRunStore returns a store for runs and node logs
func (p *MemoryProvider) GetRunStore() RunStore {
	return p.runStore
}

// GetCredentialStore returns a store for credentials
func (p *MemoryProvider) GetCredentialStore() CredentialStore {
	return p.credentialStore
}

// MemoryFlowStore implements the FlowStore interface using in-memory storage
type MemoryFlowStore struct {
	flows    map[string]models.Flow
	diagrams map[string]models.Diagram
	mu       sync.RWMutex
}

// NewMemoryFlowStore creates a new in-memory flow store
func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{
		flows:    make(map[string]models.Flow),
		diagrams: make(map[string]models.Diagram),
	}
}

// CreateFlow persists a new flow
func (s *MemoryFlowStore) CreateFlow(ctx context.Context, flow *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now

	s.flows[flow.ID] = *flow
	return nil
}

// GetFlow retrieves a flow by ID
func (s *MemoryFlowStore) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[flowID]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return &flow, nil
}

// ListFlows returns flows of a workspace, or all flows when workspaceID is empty
func (s *MemoryFlowStore) ListFlows(ctx context.Context, workspaceID string) ([]*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flows := make([]*models.Flow, 0, len(s.flows))
	for _, flow := range s.flows {
		if workspaceID != "" && flow.WorkspaceID != workspaceID {
			continue
		}
		f := flow
		flows = append(flows, &f)
	}

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].CreatedAt.After(flows[j].CreatedAt)
	})
	return flows, nil
}

// UpdateFlow replaces flow name and description
func (s *MemoryFlowStore) UpdateFlow(ctx context.Context, flow *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.flows[flow.ID]
	if !ok {
		return ErrFlowNotFound
	}

	existing.Name = flow.Name
	existing.Description = flow.Description
	existing.UpdatedAt = time.Now().UTC()
	s.flows[flow.ID] = existing
	*flow = existing
	return nil
}

// DeleteFlow removes a flow and its diagram
func (s *MemoryFlowStore) DeleteFlow(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[flowID]; !ok {
		return ErrFlowNotFound
	}
	delete(s.flows, flowID)
	delete(s.diagrams, flowID)
	return nil
}

// SaveDiagram stores the diagram of a flow, replacing any previous one
func (s *MemoryFlowStore) SaveDiagram(ctx context.Context, diagram *models.Diagram) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[diagram.FlowID]
	if !ok {
		return ErrFlowNotFound
	}

	diagram.WorkspaceID = flow.WorkspaceID
	diagram.UpdatedAt = time.Now().UTC()
	s.diagrams[diagram.FlowID] = *diagram
	return nil
}

// GetDiagram retrieves the diagram of a flow
func (s *MemoryFlowStore) GetDiagram(ctx context.Context, flowID string) (*models.Diagram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diagram, ok := s.diagrams[flowID]
	if !ok {
		return nil, ErrDiagramNotFound
	}
	return &diagram, nil
}

// MemoryRunStore implements the RunStore interface using in-memory storage
type MemoryRunStore struct {
	runs map[string]models.Run
	logs map[string][]models.NodeLog
	mu   sync.RWMutex
}

// NewMemoryRunStore creates a new in-memory run store
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]models.Run),
		logs: make(map[string][]models.NodeLog),
	}
}

// CreateRun persists a new run
func (s *MemoryRunStore) CreateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	s.runs[run.ID] = *run
	return nil
}

// GetRun retrieves a run by ID
func (s *MemoryRunStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

// UpdateRun applies an update, rejecting illegal status transitions
func (s *MemoryRunStore) UpdateRun(ctx context.Context, runID string, update models.RunUpdate) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if err := applyRunUpdate(&run, update); err != nil {
		return nil, err
	}

	s.runs[runID] = run
	return &run, nil
}

// ListRuns returns runs matching the filter, newest first
func (s *MemoryRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*models.Run, 0)
	for _, run := range s.runs {
		if !filter.Matches(&run) {
			continue
		}
		r := run
		runs = append(runs, &r)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return filter.Page(runs), nil
}

// AppendNodeLog appends a node log entry to a run
func (s *MemoryRunStore) AppendNodeLog(ctx context.Context, log *models.NodeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[log.RunID]; !ok {
		return ErrRunNotFound
	}
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	log.Sequence = len(s.logs[log.RunID])

	s.logs[log.RunID] = append(s.logs[log.RunID], *log)
	return nil
}

// GetNodeLogs returns the node logs of a run in execution order
func (s *MemoryRunStore) GetNodeLogs(ctx context.Context, runID string) ([]*models.NodeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]*models.NodeLog, 0, len(s.logs[runID]))
	for _, l := range s.logs[runID] {
		entry := l
		logs = append(logs, &entry)
	}
	return logs, nil
}

// MemoryCredentialStore implements the CredentialStore interface using in-memory storage
type MemoryCredentialStore struct {
	credentials map[string]map[string]models.Credential
	mu          sync.RWMutex
}

// NewMemoryCredentialStore creates a new in-memory credential store
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		credentials: make(map[string]map[string]models.Credential),
	}
}

// SaveCredential creates or replaces a credential
func (s *MemoryCredentialStore) SaveCredential(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[cred.WorkspaceID]; !ok {
		s.credentials[cred.WorkspaceID] = make(map[string]models.Credential)
	}

	stored := *cred
	stored.Config = nil
	s.credentials[cred.WorkspaceID][cred.ID] = stored
	return nil
}

// GetCredential retrieves a credential scoped to a workspace
func (s *MemoryCredentialStore) GetCredential(ctx context.Context, workspaceID, id string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[workspaceID][id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &cred, nil
}

// ListCredentials returns all credentials of a workspace
func (s *MemoryCredentialStore) ListCredentials(ctx context.Context, workspaceID string) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds := make([]*models.Credential, 0, len(s.credentials[workspaceID]))
	for _, cred := range s.credentials[workspaceID] {
		c := cred
		creds = append(creds, &c)
	}

	sort.Slice(creds, func(i, j int) bool {
		return creds[i].Name < creds[j].Name
	})
	return creds, nil
}

// DeleteCredential removes a credential
func (s *MemoryCredentialStore) DeleteCredential(ctx context.Context, workspaceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.credentials[workspaceID][id]; !ok {
		return ErrCredentialNotFound
	}
	delete(s.credentials[workspaceID], id)
	return nil
}
