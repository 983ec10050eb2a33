package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/tcmartin/flowcraft/pkg/models"
)

// PostgreSQLProvider implements the StorageProvider interface using PostgreSQL
type PostgreSQLProvider struct {
	db              *sql.DB
	flowStore       *PostgreSQLFlowStore
	runStore        *PostgreSQLRunStore
	credentialStore *PostgreSQLCredentialStore
}

// PostgreSQLProviderConfig contains configuration for the PostgreSQL provider
type PostgreSQLProviderConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewPostgreSQLProvider creates a new PostgreSQL storage provider
func NewPostgreSQLProvider(config PostgreSQLProviderConfig) (*PostgreSQLProvider, error) {
	// Set default port if not specified
	if config.Port == 0 {
		config.Port = 5432
	}

	// Set default SSL mode if not specified
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	// Create connection string
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	// Connect to database
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return NewPostgreSQLProviderWithDB(db), nil
}

// NewPostgreSQLProviderWithDB creates a provider over an existing connection
func NewPostgreSQLProviderWithDB(db *sql.DB) *PostgreSQLProvider {
	return &PostgreSQLProvider{
		db:              db,
		flowStore:       &PostgreSQLFlowStore{db: db},
		runStore:        &PostgreSQLRunStore{db: db},
		credentialStore: &PostgreSQLCredentialStore{db: db},
	}
}

// Initialize creates the PostgreSQL tables if they don't exist
func (p *PostgreSQLProvider) Initialize() error {
	_, err := p.db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS flows_workspace_id_idx ON flows (workspace_id);

		CREATE TABLE IF NOT EXISTS flow_diagrams (
			flow_id TEXT PRIMARY KEY REFERENCES flows (id) ON DELETE CASCADE,
			workspace_id TEXT NOT NULL,
			nodes JSONB NOT NULL,
			edges JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			trigger_payload JSONB,
			payload JSONB,
			error_mode TEXT,
			final_output JSONB,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS runs_workspace_created_idx ON runs (workspace_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS runs_flow_id_idx ON runs (flow_id);

		CREATE TABLE IF NOT EXISTS node_logs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			node_type TEXT,
			status TEXT NOT NULL,
			output JSONB,
			sequence INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS node_logs_run_id_idx ON node_logs (run_id, sequence);

		CREATE TABLE IF NOT EXISTS credentials (
			id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			sealed_config TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (workspace_id, id)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *PostgreSQLProvider) Close() error {
	return p.db.Close()
}

// GetFlowStore returns a store for flows and their diagrams
func (p *PostgreSQLProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// GetRunStore returns a store for runs and node logs
func (p *PostgreSQLProvider) GetRunStore() RunStore {
	return p.runStore
}

// GetCredentialStore returns a store for credentials
func (p *PostgreSQLProvider) GetCredentialStore() CredentialStore {
	return p.credentialStore
}

// PostgreSQLFlowStore implements the FlowStore interface using PostgreSQL
type PostgreSQLFlowStore struct {
	db *sql.DB
}

// CreateFlow persists a new flow
func (s *PostgreSQLFlowStore) CreateFlow(ctx context.Context, flow *models.Flow) error {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO flows (id, workspace_id, name, description, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		flow.ID, flow.WorkspaceID, flow.Name, flow.Description, flow.CreatedAt, flow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert flow: %w", err)
	}
	return nil
}

// GetFlow retrieves a flow by ID
func (s *PostgreSQLFlowStore) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	var flow models.Flow
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, workspace_id, name, description, created_at, updated_at FROM flows WHERE id = $1",
		flowID,
	).Scan(&flow.ID, &flow.WorkspaceID, &flow.Name, &description, &flow.CreatedAt, &flow.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	flow.Description = description.String
	return &flow, nil
}

// ListFlows returns flows of a workspace, or all flows when workspaceID is empty
func (s *PostgreSQLFlowStore) ListFlows(ctx context.Context, workspaceID string) ([]*models.Flow, error) {
	query := "SELECT id, workspace_id, name, description, created_at, updated_at FROM flows"
	var args []interface{}
	if workspaceID != "" {
		query += " WHERE workspace_id = $1"
		args = append(args, workspaceID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	flows := make([]*models.Flow, 0)
	for rows.Next() {
		var flow models.Flow
		var description sql.NullString
		if err := rows.Scan(&flow.ID, &flow.WorkspaceID, &flow.Name, &description, &flow.CreatedAt, &flow.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		flow.Description = description.String
		flows = append(flows, &flow)
	}
	return flows, rows.Err()
}

// UpdateFlow replaces flow name and description
func (s *PostgreSQLFlowStore) UpdateFlow(ctx context.Context, flow *models.Flow) error {
	flow.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE flows SET name = $1, description = $2, updated_at = $3 WHERE id = $4",
		flow.Name, flow.Description, flow.UpdatedAt, flow.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update flow: %w", err)
	}
	return requireAffected(res, ErrFlowNotFound)
}

// DeleteFlow removes a flow and its diagram
func (s *PostgreSQLFlowStore) DeleteFlow(ctx context.Context, flowID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM flows WHERE id = $1", flowID)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	return requireAffected(res, ErrFlowNotFound)
}

// SaveDiagram stores the diagram of a flow, replacing any previous one
func (s *PostgreSQLFlowStore) SaveDiagram(ctx context.Context, diagram *models.Diagram) error {
	flow, err := s.GetFlow(ctx, diagram.FlowID)
	if err != nil {
		return err
	}

	nodes, err := json.Marshal(diagram.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}
	edges, err := json.Marshal(diagram.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}

	diagram.WorkspaceID = flow.WorkspaceID
	diagram.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flow_diagrams (flow_id, workspace_id, nodes, edges, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (flow_id) DO UPDATE SET nodes = EXCLUDED.nodes, edges = EXCLUDED.edges, updated_at = EXCLUDED.updated_at`,
		diagram.FlowID, diagram.WorkspaceID, nodes, edges, diagram.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save diagram: %w", err)
	}
	return nil
}

// GetDiagram retrieves the diagram of a flow
func (s *PostgreSQLFlowStore) GetDiagram(ctx context.Context, flowID string) (*models.Diagram, error) {
	var diagram models.Diagram
	var nodes, edges []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT flow_id, workspace_id, nodes, edges, updated_at FROM flow_diagrams WHERE flow_id = $1",
		flowID,
	).Scan(&diagram.FlowID, &diagram.WorkspaceID, &nodes, &edges, &diagram.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDiagramNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diagram: %w", err)
	}

	if err := json.Unmarshal(nodes, &diagram.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &diagram.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edges: %w", err)
	}
	return &diagram, nil
}

// PostgreSQLRunStore implements the RunStore interface using PostgreSQL
type PostgreSQLRunStore struct {
	db *sql.DB
}

const runColumns = "id, flow_id, workspace_id, status, trigger_type, trigger_payload, payload, error_mode, final_output, error_message, created_at, started_at, finished_at"

// CreateRun persists a new run
func (s *PostgreSQLRunStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	triggerPayload, payload, finalOutput, err := marshalRunDocuments(run)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO runs ("+runColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)",
		run.ID, run.FlowID, run.WorkspaceID, string(run.Status), string(run.TriggerType),
		triggerPayload, payload, run.ErrorMode, finalOutput, run.ErrorMessage,
		run.CreatedAt, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *PostgreSQLRunStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = $1", runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun applies an update, rejecting illegal status transitions
func (s *PostgreSQLRunStore) UpdateRun(ctx context.Context, runID string, update models.RunUpdate) (*models.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = $1 FOR UPDATE", runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	if err := applyRunUpdate(run, update); err != nil {
		return nil, err
	}

	_, _, finalOutput, err := marshalRunDocuments(run)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE runs SET status = $1, final_output = $2, error_message = $3, started_at = $4, finished_at = $5 WHERE id = $6",
		string(run.Status), finalOutput, run.ErrorMessage, run.StartedAt, run.FinishedAt, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run update: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first
func (s *PostgreSQLRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.WorkspaceID != "" {
		add("workspace_id = $%d", filter.WorkspaceID)
	}
	if filter.FlowID != "" {
		add("flow_id = $%d", filter.FlowID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*models.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendNodeLog appends a node log entry to a run
func (s *PostgreSQLRunStore) AppendNodeLog(ctx context.Context, log *models.NodeLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	output, err := json.Marshal(log.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal node output: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO node_logs (id, run_id, node_id, node_type, status, output, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, (SELECT COALESCE(MAX(sequence), -1) + 1 FROM node_logs WHERE run_id = $2), $7)
		RETURNING sequence`,
		log.ID, log.RunID, log.NodeID, log.NodeType, string(log.Status), output, log.CreatedAt,
	).Scan(&log.Sequence)
	if err != nil {
		return fmt.Errorf("failed to insert node log: %w", err)
	}
	return nil
}

// GetNodeLogs returns the node logs of a run in execution order
func (s *PostgreSQLRunStore) GetNodeLogs(ctx context.Context, runID string) ([]*models.NodeLog, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, node_id, node_type, status, output, sequence, created_at FROM node_logs WHERE run_id = $1 ORDER BY sequence",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get node logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*models.NodeLog, 0)
	for rows.Next() {
		var entry models.NodeLog
		var nodeType sql.NullString
		var status string
		var output []byte
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.NodeID, &nodeType, &status, &output, &entry.Sequence, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node log: %w", err)
		}
		entry.NodeType = nodeType.String
		entry.Status = models.NodeStatus(status)
		if err := unmarshalDocument(output, &entry.Output); err != nil {
			return nil, err
		}
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

// PostgreSQLCredentialStore implements the CredentialStore interface using PostgreSQL
type PostgreSQLCredentialStore struct {
	db *sql.DB
}

// SaveCredential creates or replaces a credential
func (s *PostgreSQLCredentialStore) SaveCredential(ctx context.Context, cred *models.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, workspace_id, name, type, sealed_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workspace_id, id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type,
			sealed_config = EXCLUDED.sealed_config, updated_at = EXCLUDED.updated_at`,
		cred.ID, cred.WorkspaceID, cred.Name, cred.Type, cred.SealedConfig, cred.CreatedAt, cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential scoped to a workspace
func (s *PostgreSQLCredentialStore) GetCredential(ctx context.Context, workspaceID, id string) (*models.Credential, error) {
	var cred models.Credential
	err := s.db.QueryRowContext(ctx,
		"SELECT id, workspace_id, name, type, sealed_config, created_at, updated_at FROM credentials WHERE workspace_id = $1 AND id = $2",
		workspaceID, id,
	).Scan(&cred.ID, &cred.WorkspaceID, &cred.Name, &cred.Type, &cred.SealedConfig, &cred.CreatedAt, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

// ListCredentials returns all credentials of a workspace
func (s *PostgreSQLCredentialStore) ListCredentials(ctx context.Context, workspaceID string) ([]*models.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, workspace_id, name, type, sealed_config, created_at, updated_at FROM credentials WHERE workspace_id = $1 ORDER BY name",
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	creds := make([]*models.Credential, 0)
	for rows.Next() {
		var cred models.Credential
		if err := rows.Scan(&cred.ID, &cred.WorkspaceID, &cred.Name, &cred.Type, &cred.SealedConfig, &cred.CreatedAt, &cred.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, &cred)
	}
	return creds, rows.Err()
}

// DeleteCredential removes a credential
func (s *PostgreSQLCredentialStore) DeleteCredential(ctx context.Context, workspaceID, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE workspace_id = $1 AND id = $2", workspaceID, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return requireAffected(res, ErrCredentialNotFound)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var status, triggerType string
	var errorMode, errorMessage sql.NullString
	var triggerPayload, payload, finalOutput []byte
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&run.ID, &run.FlowID, &run.WorkspaceID, &status, &triggerType,
		&triggerPayload, &payload, &errorMode, &finalOutput, &errorMessage,
		&run.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)
	run.TriggerType = models.TriggerType(triggerType)
	run.ErrorMode = errorMode.String
	run.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}

	if err := unmarshalDocument(triggerPayload, &run.TriggerPayload); err != nil {
		return nil, err
	}
	if err := unmarshalDocument(payload, &run.Payload); err != nil {
		return nil, err
	}
	if err := unmarshalDocument(finalOutput, &run.FinalOutput); err != nil {
		return nil, err
	}
	return &run, nil
}

func marshalRunDocuments(run *models.Run) (triggerPayload, payload, finalOutput []byte, err error) {
	if triggerPayload, err = json.Marshal(run.TriggerPayload); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal trigger payload: %w", err)
	}
	if payload, err = json.Marshal(run.Payload); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if finalOutput, err = json.Marshal(run.FinalOutput); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal final output: %w", err)
	}
	return triggerPayload, payload, finalOutput, nil
}

func unmarshalDocument(data []byte, v *interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
