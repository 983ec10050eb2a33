package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"github.com/google/uuid"

	"github.com/tcmartin/flowcraft/pkg/models"
)

// DynamoDBProvider implements the StorageProvider interface using DynamoDB
type DynamoDBProvider struct {
	client          dynamodbiface.DynamoDBAPI
	flowStore       *DynamoDBFlowStore
	runStore        *DynamoDBRunStore
	credentialStore *DynamoDBCredentialStore
	tablePrefix     string
}

// DynamoDBProviderConfig contains configuration for the DynamoDB provider
type DynamoDBProviderConfig struct {
	Region      string
	AccessKey   string
	SecretKey   string
	TablePrefix string
	Endpoint    string // Optional, for local DynamoDB
}

// NewDynamoDBProvider creates a new DynamoDB storage provider
func NewDynamoDBProvider(config DynamoDBProviderConfig) (*DynamoDBProvider, error) {
	// Create AWS session
	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}

	// Set credentials if provided
	if config.AccessKey != "" && config.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		)
	}

	// Set endpoint for local DynamoDB if provided
	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewDynamoDBProviderWithClient(dynamodb.New(sess), config.TablePrefix), nil
}

// NewDynamoDBProviderWithClient creates a new DynamoDB storage provider with a custom client
// This is primarily used for testing with mock clients
func NewDynamoDBProviderWithClient(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBProvider {
	return &DynamoDBProvider{
		client:      client,
		tablePrefix: tablePrefix,
		flowStore: &DynamoDBFlowStore{
			client:       client,
			flowsTable:   tablePrefix + "flows",
			diagramTable: tablePrefix + "flow_diagrams",
		},
		runStore: &DynamoDBRunStore{
			client:    client,
			runsTable: tablePrefix + "runs",
			logsTable: tablePrefix + "node_logs",
		},
		credentialStore: &DynamoDBCredentialStore{
			client:    client,
			tableName: tablePrefix + "credentials",
		},
	}
}

// Initialize creates the DynamoDB tables if they don't exist
func (p *DynamoDBProvider) Initialize() error {
	ctx := context.Background()
	tables := []struct {
		name  string
		hash  string
		rng   string
		rngTy string
	}{
		{name: p.flowStore.flowsTable, hash: "FlowID"},
		{name: p.flowStore.diagramTable, hash: "FlowID"},
		{name: p.runStore.runsTable, hash: "RunID"},
		{name: p.runStore.logsTable, hash: "RunID", rng: "Sequence", rngTy: "N"},
		{name: p.credentialStore.tableName, hash: "WorkspaceID", rng: "CredentialID", rngTy: "S"},
	}

	for _, t := range tables {
		if err := ensureTable(ctx, p.client, t.name, t.hash, t.rng, t.rngTy); err != nil {
			return err
		}
	}
	return nil
}

// Close cleans up resources
func (p *DynamoDBProvider) Close() error {
	// Nothing to close for DynamoDB client
	return nil
}

// GetFlowStore returns a store for flows and their diagrams
func (p *DynamoDBProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// GetRunStore returns a store for runs and node logs
func (p *DynamoDBProvider) GetRunStore() RunStore {
	return p.runStore
}

// GetCredentialStore returns a store for credentials
func (p *DynamoDBProvider) GetCredentialStore() CredentialStore {
	return p.credentialStore
}

// ensureTable creates a table if it doesn't exist
func ensureTable(ctx context.Context, client dynamodbiface.DynamoDBAPI, name, hashKey, rangeKey, rangeType string) error {
	_, err := client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to check if table %s exists: %w", name, err)
	}

	attrs := []*dynamodb.AttributeDefinition{
		{AttributeName: aws.String(hashKey), AttributeType: aws.String("S")},
	}
	keys := []*dynamodb.KeySchemaElement{
		{AttributeName: aws.String(hashKey), KeyType: aws.String("HASH")},
	}
	if rangeKey != "" {
		attrs = append(attrs, &dynamodb.AttributeDefinition{AttributeName: aws.String(rangeKey), AttributeType: aws.String(rangeType)})
		keys = append(keys, &dynamodb.KeySchemaElement{AttributeName: aws.String(rangeKey), KeyType: aws.String("RANGE")})
	}

	_, err = client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		TableName:            aws.String(name),
		AttributeDefinitions: attrs,
		KeySchema:            keys,
		BillingMode:          aws.String("PAY_PER_REQUEST"),
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}

	err = client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("failed to wait for table %s creation: %w", name, err)
	}
	return nil
}

// DynamoDBFlowStore implements the FlowStore interface using DynamoDB
type DynamoDBFlowStore struct {
	client       dynamodbiface.DynamoDBAPI
	flowsTable   string
	diagramTable string
}

// dynamoDBFlowItem represents a flow item in DynamoDB
type dynamoDBFlowItem struct {
	FlowID      string `dynamodbav:"FlowID"`
	WorkspaceID string `dynamodbav:"WorkspaceID"`
	Name        string `dynamodbav:"Name"`
	Description string `dynamodbav:"Description"`
	CreatedAt   int64  `dynamodbav:"CreatedAt"`
	UpdatedAt   int64  `dynamodbav:"UpdatedAt"`
}

func (i dynamoDBFlowItem) toModel() *models.Flow {
	return &models.Flow{
		ID:          i.FlowID,
		WorkspaceID: i.WorkspaceID,
		Name:        i.Name,
		Description: i.Description,
		CreatedAt:   fromUnixNano(i.CreatedAt),
		UpdatedAt:   fromUnixNano(i.UpdatedAt),
	}
}

// dynamoDBDiagramItem represents a diagram item in DynamoDB
type dynamoDBDiagramItem struct {
	FlowID      string `dynamodbav:"FlowID"`
	WorkspaceID string `dynamodbav:"WorkspaceID"`
	Nodes       string `dynamodbav:"Nodes"`
	Edges       string `dynamodbav:"Edges"`
	UpdatedAt   int64  `dynamodbav:"UpdatedAt"`
}

// CreateFlow persists a new flow
func (s *DynamoDBFlowStore) CreateFlow(ctx context.Context, flow *models.Flow) error {
	if flow.ID == "" {
		flow.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now
	return s.putFlow(ctx, flow)
}

func (s *DynamoDBFlowStore) putFlow(ctx context.Context, flow *models.Flow) error {
	item, err := dynamodbattribute.MarshalMap(dynamoDBFlowItem{
		FlowID:      flow.ID,
		WorkspaceID: flow.WorkspaceID,
		Name:        flow.Name,
		Description: flow.Description,
		CreatedAt:   flow.CreatedAt.UnixNano(),
		UpdatedAt:   flow.UpdatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal flow item: %w", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.flowsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put flow: %w", err)
	}
	return nil
}

// GetFlow retrieves a flow by ID
func (s *DynamoDBFlowStore) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.flowsTable),
		Key: map[string]*dynamodb.AttributeValue{
			"FlowID": {S: aws.String(flowID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	if result.Item == nil {
		return nil, ErrFlowNotFound
	}

	var item dynamoDBFlowItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow item: %w", err)
	}
	return item.toModel(), nil
}

// ListFlows returns flows of a workspace, or all flows when workspaceID is empty
func (s *DynamoDBFlowStore) ListFlows(ctx context.Context, workspaceID string) ([]*models.Flow, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(s.flowsTable)}
	if workspaceID != "" {
		filter := expression.Name("WorkspaceID").Equal(expression.Value(workspaceID))
		expr, err := expression.NewBuilder().WithFilter(filter).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build expression: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	items, err := scanAll(ctx, s.client, input)
	if err != nil {
		return nil, fmt.Errorf("failed to scan flows: %w", err)
	}

	flows := make([]*models.Flow, 0, len(items))
	for _, raw := range items {
		var item dynamoDBFlowItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow item: %w", err)
		}
		if workspaceID != "" && item.WorkspaceID != workspaceID {
			continue
		}
		flows = append(flows, item.toModel())
	}

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].CreatedAt.After(flows[j].CreatedAt)
	})
	return flows, nil
}

// UpdateFlow replaces flow name and description
func (s *DynamoDBFlowStore) UpdateFlow(ctx context.Context, flow *models.Flow) error {
	existing, err := s.GetFlow(ctx, flow.ID)
	if err != nil {
		return err
	}

	existing.Name = flow.Name
	existing.Description = flow.Description
	existing.UpdatedAt = time.Now().UTC()
	if err := s.putFlow(ctx, existing); err != nil {
		return err
	}
	*flow = *existing
	return nil
}

// DeleteFlow removes a flow and its diagram
func (s *DynamoDBFlowStore) DeleteFlow(ctx context.Context, flowID string) error {
	if _, err := s.GetFlow(ctx, flowID); err != nil {
		return err
	}

	key := map[string]*dynamodb.AttributeValue{"FlowID": {S: aws.String(flowID)}}
	if _, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.flowsTable),
		Key:       key,
	}); err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	if _, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.diagramTable),
		Key:       key,
	}); err != nil {
		return fmt.Errorf("failed to delete diagram: %w", err)
	}
	return nil
}

// SaveDiagram stores the diagram of a flow, replacing any previous one
func (s *DynamoDBFlowStore) SaveDiagram(ctx context.Context, diagram *models.Diagram) error {
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

	item, err := dynamodbattribute.MarshalMap(dynamoDBDiagramItem{
		FlowID:      diagram.FlowID,
		WorkspaceID: diagram.WorkspaceID,
		Nodes:       string(nodes),
		Edges:       string(edges),
		UpdatedAt:   diagram.UpdatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal diagram item: %w", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.diagramTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put diagram: %w", err)
	}
	return nil
}

// GetDiagram retrieves the diagram of a flow
func (s *DynamoDBFlowStore) GetDiagram(ctx context.Context, flowID string) (*models.Diagram, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.diagramTable),
		Key: map[string]*dynamodb.AttributeValue{
			"FlowID": {S: aws.String(flowID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get diagram: %w", err)
	}
	if result.Item == nil {
		return nil, ErrDiagramNotFound
	}

	var item dynamoDBDiagramItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal diagram item: %w", err)
	}

	diagram := &models.Diagram{
		FlowID:      item.FlowID,
		WorkspaceID: item.WorkspaceID,
		UpdatedAt:   fromUnixNano(item.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(item.Nodes), &diagram.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(item.Edges), &diagram.Edges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal edges: %w", err)
	}
	return diagram, nil
}

// DynamoDBRunStore implements the RunStore interface using DynamoDB
type DynamoDBRunStore struct {
	client    dynamodbiface.DynamoDBAPI
	runsTable string
	logsTable string
}

// dynamoDBRunItem represents a run item in DynamoDB. JSON documents are
// stored as strings.
type dynamoDBRunItem struct {
	RunID          string `dynamodbav:"RunID"`
	FlowID         string `dynamodbav:"FlowID"`
	WorkspaceID    string `dynamodbav:"WorkspaceID"`
	Status         string `dynamodbav:"Status"`
	TriggerType    string `dynamodbav:"TriggerType"`
	TriggerPayload string `dynamodbav:"TriggerPayload"`
	Payload        string `dynamodbav:"Payload"`
	ErrorMode      string `dynamodbav:"ErrorMode"`
	FinalOutput    string `dynamodbav:"FinalOutput"`
	ErrorMessage   string `dynamodbav:"ErrorMessage"`
	CreatedAt      int64  `dynamodbav:"CreatedAt"`
	StartedAt      int64  `dynamodbav:"StartedAt"`
	FinishedAt     int64  `dynamodbav:"FinishedAt"`
}

// dynamoDBNodeLogItem represents a node log item in DynamoDB
type dynamoDBNodeLogItem struct {
	RunID     string `dynamodbav:"RunID"`
	Sequence  int    `dynamodbav:"Sequence"`
	LogID     string `dynamodbav:"LogID"`
	NodeID    string `dynamodbav:"NodeID"`
	NodeType  string `dynamodbav:"NodeType"`
	Status    string `dynamodbav:"Status"`
	Output    string `dynamodbav:"Output"`
	CreatedAt int64  `dynamodbav:"CreatedAt"`
}

func runToItem(run *models.Run) (dynamoDBRunItem, error) {
	triggerPayload, payload, finalOutput, err := marshalRunDocuments(run)
	if err != nil {
		return dynamoDBRunItem{}, err
	}
	item := dynamoDBRunItem{
		RunID:          run.ID,
		FlowID:         run.FlowID,
		WorkspaceID:    run.WorkspaceID,
		Status:         string(run.Status),
		TriggerType:    string(run.TriggerType),
		TriggerPayload: string(triggerPayload),
		Payload:        string(payload),
		ErrorMode:      run.ErrorMode,
		FinalOutput:    string(finalOutput),
		ErrorMessage:   run.ErrorMessage,
		CreatedAt:      run.CreatedAt.UnixNano(),
	}
	if run.StartedAt != nil {
		item.StartedAt = run.StartedAt.UnixNano()
	}
	if run.FinishedAt != nil {
		item.FinishedAt = run.FinishedAt.UnixNano()
	}
	return item, nil
}

func (i dynamoDBRunItem) toModel() (*models.Run, error) {
	run := &models.Run{
		ID:           i.RunID,
		FlowID:       i.FlowID,
		WorkspaceID:  i.WorkspaceID,
		Status:       models.RunStatus(i.Status),
		TriggerType:  models.TriggerType(i.TriggerType),
		ErrorMode:    i.ErrorMode,
		ErrorMessage: i.ErrorMessage,
		CreatedAt:    fromUnixNano(i.CreatedAt),
	}
	if i.StartedAt != 0 {
		t := fromUnixNano(i.StartedAt)
		run.StartedAt = &t
	}
	if i.FinishedAt != 0 {
		t := fromUnixNano(i.FinishedAt)
		run.FinishedAt = &t
	}
	if err := unmarshalDocument([]byte(i.TriggerPayload), &run.TriggerPayload); err != nil {
		return nil, err
	}
	if err := unmarshalDocument([]byte(i.Payload), &run.Payload); err != nil {
		return nil, err
	}
	if err := unmarshalDocument([]byte(i.FinalOutput), &run.FinalOutput); err != nil {
		return nil, err
	}
	return run, nil
}

// CreateRun persists a new run
func (s *DynamoDBRunStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.RunStatusQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	return s.putRun(ctx, run, "")
}

// putRun writes the run item. When prevStatus is set the write only
// succeeds if the stored status still matches it.
func (s *DynamoDBRunStore) putRun(ctx context.Context, run *models.Run, prevStatus models.RunStatus) error {
	item, err := runToItem(run)
	if err != nil {
		return err
	}
	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal run item: %w", err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.runsTable),
		Item:      av,
	}
	if prevStatus != "" {
		cond := expression.Name("Status").Equal(expression.Value(string(prevStatus)))
		expr, err := expression.NewBuilder().WithCondition(cond).Build()
		if err != nil {
			return fmt.Errorf("failed to build expression: %w", err)
		}
		input.ConditionExpression = expr.Condition()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := s.client.PutItemWithContext(ctx, input); err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
			return ErrInvalidTransition
		}
		return fmt.Errorf("failed to put run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *DynamoDBRunStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.runsTable),
		Key: map[string]*dynamodb.AttributeValue{
			"RunID": {S: aws.String(runID)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if result.Item == nil {
		return nil, ErrRunNotFound
	}

	var item dynamoDBRunItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run item: %w", err)
	}
	return item.toModel()
}

// UpdateRun applies an update, rejecting illegal status transitions
func (s *DynamoDBRunStore) UpdateRun(ctx context.Context, runID string, update models.RunUpdate) (*models.Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	prev := run.Status
	if err := applyRunUpdate(run, update); err != nil {
		return nil, err
	}
	if err := s.putRun(ctx, run, prev); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first
func (s *DynamoDBRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	items, err := scanAll(ctx, s.client, &dynamodb.ScanInput{TableName: aws.String(s.runsTable)})
	if err != nil {
		return nil, fmt.Errorf("failed to scan runs: %w", err)
	}

	runs := make([]*models.Run, 0, len(items))
	for _, raw := range items {
		var item dynamoDBRunItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run item: %w", err)
		}
		run, err := item.toModel()
		if err != nil {
			return nil, err
		}
		if filter.Matches(run) {
			runs = append(runs, run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return filter.Page(runs), nil
}

// AppendNodeLog appends a node log entry to a run
func (s *DynamoDBRunStore) AppendNodeLog(ctx context.Context, log *models.NodeLog) error {
	existing, err := s.GetNodeLogs(ctx, log.RunID)
	if err != nil {
		return err
	}

	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	log.Sequence = len(existing)

	output, err := json.Marshal(log.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal node output: %w", err)
	}

	av, err := dynamodbattribute.MarshalMap(dynamoDBNodeLogItem{
		RunID:     log.RunID,
		Sequence:  log.Sequence,
		LogID:     log.ID,
		NodeID:    log.NodeID,
		NodeType:  log.NodeType,
		Status:    string(log.Status),
		Output:    string(output),
		CreatedAt: log.CreatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal node log item: %w", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.logsTable),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put node log: %w", err)
	}
	return nil
}

// GetNodeLogs returns the node logs of a run in execution order
func (s *DynamoDBRunStore) GetNodeLogs(ctx context.Context, runID string) ([]*models.NodeLog, error) {
	keyCond := expression.Key("RunID").Equal(expression.Value(runID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.logsTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query node logs: %w", err)
	}

	logs := make([]*models.NodeLog, 0, len(result.Items))
	for _, raw := range result.Items {
		var item dynamoDBNodeLogItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node log item: %w", err)
		}
		if item.RunID != runID {
			continue
		}
		entry := &models.NodeLog{
			ID:        item.LogID,
			RunID:     item.RunID,
			NodeID:    item.NodeID,
			NodeType:  item.NodeType,
			Status:    models.NodeStatus(item.Status),
			Sequence:  item.Sequence,
			CreatedAt: fromUnixNano(item.CreatedAt),
		}
		if err := unmarshalDocument([]byte(item.Output), &entry.Output); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}

	sort.Slice(logs, func(i, j int) bool {
		return logs[i].Sequence < logs[j].Sequence
	})
	return logs, nil
}

// DynamoDBCredentialStore implements the CredentialStore interface using DynamoDB
type DynamoDBCredentialStore struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

// dynamoDBCredentialItem represents a credential item in DynamoDB
type dynamoDBCredentialItem struct {
	WorkspaceID  string `dynamodbav:"WorkspaceID"`
	CredentialID string `dynamodbav:"CredentialID"`
	Name         string `dynamodbav:"Name"`
	Type         string `dynamodbav:"Type"`
	SealedConfig string `dynamodbav:"SealedConfig"`
	CreatedAt    int64  `dynamodbav:"CreatedAt"`
	UpdatedAt    int64  `dynamodbav:"UpdatedAt"`
}

func (i dynamoDBCredentialItem) toModel() *models.Credential {
	return &models.Credential{
		ID:           i.CredentialID,
		WorkspaceID:  i.WorkspaceID,
		Name:         i.Name,
		Type:         i.Type,
		SealedConfig: i.SealedConfig,
		CreatedAt:    fromUnixNano(i.CreatedAt),
		UpdatedAt:    fromUnixNano(i.UpdatedAt),
	}
}

func credentialKey(workspaceID, id string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"WorkspaceID":  {S: aws.String(workspaceID)},
		"CredentialID": {S: aws.String(id)},
	}
}

// SaveCredential creates or replaces a credential
func (s *DynamoDBCredentialStore) SaveCredential(ctx context.Context, cred *models.Credential) error {
	av, err := dynamodbattribute.MarshalMap(dynamoDBCredentialItem{
		WorkspaceID:  cred.WorkspaceID,
		CredentialID: cred.ID,
		Name:         cred.Name,
		Type:         cred.Type,
		SealedConfig: cred.SealedConfig,
		CreatedAt:    cred.CreatedAt.UnixNano(),
		UpdatedAt:    cred.UpdatedAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credential item: %w", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential scoped to a workspace
func (s *DynamoDBCredentialStore) GetCredential(ctx context.Context, workspaceID, id string) (*models.Credential, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       credentialKey(workspaceID, id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if result.Item == nil {
		return nil, ErrCredentialNotFound
	}

	var item dynamoDBCredentialItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential item: %w", err)
	}
	return item.toModel(), nil
}

// ListCredentials returns all credentials of a workspace
func (s *DynamoDBCredentialStore) ListCredentials(ctx context.Context, workspaceID string) ([]*models.Credential, error) {
	keyCond := expression.Key("WorkspaceID").Equal(expression.Value(workspaceID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}

	result, err := s.client.QueryWithContext(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}

	creds := make([]*models.Credential, 0, len(result.Items))
	for _, raw := range result.Items {
		var item dynamoDBCredentialItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credential item: %w", err)
		}
		if item.WorkspaceID != workspaceID {
			continue
		}
		creds = append(creds, item.toModel())
	}

	sort.Slice(creds, func(i, j int) bool {
		return creds[i].Name < creds[j].Name
	})
	return creds, nil
}

// DeleteCredential removes a credential
func (s *DynamoDBCredentialStore) DeleteCredential(ctx context.Context, workspaceID, id string) error {
	if _, err := s.GetCredential(ctx, workspaceID, id); err != nil {
		return err
	}

	_, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       credentialKey(workspaceID, id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// scanAll follows LastEvaluatedKey until the table is exhausted
func scanAll(ctx context.Context, client dynamodbiface.DynamoDBAPI, input *dynamodb.ScanInput) ([]map[string]*dynamodb.AttributeValue, error) {
	var items []map[string]*dynamodb.AttributeValue
	for {
		result, err := client.ScanWithContext(ctx, input)
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)
		if len(result.LastEvaluatedKey) == 0 {
			return items, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
