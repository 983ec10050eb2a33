package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowcraft/pkg/models"
)

// runProviderSuite exercises the behaviour every provider must share
func runProviderSuite(t *testing.T, provider StorageProvider) {
	require.NoError(t, provider.Initialize())
	ctx := context.Background()
	workspace := "ws-" + uuid.New().String()

	t.Run("flows and diagrams", func(t *testing.T) {
		flows := provider.GetFlowStore()

		flow := &models.Flow{WorkspaceID: workspace, Name: "Orders", Description: "sync orders"}
		require.NoError(t, flows.CreateFlow(ctx, flow))
		require.NotEmpty(t, flow.ID)

		got, err := flows.GetFlow(ctx, flow.ID)
		require.NoError(t, err)
		assert.Equal(t, "Orders", got.Name)
		assert.Equal(t, workspace, got.WorkspaceID)

		listed, err := flows.ListFlows(ctx, workspace)
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, flow.ID, listed[0].ID)

		other, err := flows.ListFlows(ctx, "ws-other-"+uuid.New().String())
		require.NoError(t, err)
		assert.Empty(t, other)

		flow.Name = "Orders v2"
		require.NoError(t, flows.UpdateFlow(ctx, flow))
		got, err = flows.GetFlow(ctx, flow.ID)
		require.NoError(t, err)
		assert.Equal(t, "Orders v2", got.Name)

		_, err = flows.GetDiagram(ctx, flow.ID)
		assert.ErrorIs(t, err, ErrDiagramNotFound)

		diagram := &models.Diagram{
			FlowID: flow.ID,
			Nodes: []models.Node{
				{ID: "n1", Type: "manual_trigger", Data: map[string]interface{}{"label": "Start"}},
				{ID: "n2", Data: map[string]interface{}{"type": "http_request", "url": "/api/ping"}},
			},
			Edges: []models.Edge{{ID: "e1", Source: "n1", Target: "n2"}},
		}
		require.NoError(t, flows.SaveDiagram(ctx, diagram))

		loaded, err := flows.GetDiagram(ctx, flow.ID)
		require.NoError(t, err)
		require.Len(t, loaded.Nodes, 2)
		assert.Equal(t, "http_request", loaded.Nodes[1].ResolveType())
		assert.Equal(t, "/api/ping", loaded.Nodes[1].Data["url"])
		assert.Equal(t, workspace, loaded.WorkspaceID)

		err = flows.SaveDiagram(ctx, &models.Diagram{FlowID: "missing-" + uuid.New().String()})
		assert.ErrorIs(t, err, ErrFlowNotFound)

		require.NoError(t, flows.DeleteFlow(ctx, flow.ID))
		_, err = flows.GetFlow(ctx, flow.ID)
		assert.ErrorIs(t, err, ErrFlowNotFound)
		_, err = flows.GetDiagram(ctx, flow.ID)
		assert.ErrorIs(t, err, ErrDiagramNotFound)
		assert.ErrorIs(t, flows.DeleteFlow(ctx, flow.ID), ErrFlowNotFound)
	})

	t.Run("run lifecycle", func(t *testing.T) {
		runs := provider.GetRunStore()

		run := &models.Run{
			FlowID:         "flow-1",
			WorkspaceID:    workspace,
			TriggerType:    models.TriggerWebhook,
			TriggerPayload: map[string]interface{}{"body": map[string]interface{}{"id": float64(7)}},
			Payload:        map[string]interface{}{"id": float64(7)},
			ErrorMode:      "continue",
		}
		require.NoError(t, runs.CreateRun(ctx, run))
		assert.Equal(t, models.RunStatusQueued, run.Status)

		got, err := runs.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TriggerWebhook, got.TriggerType)
		assert.Equal(t, "continue", got.ErrorMode)
		assert.Equal(t, float64(7), got.Payload.(map[string]interface{})["id"])

		started := time.Now().UTC()
		updated, err := runs.UpdateRun(ctx, run.ID, models.RunUpdate{Status: models.RunStatusRunning, StartedAt: &started})
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusRunning, updated.Status)

		finished := started.Add(50 * time.Millisecond)
		updated, err = runs.UpdateRun(ctx, run.ID, models.RunUpdate{
			Status:      models.RunStatusCompleted,
			FinalOutput: map[string]interface{}{"ok": true},
			FinishedAt:  &finished,
		})
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, updated.Status)
		require.NotNil(t, updated.DurationMs())

		_, err = runs.UpdateRun(ctx, run.ID, models.RunUpdate{Status: models.RunStatusError})
		assert.ErrorIs(t, err, ErrInvalidTransition)

		got, err = runs.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusCompleted, got.Status)
		assert.Equal(t, true, got.FinalOutput.(map[string]interface{})["ok"])

		_, err = runs.GetRun(ctx, "missing-"+uuid.New().String())
		assert.ErrorIs(t, err, ErrRunNotFound)
	})

	t.Run("node logs keep order", func(t *testing.T) {
		runs := provider.GetRunStore()
		run := &models.Run{FlowID: "flow-2", WorkspaceID: workspace, TriggerType: models.TriggerManual}
		require.NoError(t, runs.CreateRun(ctx, run))

		for i, id := range []string{"a", "b", "c"} {
			entry := &models.NodeLog{
				RunID:  run.ID,
				NodeID: id,
				Status: models.NodeStatusSuccess,
				Output: map[string]interface{}{"step": float64(i)},
			}
			require.NoError(t, runs.AppendNodeLog(ctx, entry))
			assert.Equal(t, i, entry.Sequence)
		}

		logs, err := runs.GetNodeLogs(ctx, run.ID)
		require.NoError(t, err)
		require.Len(t, logs, 3)
		assert.Equal(t, "a", logs[0].NodeID)
		assert.Equal(t, "c", logs[2].NodeID)
		assert.Equal(t, float64(2), logs[2].Output.(map[string]interface{})["step"])
	})

	t.Run("list runs filters", func(t *testing.T) {
		runs := provider.GetRunStore()
		ws := "ws-list-" + uuid.New().String()
		base := time.Now().UTC().Add(-time.Hour)

		for i := 0; i < 4; i++ {
			flowID := "flow-a"
			if i%2 == 1 {
				flowID = "flow-b"
			}
			run := &models.Run{
				FlowID:      flowID,
				WorkspaceID: ws,
				TriggerType: models.TriggerManual,
				CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			}
			require.NoError(t, runs.CreateRun(ctx, run))
		}

		all, err := runs.ListRuns(ctx, RunFilter{WorkspaceID: ws})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.True(t, all[0].CreatedAt.After(all[3].CreatedAt))

		byFlow, err := runs.ListRuns(ctx, RunFilter{WorkspaceID: ws, FlowID: "flow-b"})
		require.NoError(t, err)
		assert.Len(t, byFlow, 2)

		from := base.Add(90 * time.Second)
		recent, err := runs.ListRuns(ctx, RunFilter{WorkspaceID: ws, From: &from})
		require.NoError(t, err)
		assert.Len(t, recent, 2)

		paged, err := runs.ListRuns(ctx, RunFilter{WorkspaceID: ws, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, paged, 1)
		assert.Equal(t, all[1].ID, paged[0].ID)

		queued, err := runs.ListRuns(ctx, RunFilter{WorkspaceID: ws, Status: models.RunStatusError})
		require.NoError(t, err)
		assert.Empty(t, queued)
	})

	t.Run("credentials", func(t *testing.T) {
		creds := provider.GetCredentialStore()
		now := time.Now().UTC()

		cred := &models.Credential{
			ID:           "cred-" + uuid.New().String(),
			WorkspaceID:  workspace,
			Name:         "Stripe",
			Type:         "http_bearer",
			Config:       map[string]interface{}{"token": "should-not-persist"},
			SealedConfig: "sealed",
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		require.NoError(t, creds.SaveCredential(ctx, cred))

		got, err := creds.GetCredential(ctx, workspace, cred.ID)
		require.NoError(t, err)
		assert.Equal(t, "sealed", got.SealedConfig)
		assert.Nil(t, got.Config)

		_, err = creds.GetCredential(ctx, "other", cred.ID)
		assert.ErrorIs(t, err, ErrCredentialNotFound)

		list, err := creds.ListCredentials(ctx, workspace)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "Stripe", list[0].Name)

		require.NoError(t, creds.DeleteCredential(ctx, workspace, cred.ID))
		assert.ErrorIs(t, creds.DeleteCredential(ctx, workspace, cred.ID), ErrCredentialNotFound)
	})
}

func TestMemoryProvider(t *testing.T) {
	runProviderSuite(t, NewMemoryProvider())
}

func TestDynamoDBProviderWithMock(t *testing.T) {
	client, err := GetTestDynamoDBClient()
	require.NoError(t, err)
	runProviderSuite(t, NewDynamoDBProviderWithClient(client, "test_"+uuid.New().String()[:8]+"_"))
}
