package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/storage"
	"github.com/tcmartin/flowcraft/pkg/triggers"
)

type recordingFirer struct {
	mu       sync.Mutex
	requests []triggers.ScheduleRequest
	err      error
}

func (f *recordingFirer) Schedule(_ context.Context, req triggers.ScheduleRequest) (*triggers.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	run := &models.Run{ID: "run-" + req.FlowID, FlowID: req.FlowID, Status: models.RunStatusCompleted}
	return &triggers.Outcome{Run: run}, f.err
}

func (f *recordingFirer) calls() []triggers.ScheduleRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggers.ScheduleRequest(nil), f.requests...)
}

type fixture struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	flows  storage.FlowStore
	firer  *recordingFirer
	sched  *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		mr:     mr,
		client: client,
		flows:  storage.NewMemoryFlowStore(),
		firer:  &recordingFirer{},
	}
	f.sched = New(f.flows, client, f.firer)
	return f
}

func (f *fixture) flow(t *testing.T, id string, nodes ...models.Node) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.flows.CreateFlow(ctx, &models.Flow{ID: id, WorkspaceID: "ws-1", Name: id}))
	require.NoError(t, f.flows.SaveDiagram(ctx, &models.Diagram{FlowID: id, Nodes: nodes}))
}

func scheduleNode(id, cronExpr, tz string) models.Node {
	data := map[string]interface{}{"type": models.NodeTypeScheduleTrigger, "cron": cronExpr}
	if tz != "" {
		data["timezone"] = tz
	}
	return models.Node{ID: id, Data: data}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		tz      string
		wantErr bool
	}{
		{"five fields", "*/5 * * * *", "", false},
		{"six fields", "30 */5 * * * *", "", false},
		{"descriptor", "@hourly", "", false},
		{"every", "@every 90s", "", false},
		{"timezone", "0 9 * * 1-5", "Europe/Istanbul", false},
		{"bad timezone", "0 9 * * *", "Mars/Olympus", true},
		{"garbage", "every day", "", true},
		{"empty", "  ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr, tt.tz)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.Equal(t, "CRON_TZ=UTC @daily", Spec(" @daily ", "UTC"))
	assert.Equal(t, "TZ=UTC @daily", Spec("TZ=UTC @daily", "Europe/Paris"))
}

func TestJobsFromDiagram(t *testing.T) {
	flow := &models.Flow{ID: "f1", WorkspaceID: "ws-1"}
	disabled := scheduleNode("off", "* * * * *", "")
	disabled.Disabled = true

	diagram := &models.Diagram{Nodes: []models.Node{
		scheduleNode("tick", "*/5 * * * *", "UTC"),
		scheduleNode("broken", "not a cron", ""),
		scheduleNode("empty", "", ""),
		disabled,
		{ID: "start", Data: map[string]interface{}{"type": models.NodeTypeStart}},
	}}

	jobs, invalid := JobsFromDiagram(flow, diagram)
	require.Len(t, jobs, 1)
	assert.Equal(t, CronJob{ID: "f1:tick", Schedule: "*/5 * * * *", Timezone: "UTC", FlowID: "f1", NodeID: "tick", WorkspaceID: "ws-1"}, jobs[0])
	require.Len(t, invalid, 1)
	assert.Contains(t, invalid, "broken")
}

func TestSyncRegistersAndRemovesJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.flow(t, "f1", scheduleNode("tick", "*/5 * * * *", ""))
	f.flow(t, "f2", scheduleNode("tick", "@hourly", "UTC"), scheduleNode("bad", "nope", ""))
	f.flow(t, "f3", models.Node{ID: "start", Data: map[string]interface{}{"type": models.NodeTypeStart}})

	require.NoError(t, f.sched.Sync(ctx))
	assert.Equal(t, 2, f.sched.EntryCount())
	assert.True(t, f.mr.Exists("cron:job:f1:tick"))
	assert.True(t, f.mr.Exists("cron:job:f2:tick"))

	jobs, err := f.sched.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "f1:tick", jobs[0].ID)
	assert.False(t, jobs[0].NextRunTime.IsZero())

	require.NoError(t, f.sched.Sync(ctx))
	assert.Equal(t, 2, f.sched.EntryCount())

	require.NoError(t, f.flows.DeleteFlow(ctx, "f2"))
	require.NoError(t, f.sched.Sync(ctx))
	assert.Equal(t, 1, f.sched.EntryCount())
	assert.False(t, f.mr.Exists("cron:job:f2:tick"))
}

func TestSyncReschedulesChangedCron(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.flow(t, "f1", scheduleNode("tick", "*/5 * * * *", ""))
	require.NoError(t, f.sched.Sync(ctx))
	first, err := f.sched.loadJob(ctx, "f1:tick")
	require.NoError(t, err)

	require.NoError(t, f.flows.SaveDiagram(ctx, &models.Diagram{FlowID: "f1", Nodes: []models.Node{scheduleNode("tick", "@daily", "")}}))
	require.NoError(t, f.sched.Sync(ctx))

	second, err := f.sched.loadJob(ctx, "f1:tick")
	require.NoError(t, err)
	assert.Equal(t, "@daily", second.Schedule)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	assert.Equal(t, 1, f.sched.EntryCount())
}

func TestFireOncePerTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.flow(t, "f1", scheduleNode("tick", "* * * * *", ""))
	require.NoError(t, f.sched.Sync(ctx))

	tick := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fired, err := f.sched.Fire(ctx, "f1:tick", tick)
	require.NoError(t, err)
	assert.True(t, fired)

	// a second replica sees the lock
	other := New(f.flows, f.client, f.firer)
	fired, err = other.Fire(ctx, "f1:tick", tick)
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = f.sched.Fire(ctx, "f1:tick", tick.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, fired)

	calls := f.firer.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "f1", calls[0].FlowID)
	assert.Equal(t, "ws-1", calls[0].WorkspaceID)
	assert.Equal(t, triggers.SourceScheduler, calls[0].Source)
	assert.True(t, tick.Equal(calls[0].ScheduledAt))

	executions, err := f.sched.Executions(ctx, "f1:tick", 10)
	require.NoError(t, err)
	require.Len(t, executions, 2)
	assert.Equal(t, "run-f1", executions[0].RunID)
	assert.Equal(t, string(models.RunStatusCompleted), executions[0].Status)

	job, err := f.sched.loadJob(ctx, "f1:tick")
	require.NoError(t, err)
	require.NotNil(t, job.LastRunTime)
	assert.True(t, tick.Add(time.Minute).Equal(*job.LastRunTime))
}

func TestFireRecordsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.firer.err = errors.New("flow_not_found")

	f.flow(t, "f1", scheduleNode("tick", "* * * * *", ""))
	require.NoError(t, f.sched.Sync(ctx))

	fired, err := f.sched.Fire(ctx, "f1:tick", time.Now())
	assert.True(t, fired)
	assert.Error(t, err)

	executions, err := f.sched.Executions(ctx, "f1:tick", 0)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, "error", executions[0].Status)
	assert.Equal(t, "flow_not_found", executions[0].Error)

	_, err = f.sched.Fire(ctx, "missing", time.Now())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestExecutionHistoryIsCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < executionHistory+5; i++ {
		require.NoError(t, f.sched.recordExecution(ctx, Execution{JobID: "j", ExecutedAt: time.Now()}))
	}
	n, err := f.client.LLen(ctx, "cron:executions:j").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(executionHistory), n)
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)
	f.flow(t, "f1", scheduleNode("tick", "@every 1h", ""))

	require.NoError(t, f.sched.Start(context.Background()))
	assert.Equal(t, 1, f.sched.EntryCount())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, f.sched.Stop(ctx))
}
