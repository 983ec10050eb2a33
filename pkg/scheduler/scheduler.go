// Package scheduler fires schedule_trigger nodes on their cron schedule.
//
// Jobs are derived from the stored diagrams on every Sync and persisted in
// Redis together with a capped execution history. A per-tick Redis lock
// makes sure that only one replica fires a given job for a given tick.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/storage"
	"github.com/tcmartin/flowcraft/pkg/triggers"
)

// ErrJobNotFound is returned for unknown job ids
var ErrJobNotFound = errors.New("cron job not found")

// DefaultLockTTL is how long a tick lock is held
const DefaultLockTTL = 5 * time.Minute

// Firer starts a schedule run
type Firer interface {
	Schedule(ctx context.Context, req triggers.ScheduleRequest) (*triggers.Outcome, error)
}

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler keeps one cron entry per schedule_trigger node
type Scheduler struct {
	cron    *cron.Cron
	redis   redis.Cmdable
	flows   storage.FlowStore
	firer   Firer
	logger  logging.Logger
	lockTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLockTTL sets how long a tick lock lives
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Scheduler) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler. It does not start firing until Start is called.
func New(flows storage.FlowStore, client redis.Cmdable, firer Firer, opts ...Option) *Scheduler {
	s := &Scheduler{
		redis:   client,
		flows:   flows,
		firer:   firer,
		logger:  logging.NewNop(),
		lockTTL: DefaultLockTTL,
		now:     time.Now,
		entries: make(map[string]entry),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return s
}

// Start syncs the jobs and starts the cron loop. Fired runs use a context
// derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.LogSystemEvent("scheduler_started", map[string]interface{}{"jobs": s.EntryCount()})
	return nil
}

// Stop stops scheduling and waits for running jobs to finish or ctx to
// expire
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()

	s.mu.Lock()
	if s.cancel != nil {
		defer s.cancel()
	}
	s.mu.Unlock()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run syncs every interval until ctx is done
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Error("scheduler sync failed", logging.Err(err))
			}
		}
	}
}

// EntryCount returns the number of registered cron entries
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sync rescans all flows and reconciles cron entries and stored jobs with
// the schedule_trigger nodes found
func (s *Scheduler) Sync(ctx context.Context) error {
	flows, err := s.flows.ListFlows(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list flows: %w", err)
	}

	wanted := make(map[string]CronJob)
	for _, flow := range flows {
		diagram, err := s.flows.GetDiagram(ctx, flow.ID)
		if err != nil {
			if !errors.Is(err, storage.ErrDiagramNotFound) {
				s.logger.Warn("scheduler could not load diagram", logging.F("flow_id", flow.ID), logging.Err(err))
			}
			continue
		}

		jobs, invalid := JobsFromDiagram(flow, diagram)
		for nodeID, err := range invalid {
			s.logger.Warn("skipping schedule trigger with invalid cron",
				logging.F("flow_id", flow.ID),
				logging.F("node_id", nodeID),
				logging.Err(err))
		}
		for _, job := range jobs {
			wanted[job.ID] = job
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if job, ok := wanted[id]; ok && Spec(job.Schedule, job.Timezone) == e.spec {
			continue
		}
		s.cron.Remove(e.id)
		delete(s.entries, id)
		if _, ok := wanted[id]; !ok {
			if err := s.redis.Del(ctx, jobKey(id)).Err(); err != nil {
				s.logger.Warn("failed to delete cron job", logging.F("job_id", id), logging.Err(err))
			}
		}
	}

	for id, job := range wanted {
		if _, ok := s.entries[id]; ok {
			continue
		}
		if err := s.register(ctx, job); err != nil {
			s.logger.Error("failed to register cron job", logging.F("job_id", id), logging.Err(err))
		}
	}
	return nil
}

// register must be called with s.mu held
func (s *Scheduler) register(ctx context.Context, job CronJob) error {
	spec := Spec(job.Schedule, job.Timezone)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return err
	}

	now := s.now()
	job.CreatedAt = now.UTC()
	if stored, err := s.loadJob(ctx, job.ID); err == nil {
		job.CreatedAt = stored.CreatedAt
		job.LastRunTime = stored.LastRunTime
	}
	job.NextRunTime = schedule.Next(now)
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}

	jobID := job.ID
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()

		if _, err := s.Fire(ctx, jobID, s.now().Truncate(time.Second)); err != nil {
			s.logger.Error("scheduled run failed", logging.F("job_id", jobID), logging.Err(err))
		}
	}))
	s.entries[job.ID] = entry{id: entryID, spec: spec}

	s.logger.Info("cron job registered",
		logging.F("job_id", job.ID),
		logging.F("schedule", spec),
		logging.F("next_run_time", job.NextRunTime))
	return nil
}

// Fire runs the job for the given tick unless another replica already
// did. It reports whether this call fired the job.
func (s *Scheduler) Fire(ctx context.Context, jobID string, tick time.Time) (bool, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return false, err
	}

	acquired, err := s.redis.SetNX(ctx, lockKey(jobID, tick), s.now().UTC().Format(time.RFC3339), s.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire tick lock: %w", err)
	}
	if !acquired {
		s.logger.Debug("tick already fired elsewhere", logging.F("job_id", jobID), logging.F("tick", tick.Unix()))
		return false, nil
	}

	outcome, fireErr := s.firer.Schedule(ctx, triggers.ScheduleRequest{
		FlowID:      job.FlowID,
		WorkspaceID: job.WorkspaceID,
		Source:      triggers.SourceScheduler,
		ScheduledAt: tick,
	})

	record := Execution{
		JobID:      job.ID,
		FlowID:     job.FlowID,
		NodeID:     job.NodeID,
		Status:     "fired",
		ExecutedAt: s.now().UTC(),
	}
	if outcome != nil && outcome.Run != nil {
		record.RunID = outcome.Run.ID
		record.Status = string(outcome.Run.Status)
	}
	if fireErr != nil {
		record.Status = "error"
		record.Error = fireErr.Error()
	}
	if err := s.recordExecution(ctx, record); err != nil {
		s.logger.Warn("failed to record cron execution", logging.F("job_id", jobID), logging.Err(err))
	}

	last := tick.UTC()
	job.LastRunTime = &last
	if schedule, err := parser.Parse(Spec(job.Schedule, job.Timezone)); err == nil {
		job.NextRunTime = schedule.Next(s.now())
	}
	if err := s.saveJob(ctx, *job); err != nil {
		s.logger.Warn("failed to update cron job", logging.F("job_id", jobID), logging.Err(err))
	}

	return true, fireErr
}

// Jobs returns the stored jobs ordered by id
func (s *Scheduler) Jobs(ctx context.Context) ([]CronJob, error) {
	var jobs []CronJob

	iter := s.redis.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.redis.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var job CronJob
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			s.logger.Warn("skipping unreadable cron job", logging.F("key", iter.Val()), logging.Err(err))
			continue
		}
		jobs = append(jobs, job)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list cron jobs: %w", err)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// Executions returns up to limit most recent executions of a job
func (s *Scheduler) Executions(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	if limit <= 0 || limit > executionHistory {
		limit = executionHistory
	}
	raw, err := s.redis.LRange(ctx, executionKey(jobID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cron executions: %w", err)
	}

	executions := make([]Execution, 0, len(raw))
	for _, data := range raw {
		var e Execution
		if err := json.Unmarshal([]byte(data), &e); err == nil {
			executions = append(executions, e)
		}
	}
	return executions, nil
}

func (s *Scheduler) loadJob(ctx context.Context, id string) (*CronJob, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load cron job: %w", err)
	}

	var job CronJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cron job: %w", err)
	}
	return &job, nil
}

func (s *Scheduler) saveJob(ctx context.Context, job CronJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal cron job: %w", err)
	}
	if err := s.redis.Set(ctx, jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save cron job: %w", err)
	}
	return nil
}

func (s *Scheduler) recordExecution(ctx context.Context, e Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := executionKey(e.JobID)
	if err := s.redis.LPush(ctx, key, data).Err(); err != nil {
		return err
	}
	return s.redis.LTrim(ctx, key, 0, executionHistory-1).Err()
}
