package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tcmartin/flowcraft/pkg/models"
)

// Redis key layout
const (
	jobKeyPrefix       = "cron:job:"
	executionKeyPrefix = "cron:executions:"
	lockKeyPrefix      = "cron:lock:"

	// executionHistory is how many execution records are kept per job
	executionHistory = 100
)

// parser accepts 5 field and 6 field (leading seconds) expressions as well
// as descriptors such as @hourly and @every 5m
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronJob is a schedule_trigger node registered with the scheduler
type CronJob struct {
	ID          string     `json:"id"`
	Schedule    string     `json:"schedule"`
	Timezone    string     `json:"timezone,omitempty"`
	FlowID      string     `json:"flow_id"`
	NodeID      string     `json:"node_id"`
	WorkspaceID string     `json:"workspace_id"`
	NextRunTime time.Time  `json:"next_run_time"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Execution is one firing of a job
type Execution struct {
	JobID      string    `json:"job_id"`
	FlowID     string    `json:"flow_id"`
	NodeID     string    `json:"node_id"`
	RunID      string    `json:"run_id,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// JobID is the stable id of the job for a flow's schedule node
func JobID(flowID, nodeID string) string {
	return flowID + ":" + nodeID
}

// Spec combines a cron expression and an optional IANA timezone into the
// form understood by the cron parser
func Spec(expr, timezone string) string {
	expr = strings.TrimSpace(expr)
	timezone = strings.TrimSpace(timezone)
	if timezone == "" || strings.HasPrefix(expr, "CRON_TZ=") || strings.HasPrefix(expr, "TZ=") {
		return expr
	}
	return "CRON_TZ=" + timezone + " " + expr
}

// ParseSchedule validates a cron expression with an optional timezone
func ParseSchedule(expr, timezone string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	schedule, err := parser.Parse(Spec(expr, timezone))
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return schedule, nil
}

// JobsFromDiagram returns a job for every enabled schedule_trigger node
// with a cron expression. Nodes with an invalid expression are returned in
// invalid.
func JobsFromDiagram(flow *models.Flow, diagram *models.Diagram) (jobs []CronJob, invalid map[string]error) {
	for _, node := range diagram.Nodes {
		if node.ResolveType() != models.NodeTypeScheduleTrigger || node.IsDisabled() {
			continue
		}
		expr, _ := node.Data["cron"].(string)
		if strings.TrimSpace(expr) == "" {
			continue
		}
		timezone, _ := node.Data["timezone"].(string)

		if _, err := ParseSchedule(expr, timezone); err != nil {
			if invalid == nil {
				invalid = make(map[string]error)
			}
			invalid[node.ID] = err
			continue
		}

		jobs = append(jobs, CronJob{
			ID:          JobID(flow.ID, node.ID),
			Schedule:    strings.TrimSpace(expr),
			Timezone:    strings.TrimSpace(timezone),
			FlowID:      flow.ID,
			NodeID:      node.ID,
			WorkspaceID: flow.WorkspaceID,
		})
	}
	return jobs, invalid
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func executionKey(id string) string {
	return executionKeyPrefix + id
}

func lockKey(id string, tick time.Time) string {
	return fmt.Sprintf("%s%s:%d", lockKeyPrefix, id, tick.Unix())
}
