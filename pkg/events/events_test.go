package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/models"
)

func TestHubRoutesByRun(t *testing.T) {
	hub := NewHub(4)
	ctx := context.Background()

	runA := hub.Subscribe("run-a")
	all := hub.Subscribe("")
	defer all.Close()
	assert.Equal(t, 2, hub.SubscriberCount())

	hub.Publish(ctx, Event{Type: EventRunStatus, RunID: "run-a", Status: models.RunStatusRunning})
	hub.Publish(ctx, Event{Type: EventRunStatus, RunID: "run-b", Status: models.RunStatusRunning})

	got := <-runA.Events()
	assert.Equal(t, "run-a", got.RunID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Len(t, runA.Events(), 0)
	assert.Len(t, all.Events(), 2)

	runA.Close()
	runA.Close()
	_, open := <-runA.Events()
	assert.False(t, open)
	assert.Equal(t, 1, hub.SubscriberCount())
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe("r")
	defer sub.Close()

	for i := 0; i < 3; i++ {
		hub.Publish(context.Background(), Event{Type: EventNodeLog, RunID: "r"})
	}
	assert.Len(t, sub.Events(), 1)
	assert.Equal(t, int64(2), hub.Dropped())
}

type recordingConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return c.err
}

func TestNATSPublisher(t *testing.T) {
	conn := &recordingConn{}
	pub := newNATSPublisher(conn, "acme.runs.", logging.NewNop())

	assert.Equal(t, "acme.runs.r1", pub.Subject("r1"))

	pub.Publish(context.Background(), Event{Type: EventRunFinished, RunID: "r1", Status: models.RunStatusCompleted})
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "acme.runs.r1", conn.subjects[0])

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, "run.finished", decoded["type"])
	assert.Equal(t, "completed", decoded["status"])

	conn.err = errors.New("nats down")
	assert.NotPanics(t, func() {
		pub.Publish(context.Background(), Event{Type: EventRunStatus, RunID: "r1"})
	})

	assert.Equal(t, DefaultSubjectPrefix+".x", newNATSPublisher(conn, "", logging.NewNop()).Subject("x"))
}

func TestMultiPublisher(t *testing.T) {
	hub := NewHub(2)
	sub := hub.Subscribe("r")
	defer sub.Close()

	conn := &recordingConn{}
	multi := MultiPublisher{hub, nil, NopPublisher{}, newNATSPublisher(conn, "", logging.NewNop())}
	multi.Publish(context.Background(), Event{Type: EventNodeLog, RunID: "r"})

	assert.Len(t, sub.Events(), 1)
	assert.Len(t, conn.subjects, 1)
}

func TestConnectValidation(t *testing.T) {
	_, err := Connect(context.Background(), ConnectionConfig{}, logging.NewNop())
	assert.ErrorContains(t, err, "URL cannot be empty")

	cfg := DefaultConnectionConfig("nats://localhost:4222")
	assert.Equal(t, "flowcraft", cfg.Name)
	assert.Equal(t, 10, cfg.MaxReconnects)
}
