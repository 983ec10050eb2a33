package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tcmartin/flowcraft/pkg/events"
	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/storage"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongWait     = 2 * wsPingInterval
)

// WebSocketManager streams the progress of a run to websocket clients
type WebSocketManager struct {
	// upgrader for upgrading HTTP connections to WebSocket
	upgrader websocket.Upgrader

	hub    *events.Hub
	runs   storage.RunStore
	logger logging.Logger

	// connections maps run IDs to the number of live clients
	mu          sync.RWMutex
	connections map[string]int
}

// RunUpdate is a message sent to websocket clients
type RunUpdate struct {
	Type      string            `json:"type"` // "snapshot", "run.status", "node.log", "run.finished", "pong", "error"
	RunID     string            `json:"run_id"`
	Timestamp time.Time         `json:"timestamp"`
	Status    models.RunStatus  `json:"status,omitempty"`
	Run       *runView          `json:"run,omitempty"`
	Log       *models.NodeLog   `json:"log,omitempty"`
	Logs      []*models.NodeLog `json:"logs,omitempty"`
	Data      interface{}       `json:"data,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// WebSocketMessage represents incoming WebSocket messages
type WebSocketMessage struct {
	Type string `json:"type"` // "ping"
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(hub *events.Hub, runs storage.RunStore, logger logging.Logger) *WebSocketManager {
	return &WebSocketManager{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		hub:         hub,
		runs:        runs,
		logger:      logger,
		connections: make(map[string]int),
	}
}

// handleRunWebSocket serves GET /runs/{id}/ws
func (s *Server) handleRunWebSocket(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if run.WorkspaceID != workspaceOf(r) {
		s.writeFailure(w, r, storage.ErrRunNotFound)
		return
	}
	s.websocket.Serve(w, r, run.ID)
}

// Serve upgrades the connection, sends a snapshot of the run and then
// forwards its events until the run finishes or the client leaves
func (wsm *WebSocketManager) Serve(w http.ResponseWriter, r *http.Request, runID string) {
	// Subscribe before the snapshot so no event falls in between
	sub := wsm.hub.Subscribe(runID)
	defer sub.Close()

	conn, err := wsm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wsm.logger.Warn("websocket upgrade failed", logging.F("run_id", runID), logging.Err(err))
		return
	}
	defer conn.Close()

	wsm.track(runID, 1)
	defer wsm.track(runID, -1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pongs := make(chan struct{}, 1)
	go wsm.readLoop(ctx, cancel, conn, runID, pongs)

	snapshot, finished := wsm.snapshot(ctx, runID)
	if err := wsm.write(conn, snapshot); err != nil || finished {
		wsm.closeNormal(conn)
		return
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pongs:
			if err := wsm.write(conn, RunUpdate{Type: "pong", RunID: runID, Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				wsm.logger.Debug("websocket ping failed", logging.F("run_id", runID), logging.Err(err))
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := wsm.write(conn, updateFromEvent(event)); err != nil {
				return
			}
			if event.Type == events.EventRunFinished {
				wsm.closeNormal(conn)
				return
			}
		}
	}
}

// readLoop handles client messages; the connection has a single writer, so
// pings are answered through the pongs channel
func (wsm *WebSocketManager) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, runID string, pongs chan<- struct{}) {
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsm.logger.Debug("websocket closed", logging.F("run_id", runID), logging.Err(err))
			}
			return
		}
		if msg.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

func (wsm *WebSocketManager) snapshot(ctx context.Context, runID string) (RunUpdate, bool) {
	update := RunUpdate{Type: "snapshot", RunID: runID, Timestamp: time.Now().UTC()}

	run, err := wsm.runs.GetRun(ctx, runID)
	if err != nil {
		update.Type = "error"
		update.Message = err.Error()
		return update, true
	}
	logs, err := wsm.runs.GetNodeLogs(ctx, runID)
	if err != nil {
		wsm.logger.Warn("failed to load node logs", logging.F("run_id", runID), logging.Err(err))
	}

	view := viewRun(run)
	update.Run = &view
	update.Status = run.Status
	update.Logs = logs
	return update, run.Status.IsTerminal()
}

func updateFromEvent(event events.Event) RunUpdate {
	return RunUpdate{
		Type:      string(event.Type),
		RunID:     event.RunID,
		Timestamp: event.Timestamp,
		Status:    event.Status,
		Log:       event.NodeLog,
		Data:      event.Data,
	}
}

func (wsm *WebSocketManager) write(conn *websocket.Conn, update RunUpdate) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(update); err != nil {
		wsm.logger.Debug("failed to send websocket message", logging.F("run_id", update.RunID), logging.Err(err))
		return err
	}
	return nil
}

func (wsm *WebSocketManager) closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}

func (wsm *WebSocketManager) track(runID string, delta int) {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	wsm.connections[runID] += delta
	if wsm.connections[runID] <= 0 {
		delete(wsm.connections, runID)
	}
}

// GetConnectedClients returns the number of connected clients
func (wsm *WebSocketManager) GetConnectedClients() int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	total := 0
	for _, n := range wsm.connections {
		total += n
	}
	return total
}

// GetRunSubscribers returns the number of clients watching a run
func (wsm *WebSocketManager) GetRunSubscribers(runID string) int {
	wsm.mu.RLock()
	defer wsm.mu.RUnlock()
	return wsm.connections[runID]
}
