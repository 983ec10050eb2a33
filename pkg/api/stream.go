package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"

	"github.com/tcmartin/flowcraft/pkg/events"
	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/storage"
)

// streamRetention keeps a finished run's stream around for late watchers
const streamRetention = 5 * time.Minute

// StreamServer relays hub events to server-sent event streams, one
// stream per run
type StreamServer struct {
	hub    *events.Hub
	server *sse.Server
	logger logging.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewStreamServer creates a stream server fed by hub
func NewStreamServer(hub *events.Hub, logger logging.Logger) *StreamServer {
	server := sse.New()
	server.AutoStream = true
	server.AutoReplay = true

	return &StreamServer{
		hub:    hub,
		server: server,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// Start relays hub events until ctx is done
func (s *StreamServer) Start(ctx context.Context) {
	sub := s.hub.Subscribe("")
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				s.relay(event)
			}
		}
	}()
}

func (s *StreamServer) relay(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to encode run event", logging.F("run_id", event.RunID), logging.Err(err))
		return
	}

	if !s.server.StreamExists(event.RunID) {
		s.server.CreateStream(event.RunID)
	}
	s.server.Publish(event.RunID, &sse.Event{
		Event: []byte(event.Type),
		Data:  data,
	})

	if event.Type == events.EventRunFinished {
		s.expire(event.RunID)
	}
}

func (s *StreamServer) expire(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[runID]; ok {
		t.Stop()
	}
	s.timers[runID] = time.AfterFunc(streamRetention, func() {
		s.mu.Lock()
		delete(s.timers, runID)
		s.mu.Unlock()
		s.server.RemoveStream(runID)
	})
}

// ServeHTTP serves the stream named by the stream query parameter
func (s *StreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.ServeHTTP(w, r)
}

// Close stops pending expirations and closes all streams
func (s *StreamServer) Close() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.server.Close()
}

// handleRunStream serves GET /runs/stream?stream={runId}
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("stream")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "stream parameter is required")
		return
	}

	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if run.WorkspaceID != workspaceOf(r) {
		s.writeFailure(w, r, storage.ErrRunNotFound)
		return
	}

	s.streams.ServeHTTP(w, r)
}
