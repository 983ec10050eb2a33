// Package api exposes flows, credentials, runs and triggers over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tcmartin/flowcraft/pkg/auth"
	"github.com/tcmartin/flowcraft/pkg/config"
	"github.com/tcmartin/flowcraft/pkg/events"
	"github.com/tcmartin/flowcraft/pkg/loader"
	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/middleware"
	"github.com/tcmartin/flowcraft/pkg/models"
	"github.com/tcmartin/flowcraft/pkg/runtime"
	"github.com/tcmartin/flowcraft/pkg/storage"
	"github.com/tcmartin/flowcraft/pkg/triggers"
)

// CredentialManager stores credentials with their config sealed
type CredentialManager interface {
	SaveCredential(ctx context.Context, cred *models.Credential) error
	ListCredentials(ctx context.Context, workspaceID string) ([]*models.Credential, error)
	DeleteCredential(ctx context.Context, workspaceID, id string) error
}

// FlowWatcher is told when diagrams change so schedules can be rescanned
type FlowWatcher interface {
	Sync(ctx context.Context) error
}

// Dependencies are the collaborators of the API server
type Dependencies struct {
	Flows       storage.FlowStore
	Runs        storage.RunStore
	Credentials CredentialManager
	Engine      triggers.RunExecutor
	Triggers    *triggers.Service
	Loader      *loader.Loader
	Hub         *events.Hub
	Tokens      auth.TokenService
	Scheduler   FlowWatcher
	Logger      logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	config *config.Config
	router *mux.Router
	server *http.Server
	deps   Dependencies
	logger logging.Logger

	streams   *StreamServer
	websocket *WebSocketManager
	stopRelay context.CancelFunc
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub(0)
	}

	relayCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		deps:      deps,
		logger:    deps.Logger,
		streams:   NewStreamServer(deps.Hub, deps.Logger),
		websocket: NewWebSocketManager(deps.Hub, deps.Runs, deps.Logger),
		stopRelay: cancel,
	}
	s.streams.Start(relayCtx)

	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// runs execute synchronously and streams stay open
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", logging.F("addr", addr), logging.F("tls", s.config.Server.TLS.Enabled))

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	} else {
		err = s.server.ListenAndServe()
	}

	// If the server was shut down gracefully, this error is expected
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.stopRelay()
	s.streams.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	authMiddleware := middleware.NewAuthMiddleware(
		s.deps.Tokens,
		s.config.Auth.RequireAuth,
		s.config.Engine.DefaultWorkspaceID,
		s.logger,
	)
	triggerLimiter := middleware.NewRateLimiter(120, time.Minute)

	// API router with version prefix
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Public routes (no authentication required)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/auth/token", s.handleIssueToken).Methods(http.MethodPost, http.MethodOptions)

	// Trigger routes authorize per webhook node
	hooks := api.PathPrefix("").Subrouter()
	hooks.Use(triggerLimiter.Limit)
	hooks.HandleFunc("/trigger/webhook", s.handleWebhookTrigger)
	hooks.HandleFunc("/hooks/{flowId}", s.handleHook)
	hooks.HandleFunc("/trigger/schedule", s.handleScheduleTrigger).Methods(http.MethodPost, http.MethodOptions)

	// Authenticated routes
	authenticated := api.PathPrefix("").Subrouter()
	authenticated.Use(authMiddleware.Authenticate)

	// Flow routes
	flows := authenticated.PathPrefix("/flows").Subrouter()
	flows.HandleFunc("", s.handleListFlows).Methods(http.MethodGet, http.MethodOptions)
	flows.HandleFunc("", s.handleCreateFlow).Methods(http.MethodPost, http.MethodOptions)
	flows.HandleFunc("/import", s.handleImportFlow).Methods(http.MethodPost, http.MethodOptions)
	flows.HandleFunc("/{id}", s.handleGetFlow).Methods(http.MethodGet, http.MethodOptions)
	flows.HandleFunc("/{id}", s.handleUpdateFlow).Methods(http.MethodPut, http.MethodOptions)
	flows.HandleFunc("/{id}", s.handleDeleteFlow).Methods(http.MethodDelete, http.MethodOptions)
	flows.HandleFunc("/{id}/diagram", s.handleGetDiagram).Methods(http.MethodGet, http.MethodOptions)
	flows.HandleFunc("/{id}/diagram", s.handleSaveDiagram).Methods(http.MethodPut, http.MethodOptions)
	flows.HandleFunc("/{id}/export", s.handleExportFlow).Methods(http.MethodGet, http.MethodOptions)

	// Credential routes
	creds := authenticated.PathPrefix("/credentials").Subrouter()
	creds.HandleFunc("", s.handleListCredentials).Methods(http.MethodGet, http.MethodOptions)
	creds.HandleFunc("", s.handleCreateCredential).Methods(http.MethodPost, http.MethodOptions)
	creds.HandleFunc("/{id}", s.handleDeleteCredential).Methods(http.MethodDelete, http.MethodOptions)

	// Run routes
	runs := authenticated.PathPrefix("/runs").Subrouter()
	runs.HandleFunc("", s.handleCreateRun).Methods(http.MethodPost, http.MethodOptions)
	runs.HandleFunc("/execute", s.handleExecuteRun).Methods(http.MethodPost, http.MethodOptions)
	runs.HandleFunc("/history", s.handleRunHistory).Methods(http.MethodGet, http.MethodOptions)
	runs.HandleFunc("/stream", s.handleRunStream).Methods(http.MethodGet)
	runs.HandleFunc("/{id}/logs", s.handleRunLogs).Methods(http.MethodGet, http.MethodOptions)
	runs.HandleFunc("/{id}/ws", s.handleRunWebSocket).Methods(http.MethodGet)

	s.router.Use(middleware.RequestLogger(s.logger))

	// CORS middleware for all routes
	s.router.Use(middleware.CORSWithOrigins(s.config.Server.CORSOrigins))
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"time":        time.Now().Format(time.RFC3339),
		"node_types":  len(runtime.CoreExecutors()),
		"subscribers": s.deps.Hub.SubscriberCount(),
		"websockets":  s.websocket.GetConnectedClients(),
	})
}
