// Package middleware provides HTTP middleware for the flowcraft API.
package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tcmartin/flowcraft/pkg/auth"
	"github.com/tcmartin/flowcraft/pkg/logging"
)

// Key type for context values
type contextKey string

// Context keys
const (
	WorkspaceIDKey contextKey = "workspace_id"
)

// WorkspaceHeader selects the workspace when no token carries one
const WorkspaceHeader = "X-Workspace-ID"

// AuthMiddleware resolves the workspace of a request from its bearer
// token, the workspace header or the configured default
type AuthMiddleware struct {
	tokens           auth.TokenService
	rateLimiter      *RateLimiter
	requireAuth      bool
	defaultWorkspace string
	logger           logging.Logger
}

// NewAuthMiddleware creates a new authentication middleware. With
// requireAuth every request needs a valid bearer token.
func NewAuthMiddleware(tokens auth.TokenService, requireAuth bool, defaultWorkspace string, logger logging.Logger) *AuthMiddleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &AuthMiddleware{
		tokens:           tokens,
		rateLimiter:      NewRateLimiter(5, 60*time.Second), // 5 failed attempts per minute
		requireAuth:      requireAuth,
		defaultWorkspace: defaultWorkspace,
		logger:           logger,
	}
}

// Authenticate is middleware that authenticates requests
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip authentication for OPTIONS requests (CORS preflight)
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := ClientIP(r)
		if m.rateLimiter.IsLimited(clientIP) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		token := bearerToken(r)
		if token == "" {
			// websocket and EventSource clients cannot set headers
			token = r.URL.Query().Get("access_token")
		}

		var workspaceID string
		switch {
		case token != "" && m.tokens != nil:
			ws, err := m.tokens.ValidateToken(token)
			if err != nil {
				m.rateLimiter.Record(clientIP)
				m.logger.Warn("authentication failed", logging.F("client_ip", clientIP), logging.Err(err))
				writeError(w, http.StatusUnauthorized, "authentication failed")
				return
			}
			workspaceID = ws
		case m.requireAuth:
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		default:
			workspaceID = strings.TrimSpace(r.Header.Get(WorkspaceHeader))
			if workspaceID == "" {
				workspaceID = m.defaultWorkspace
			}
		}

		if workspaceID == "" {
			writeError(w, http.StatusBadRequest, "workspace is required")
			return
		}

		ctx := WithWorkspaceID(r.Context(), workspaceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithWorkspaceID stores the workspace in ctx
func WithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, WorkspaceIDKey, workspaceID)
}

// GetWorkspaceID retrieves the workspace ID from the request context
func GetWorkspaceID(r *http.Request) (string, bool) {
	workspaceID, ok := r.Context().Value(WorkspaceIDKey).(string)
	return workspaceID, ok && workspaceID != ""
}

// ClientIP returns the remote host without port
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
