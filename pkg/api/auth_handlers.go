package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tcmartin/flowcraft/pkg/middleware"
)

// TokenRequest asks for a workspace token
type TokenRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Subject     string `json:"subject"`
}

// TokenResponse carries an issued token
type TokenResponse struct {
	Token       string `json:"token"`
	WorkspaceID string `json:"workspace_id"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleIssueToken issues a workspace JWT to holders of the admin token
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tokens == nil {
		writeError(w, http.StatusNotImplemented, "Token issuance is not configured")
		return
	}

	admin := s.config.Auth.AdminToken
	presented := r.Header.Get("X-Admin-Token")
	if presented == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			presented = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if admin == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(admin)) != 1 {
		s.logger.Warn("token issuance rejected", logFields(r)...)
		writeError(w, http.StatusUnauthorized, "Invalid admin token")
		return
	}

	var req TokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = r.Header.Get(middleware.WorkspaceHeader)
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = s.config.Engine.DefaultWorkspaceID
	}
	if req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}

	token, err := s.deps.Tokens.GenerateToken(req.WorkspaceID, req.Subject)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		Token:       token,
		WorkspaceID: req.WorkspaceID,
		ExpiresIn:   s.config.Auth.TokenExpiration * 3600,
	})
}
