package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tcmartin/flowcraft/pkg/auth"
	"github.com/tcmartin/flowcraft/pkg/models"
)

// CredentialRequest represents a request to create or replace a credential
type CredentialRequest struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Type   string                 `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// handleListCredentials lists credentials with config withheld. Supports
// type and search filters.
func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.deps.Credentials.ListCredentials(r.Context(), workspaceOf(r))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	typeFilter := auth.NormalizeCredentialType(r.URL.Query().Get("type"))
	search := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("search")))

	filtered := make([]*models.Credential, 0, len(creds))
	for _, c := range creds {
		if typeFilter != "" && auth.NormalizeCredentialType(c.Type) != typeFilter {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(c.Name), search) {
			continue
		}
		filtered = append(filtered, c)
	}

	writeJSON(w, http.StatusOK, filtered)
}

// handleCreateCredential stores a credential, sealing its config
func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req CredentialRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "Credential type is required")
		return
	}

	cred := &models.Credential{
		ID:          req.ID,
		WorkspaceID: workspaceOf(r),
		Name:        req.Name,
		Type:        strings.TrimSpace(req.Type),
		Config:      req.Config,
	}
	if err := s.deps.Credentials.SaveCredential(r.Context(), cred); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	// Never echo secrets back
	cred.HasConfig = len(req.Config) > 0
	cred.Config = nil
	writeJSON(w, http.StatusCreated, cred)
}

// handleDeleteCredential removes a credential
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Credentials.DeleteCredential(r.Context(), workspaceOf(r), mux.Vars(r)["id"]); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
