// Package auth provides credential and token types shared by the engine
// and the HTTP layer.
package auth

import (
	"context"
	"strings"

	"github.com/tcmartin/flowcraft/pkg/models"
)

// Credential types understood by the resolver
const (
	CredentialTypeAPIKey      = "api_key"
	CredentialTypeHTTPBearer  = "http_bearer"
	CredentialTypeBearer      = "bearer"
	CredentialTypeBearerToken = "bearer_token"
	CredentialTypeBasic       = "basic"
	CredentialTypeHTTPBasic   = "http_basic"
	CredentialTypeCustom      = "custom"
)

// NormalizeCredentialType collapses aliases onto their canonical type
func NormalizeCredentialType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case CredentialTypeAPIKey:
		return CredentialTypeAPIKey
	case CredentialTypeHTTPBearer, CredentialTypeBearer, CredentialTypeBearerToken:
		return CredentialTypeHTTPBearer
	case CredentialTypeBasic, CredentialTypeHTTPBasic:
		return CredentialTypeBasic
	case CredentialTypeCustom:
		return CredentialTypeCustom
	default:
		return t
	}
}

// ResolvedCredential is the result of resolving a credential for a request
type ResolvedCredential struct {
	// ID of the credential
	ID string `json:"id"`

	// Type as stored on the credential
	Type string `json:"type"`

	// Headers synthesized from the credential config
	Headers map[string]string `json:"-"`
}

// CredentialSource loads clear credentials scoped to a workspace
type CredentialSource interface {
	// GetCredential returns the credential with its Config decrypted
	GetCredential(ctx context.Context, workspaceID, id string) (*models.Credential, error)
}

// CredentialResolver turns a credential reference into request headers
type CredentialResolver interface {
	// Resolve looks up the credential and synthesizes its headers
	Resolve(ctx context.Context, workspaceID, id string) (*ResolvedCredential, error)
}

// TokenService issues and validates API bearer tokens
type TokenService interface {
	// GenerateToken issues a token bound to a workspace
	GenerateToken(workspaceID, subject string) (string, error)

	// ValidateToken verifies a token and returns its workspace
	ValidateToken(token string) (string, error)
}
