package models

import "time"

// Credential is a stored secret bundle that can be injected into HTTP requests
type Credential struct {
	// ID of the credential
	ID string `json:"id"`

	// WorkspaceID scopes the credential
	WorkspaceID string `json:"workspace_id"`

	// Name is a display label
	Name string `json:"name"`

	// Type selects the header synthesis strategy (api_key, bearer, basic, custom)
	Type string `json:"type"`

	// Config holds the decrypted secret fields. It is never persisted in clear.
	Config map[string]interface{} `json:"config,omitempty"`

	// SealedConfig is the encrypted form of Config as stored
	SealedConfig string `json:"-"`

	// HasConfig reports a non-empty config on listings, where Config is withheld
	HasConfig bool `json:"hasConfig"`

	// CreatedAt is when the credential was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the credential was last updated
	UpdatedAt time.Time `json:"updated_at"`
}
