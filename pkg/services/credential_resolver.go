package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tcmartin/flowcraft/pkg/auth"
	"github.com/tcmartin/flowcraft/pkg/storage"
)

// CredentialErrorKind classifies credential resolution failures
type CredentialErrorKind string

const (
	// CredentialNotFound means no credential matched id and workspace
	CredentialNotFound CredentialErrorKind = "CredentialNotFound"

	// CredentialConfigInvalid means a required config field is missing
	CredentialConfigInvalid CredentialErrorKind = "CredentialConfigInvalid"
)

// DefaultAPIKeyHeader is used for api_key credentials without headerName
const DefaultAPIKeyHeader = "x-api-key"

// CredentialError is returned when a credential cannot be resolved
type CredentialError struct {
	Kind         CredentialErrorKind
	CredentialID string
	Message      string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("%s: %s (credential %s)", e.Kind, e.Message, e.CredentialID)
}

// IsCredentialError reports whether err is a CredentialError of the given kind
func IsCredentialError(err error, kind CredentialErrorKind) bool {
	var ce *CredentialError
	return errors.As(err, &ce) && ce.Kind == kind
}

// CredentialResolverService implements auth.CredentialResolver
type CredentialResolverService struct {
	source auth.CredentialSource
}

// NewCredentialResolverService creates a new credential resolver
func NewCredentialResolverService(source auth.CredentialSource) *CredentialResolverService {
	return &CredentialResolverService{source: source}
}

// Resolve looks up a credential and synthesizes the headers it contributes
func (s *CredentialResolverService) Resolve(ctx context.Context, workspaceID, id string) (*auth.ResolvedCredential, error) {
	cred, err := s.source.GetCredential(ctx, workspaceID, id)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return nil, &CredentialError{Kind: CredentialNotFound, CredentialID: id, Message: "credential not found"}
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	raw, err := json.Marshal(cred.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential config: %w", err)
	}
	config := gjson.ParseBytes(raw)

	resolved := &auth.ResolvedCredential{
		ID:      cred.ID,
		Type:    cred.Type,
		Headers: make(map[string]string),
	}

	switch auth.NormalizeCredentialType(cred.Type) {
	case auth.CredentialTypeAPIKey:
		key := firstString(config, "apiKey", "key")
		if key == "" {
			return nil, invalidConfig(id, "api_key credential requires config.apiKey or config.key")
		}
		header := firstString(config, "headerName")
		if header == "" {
			header = DefaultAPIKeyHeader
		}
		if prefix := firstString(config, "prefix"); prefix != "" {
			key = prefix + " " + key
		}
		resolved.Headers[header] = key

	case auth.CredentialTypeHTTPBearer:
		token := firstString(config, "token", "accessToken", "bearerToken")
		if token == "" {
			return nil, invalidConfig(id, "bearer credential requires config.token")
		}
		resolved.Headers["Authorization"] = "Bearer " + token

	case auth.CredentialTypeBasic:
		username := firstString(config, "username")
		password := firstString(config, "password")
		if username == "" || password == "" {
			return nil, invalidConfig(id, "basic credential requires config.username and config.password")
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		resolved.Headers["Authorization"] = "Basic " + encoded

	case auth.CredentialTypeCustom:
		config.Get("headers").ForEach(func(key, value gjson.Result) bool {
			if value.Type == gjson.String {
				resolved.Headers[key.String()] = value.String()
			}
			return true
		})
	}

	return resolved, nil
}

func invalidConfig(id, msg string) error {
	return &CredentialError{Kind: CredentialConfigInvalid, CredentialID: id, Message: msg}
}

// firstString returns the first non-empty string among the given keys
func firstString(config gjson.Result, keys ...string) string {
	for _, key := range keys {
		v := config.Get(key)
		if v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return v.String()
		}
	}
	return ""
}
