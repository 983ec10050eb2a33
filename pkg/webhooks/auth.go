package webhooks

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/tcmartin/flowcraft/pkg/models"
)

// Auth modes of a webhook_trigger node
const (
	AuthModeNone  = "none"
	AuthModeToken = "token"
)

// MethodAny accepts every HTTP method
const MethodAny = "ANY"

// Errors returned by Authorize
var (
	ErrMethodNotAllowed = errors.New("method not allowed for webhook")
	ErrInvalidToken     = errors.New("invalid webhook token")
)

// Settings is the authorization part of a webhook_trigger node
type Settings struct {
	Method   string
	AuthMode string
	Token    string
}

// SettingsFromNode reads method, authMode and token from a webhook_trigger
// node. The method defaults to ANY and the auth mode to none.
func SettingsFromNode(node models.Node) Settings {
	s := Settings{Method: MethodAny, AuthMode: AuthModeNone}
	if v, ok := node.Data["method"].(string); ok && strings.TrimSpace(v) != "" {
		s.Method = strings.ToUpper(strings.TrimSpace(v))
	}
	if v, ok := node.Data["authMode"].(string); ok && strings.TrimSpace(v) != "" {
		s.AuthMode = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := node.Data["token"].(string); ok {
		s.Token = strings.TrimSpace(v)
	}
	return s
}

// Authorizer checks inbound requests against a node's settings.
// GlobalToken, when set, is accepted by every token protected webhook.
type Authorizer struct {
	GlobalToken string
}

// Authorize returns ErrMethodNotAllowed or ErrInvalidToken when req may
// not trigger the node. In token mode without any configured token every
// request is rejected.
func (a Authorizer) Authorize(settings Settings, req *Request) error {
	if settings.Method != "" && settings.Method != MethodAny && !strings.EqualFold(settings.Method, req.Method) {
		return ErrMethodNotAllowed
	}

	if settings.AuthMode != AuthModeToken {
		return nil
	}

	presented := req.Token
	if presented == "" {
		return ErrInvalidToken
	}
	for _, valid := range []string{settings.Token, strings.TrimSpace(a.GlobalToken)} {
		if valid != "" && subtle.ConstantTimeCompare([]byte(valid), []byte(presented)) == 1 {
			return nil
		}
	}
	return ErrInvalidToken
}
