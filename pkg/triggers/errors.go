package triggers

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes returned to trigger callers
const (
	CodeFlowNotFound         = "flow_not_found"
	CodeDiagramNotFound      = "diagram_not_found"
	CodeWebhookNotConfigured = "webhook_not_configured"
	CodeMethodNotAllowed     = "method_not_allowed"
	CodeInvalidWebhookToken  = "invalid_webhook_token"
	CodeInvalidRequest       = "invalid_request"
)

// Error is a trigger rejection carrying the HTTP status it maps to
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// AsError unwraps a trigger Error from err
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

func flowNotFound(flowID string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Code:    CodeFlowNotFound,
		Message: "flow " + flowID + " not found",
	}
}

func invalidRequest(message string) *Error {
	return &Error{
		Status:  http.StatusBadRequest,
		Code:    CodeInvalidRequest,
		Message: message,
	}
}
