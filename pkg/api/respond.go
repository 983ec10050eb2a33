package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tcmartin/flowcraft/pkg/loader"
	"github.com/tcmartin/flowcraft/pkg/logging"
	"github.com/tcmartin/flowcraft/pkg/middleware"
	"github.com/tcmartin/flowcraft/pkg/runtime"
	"github.com/tcmartin/flowcraft/pkg/storage"
	"github.com/tcmartin/flowcraft/pkg/triggers"
)

const maxRequestBody = 4 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}

// writeFailure maps domain errors to status codes and JSON bodies
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if te, ok := triggers.AsError(err); ok {
		body := map[string]interface{}{
			"error":   te.Code,
			"message": te.Message,
		}
		for k, v := range te.Details {
			body[k] = v
		}
		writeJSON(w, te.Status, body)
		return
	}

	var verr *loader.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "invalid_diagram",
			"problems": verr.Problems,
		})
	case errors.Is(err, storage.ErrFlowNotFound),
		errors.Is(err, storage.ErrRunNotFound),
		errors.Is(err, storage.ErrCredentialNotFound),
		errors.Is(err, storage.ErrDiagramNotFound),
		errors.Is(err, runtime.ErrDiagramNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, runtime.ErrEmptyDiagram):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, runtime.ErrRunNotQueued),
		errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", append(logFields(r), logging.Err(err))...)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func workspaceOf(r *http.Request) string {
	ws, _ := middleware.GetWorkspaceID(r)
	return ws
}

func logFields(r *http.Request) []logging.Field {
	return []logging.Field{
		logging.F("method", r.Method),
		logging.F("path", r.URL.Path),
		logging.F("remote_addr", middleware.ClientIP(r)),
	}
}
