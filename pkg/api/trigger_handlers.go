package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tcmartin/flowcraft/pkg/middleware"
	"github.com/tcmartin/flowcraft/pkg/runtime"
	"github.com/tcmartin/flowcraft/pkg/triggers"
	"github.com/tcmartin/flowcraft/pkg/webhooks"
)

// handleWebhookTrigger serves /trigger/webhook?flow_id=
func (s *Server) handleWebhookTrigger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	flowID := q.Get("flow_id")
	if flowID == "" {
		flowID = q.Get("flowId")
	}
	s.serveWebhook(w, r, flowID)
}

// handleHook serves /hooks/{flowId}
func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	s.serveWebhook(w, r, mux.Vars(r)["flowId"])
}

func (s *Server) serveWebhook(w http.ResponseWriter, r *http.Request, flowID string) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	req, err := webhooks.Capture(r, webhooks.DefaultMaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	outcome, err := s.deps.Triggers.Webhook(r.Context(), flowID, req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	if resp := outcome.Result.Webhook; resp != nil {
		writeWebhookResponse(w, resp)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"trigger": "webhook",
		"flow_id": outcome.Run.FlowID,
		"run_id":  outcome.Run.ID,
		"status":  outcome.Result.Status,
		"result":  outcome.Result,
	})
}

// writeWebhookResponse relays a respond_webhook result. Objects and lists
// are sent as JSON, anything else as text.
func writeWebhookResponse(w http.ResponseWriter, resp *runtime.Response) {
	status := resp.StatusCode
	if status < 100 || status > 599 {
		status = http.StatusOK
	}

	switch body := resp.Body.(type) {
	case nil:
		w.WriteHeader(status)
	case string:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	default:
		writeJSON(w, status, body)
	}
}

// handleScheduleTrigger serves POST /trigger/schedule?flow_id= for
// external cron callers
func (s *Server) handleScheduleTrigger(w http.ResponseWriter, r *http.Request) {
	req, err := webhooks.Capture(r, webhooks.DefaultMaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	// a configured global token also guards schedule calls
	if global := s.config.Webhook.GlobalToken; global != "" {
		if subtle.ConstantTimeCompare([]byte(req.Token), []byte(global)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"error":   triggers.CodeInvalidWebhookToken,
				"message": "schedule trigger requires a valid token",
			})
			return
		}
	}

	flowID := req.Query["flow_id"]
	if flowID == "" {
		flowID = req.Query["flowId"]
	}

	query := make(map[string]string, len(req.Query))
	for k, v := range req.Query {
		if k == "token" || k == "access_token" {
			continue
		}
		query[k] = v
	}

	outcome, err := s.deps.Triggers.Schedule(r.Context(), triggers.ScheduleRequest{
		FlowID:      flowID,
		WorkspaceID: strings.TrimSpace(r.Header.Get(middleware.WorkspaceHeader)),
		Payload:     triggers.SchedulePayload(req.Body, query),
		Source:      triggers.SourceAPI,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"trigger": "schedule",
		"flow_id": outcome.Run.FlowID,
		"run_id":  outcome.Run.ID,
		"status":  outcome.Result.Status,
		"result":  outcome.Result,
	})
}
