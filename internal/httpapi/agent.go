package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/slok/rollr/internal/app/agent"
	"github.com/slok/rollr/internal/model"
)

func agentToken(r *http.Request) string { return r.Header.Get(AgentTokenHeader) }

type agentStatusRequest struct {
	Status string `json:"status"`
}

func (h handler) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := h.agent.Authenticate(r.Context(), agentToken(r)); err != nil {
		h.writeErr(w, err)
		return
	}

	var req agentStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	ro, err := h.agent.UpdateStatus(r.Context(), agentToken(r), model.RolloutStatus(req.Status))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(ro.Status)})
}

type agentLogRequest struct {
	LogData struct {
		StepNumber *int            `json:"step_number"`
		Timestamp  *time.Time      `json:"timestamp"`
		Reasoning  string          `json:"reasoning"`
		Actions    json.RawMessage `json:"actions"`
		Screenshot string          `json:"screenshot"`
	} `json:"log_data"`
}

func (h handler) handleAgentLog(w http.ResponseWriter, r *http.Request) {
	if _, err := h.agent.Authenticate(r.Context(), agentToken(r)); err != nil {
		h.writeErr(w, err)
		return
	}

	var req agentLogRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	if req.LogData.StepNumber == nil {
		h.writeErr(w, fmt.Errorf("log_data.step_number is required: %w", model.ErrNotValid))
		return
	}

	step := agent.StepRequest{
		StepNumber: *req.LogData.StepNumber,
		Reasoning:  req.LogData.Reasoning,
		Actions:    req.LogData.Actions,
		Screenshot: req.LogData.Screenshot,
	}
	if req.LogData.Timestamp != nil {
		step.Timestamp = *req.LogData.Timestamp
	}

	l, err := h.agent.AppendStep(r.Context(), agentToken(r), step)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rollout_id": l.RolloutID, "step_number": l.StepNumber})
}

type agentResultRequest struct {
	Result     string          `json:"result"`
	ParsedJSON json.RawMessage `json:"parsed_json"`
	Success    bool            `json:"success"`
	Error      string          `json:"error"`
}

func (h handler) handleAgentResult(w http.ResponseWriter, r *http.Request) {
	if _, err := h.agent.Authenticate(r.Context(), agentToken(r)); err != nil {
		h.writeErr(w, err)
		return
	}

	var req agentResultRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}

	ro, err := h.agent.Result(r.Context(), agentToken(r), agent.ResultRequest{
		Result:     req.Result,
		ParsedJSON: req.ParsedJSON,
		Success:    req.Success,
		Error:      req.Error,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(ro.Status)})
}
