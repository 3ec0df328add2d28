package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/slok/rollr/internal/app/rollouts"
	"github.com/slok/rollr/internal/app/stats"
	"github.com/slok/rollr/internal/model"
)

func (h handler) handleUploadTasks(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		h.writeErr(w, fmt.Errorf("parse multipart: %s: %w", err, model.ErrNotValid))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		h.writeErr(w, fmt.Errorf("missing 'file' file: %s: %w", err, model.ErrNotValid))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeErr(w, fmt.Errorf("could not read uploaded file: %w", err))
		return
	}

	count, err := h.tasks.Upload(r.Context(), data)
	if err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Successfully uploaded %d tasks", count),
		"count":   count,
	})
}

func (h handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ts, err := h.tasks.List(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}

	res := make([]taskResponse, 0, len(ts))
	for _, t := range ts {
		res = append(res, mapTask(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (h handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapTask(*t))
}

func (h handler) handleListTaskJobs(w http.ResponseWriter, r *http.Request) {
	js, err := h.jobs.ListByTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}

	res := make([]jobResponse, 0, len(js))
	for _, j := range js {
		res = append(res, mapJob(j))
	}
	writeJSON(w, http.StatusOK, res)
}

func (h handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapJob(*j))
}

func (h handler) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Job deleted successfully"})
}

type createRolloutsRequest struct {
	TaskID   string `json:"task_id"`
	Model    string `json:"model"`
	Attempts int    `json:"attempts"`
}

func (h handler) handleCreateRollouts(w http.ResponseWriter, r *http.Request) {
	var req createRolloutsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, err)
		return
	}
	if req.TaskID == "" {
		h.writeErr(w, fmt.Errorf("task_id is required: %w", model.ErrNotValid))
		return
	}

	res, err := h.rollouts.Create(r.Context(), rollouts.CreateRequest{
		TaskID:   req.TaskID,
		Model:    req.Model,
		Attempts: req.Attempts,
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, mapRollouts(res.Rollouts))
}

func (h handler) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.RolloutFilter{
		TaskID: q.Get("task_id"),
		JobID:  q.Get("job_id"),
	}
	if s := strings.TrimSpace(q.Get("status")); s != "" {
		f.Statuses = []model.RolloutStatus{model.RolloutStatus(s)}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.writeErr(w, fmt.Errorf("invalid limit %q: %w", raw, model.ErrNotValid))
			return
		}
		f.Limit = limit
	}

	rs, err := h.rollouts.List(r.Context(), f)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapRollouts(rs))
}

func (h handler) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	ro, err := h.rollouts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapRollout(*ro))
}

func (h handler) handleDeleteRollout(w http.ResponseWriter, r *http.Request) {
	if err := h.rollouts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Rollout deleted successfully"})
}

// includeScreenshots returns true unless the request opts out with screenshots=false.
func includeScreenshots(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("screenshots"))
	return err != nil || v
}

func (h handler) handleListRolloutLogs(w http.ResponseWriter, r *http.Request) {
	ls, err := h.rollouts.Logs(r.Context(), chi.URLParam(r, "id"), includeScreenshots(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}

	res := make([]stepLogResponse, 0, len(ls))
	for _, l := range ls {
		res = append(res, mapStepLog(l))
	}
	writeJSON(w, http.StatusOK, res)
}

func (h handler) handleLatestRolloutLog(w http.ResponseWriter, r *http.Request) {
	l, err := h.rollouts.LatestLog(r.Context(), chi.URLParam(r, "id"), includeScreenshots(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapStepLog(*l))
}

func (h handler) handleComputeStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s, err := h.stats.Compute(r.Context(), stats.Request{
		TaskID: q.Get("task_id"),
		Status: model.RolloutStatus(strings.TrimSpace(q.Get("status"))),
	})
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapComputeStats(*s))
}

func (h handler) handleStaticLog(w http.ResponseWriter, r *http.Request) {
	f, err := h.stepLogs.Open(chi.URLParam(r, "name"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Warningf("Could not serve step log artifact: %v", err)
	}
}
