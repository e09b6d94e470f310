package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"

	"github.com/taskforge/dispatch/internal/task"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const defaultListLimit = 20
const maxListLimit = 100

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, kind string) {
	writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}

// writeTaskError maps a task package sentinel/ExecError-carrying error onto
// the HTTP status and body spec.md §7 assigns it.
func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), string(task.ErrorKindNotFound))
	case errors.Is(err, task.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error(), string(task.ErrorKindConflict))
	case errors.Is(err, task.ErrConflict), errors.Is(err, task.ErrAlreadyTerminal):
		writeError(w, http.StatusBadRequest, err.Error(), string(task.ErrorKindConflict))
	case errors.Is(err, task.ErrNotRetriable):
		writeError(w, http.StatusBadRequest, err.Error(), string(task.ErrorKindConflict))
	case errors.Is(err, task.ErrServiceUnavailable), errors.Is(err, task.ErrQueueEmpty):
		writeError(w, http.StatusServiceUnavailable, err.Error(), string(task.ErrorKindServiceUnavailable))
	default:
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

// handleSubmit implements POST /api/v1/tasks/submit.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(s.cfg.MaxInputBytes)+4096))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body", string(task.ErrorKindValidation))
		return
	}
	if len(body) > s.cfg.MaxInputBytes {
		writeError(w, http.StatusBadRequest, "request body exceeds MAX_INPUT_BYTES", string(task.ErrorKindValidation))
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body", string(task.ErrorKindValidation))
		return
	}

	if !projectIDPattern.MatchString(req.ProjectID) {
		writeError(w, http.StatusBadRequest, "projectId must match ^[A-Za-z0-9_-]+$", string(task.ErrorKindValidation))
		return
	}
	taskType := task.Type(req.TaskType)
	if !taskType.IsValid() {
		writeError(w, http.StatusBadRequest, "taskType is not a recognized task type", string(task.ErrorKindValidation))
		return
	}
	if req.CallbackURL != "" {
		parsed, err := url.Parse(req.CallbackURL)
		if err != nil || !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			writeError(w, http.StatusBadRequest, "callbackUrl must be an absolute http(s) URL", string(task.ErrorKindValidation))
			return
		}
	}

	policy := s.router.Resolve(taskType)
	rec := task.New(task.NewID(), req.ProjectID, taskType, req.Input)
	rec.Priority = policy.PriorityDefault
	if req.Priority != nil {
		p := task.Priority(*req.Priority)
		if !p.IsValid() {
			writeError(w, http.StatusBadRequest, "priority must be 1 (high), 2 (normal), or 3 (low)", string(task.ErrorKindValidation))
			return
		}
		rec.Priority = p
	}
	rec.CallbackURL = req.CallbackURL
	rec.Metadata = req.Metadata

	if err := s.lifecycle.Submit(r.Context(), rec, policy.Queue); err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue task", string(task.ErrorKindServiceUnavailable))
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{TaskID: rec.ID, State: rec.State})
}

// handleStatus implements GET /api/v1/tasks/{id}/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleList implements GET /api/v1/projects/{projectId}/tasks.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectId")
	records, err := s.store.ListByProject(r.Context(), projectID)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	q := r.URL.Query()
	if stateFilter := q.Get("state"); stateFilter != "" {
		records = filterRecords(records, func(rec *task.Record) bool {
			return string(rec.State) == stateFilter
		})
	}
	if typeFilter := q.Get("taskType"); typeFilter != "" {
		records = filterRecords(records, func(rec *task.Record) bool {
			return string(rec.TaskType) == typeFilter
		})
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	page := parseIntDefault(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	limit := parseIntDefault(q.Get("limit"), defaultListLimit)
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	total := len(records)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, listResponse{
		Tasks:      records[start:end],
		Page:       page,
		Limit:      limit,
		TotalCount: total,
	})
}

func filterRecords(in []*task.Record, keep func(*task.Record) bool) []*task.Record {
	out := make([]*task.Record, 0, len(in))
	for _, r := range in {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// handleCancel implements DELETE /api/v1/tasks/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, previousState, err := s.lifecycle.Cancel(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{TaskID: rec.ID, State: rec.State, PreviousState: previousState})
}

// handleRetry implements POST /api/v1/tasks/{id}/retry.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.lifecycle.Retry(r.Context(), id)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, retryResponse{TaskID: rec.ID, State: rec.State})
}

// handleMetrics implements GET /api/v1/tasks/metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.metrics.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read metrics", "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleTaskHealth implements GET /api/v1/tasks/health.
func (s *Server) handleTaskHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.metrics.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute health", "")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleLiveness implements the unauthenticated GET /api/v1/health.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
