package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/seantiz/geoexec/internal/artifact"
	"github.com/seantiz/geoexec/internal/engine"
	"github.com/seantiz/geoexec/internal/model"
	"github.com/seantiz/geoexec/internal/process"
	"github.com/seantiz/geoexec/internal/query"
	"github.com/seantiz/geoexec/internal/store"
)

const (
	maxListCount = 100
	maxBodySize  = 16 << 20
)

// submitRequest is the JSON body for POST /v1/executions.
type submitRequest struct {
	Process       string         `json:"process"`
	Inputs        map[string]any `json:"inputs"`
	Mode          model.Mode     `json:"mode"`
	StatusUpdates *bool          `json:"status_updates"`
}

// submitResponse is returned for a submission. Result is set only for
// successful synchronous executions.
type submitResponse struct {
	Status model.ExecutionStatus `json:"status"`
	Result any                   `json:"result,omitempty"`
}

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Process == "" {
		s.writeError(w, http.StatusBadRequest, "process is required")
		return
	}
	switch req.Mode {
	case "", model.ModeSync, model.ModeAsync:
	default:
		s.writeError(w, http.StatusBadRequest, "mode must be sync or async")
		return
	}

	er, err := s.processes.Resolve(model.ParseName(req.Process), req.Inputs)
	if errors.Is(err, process.ErrUnknownProcess) {
		s.writeError(w, http.StatusNotFound, "unknown process "+req.Process)
		return
	}
	if err != nil {
		s.logger.Error("resolve process", "process", req.Process, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resolve process")
		return
	}
	er.Owner = principalFrom(r.Context()).Name
	er.Mode = req.Mode
	er.StatusUpdates = req.StatusUpdates == nil || *req.StatusUpdates

	sub, err := s.manager.Submit(r.Context(), er)
	switch {
	case errors.Is(err, engine.ErrSyncDisabled):
		s.writeError(w, http.StatusForbidden, "synchronous execution is disabled")
		return
	case errors.Is(err, engine.ErrAdmissionTimeout), errors.Is(err, engine.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil && sub.ExecutionID != "":
		// The caller went away while a synchronous execution was running.
		s.writeJSON(w, http.StatusRequestTimeout, submitResponse{Status: sub.Status})
		return
	case err != nil:
		s.logger.Error("submit execution", "process", req.Process, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit execution")
		return
	}

	status := http.StatusOK
	switch {
	case rejectedInput(sub.Status):
		status = http.StatusBadRequest
	case sub.Status.Mode == model.ModeAsync:
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, submitResponse{Status: sub.Status, Result: sub.Value})
}

// rejectedInput reports whether st failed validation before it ever ran.
func rejectedInput(st model.ExecutionStatus) bool {
	if st.Phase != model.PhaseFailed || st.StartedAt != nil || st.Exception == nil {
		return false
	}
	return st.Exception.Code == model.CodeInvalidParameterValue || st.Exception.Code == model.CodeFileSizeExceeded
}

// lookup loads an execution the caller may see, writing the error response
// itself when it returns false. Hidden executions look missing.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (model.ExecutionStatus, bool) {
	id := chi.URLParam(r, "id")
	st, err := s.manager.GetStatus(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !principalFrom(r.Context()).canSee(st.Owner)) {
		s.writeError(w, http.StatusNotFound, "execution not found")
		return model.ExecutionStatus{}, false
	}
	if err != nil {
		s.logger.Error("get execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get execution")
		return model.ExecutionStatus{}, false
	}
	return st, true
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if st.Phase != model.PhaseSucceeded || st.ResultRef == "" || s.artifacts == nil {
		s.writeError(w, http.StatusNotFound, "no stored result for execution")
		return
	}

	v, err := s.artifacts.Get(r.Context(), st.ResultRef)
	if errors.Is(err, artifact.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "result expired")
		return
	}
	if err != nil {
		s.logger.Error("get result", "execution_id", st.ExecutionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get result")
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	children, err := s.manager.Children(r.Context(), st.ExecutionID)
	if err != nil {
		s.logger.Error("list children", "execution_id", st.ExecutionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list children")
		return
	}
	if children == nil {
		children = []model.ExecutionStatus{}
	}
	s.writeJSON(w, http.StatusOK, children)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := s.manager.Cancel(r.Context(), st.ExecutionID); err != nil {
		s.logger.Error("cancel execution", "execution_id", st.ExecutionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel execution")
		return
	}

	id := st.ExecutionID
	st, err := s.manager.GetStatus(r.Context(), id)
	if err != nil {
		s.logger.Error("get cancelled execution", "execution_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve execution")
		return
	}
	s.writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	q := r.URL.Query()

	sortBy, err := parseSort(q.Get("sort"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	maxCount := parseIntQuery(r, "maxCount", maxListCount)
	if maxCount <= 0 || maxCount > maxListCount {
		maxCount = maxListCount
	}

	page, err := s.queries.ListExecutions(r.Context(), query.Request{
		Requestor:  p.Name,
		IsAdmin:    p.IsAdmin,
		Filter:     filterFromQuery(r),
		Owner:      q.Get("owner"),
		Identifier: q.Get("identifier"),
		Sort:       sortBy,
		StartIndex: parseIntQuery(r, "startIndex", 0),
		MaxCount:   maxCount,
	})
	if errors.Is(err, store.ErrInvalidFilter) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if page.Executions == nil {
		page.Executions = []model.ExecutionStatus{}
	}
	s.writeJSON(w, http.StatusOK, page)
}

// removeResponse is the JSON response for DELETE /v1/executions.
type removeResponse struct {
	Removed int `json:"removed"`
}

func (s *Server) handleRemoveExecutions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	var f store.Filter = filterFromQuery(r)
	if owner := r.URL.Query().Get("owner"); owner != "" {
		f = store.And{f, store.Eq(store.FieldOwner, owner)}
	}
	if id := r.URL.Query().Get("identifier"); id != "" {
		f = store.And{f, store.Eq(store.FieldIdentifier, id)}
	}

	n, err := s.queries.Remove(r.Context(), p.Name, p.IsAdmin, f)
	switch {
	case errors.Is(err, query.ErrForbidden):
		s.writeError(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, store.ErrInvalidFilter):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("remove executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to remove executions")
		return
	}
	s.writeJSON(w, http.StatusOK, removeResponse{Removed: n})
}

// filterFromQuery builds the optional phase and process filters of a listing.
func filterFromQuery(r *http.Request) store.And {
	q := r.URL.Query()
	f := store.And{}
	if phase := q.Get("phase"); phase != "" {
		f = append(f, store.Eq(store.FieldPhase, strings.ToUpper(phase)))
	}
	if name := q.Get("processName"); name != "" {
		f = append(f, store.Compare{Field: store.FieldProcessName, Op: store.OpLike, Value: name})
	}
	return f
}

// parseSort parses "field,-field" into sort keys; a leading "-" sorts
// descending.
func parseSort(s string) ([]store.SortBy, error) {
	if s == "" {
		return nil, nil
	}
	var out []store.SortBy
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sb := store.SortBy{Field: store.Field(strings.TrimPrefix(part, "-")), Desc: strings.HasPrefix(part, "-")}
		if sb.Field == "" {
			return nil, errors.Newf("invalid sort key %q", part)
		}
		out = append(out, sb)
	}
	return out, nil
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
