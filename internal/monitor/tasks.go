package monitor

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/seantiz/strata/internal/history"
	"github.com/seantiz/strata/internal/manager"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// listTasksResponse is the JSON response for GET /v1/tasks.
type listTasksResponse struct {
	Tasks []manager.TaskInfo `json:"tasks"`
	Total int                `json:"total"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	watchers := s.tasks.RunningTasks()
	infos := make([]manager.TaskInfo, 0, len(watchers))
	for _, watcher := range watchers {
		infos = append(infos, watcher.Snapshot())
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks: infos,
		Total: len(infos),
	})
}

// historyResponse wraps the paginated finished-task journal.
type historyResponse struct {
	Records []*history.Record `json:"records"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "task journaling is disabled")
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.journal.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list task history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list task history")
		return
	}

	if records == nil {
		records = []*history.Record{}
	}

	s.writeJSON(w, http.StatusOK, historyResponse{
		Records: records,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Running       int            `json:"running"`
	Total         int            `json:"total"`
	ByOutcome     map[string]int `json:"by_outcome"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Running:   len(s.tasks.RunningTasks()),
		ByOutcome: map[string]int{},
	}

	if s.journal != nil {
		stats, err := s.journal.Stats(r.Context())
		if err != nil {
			s.logger.Error("get task stats", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		resp.Total = stats.Total
		resp.ByOutcome = stats.CountByOutcome
		resp.AvgDurationMS = stats.AvgDurationMS
	}

	s.writeJSON(w, http.StatusOK, resp)
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
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
