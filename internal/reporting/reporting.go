// Package reporting implements the read-only stats, leaderboard, and CSV
// report surface layered on top of ledger.Ledger. None of it touches
// coordstore or the assignment engine: every handler here is a query.
package reporting

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/tzsystem/dispatchd/internal/domain"
	"github.com/tzsystem/dispatchd/internal/ledger"
)

type Server struct {
	ledger ledger.Ledger
}

func New(led ledger.Ledger) *Server {
	return &Server{ledger: led}
}

// Routes registers this package's endpoints onto mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents/{agent_id}/stats", s.handleAgentStats)
	mux.HandleFunc("GET /api/agents/{agent_id}/earnings", s.handleAgentEarnings)
	mux.HandleFunc("GET /api/leaderboard/top-performers", s.handleLeaderboard("completed"))
	mux.HandleFunc("GET /api/leaderboard/earnings", s.handleLeaderboard("earnings"))
	mux.HandleFunc("GET /api/leaderboard/productivity", s.handleLeaderboard("productivity"))
	mux.HandleFunc("GET /api/stats/live", s.handleStatsLive)
	mux.HandleFunc("GET /api/stats/system/overview", s.handleStatsSystemOverview)
	mux.HandleFunc("GET /api/stats/daily", s.handleStatsDaily)
	mux.HandleFunc("GET /api/stats/agents/active", s.handleActiveAgents)
	mux.HandleFunc("GET /api/reports/agents/summary/csv", s.handleAgentsSummaryCSV)
	mux.HandleFunc("GET /api/reports/sessions/detailed/csv", s.handleSessionsDetailedCSV)
	mux.HandleFunc("GET /api/reports/complete/csv", s.handleCompleteCSV)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func parseAgentID(s string) (domain.AgentID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	return domain.AgentID(n), err
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseAgentID(r.PathValue("agent_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent_id")
		return
	}
	agg, ok, err := s.ledger.AgentAggregate(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleAgentEarnings(w http.ResponseWriter, r *http.Request) {
	agentID, err := parseAgentID(r.PathValue("agent_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent_id")
		return
	}
	agg, ok, err := s.ledger.AgentAggregate(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":       agg.AgentID,
		"total_earnings": agg.TotalEarnings,
		"last_active":    agg.LastActive,
	})
}

func (s *Server) handleLeaderboard(metric string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		top, err := s.ledger.TopAgents(r.Context(), metric, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"metric": metric, "agents": top})
	}
}

func (s *Server) handleStatsLive(w http.ResponseWriter, r *http.Request) {
	agg, err := s.ledger.AllAggregates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	var completed, skipped int
	var earnings float64
	for _, a := range agg {
		completed += a.TotalTasksCompleted
		skipped += a.TotalTasksSkipped
		earnings += a.TotalEarnings
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_agents":    len(agg),
		"total_completed":  completed,
		"total_skipped":    skipped,
		"total_earnings":   earnings,
	})
}

func (s *Server) handleStatsSystemOverview(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.ledger.AllSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	counts := map[domain.SessionStatus]int{}
	for _, sess := range sessions {
		counts[sess.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"by_status":      counts,
	})
}

func (s *Server) handleStatsDaily(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.ledger.AllSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	byDay := map[string]int{}
	for _, sess := range sessions {
		if sess.CompletedAt == nil {
			continue
		}
		day := sess.CompletedAt.Format("2006-01-02")
		byDay[day]++
	}
	writeJSON(w, http.StatusOK, map[string]any{"completed_by_day": byDay})
}

func (s *Server) handleActiveAgents(w http.ResponseWriter, r *http.Request) {
	agg, err := s.ledger.AllAggregates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	cutoff := nowFunc().Add(-24 * time.Hour)
	var active []domain.AgentAggregate
	for _, a := range agg {
		if a.LastActive.After(cutoff) {
			active = append(active, a)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].AgentID < active[j].AgentID })
	writeJSON(w, http.StatusOK, map[string]any{"active_agents": active})
}

func (s *Server) handleAgentsSummaryCSV(w http.ResponseWriter, r *http.Request) {
	agg, err := s.ledger.AllAggregates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="agents_summary.csv"`)
	cw := csv.NewWriter(w)
	defer cw.Flush()
	cw.Write([]string{"agent_id", "total_tasks_completed", "total_tasks_skipped", "total_duration_seconds", "total_earnings", "last_active"})
	for _, a := range agg {
		cw.Write([]string{
			fmt.Sprintf("%d", a.AgentID),
			fmt.Sprintf("%d", a.TotalTasksCompleted),
			fmt.Sprintf("%d", a.TotalTasksSkipped),
			fmt.Sprintf("%.2f", a.TotalDurationSeconds),
			fmt.Sprintf("%.2f", a.TotalEarnings),
			a.LastActive.Format(time.RFC3339),
		})
	}
}

func (s *Server) handleSessionsDetailedCSV(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.ledger.AllSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="sessions_detailed.csv"`)
	cw := csv.NewWriter(w)
	defer cw.Flush()
	cw.Write([]string{"id", "agent_id", "task_id", "status", "assigned_at", "completed_at", "duration_seconds", "transcription_length", "skip_reason"})
	for _, sess := range sessions {
		completedAt := ""
		if sess.CompletedAt != nil {
			completedAt = sess.CompletedAt.Format(time.RFC3339)
		}
		duration := ""
		if sess.DurationSeconds != nil {
			duration = fmt.Sprintf("%.2f", *sess.DurationSeconds)
		}
		transcriptionLength := ""
		if sess.TranscriptionLength != nil {
			transcriptionLength = fmt.Sprintf("%d", *sess.TranscriptionLength)
		}
		skipReason := ""
		if sess.SkipReason != nil {
			skipReason = *sess.SkipReason
		}
		cw.Write([]string{
			fmt.Sprintf("%d", sess.ID),
			fmt.Sprintf("%d", sess.AgentID),
			fmt.Sprintf("%d", sess.TaskID),
			string(sess.Status),
			sess.AssignedAt.Format(time.RFC3339),
			completedAt,
			duration,
			transcriptionLength,
			skipReason,
		})
	}
}

func (s *Server) handleCompleteCSV(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.ledger.AllSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	agg, err := s.ledger.AllAggregates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	byAgent := map[domain.AgentID]domain.AgentAggregate{}
	for _, a := range agg {
		byAgent[a.AgentID] = a
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="complete_report.csv"`)
	cw := csv.NewWriter(w)
	defer cw.Flush()
	cw.Write([]string{"task_id", "agent_id", "status", "assigned_at", "agent_total_completed", "agent_total_earnings"})
	for _, sess := range sessions {
		a := byAgent[sess.AgentID]
		cw.Write([]string{
			fmt.Sprintf("%d", sess.TaskID),
			fmt.Sprintf("%d", sess.AgentID),
			string(sess.Status),
			sess.AssignedAt.Format(time.RFC3339),
			fmt.Sprintf("%d", a.TotalTasksCompleted),
			fmt.Sprintf("%.2f", a.TotalEarnings),
		})
	}
}

// nowFunc is a seam for tests; production always uses time.Now.
var nowFunc = time.Now
