package api

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/tzsystem/dispatchd/internal/assignment"
	"github.com/tzsystem/dispatchd/internal/domain"
)

const maxAudioBytes = 64 << 20 // 64MB

type requestTaskBody struct {
	AgentID int64 `json:"agent_id"`
}

func (s *Server) handleRequestTask(w http.ResponseWriter, r *http.Request) {
	var body requestTaskBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.AgentID <= 0 {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	result, _, err := s.engine.RequestTask(r.Context(), domain.AgentID(body.AgentID))
	if err != nil {
		var noTask *domain.ErrNoTask
		if errors.As(err, &noTask) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.ErrorContext(r.Context(), "request_task failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAudioStream(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r.PathValue("task_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task_id")
		return
	}
	agentID, err := parseAgentID(r.PathValue("agent_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agent_id")
		return
	}

	meta, err := s.engine.AudioAccess(r.Context(), taskID, agentID)
	if err != nil {
		var forbidden *domain.ErrForbidden
		if errors.As(err, &forbidden) {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		s.logger.ErrorContext(r.Context(), "audio_access failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if meta.AudioURL == "" {
		writeError(w, http.StatusNotFound, "task has no audio")
		return
	}

	upstream, err := http.Get(meta.AudioURL)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "audio fetch failed", "error", err)
		writeError(w, http.StatusBadGateway, "could not fetch audio")
		return
	}
	defer upstream.Body.Close()
	if upstream.StatusCode >= 300 {
		writeError(w, http.StatusBadGateway, "upstream audio fetch failed")
		return
	}

	data, err := io.ReadAll(io.LimitReader(upstream.Body, maxAudioBytes))
	if err != nil {
		writeError(w, http.StatusBadGateway, "could not read audio")
		return
	}

	ctype := mime.TypeByExtension(path.Ext(meta.AudioURL))
	if ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}
	http.ServeContent(w, r, path.Base(meta.AudioURL), time.Time{}, bytes.NewReader(data))
}

type submitBody struct {
	AgentID       int64  `json:"agent_id"`
	Transcription string `json:"transcription"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r.PathValue("task_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task_id")
		return
	}
	var body submitBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.engine.Submit(r.Context(), domain.AgentID(body.AgentID), taskID, body.Transcription)
	switch res {
	case assignment.SubmitForbidden:
		writeError(w, http.StatusForbidden, err.Error())
		return
	case assignment.SubmitUpstreamError:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type skipBody struct {
	AgentID int64  `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	taskID, err := parseTaskID(r.PathValue("task_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task_id")
		return
	}
	var body skipBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := s.engine.Skip(r.Context(), domain.AgentID(body.AgentID), taskID, body.Reason)
	if res == assignment.SkipForbidden {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "skip failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAvailableCount(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.AvailableCount()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_unlabeled": stats.TotalUnlabeled,
		"total_locked":    stats.TotalLocked,
		"available":       stats.Available,
		"last_sync":       stats.LastSync,
	})
}

func (s *Server) handleDisabledTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.DisabledTasks(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "disabled_tasks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disabled_tasks": tasks})
}

func (s *Server) handleResetDisabled(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ResetDisabled(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "reset_disabled failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset_count": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]string{"status": "ok"}

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			status["status"] = "unavailable"
			status["coordstore"] = err.Error()
		}
	}
	if s.ledger != nil {
		if err := s.ledger.Ping(ctx); err != nil {
			status["status"] = "unavailable"
			status["ledger"] = err.Error()
		}
	}

	code := http.StatusOK
	if status["status"] != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func parseTaskID(s string) (domain.TaskID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	return domain.TaskID(n), err
}

func parseAgentID(s string) (domain.AgentID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	return domain.AgentID(n), err
}
