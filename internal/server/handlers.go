package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns the broker session diagnostics: per-step status
// codes, phase, token expiries.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"session": "not configured"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.GetDiagnostics())
}

// handleStream returns streamer state and the cached quotes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.streamer == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"stream": "not configured"})
		return
	}

	age := s.streamer.DataAge()
	resp := map[string]interface{}{
		"authenticated":      s.streamer.IsAuthenticated(),
		"fresh":              s.streamer.IsDataFresh(60 * time.Second),
		"data_age_seconds":   age.Seconds(),
		"subscription_error": s.streamer.HasSubscriptionError(),
		"quotes":             s.streamer.GetCachedSnapshot(),
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	trades, err := s.trades.ListRecent(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

func (s *Server) handleOpenTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.trades.ListOpen()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.orders.ListOpen()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// handleNAVRange returns NAV snapshots between ?from and ?to (ET days,
// default last 30 days).
func (s *Server) handleNAVRange(w http.ResponseWriter, r *http.Request) {
	to := r.URL.Query().Get("to")
	if to == "" {
		to = time.Now().Format("2006-01-02")
	}
	from := r.URL.Query().Get("from")
	if from == "" {
		from = time.Now().AddDate(0, 0, -30).Format("2006-01-02")
	}

	snapshots, err := s.nav.ListRange(s.userID, from, to)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snapshots})
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	events, err := s.audit.Recent(s.userID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleJobsList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListEnabled()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	runs, err := s.jobs.RecentRuns(jobID, queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleJobRun triggers one job synchronously and returns its result.
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if s.runner == nil {
		s.writeError(w, http.StatusServiceUnavailable, errSchedulerUnavailable)
		return
	}

	s.log.Info().Str("job", jobID).Msg("Manual job trigger")
	result, err := s.runner.RunNow(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleJobEnable(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if err := s.jobs.SetEnabled(jobID, enabled); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.log.Info().Str("job", jobID).Bool("enabled", enabled).Msg("Job flag changed")
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"job": jobID, "enabled": enabled})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
