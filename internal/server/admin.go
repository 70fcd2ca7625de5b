package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/relaysms/gateway/internal/httputil"
	"github.com/relaysms/gateway/internal/usage"
)

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// requireAdminToken gates /admin/* behind a static bearer token. An empty
// adminToken disables auth (local development only), matching the
// teacher's admin-auth-optional posture.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := httputil.ExtractBearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			httputil.WriteError(w, http.StatusUnauthorized, "admin authentication required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleAdminAttempt returns one SMSAttempt by id.
func (s *Server) handleAdminAttempt(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid attempt id")
		return
	}

	attempt, err := s.usage.GetAttempt(r.Context(), id)
	if err != nil {
		if err == usage.ErrAttemptNotFound {
			httputil.WriteError(w, http.StatusNotFound, "attempt not found")
			return
		}
		s.logger.Error("admin attempt lookup failed", "id", id, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load attempt")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, attempt)
}

// handleAdminUsage returns one user's monthly UsageCounter.
func (s *Server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}

	userID, err := parseInt64(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	yearMonth := chi.URLParam(r, "yearMonth")

	counter, err := s.usage.GetCounter(r.Context(), userID, yearMonth)
	if err != nil {
		s.logger.Error("admin usage lookup failed", "user_id", userID, "year_month", yearMonth, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, counter)
}

// smsWindowStats is the aggregated delivery health for one rolling window.
type smsWindowStats struct {
	Sent         int     `json:"sent"`
	Delivered    int     `json:"delivered"`
	Failed       int     `json:"failed"`
	DeliveryRate float64 `json:"delivery_rate"`
}

// handleAdminSMSHealth reports outbound delivery health over the last 24
// hours, mirroring the teacher's handleAdminSMSHealth aggregate-query shape.
func (s *Server) handleAdminSMSHealth(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}

	query := `
		SELECT
			COUNT(*) FILTER (WHERE direction = 'out'),
			COUNT(*) FILTER (WHERE direction = 'out' AND final_status = 'delivered'),
			COUNT(*) FILTER (WHERE direction = 'out' AND final_status IN ('failed', 'undelivered'))
		FROM sms_attempts
		WHERE created_at >= $1`

	var sent, delivered, failed int
	err := s.pool.QueryRow(r.Context(), query, time.Now().Add(-24*time.Hour)).Scan(&sent, &delivered, &failed)
	if err != nil {
		s.logger.Error("sms health query failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to query sms health")
		return
	}

	rate := 0.0
	if sent > 0 {
		rate = float64(delivered) / float64(sent) * 100
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"last_24h": smsWindowStats{Sent: sent, Delivered: delivered, Failed: failed, DeliveryRate: rate},
	})
}
