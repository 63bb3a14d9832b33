package maintenance

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"socialnet/internal/audit"
	"socialnet/internal/auth"
	"socialnet/internal/observability"
	"socialnet/internal/ratelimit"
)

// CleanupHandler sweeps stale auth rows on a cron tick: expired or
// long-revoked refresh tokens, dead verification tokens, audit records past
// retention, and cold rate-limit counters.
type CleanupHandler struct {
	repo             *auth.Repository
	auditSink        *audit.SQLSink
	counters         *ratelimit.PostgresStore
	logger           *observability.Logger
	cronSecret       string
	refreshRetention time.Duration
	auditRetention   time.Duration
	batchSize        int
}

func NewCleanupHandler(
	repo *auth.Repository,
	auditSink *audit.SQLSink,
	counters *ratelimit.PostgresStore,
	logger *observability.Logger,
	cronSecret string,
	refreshRetention time.Duration,
	auditRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	if auditRetention <= 0 {
		auditRetention = audit.DefaultRetention
	}
	return &CleanupHandler{
		repo:             repo,
		auditSink:        auditSink,
		counters:         counters,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		refreshRetention: refreshRetention,
		auditRetention:   auditRetention,
		batchSize:        batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	// Without a configured secret the endpoint does not exist.
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.repo.CleanupStaleAuthData(r.Context(), h.refreshRetention, h.batchSize)
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	purgedAudit, err := h.auditSink.PurgeOlderThan(r.Context(), h.auditRetention, h.batchSize)
	if err != nil {
		h.logger.Error("audit_purge_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	var staleCounters int64
	if h.counters != nil {
		staleCounters, err = h.counters.DeleteStale(r.Context(), time.Now().UTC().Add(-24*time.Hour), h.batchSize)
		if err != nil {
			h.logger.Error("rate_counter_cleanup_failed", map[string]any{"error": err.Error()})
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
			return
		}
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_tokens":      result.DeletedRefreshTokens,
		"deleted_verification_tokens": result.DeletedVerificationTokens,
		"purged_audit_records":        purgedAudit,
		"deleted_rate_counters":       staleCounters,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": map[string]any{
			"deleted_refresh_tokens":      result.DeletedRefreshTokens,
			"deleted_verification_tokens": result.DeletedVerificationTokens,
			"purged_audit_records":        purgedAudit,
			"deleted_rate_counters":       staleCounters,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
