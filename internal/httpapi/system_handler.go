package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/auth"
	"github.com/studyhub/matchmaking/internal/store"
)

// Cleaner runs one reaping pass.
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// StatsReader reports queue and session counts.
type StatsReader interface {
	Stats(ctx context.Context) (store.Stats, error)
}

type cleanupResponse struct {
	Success      bool   `json:"success"`
	DeletedCount int64  `json:"deletedCount"`
	Timestamp    string `json:"timestamp"`
}

type healthResponse struct {
	Status         string `json:"status"`
	QueueSize      int64  `json:"queueSize"`
	ActiveSessions int64  `json:"activeSessions"`
	Uptime         string `json:"uptime"`
}

// CronHandler lets an external scheduler trigger the reaper.
type CronHandler struct {
	cleaner Cleaner
	secret  string
	log     *zap.Logger
	now     func() time.Time
}

func NewCronHandler(cleaner Cleaner, secret string, log *zap.Logger) *CronHandler {
	return &CronHandler{cleaner: cleaner, secret: secret, log: log, now: time.Now}
}

func (h *CronHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		h.log.Error("cron secret is not configured")
		writeInternal(w, "CRON_NOT_CONFIGURED", "cron secret is not configured")
		return
	}

	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
		writeUnauthorized(w, "UNAUTHORIZED", "invalid cron secret")
		return
	}

	deleted, err := h.cleaner.Cleanup(r.Context())
	if err != nil {
		h.log.Error("cleanup failed", zap.Error(err))
		writeInternal(w, "INTERNAL_ERROR", "cleanup failed")
		return
	}

	writeJSON(w, http.StatusOK, cleanupResponse{
		Success:      true,
		DeletedCount: deleted,
		Timestamp:    h.now().UTC().Format(time.RFC3339),
	})
}

// HealthHandler reports liveness together with the queue gauges.
type HealthHandler struct {
	stats   StatsReader
	started time.Time
	log     *zap.Logger
}

func NewHealthHandler(stats StatsReader, log *zap.Logger) *HealthHandler {
	return &HealthHandler{stats: stats, started: time.Now(), log: log}
}

func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.stats.Stats(r.Context())
	if err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "unavailable",
			Uptime: time.Since(h.started).Round(time.Second).String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		QueueSize:      st.Waiting,
		ActiveSessions: st.ActiveSessions,
		Uptime:         time.Since(h.started).Round(time.Second).String(),
	})
}
