package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/studyhub/matchmaking/internal/auth"
	"github.com/studyhub/matchmaking/internal/matching"
	"github.com/studyhub/matchmaking/internal/store"
)

const maxBodyBytes = 64 << 10

type joinRequest struct {
	MatchMode   string          `json:"match_mode"`
	Preferences json.RawMessage `json:"preferences"`
}

type endRequest struct {
	SessionID string `json:"sessionId"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type sessionResponse struct {
	Session *store.ChatSession `json:"session"`
}

// MatchingHandler serves the queue and session endpoints for the
// authenticated caller.
type MatchingHandler struct {
	service *matching.Service
	log     *zap.Logger
}

func NewMatchingHandler(service *matching.Service, log *zap.Logger) *MatchingHandler {
	return &MatchingHandler{service: service, log: log}
}

func (h *MatchingHandler) Join(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, "join", h.service.JoinQueue)
}

func (h *MatchingHandler) Skip(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, "skip", h.service.Skip)
}

type enqueueFunc func(ctx context.Context, userID string, mode store.MatchMode, prefs json.RawMessage) (matching.JoinResult, error)

func (h *MatchingHandler) enqueue(w http.ResponseWriter, r *http.Request, op string, fn enqueueFunc) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}

	var req joinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if len(req.Preferences) > 0 && !json.Valid(req.Preferences) {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid preferences")
		return
	}
	if string(req.Preferences) == "null" {
		req.Preferences = nil
	}

	res, err := fn(r.Context(), identity.UserID, store.ParseMatchMode(req.MatchMode), req.Preferences)
	if err != nil {
		h.writeError(w, op, identity.UserID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *MatchingHandler) Leave(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	if err := h.service.LeaveQueue(r.Context(), identity.UserID); err != nil {
		h.writeError(w, "leave", identity.UserID, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *MatchingHandler) Session(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	sess, err := h.service.ActiveSession(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, "session", identity.UserID, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (h *MatchingHandler) End(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}

	var req endRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeBadRequest(w, "VALIDATION_ERROR", "sessionId is required")
		return
	}

	if _, err := h.service.EndSession(r.Context(), identity.UserID, req.SessionID); err != nil {
		h.writeError(w, "end", identity.UserID, err)
		return
	}
	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *MatchingHandler) Status(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "authentication required")
		return
	}
	st, err := h.service.Status(r.Context(), identity.UserID)
	if err != nil {
		h.writeError(w, "status", identity.UserID, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// writeError maps service errors to responses. Storage failures are logged
// here and answered with a generic message.
func (h *MatchingHandler) writeError(w http.ResponseWriter, op, userID string, err error) {
	var rl *matching.RateLimitedError
	switch {
	case errors.As(err, &rl):
		secs := int64(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusTooManyRequests, RateLimitError{
			Code:          "RATE_LIMITED",
			Message:       "too many join attempts, try again later",
			RetryAfterSec: secs,
		})
	case errors.Is(err, matching.ErrSessionNotFound):
		writeNotFound(w, "SESSION_NOT_FOUND", "session not found")
	case errors.Is(err, matching.ErrNoActiveSession):
		writeNotFound(w, "NO_ACTIVE_SESSION", "no active session")
	case errors.Is(err, matching.ErrNotParticipant):
		writeForbidden(w, "FORBIDDEN", "not a participant of this session")
	default:
		h.log.Error("matching request failed",
			zap.String("op", op), zap.String("user_id", userID), zap.Error(err))
		writeInternal(w, "INTERNAL_ERROR", "failed to process matchmaking request")
	}
}

// decodeJSON reads an optional JSON body. An empty body leaves target as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(target)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
