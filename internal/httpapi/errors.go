package httpapi

import (
	"encoding/json"
	"net/http"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RateLimitError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryAfterSec int64  `json:"retry_after_sec"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeBadRequest(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusBadRequest, APIError{Code: code, Message: message})
}

func writeUnauthorized(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusUnauthorized, APIError{Code: code, Message: message})
}

func writeForbidden(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusForbidden, APIError{Code: code, Message: message})
}

func writeNotFound(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusNotFound, APIError{Code: code, Message: message})
}

func writeInternal(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusInternalServerError, APIError{Code: code, Message: message})
}
