package utils

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Client-visible error categories.
const (
	CategoryBadInput    = "bad input"
	CategoryServerError = "server error"
)

// ErrorBody is the failure envelope of the readings API.
type ErrorBody struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Error("failed to write JSON", "error", err)
	}
}

// WriteError writes {"ok":false,...}. 4xx statuses are reported as bad input,
// everything else as a server error.
func WriteError(w http.ResponseWriter, status int, code string, msg string) {
	WriteJSON(w, status, ErrorBody{
		OK:      false,
		Error:   Category(status),
		Code:    code,
		Message: msg,
	})
}

func Category(status int) string {
	if status >= 400 && status < 500 {
		return CategoryBadInput
	}
	return CategoryServerError
}
