// Package problem writes RFC 7807 (Problem Details for HTTP APIs)
// responses. It sits below every HTTP-facing package so the admission
// middleware and the operator API share one error format.
package problem

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Detail is the RFC 7807 response body. All error responses use this
// format. Code carries the stable machine-readable reason; clients must key
// on it, not on Title or Detail.
type Detail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// Error implements the error interface.
func (d *Detail) Error() string {
	return fmt.Sprintf("%s: %s", d.Title, d.Detail)
}

// Write writes an RFC 7807 response.
func Write(w http.ResponseWriter, status int, title, code, detail string) {
	body := &Detail{
		Type:   fmt.Sprintf("https://guardrail.facturaops.com/errors/%d", status),
		Title:  title,
		Status: status,
		Code:   code,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	Write(w, http.StatusBadRequest, "Bad Request", "bad_request", detail)
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	Write(w, http.StatusUnauthorized, "Unauthorized", "unauthorized", detail)
}

// WriteNotFound writes a 404 response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	Write(w, http.StatusNotFound, "Not Found", "not_found", detail)
}

// WriteMethodNotAllowed writes a 405 response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	Write(w, http.StatusMethodNotAllowed, "Method Not Allowed", "method_not_allowed",
		"The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 with a Retry-After header and a stable
// reason code.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int, code, detail string) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	Write(w, http.StatusTooManyRequests, "Too Many Requests", code, detail)
}

// WriteInternal writes a 500 response. The error is logged, never exposed.
func WriteInternal(w http.ResponseWriter, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("internal server error", "error", err)
	Write(w, http.StatusInternalServerError, "Internal Server Error", "internal",
		"An unexpected error occurred. Please try again later.")
}
