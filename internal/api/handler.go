// Package api provides HTTP handlers for the Logen wizard and admin queue.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/logen-app/logen/internal/domain"
)

// DefaultMaxBodyBytes caps request bodies when no limit is configured.
const DefaultMaxBodyBytes int64 = 1 << 20

// retryAfterSeconds is sent with 503 responses for transient failures.
const retryAfterSeconds = "1"

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]interface{}{"success": false, "error": message})
}

// ErrorFrom maps a domain error to its HTTP status and writes it.
func ErrorFrom(w http.ResponseWriter, r *http.Request, err error) {
	var dup *domain.DuplicateSiteError
	switch {
	case errors.As(err, &dup):
		JSON(w, http.StatusConflict, map[string]interface{}{
			"success":    false,
			"error":      dup.Error(),
			"siteId":     dup.SiteID,
			"suggestion": dup.Suggestion,
		})
	case errors.Is(err, domain.ErrUnauthorized):
		Error(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidState):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrValidation):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrTransient):
		slog.Warn("Transient failure", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		Error(w, http.StatusServiceUnavailable, "temporarily unavailable, please retry")
	default:
		slog.Error("Unhandled error", "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a size-limited JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v interface{}) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case errors.As(err, &tooLarge):
		return fmt.Errorf("%w: request body too large: %w", domain.ErrValidation, err)
	default:
		return domain.Validationf("invalid JSON body: %v", err)
	}
}

// writeDecodeError reports a body that could not be decoded.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	Error(w, http.StatusBadRequest, err.Error())
}
