package handler

// RESPONSE HELPERS:
// These functions standardise how we send JSON responses and errors.
//
//   writeJSON(w, http.StatusOK, data)
//   writeError(w, r, err)
//
// CONSISTENT ERROR FORMAT:
// Every error response from our API has the same shape:
//   {"error": "unknown category \"Karier\""}
//
// The client shell only ever reads the "error" field, so that is all we send.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/sakif/damaijiwa/internal/apperror"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse is the body of write endpoints that return nothing else.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status must be set BEFORE the body is written. Once Encode
// calls w.Write, header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to an HTTP status and sends it.
//
// ERROR MAPPING:
// The service layer returns apperror sentinels; this is the only place they
// become status codes.
//
//	ErrUnauthorized → 401 {"error":"Unauthorized"}
//	ErrValidation   → 400 with the validation message
//	ErrNotFound     → 404 with the not-found message
//	anything else   → 500 with a generic message, reported to Sentry
//
// errors.Is walks the whole chain, so a service error wrapped with
// fmt.Errorf("...: %w", appErr) still matches.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperror.AppError
	message := ""
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	switch {
	case errors.Is(err, apperror.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized"})
	case errors.Is(err, apperror.ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: message})
	case errors.Is(err, apperror.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: message})
	default:
		// NEVER expose internal error details: they may contain SQL or file paths.
		slog.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
	}
}

// decodeJSON reads a JSON request body into out. Bodies are small; anything
// over 64 KiB is rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		return apperror.ValidationFailed("body", "invalid JSON body")
	}
	return nil
}
