package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"liveroom-gateway/internal/auth"
	"liveroom-gateway/internal/backend"
	"liveroom-gateway/internal/observability/logging"
)

const maxBodyBytes = 1 << 20

// RequestError is a client error with the status and message to render.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

func badRequest(format string, args ...any) error {
	return &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func notFound(message string) error {
	return &RequestError{Status: http.StatusNotFound, Message: message}
}

// WriteJSON renders payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteMethodNotAllowed answers 405 and advertises the accepted methods.
func WriteMethodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

var errTrailingData = errors.New("unexpected data after JSON body")

// decodeJSON reads a single JSON value into dest. An empty body leaves dest
// zeroed so validation can report the missing fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}

// DecodeAndValidate decodes the request body into dest and runs struct
// validation, writing a 400 and returning false on failure.
func DecodeAndValidate(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := decodeJSON(w, r, dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large"))
			return false
		}
		WriteError(w, http.StatusBadRequest, fmt.Errorf("Invalid JSON body"))
		return false
	}
	return validateRequest(w, dest)
}

func validateRequest(w http.ResponseWriter, dest interface{}) bool {
	if err := validate.Struct(dest); err != nil {
		WriteError(w, http.StatusBadRequest, fmt.Errorf("%s", validationMessage(err)))
		return false
	}
	return true
}

// writeRPCResult relays an RPC result. Functions that return nothing answer
// {"success": true}.
func writeRPCResult(w http.ResponseWriter, raw json.RawMessage) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		writeSuccess(w)
		return
	}
	WriteJSON(w, http.StatusOK, raw)
}

func writeSuccess(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := h.requestLogger(r)

	var (
		reqErr       *RequestError
		dbErr        *backend.Error
		transportErr *backend.TransportError
	)
	switch {
	case errors.As(err, &reqErr):
		WriteError(w, reqErr.Status, reqErr)
	case errors.Is(err, auth.ErrUnauthorized):
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("Unauthorized"))
	case errors.Is(err, auth.ErrForbidden):
		WriteError(w, http.StatusForbidden, fmt.Errorf("Forbidden"))
	case errors.Is(err, backend.ErrNotFound):
		WriteError(w, http.StatusNotFound, fmt.Errorf("Not found"))
	case errors.As(err, &dbErr):
		logger.Warn("backend rejected request", "code", dbErr.Code, "error", dbErr.Message)
		WriteError(w, http.StatusInternalServerError, dbErr)
	case errors.Is(err, backend.ErrUnavailable):
		logger.Warn("backend unavailable", "error", err)
		WriteError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &transportErr):
		logger.Error("backend request failed", "error", err)
		WriteError(w, http.StatusBadGateway, transportErr)
	case errors.Is(err, context.Canceled):
		logger.Debug("request canceled", "error", err)
	default:
		logger.Error("request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, fmt.Errorf("internal server error"))
	}
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return logging.WithContext(r.Context(), h.logger())
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
