// Package api provides HTTP response and request utilities for TaskDOM.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/TaskDOM/TaskDOM/internal/models"
)

// UserIDHeader carries the authenticated user id, set by the upstream auth proxy.
const UserIDHeader = "X-User-ID"

// maxRequestBodyBytes caps every JSON request body.
const maxRequestBodyBytes = 1 << 20

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// decodeJSONBody decodes a size-limited JSON body, rejecting unknown fields.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// allowMethod writes 405 and returns false unless r uses one of methods.
func allowMethod(w http.ResponseWriter, r *http.Request, handler string, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	slog.Warn(handler+": method not allowed", "method", r.Method)
	w.WriteHeader(http.StatusMethodNotAllowed)
	return false
}

// userID returns the caller's user id, or "" when the request is anonymous.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserIDHeader))
}

// requireUser writes 401 and returns "" for anonymous requests.
func requireUser(w http.ResponseWriter, r *http.Request, handler string) string {
	id := userID(r)
	if id == "" {
		slog.Warn(handler+": missing user id", "path", r.URL.Path)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Missing "+UserIDHeader+" header"))
	}
	return id
}
