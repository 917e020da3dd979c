// Package httputil provides JSON request and response helpers shared by the
// treasury HTTP handlers and middleware.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/R3E-Network/treasury_layer/internal/errors"
	"github.com/R3E-Network/treasury_layer/internal/logging"
)

// MaxBodyBytes caps request bodies read by ReadJSON.
const MaxBodyBytes = 1 << 20

// ErrorBody is the error envelope returned by every endpoint.
type ErrorBody struct {
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`
	Operator bool                   `json:"operator,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
}

// ErrorResponse wraps ErrorBody. Success is always false.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// WriteJSON writes data as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteErrorResponse writes the error envelope.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	body := ErrorBody{Code: code, Message: message, Details: details}
	if r != nil {
		body.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, status, ErrorResponse{Error: body})
}

// WriteError maps err to its HTTP status and writes the envelope. Wrapped
// causes are never written; errors that are not ServiceErrors become
// INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	if serviceErr == nil {
		serviceErr = errors.Internal("internal error", err)
	}
	body := ErrorBody{
		Code:     string(serviceErr.Code),
		Message:  serviceErr.Message,
		Details:  serviceErr.Details,
		Operator: serviceErr.Operator,
	}
	if r != nil {
		body.TraceID = logging.GetTraceID(r.Context())
	}
	WriteJSON(w, serviceErr.HTTPStatus, ErrorResponse{Error: body})
}

// Unauthorized writes a 401 envelope.
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "authentication required"
	}
	WriteErrorResponse(w, nil, http.StatusUnauthorized, string(errors.CodeUnauthorized), message, nil)
}

// ReadJSON decodes the request body into v. Unknown fields and trailing
// data are rejected.
func ReadJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.InvalidInput("body", "request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return errors.InvalidInput("body", "request body is required")
		}
		return errors.InvalidInput("body", err.Error())
	}
	if dec.More() {
		return errors.InvalidInput("body", "unexpected data after JSON object")
	}
	return nil
}

// QueryInt parses an optional integer query parameter bounded by max.
func QueryInt(r *http.Request, name string, def, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.InvalidInput(name, "must be a non-negative integer")
	}
	if max > 0 && n > max {
		return 0, errors.InvalidInput(name, fmt.Sprintf("must be at most %d", max))
	}
	return n, nil
}

// ClientIP returns the caller address, preferring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	if xr := r.Header.Get("X-Real-IP"); xr != "" {
		return strings.TrimSpace(xr)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.HasSuffix(host, "]") {
		return strings.Trim(host[:i], "[]")
	}
	return host
}
