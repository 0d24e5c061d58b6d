package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"groupsave/internal/auth"
	"groupsave/internal/core"
	"groupsave/internal/log"
	"groupsave/internal/middleware/trace"
)

// Error codes carried in error bodies.
const (
	CodeBadRequest      = "bad_request"
	CodeValidation      = "validation_error"
	CodeNotFound        = "not_found"
	CodeExpired         = "expired"
	CodeAlreadyResolved = "already_resolved"
	CodeAlreadyUsed     = "already_used"
	CodeForbidden       = "forbidden"
	CodeUnauthenticated = "unauthenticated"
	CodeRateLimited     = "rate_limited"
	CodeIntegrity       = "integrity_error"
	CodeInternal        = "internal_error"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// JSONResponse builds a JSON response with a fluent API.
type JSONResponse struct {
	statusCode int
	headers    map[string]string
	body       any
}

// NewJSONResponse starts a 200 response.
func NewJSONResponse() *JSONResponse {
	return &JSONResponse{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *JSONResponse) Status(code int) *JSONResponse {
	b.statusCode = code
	return b
}

func (b *JSONResponse) Header(name, value string) *JSONResponse {
	b.headers[name] = value
	return b
}

func (b *JSONResponse) Body(v any) *JSONResponse {
	b.body = v
	return b
}

// Write sends the response. A nil body with 204 writes no content.
func (b *JSONResponse) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.statusCode == http.StatusNoContent || b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	NewJSONResponse().Status(status).Body(v).Write(w)
}

// ErrorResponse creates a standard error response.
func ErrorResponse(r *http.Request, statusCode int, code, message string) *JSONResponse {
	return NewJSONResponse().
		Status(statusCode).
		Body(ErrorBody{Error: message, Code: code, RequestID: trace.GetRequestID(r.Context())})
}

// errorStatus maps an error to its HTTP status and code.
func errorStatus(err error) (int, string) {
	switch core.KindOf(err) {
	case core.ErrValidation:
		return http.StatusUnprocessableEntity, CodeValidation
	case core.ErrNotFound:
		return http.StatusNotFound, CodeNotFound
	case core.ErrExpired:
		return http.StatusGone, CodeExpired
	case core.ErrAlreadyResolved:
		if errors.Is(err, core.ErrInvitationUsed) {
			return http.StatusConflict, CodeAlreadyUsed
		}
		return http.StatusConflict, CodeAlreadyResolved
	case core.ErrUnauthorized:
		if errors.Is(err, core.ErrAnonymous) {
			return http.StatusUnauthorized, CodeUnauthenticated
		}
		return http.StatusForbidden, CodeForbidden
	case core.ErrIntegrity:
		return http.StatusInternalServerError, CodeIntegrity
	}
	if errors.Is(err, auth.ErrMissingToken) || errors.Is(err, auth.ErrInvalidToken) {
		return http.StatusUnauthorized, CodeUnauthenticated
	}
	return http.StatusInternalServerError, CodeInternal
}

// writeError maps a workflow error to a response. Server errors are logged
// and their text is not sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorDetails(w, r, err, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, err error, details any) {
	status, code := errorStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			log.FieldError, err,
			log.FieldErrorKind, code,
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path)
		message = http.StatusText(status)
		if code == CodeIntegrity {
			message = "ledger integrity check failed"
		}
	}
	resp := ErrorResponse(r, status, code, message)
	if details != nil {
		body := resp.body.(ErrorBody)
		body.Details = details
		resp.Body(body)
	}
	if status == http.StatusUnauthorized {
		resp.Header("WWW-Authenticate", `Bearer realm="groupsave"`)
	}
	resp.Write(w)
}

// badRequest reports a malformed request body or parameter.
func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	ErrorResponse(r, http.StatusBadRequest, CodeBadRequest, message).Write(w)
}
