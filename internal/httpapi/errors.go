package httpapi

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"campusadmin.org/internal/auth"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorMapping struct {
	err     error
	status  int
	code    string
	message string
}

// Order matters: the first match wins.
var errorMappings = []errorMapping{
	{auth.ErrInvalidCredential, http.StatusUnauthorized, "invalid_credential", "invalid credential"},
	{auth.ErrCredentialExpired, http.StatusUnauthorized, "credential_expired", "credential expired"},
	{auth.ErrCredentialReused, http.StatusUnauthorized, "credential_reused", "credential reused; session revoked"},
	{auth.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated", "authentication required"},
	{auth.ErrAccountDeactivated, http.StatusForbidden, "account_deactivated", "account deactivated"},
	{auth.ErrInsufficientPermission, http.StatusForbidden, "insufficient_permission", "insufficient permission"},
	{auth.ErrPrivilegeEscalation, http.StatusForbidden, "privilege_escalation_denied", "cannot grant permissions you do not hold"},
	{auth.ErrNotFound, http.StatusNotFound, "not_found", "resource not found"},
	{auth.ErrSystemRole, http.StatusConflict, "system_role", "system roles cannot be renamed or deleted"},
	{auth.ErrConflict, http.StatusConflict, "conflict", "resource already exists"},
	{auth.ErrInvalidInput, http.StatusBadRequest, "invalid_input", "invalid input"},
}

// statusFor maps a service error to its HTTP status and category.
func statusFor(err error) (int, string, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code, m.message
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable"
	}
	return http.StatusInternalServerError, "internal", "internal error"
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r)),
			zap.Bool("retryable", auth.Retryable(err)),
			zap.Error(err))
	}
	writeErrorWithID(w, status, code, message, requestID(r))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeErrorWithID(w, status, code, message, "")
}

func writeErrorWithID(w http.ResponseWriter, status int, code, message, rid string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, RequestID: rid}})
}
