package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"campusadmin.org/internal/audit"
	"campusadmin.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var (
	errMissingBearer = errors.New("missing bearer token")
	errBadScheme     = errors.New("invalid authorization scheme")
)

// withAuth authenticates the bearer access token and stores the principal
// with its freshly resolved permission set in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeErrorWithID(w, http.StatusUnauthorized, "unauthenticated", err.Error(), requestID(r))
			return
		}
		principal, err := a.svc.Authenticate(r.Context(), token)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = audit.WithActor(ctx, principal.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAll admits requests whose principal holds every key.
func requireAll(keys ...string) func(http.Handler) http.Handler {
	return guard(func(r *http.Request) error { return auth.RequireAll(r.Context(), keys...) })
}

// requireAny admits requests whose principal holds at least one key.
func requireAny(keys ...string) func(http.Handler) http.Handler {
	return guard(func(r *http.Request) error { return auth.RequireAny(r.Context(), keys...) })
}

func guard(check func(*http.Request) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := check(r); err != nil {
				status, code, message := statusFor(err)
				writeErrorWithID(w, status, code, message, requestID(r))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" || strings.EqualFold(header, strings.TrimSpace(bearer)) {
		return "", errMissingBearer
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errBadScheme
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
