package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"campusadmin.org/internal/auth"
)

type registerRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"required,max=200"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72,nefield=CurrentPassword"`
}

type sessionResponse struct {
	User   *auth.User     `json:"user"`
	Tokens auth.TokenPair `json:"tokens"`
}

type meResponse struct {
	User        *auth.User `json:"user"`
	Permissions []string   `json:"permissions"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.svc.Register(r.Context(), auth.RegisterInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+sess.User.ID)
	writeJSON(w, http.StatusCreated, sessionResponse{User: sess.User, Tokens: sess.Tokens})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{User: sess.User, Tokens: sess.Tokens})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !a.decode(w, r, &req) {
		return
	}
	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		a.fail(w, r, auth.ErrUnauthenticated)
		return
	}
	var req changePasswordRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.svc.ChangePassword(r.Context(), principal.UserID(), req.CurrentPassword, req.NewPassword); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		a.fail(w, r, auth.ErrUnauthenticated)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		User:        principal.User,
		Permissions: principal.Permissions.Keys(),
	})
}

// decode reads a single JSON object into dst and validates it. It writes
// the error response and returns false on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeErrorWithID(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", requestID(r))
		case errors.Is(err, io.EOF):
			writeErrorWithID(w, http.StatusBadRequest, "invalid_input", "request body is required", requestID(r))
		default:
			writeErrorWithID(w, http.StatusBadRequest, "invalid_input", "malformed JSON body", requestID(r))
		}
		return false
	}
	if dec.More() {
		writeErrorWithID(w, http.StatusBadRequest, "invalid_input", "body must hold a single JSON object", requestID(r))
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeErrorWithID(w, http.StatusBadRequest, "invalid_input", validationMessage(err), requestID(r))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid input"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
