package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"campusadmin.org/internal/auth"
)

type assignRolesRequest struct {
	RoleIDs []string `json:"role_ids" validate:"required,max=64,dive,required"`
}

type assignPermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids" validate:"required,max=512,dive,required"`
}

type statusRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type renameRoleRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	DisplayName string `json:"display_name" validate:"max=200"`
}

// callerPermissions returns the resolved permission set of the
// authenticated caller. Routes using it sit behind withAuth.
func callerPermissions(r *http.Request) (auth.Principal, bool) {
	return auth.PrincipalFromContext(r.Context())
}

func (a *API) handleAssignRoles(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerPermissions(r)
	if !ok {
		a.fail(w, r, auth.ErrUnauthenticated)
		return
	}
	var req assignRolesRequest
	if !a.decode(w, r, &req) {
		return
	}
	user, err := a.svc.AssignRoles(r.Context(), chi.URLParam(r, "userID"), req.RoleIDs, caller.Permissions)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !a.decode(w, r, &req) {
		return
	}
	user, err := a.svc.SetUserActive(r.Context(), chi.URLParam(r, "userID"), *req.Active)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteUser(r.Context(), chi.URLParam(r, "userID")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssignPermissions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerPermissions(r)
	if !ok {
		a.fail(w, r, auth.ErrUnauthenticated)
		return
	}
	var req assignPermissionsRequest
	if !a.decode(w, r, &req) {
		return
	}
	role, err := a.svc.AssignPermissions(r.Context(), chi.URLParam(r, "roleID"), req.PermissionIDs, caller.Permissions)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleRoleStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerPermissions(r)
	if !ok {
		a.fail(w, r, auth.ErrUnauthenticated)
		return
	}
	var req statusRequest
	if !a.decode(w, r, &req) {
		return
	}
	role, err := a.svc.SetRoleActive(r.Context(), chi.URLParam(r, "roleID"), *req.Active, caller.Permissions)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleRenameRole(w http.ResponseWriter, r *http.Request) {
	var req renameRoleRequest
	if !a.decode(w, r, &req) {
		return
	}
	role, err := a.svc.RenameRole(r.Context(), chi.URLParam(r, "roleID"), req.Name, req.DisplayName)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteRole(r.Context(), chi.URLParam(r, "roleID")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.svc.ListPermissions(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}
