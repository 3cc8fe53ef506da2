package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mrocore.org/internal/auth"
)

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type permissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type userRolesRequest struct {
	RoleIDs []string `json:"role_ids"`
}

type createUserRequest struct {
	Name                string `json:"name"`
	EmployeeNumber      string `json:"employee_number"`
	Department          string `json:"department"`
	Password            string `json:"password"`
	IsAdmin             bool   `json:"is_admin"`
	ForcePasswordChange bool   `json:"force_password_change"`
}

type overrideRequest struct {
	Permission string     `json:"permission"`
	GrantType  string     `json:"grant_type"`
	Reason     string     `json:"reason"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func (o overrideRequest) override() auth.Override {
	return auth.Override{
		Permission: o.Permission,
		GrantType:  auth.GrantType(o.GrantType),
		Reason:     o.Reason,
		ExpiresAt:  o.ExpiresAt,
	}
}

type replaceOverridesRequest struct {
	Overrides []overrideRequest `json:"overrides"`
}

func (a *API) listPermissions(w http.ResponseWriter, r *http.Request) error {
	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
	return nil
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) error {
	roles, err := a.rbac.ListRoles(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	return nil
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) error {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	role, err := a.rbac.CreateRole(r.Context(), claimsOf(r).UserID, req.Name, req.Description, req.Permissions)
	if err != nil {
		return err
	}
	w.Header().Set("Location", fmt.Sprintf("/api/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
	return nil
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request) error {
	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	role, err := a.rbac.UpdateRole(r.Context(), claimsOf(r).UserID, mux.Vars(r)["id"], auth.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, role)
	return nil
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request) error {
	if err := a.rbac.DeleteRole(r.Context(), claimsOf(r).UserID, mux.Vars(r)["id"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *API) setRolePermissions(w http.ResponseWriter, r *http.Request) error {
	var req permissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	roleID := mux.Vars(r)["id"]
	if err := a.rbac.SetRolePermissions(r.Context(), claimsOf(r).UserID, roleID, req.Permissions); err != nil {
		return err
	}
	role, err := a.rbac.GetRole(r.Context(), roleID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, role)
	return nil
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) error {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	user, err := a.rbac.CreateUser(r.Context(), claimsOf(r).UserID, auth.NewUser{
		Name:                req.Name,
		EmployeeNumber:      req.EmployeeNumber,
		Department:          req.Department,
		Password:            req.Password,
		IsAdmin:             req.IsAdmin,
		ForcePasswordChange: req.ForcePasswordChange,
	})
	if err != nil {
		return err
	}
	w.Header().Set("Location", fmt.Sprintf("/api/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
	return nil
}

func (a *API) setUserRoles(w http.ResponseWriter, r *http.Request) error {
	var req userRolesRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	userID := mux.Vars(r)["id"]
	if err := a.rbac.SetUserRoles(r.Context(), claimsOf(r).UserID, userID, req.RoleIDs); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"role_ids": req.RoleIDs,
		"message":  "Roles updated; changes apply at the next login or token refresh",
	})
	return nil
}

func (a *API) listOverrides(w http.ResponseWriter, r *http.Request) error {
	items, err := a.overrides.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
	return nil
}

func (a *API) upsertOverride(w http.ResponseWriter, r *http.Request) error {
	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	saved, err := a.overrides.Upsert(r.Context(), claimsOf(r).UserID, mux.Vars(r)["id"], req.override())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, saved)
	return nil
}

func (a *API) replaceOverrides(w http.ResponseWriter, r *http.Request) error {
	var req replaceOverridesRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	overrides := make([]auth.Override, 0, len(req.Overrides))
	for _, o := range req.Overrides {
		overrides = append(overrides, o.override())
	}
	items, err := a.overrides.Replace(r.Context(), claimsOf(r).UserID, mux.Vars(r)["id"], overrides)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
	return nil
}

func (a *API) removeOverride(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	if err := a.overrides.Remove(r.Context(), claimsOf(r).UserID, vars["id"], vars["name"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
