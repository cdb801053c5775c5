package api

import (
	"fmt"
	"net/http"
	"strings"

	"liveroom-gateway/internal/backend"
	"liveroom-gateway/internal/models"
)

type ownerRoleRequest struct {
	TargetProfileID string `json:"target_profile_id" validate:"required,uuid"`
	Role            string `json:"role" validate:"required,oneof=admin"`
}

// OwnerAdmins lists the app admins.
func (h *Handler) OwnerAdmins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	admins := []models.AppAdmin{}
	err := h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: "owner_list_app_admins",
		Set:      true,
	}, &admins)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("list app admins: %w", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"admins": admins})
}

// OwnerRoles grants (POST) or revokes (DELETE) an app role.
func (h *Handler) OwnerRoles(w http.ResponseWriter, r *http.Request) {
	var function string
	switch r.Method {
	case http.MethodPost:
		function = "owner_grant_app_role"
	case http.MethodDelete:
		function = "owner_revoke_app_role"
	default:
		WriteMethodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	user, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var req ownerRoleRequest
	if r.Method == http.MethodDelete {
		values := r.URL.Query()
		req = ownerRoleRequest{
			TargetProfileID: strings.TrimSpace(values.Get("target_profile_id")),
			Role:            strings.TrimSpace(values.Get("role")),
		}
		if !validateRequest(w, &req) {
			return
		}
		if strings.EqualFold(req.TargetProfileID, user.ID) {
			h.writeServiceError(w, r, badRequest("Cannot revoke your own role"))
			return
		}
	} else if !DecodeAndValidate(w, r, &req) {
		return
	}

	err := h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: function,
		Params: backend.Params{
			"p_target_profile_id": req.TargetProfileID,
			"p_role":              req.Role,
		},
	}, nil)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("%s: %w", strings.ReplaceAll(function, "_", " "), err))
		return
	}
	writeSuccess(w)
}
