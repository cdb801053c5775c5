package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"liveroom-gateway/internal/auth"
	"liveroom-gateway/internal/backend"
)

const moderationActionTimeout = "timeout"

type moderationRequest struct {
	TargetProfileID string `json:"target_profile_id" validate:"required,uuid"`
	Action          string `json:"action" validate:"required,oneof=mute unmute ban unban timeout"`
	DurationMinutes *int   `json:"duration_minutes" validate:"omitempty,min=1,max=10080"`
	Reason          string `json:"reason" validate:"max=500"`
}

type roomRoleRequest struct {
	TargetProfileID string `json:"target_profile_id" validate:"required,uuid"`
	Role            string `json:"role" validate:"required,oneof=moderator admin"`
}

// RoomModeration applies a mute, ban or timeout inside a room. Room owners,
// admins and moderators may moderate, as may app admins.
func (h *Handler) RoomModeration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, roomID, ok := h.requireRoomGate(w, r, h.authorizer().RequireRoomModerator)
	if !ok {
		return
	}
	var req moderationRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if strings.EqualFold(req.TargetProfileID, user.ID) {
		h.writeServiceError(w, r, badRequest("Cannot moderate yourself"))
		return
	}

	var duration any
	if req.Action == moderationActionTimeout {
		if req.DurationMinutes == nil {
			h.writeServiceError(w, r, badRequest("Missing duration_minutes"))
			return
		}
		duration = *req.DurationMinutes
	}

	err := h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: "rpc_moderate_room_user",
		Params: backend.Params{
			"p_room_id":           roomID,
			"p_target_profile_id": req.TargetProfileID,
			"p_action":            req.Action,
			"p_duration_minutes":  duration,
			"p_reason":            nullable(req.Reason),
		},
	}, nil)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("moderate room user: %w", err))
		return
	}
	writeSuccess(w)
}

// RoomRoles grants (POST) or revokes (DELETE) a room role. Only the room
// owner, room admins and app admins may change roles.
func (h *Handler) RoomRoles(w http.ResponseWriter, r *http.Request) {
	var function string
	switch r.Method {
	case http.MethodPost:
		function = "grant_room_role"
	case http.MethodDelete:
		function = "revoke_room_role"
	default:
		WriteMethodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	user, roomID, ok := h.requireRoomGate(w, r, h.authorizer().RequireRoomAdmin)
	if !ok {
		return
	}

	var req roomRoleRequest
	if r.Method == http.MethodDelete {
		values := r.URL.Query()
		req = roomRoleRequest{
			TargetProfileID: strings.TrimSpace(values.Get("target_profile_id")),
			Role:            strings.TrimSpace(values.Get("role")),
		}
		if !validateRequest(w, &req) {
			return
		}
	} else if !DecodeAndValidate(w, r, &req) {
		return
	}
	if strings.EqualFold(req.TargetProfileID, user.ID) {
		h.writeServiceError(w, r, badRequest("Cannot change your own role"))
		return
	}

	err := h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: function,
		Params: backend.Params{
			"p_room_id":           roomID,
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

type roomGate func(ctx context.Context, user auth.User, roomID string) (string, error)

// requireRoomGate resolves the caller and room_id path value, then applies
// gate.
func (h *Handler) requireRoomGate(w http.ResponseWriter, r *http.Request, gate roomGate) (auth.User, string, bool) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return auth.User{}, "", false
	}
	roomID, err := pathUUID(r.PathValue("room_id"), "room_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return auth.User{}, "", false
	}
	if _, err := gate(r.Context(), user, roomID); err != nil {
		h.writeServiceError(w, r, err)
		return auth.User{}, "", false
	}
	return user, roomID, true
}
