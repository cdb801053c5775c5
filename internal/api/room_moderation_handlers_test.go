package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-gateway/internal/backend"
)

func moderatorBackend(role string) *fakeBackend {
	fake := newFakeBackend()
	fake.results["get_room_role"] = `"` + role + `"`
	return fake
}

func TestRoomModerationTimeout(t *testing.T) {
	fake := moderatorBackend("moderator")
	h := newTestHandler(t, fake)
	target := "/api/rooms/" + roomID + "/moderation"

	rec := serve(t, h, http.MethodPost, target, map[string]any{"target_profile_id": otherID, "action": "timeout"}, asUser(userID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing duration_minutes"}`, rec.Body.String())
	assert.False(t, fake.called("rpc_moderate_room_user"))

	rec = serve(t, h, http.MethodPost, target, map[string]any{
		"target_profile_id": otherID,
		"action":            "timeout",
		"duration_minutes":  30,
		"reason":            "spam",
	}, asUser(userID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	rc := fake.call(t, "rpc_moderate_room_user")
	assert.Equal(t, backend.Params{
		"p_room_id":           roomID,
		"p_target_profile_id": otherID,
		"p_action":            "timeout",
		"p_duration_minutes":  30,
		"p_reason":            "spam",
	}, rc.call.Params)
	assert.Equal(t, userToken, rc.caller.AccessToken)
	assert.Equal(t, backend.Params{"p_room_id": roomID, "p_profile_id": userID}, fake.call(t, "get_room_role").call.Params)
}

func TestRoomModerationBanIgnoresDuration(t *testing.T) {
	fake := moderatorBackend("owner")
	rec := serve(t, newTestHandler(t, fake), http.MethodPost, "/api/rooms/"+roomID+"/moderation", map[string]any{
		"target_profile_id": otherID,
		"action":            "ban",
		"duration_minutes":  5,
	}, asUser(userID))
	require.Equal(t, http.StatusOK, rec.Code)
	params := fake.call(t, "rpc_moderate_room_user").call.Params
	assert.Nil(t, params["p_duration_minutes"])
	assert.Nil(t, params["p_reason"])
}

func TestRoomModerationValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]any
		message string
	}{
		{"unknown action", map[string]any{"target_profile_id": otherID, "action": "kick"}, "Invalid action"},
		{"missing action", map[string]any{"target_profile_id": otherID}, "Missing action"},
		{"duration too long", map[string]any{"target_profile_id": otherID, "action": "timeout", "duration_minutes": 10081}, "Invalid duration_minutes"},
		{"self", map[string]any{"target_profile_id": userID, "action": "mute"}, "Cannot moderate yourself"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(t, newTestHandler(t, moderatorBackend("moderator")), http.MethodPost, "/api/rooms/"+roomID+"/moderation", tc.payload, asUser(userID))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tc.message, decodeBody(t, rec)["error"])
		})
	}
}

func TestRoomModerationAppAdminFallback(t *testing.T) {
	fake := newFakeBackend()
	fake.results["is_app_admin"] = "true"
	rec := serve(t, newTestHandler(t, fake), http.MethodPost, "/api/rooms/"+roomID+"/moderation",
		map[string]any{"target_profile_id": otherID, "action": "mute"}, asUser(userID))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fake.called("rpc_moderate_room_user"))
}

func TestRoomRolesGrantAndRevoke(t *testing.T) {
	fake := moderatorBackend("owner")
	h := newTestHandler(t, fake)
	target := "/api/rooms/" + roomID + "/roles"

	rec := serve(t, h, http.MethodPost, target, map[string]any{"target_profile_id": otherID, "role": "moderator"}, asUser(userID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, backend.Params{"p_room_id": roomID, "p_target_profile_id": otherID, "p_role": "moderator"},
		fake.call(t, "grant_room_role").call.Params)

	rec = serve(t, h, http.MethodDelete, target+"?target_profile_id="+otherID+"&role=admin", nil, asUser(userID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, backend.Params{"p_room_id": roomID, "p_target_profile_id": otherID, "p_role": "admin"},
		fake.call(t, "revoke_room_role").call.Params)
}

func TestRoomRolesRequireRoomAdmin(t *testing.T) {
	fake := moderatorBackend("moderator")
	rec := serve(t, newTestHandler(t, fake), http.MethodPost, "/api/rooms/"+roomID+"/roles",
		map[string]any{"target_profile_id": otherID, "role": "moderator"}, asUser(userID))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, fake.called("grant_room_role"))
}

func TestRoomRolesValidation(t *testing.T) {
	h := newTestHandler(t, moderatorBackend("admin"))
	target := "/api/rooms/" + roomID + "/roles"

	rec := serve(t, h, http.MethodPost, target, map[string]any{"target_profile_id": otherID, "role": "owner"}, asUser(userID))
	assert.JSONEq(t, `{"error":"Invalid role"}`, rec.Body.String())

	rec = serve(t, h, http.MethodDelete, target+"?target_profile_id="+otherID, nil, asUser(userID))
	assert.JSONEq(t, `{"error":"Missing role"}`, rec.Body.String())

	rec = serve(t, h, http.MethodPost, target, map[string]any{"target_profile_id": userID, "role": "admin"}, asUser(userID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Cannot change your own role"}`, rec.Body.String())
}
