package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-gateway/internal/auth"
	"liveroom-gateway/internal/backend"
)

const profileJSON = `[{
	"id": "` + userID + `",
	"username": "alice",
	"display_name": "Alice",
	"lifetime_coins_spent": 1500,
	"follower_count": 42,
	"is_live": true,
	"created_at": "2025-06-01T10:00:00Z"
}]`

func TestProfileByUsername(t *testing.T) {
	fake := newFakeBackend()
	fake.results["profiles"] = profileJSON
	fake.results["gifter_levels"] = levelsJSON

	rec := serve(t, newTestHandler(t, fake), http.MethodGet, "/api/profiles/Alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	q := fake.query(t, "profiles")
	assert.True(t, q.Single)
	assert.Equal(t, []backend.Filter{backend.Eq("username", "alice")}, q.Filters)
	assert.Equal(t, backend.Params{"p_profile_id": userID}, fake.call(t, "is_app_admin").call.Params)

	body := decodeBody(t, rec)
	profile := body["profile"].(map[string]any)
	assert.Equal(t, "alice", profile["username"])
	assert.NotContains(t, profile, "lifetime_coins_spent", "spend is private")

	status := body["gifter_status"].(map[string]any)
	assert.Equal(t, float64(2), status["level"])
	assert.Equal(t, "Silver", status["level_name"])
	assert.Equal(t, float64(3500), status["coins_to_next_level"])
}

func TestProfileByUsernameAdminOverride(t *testing.T) {
	fake := newFakeBackend()
	fake.results["profiles"] = profileJSON
	fake.results["gifter_levels"] = levelsJSON
	fake.results["is_app_admin"] = "true"

	rec := serve(t, newTestHandler(t, fake), http.MethodGet, "/api/profiles/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)["gifter_status"].(map[string]any)
	assert.Equal(t, "Gold", status["level_name"])
	assert.Equal(t, true, status["admin_override"])
}

func TestProfileByUsernameNotFound(t *testing.T) {
	rec := serve(t, newTestHandler(t, newFakeBackend()), http.MethodGet, "/api/profiles/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Profile not found"}`, rec.Body.String())
}

func TestProfileByUsernameRejectsInvalidName(t *testing.T) {
	fake := newFakeBackend()
	rec := serve(t, newTestHandler(t, fake), http.MethodGet, "/api/profiles/a!", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid username"}`, rec.Body.String())
	assert.Empty(t, fake.queries)
}

func TestMe(t *testing.T) {
	fake := newFakeBackend()
	fake.results["profiles"] = profileJSON
	fake.results["gifter_levels"] = levelsJSON

	rec := serve(t, newTestHandler(t, fake), http.MethodGet, "/api/me", nil, asUser(userID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, []backend.Filter{backend.Eq("id", userID)}, fake.query(t, "profiles").Filters)
	assert.True(t, fake.called("is_app_admin"))
	assert.True(t, fake.called("is_owner"))

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1500), body["profile"].(map[string]any)["lifetime_coins_spent"])
	assert.Equal(t, map[string]any{"app_admin": false, "owner": false}, body["roles"])
	assert.Equal(t, "Silver", body["gifter_status"].(map[string]any)["level_name"])
}

func TestMeConfiguredOwner(t *testing.T) {
	fake := newFakeBackend()
	fake.results["profiles"] = profileJSON
	fake.results["gifter_levels"] = levelsJSON

	h := newTestHandler(t, fake, auth.WithOwnerIDs([]string{userID}))
	rec := serve(t, h, http.MethodGet, "/api/me", nil, asUser(userID))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["roles"].(map[string]any)["owner"])
	assert.False(t, fake.called("is_owner"), "configured owners skip the backend")
	assert.Equal(t, "Gold", body["gifter_status"].(map[string]any)["level_name"])
}

func TestMeWithoutProfile(t *testing.T) {
	rec := serve(t, newTestHandler(t, newFakeBackend()), http.MethodGet, "/api/me", nil, asUser(userID))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Profile not found"}`, rec.Body.String())
}

func TestMeBackendFailure(t *testing.T) {
	fake := newFakeBackend()
	fake.results["profiles"] = profileJSON
	fake.errs["gifter_levels"] = &backend.Error{Code: "42P01", Message: `relation "gifter_levels" does not exist`}

	rec := serve(t, newTestHandler(t, fake), http.MethodGet, "/api/me", nil, asUser(userID))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"relation \"gifter_levels\" does not exist"}`, rec.Body.String())
}
