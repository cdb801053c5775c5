package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveroom-gateway/internal/backend"
)

const levelsJSON = `[
	{"level": 3, "name": "Gold", "min_coins_spent": 5000, "color": "#ffd700"},
	{"level": 1, "name": "Bronze", "min_coins_spent": 100},
	{"level": 2, "name": "Silver", "min_coins_spent": 1000}
]`

func TestGifterLevelsEmptyTable(t *testing.T) {
	fake := newFakeBackend()
	rec := serve(t, newTestHandler(t, fake), http.MethodGet, "/api/gifter-levels", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"levels": [],
		"logic_type": "lifetime",
		"source_of_truth": "gifter_levels.min_coins_spent vs profiles.lifetime_coins_spent"
	}`, rec.Body.String())

	q := fake.query(t, "gifter_levels")
	assert.Equal(t, []backend.Order{{Column: "min_coins_spent"}, {Column: "level"}}, q.Order)
}

func TestGifterLevelsAreSorted(t *testing.T) {
	fake := newFakeBackend()
	fake.results["gifter_levels"] = levelsJSON

	rec := serve(t, newTestHandler(t, fake), http.MethodGet, "/api/gifter-levels", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body gifterLevelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Levels, 3)
	assert.Equal(t, []string{"Bronze", "Silver", "Gold"}, []string{body.Levels[0].Name, body.Levels[1].Name, body.Levels[2].Name})
}

func TestGifterLevelsIsIdempotent(t *testing.T) {
	fake := newFakeBackend()
	fake.results["gifter_levels"] = levelsJSON
	h := newTestHandler(t, fake)

	first := serve(t, h, http.MethodGet, "/api/gifter-levels", nil)
	second := serve(t, h, http.MethodGet, "/api/gifter-levels", nil)
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestLeaderboardDefaults(t *testing.T) {
	fake := newFakeBackend()
	fake.results["get_leaderboard"] = `[{"rank":1,"profile_id":"p1","username":"alice","metric_value":900}]`

	rec := serve(t, newTestHandler(t, fake), http.MethodGet, "/api/leaderboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	call := fake.call(t, "get_leaderboard").call
	assert.True(t, call.Set)
	assert.Equal(t, backend.Params{"p_type": "top_gifters", "p_period": "weekly", "p_limit": 50}, call.Params)

	body := decodeBody(t, rec)
	assert.Equal(t, "top_gifters", body["type"])
	assert.Equal(t, "weekly", body["period"])
	assert.Len(t, body["entries"], 1)
}

func TestLeaderboardParameters(t *testing.T) {
	fake := newFakeBackend()
	rec := serve(t, newTestHandler(t, fake), http.MethodGet, "/api/leaderboard?type=TOP_STREAMERS&period=alltime&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, backend.Params{"p_type": "top_streamers", "p_period": "alltime", "p_limit": 10}, fake.call(t, "get_leaderboard").call.Params)
	assert.JSONEq(t, `{"type":"top_streamers","period":"alltime","entries":[]}`, rec.Body.String())

	cases := map[string]string{
		"/api/leaderboard?type=richest":  "Invalid type",
		"/api/leaderboard?period=hourly": "Invalid period",
		"/api/leaderboard?limit=0":       "Invalid limit",
		"/api/leaderboard?limit=101":     "Invalid limit",
		"/api/leaderboard?limit=ten":     "Invalid limit",
	}
	for target, message := range cases {
		t.Run(target, func(t *testing.T) {
			rec := serve(t, newTestHandler(t, newFakeBackend()), http.MethodGet, target, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, message, decodeBody(t, rec)["error"])
		})
	}
}

func TestLiveRooms(t *testing.T) {
	fake := newFakeBackend()
	fake.results["rpc_get_live_rooms"] = `[{"room_id":"` + roomID + `","host_profile_id":"` + userID + `","viewer_count":12}]`

	rec := serve(t, newTestHandler(t, fake), http.MethodGet, "/api/rooms/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fake.call(t, "rpc_get_live_rooms").call.Set)

	body := decodeBody(t, rec)
	rooms, ok := body["rooms"].([]any)
	require.True(t, ok)
	require.Len(t, rooms, 1)
	assert.Equal(t, float64(12), rooms[0].(map[string]any)["viewer_count"])
}

func TestLiveRoomsEmpty(t *testing.T) {
	rec := serve(t, newTestHandler(t, newFakeBackend()), http.MethodGet, "/api/rooms/live", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"rooms":[]}`, rec.Body.String())
}

func TestRoomPresenceCountsDistinctRecentViewers(t *testing.T) {
	fake := newFakeBackend()
	stamp := func(d time.Duration) string { return testNow.Add(-d).Format(time.RFC3339) }
	fake.results["room_presence"] = `[
		{"profile_id": "p1", "last_seen_at": "` + stamp(10*time.Second) + `"},
		{"profile_id": "p1", "last_seen_at": "` + stamp(20*time.Second) + `"},
		{"profile_id": "p2", "last_seen_at": "` + stamp(5*time.Second) + `"},
		{"profile_id": "p3", "last_seen_at": "` + stamp(5*time.Minute) + `"}
	]`

	rec := serve(t, newTestHandler(t, fake), http.MethodGet, "/api/rooms/"+roomID+"/presence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"room_id":"`+roomID+`","viewer_count":2,"window_seconds":60}`, rec.Body.String())

	q := fake.query(t, "room_presence")
	require.Len(t, q.Filters, 2)
	assert.Equal(t, backend.Eq("room_id", roomID), q.Filters[0])
	assert.Equal(t, backend.OpGte, q.Filters[1].Op)
	assert.Equal(t, testNow.Add(-DefaultPresenceWindow), q.Filters[1].Value)
}

func TestRoomPresenceRejectsBadRoomID(t *testing.T) {
	rec := serve(t, newTestHandler(t, newFakeBackend()), http.MethodGet, "/api/rooms/not-a-room/presence", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid room_id"}`, rec.Body.String())
}
