package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"liveroom-gateway/internal/backend"
	"liveroom-gateway/internal/gifter"
	"liveroom-gateway/internal/models"
)

const (
	defaultLeaderboardLimit = 50
	maxLeaderboardLimit     = 100
)

type gifterLevelsResponse struct {
	Levels        []gifter.Level `json:"levels"`
	LogicType     string         `json:"logic_type"`
	SourceOfTruth string         `json:"source_of_truth"`
}

type leaderboardQuery struct {
	Type   string `json:"type" validate:"oneof=top_streamers top_gifters"`
	Period string `json:"period" validate:"oneof=daily weekly monthly alltime"`
}

type leaderboardResponse struct {
	Type    string                    `json:"type"`
	Period  string                    `json:"period"`
	Entries []models.LeaderboardEntry `json:"entries"`
}

type presenceResponse struct {
	RoomID        string `json:"room_id"`
	ViewerCount   int    `json:"viewer_count"`
	WindowSeconds int    `json:"window_seconds"`
}

// loadGifterLevels reads the threshold table in ascending order.
func (h *Handler) loadGifterLevels(ctx context.Context) ([]gifter.Level, error) {
	levels := []gifter.Level{}
	err := h.Backend.Select(ctx, backend.Query{
		Table:   "gifter_levels",
		Columns: []string{"level", "name", "min_coins_spent", "color", "icon_url"},
		Order:   []backend.Order{{Column: "min_coins_spent"}, {Column: "level"}},
	}, &levels)
	if err != nil {
		return nil, fmt.Errorf("load gifter levels: %w", err)
	}
	if levels == nil {
		levels = []gifter.Level{}
	}
	return gifter.SortLevels(levels), nil
}

// GifterLevels lists the tier thresholds and how spend is compared to them.
func (h *Handler) GifterLevels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	levels, err := h.loadGifterLevels(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, gifterLevelsResponse{
		Levels:        levels,
		LogicType:     gifter.LogicType,
		SourceOfTruth: gifter.SourceOfTruth,
	})
}

// Leaderboard relays get_leaderboard for the requested board and period.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	values := r.URL.Query()
	query := leaderboardQuery{
		Type:   strings.ToLower(strings.TrimSpace(values.Get("type"))),
		Period: strings.ToLower(strings.TrimSpace(values.Get("period"))),
	}
	if query.Type == "" {
		query.Type = "top_gifters"
	}
	if query.Period == "" {
		query.Period = "weekly"
	}
	if !validateRequest(w, &query) {
		return
	}
	limit, err := queryLimit(values, defaultLeaderboardLimit, maxLeaderboardLimit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	entries := []models.LeaderboardEntry{}
	err = h.Backend.Call(r.Context(), backend.Call{
		Function: "get_leaderboard",
		Params: backend.Params{
			"p_type":   query.Type,
			"p_period": query.Period,
			"p_limit":  limit,
		},
		Set: true,
	}, &entries)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("load leaderboard: %w", err))
		return
	}
	WriteJSON(w, http.StatusOK, leaderboardResponse{Type: query.Type, Period: query.Period, Entries: entries})
}

// LiveRooms lists rooms that are currently broadcasting.
func (h *Handler) LiveRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	rooms := []models.LiveRoom{}
	if err := h.Backend.Call(r.Context(), backend.Call{Function: "rpc_get_live_rooms", Set: true}, &rooms); err != nil {
		h.writeServiceError(w, r, fmt.Errorf("load live rooms: %w", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"rooms": rooms})
}

// RoomPresence counts distinct viewers whose last heartbeat falls inside the
// presence window.
func (h *Handler) RoomPresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	roomID, err := pathUUID(r.PathValue("room_id"), "room_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	window := h.presenceWindow()
	since := h.clock().Now().UTC().Add(-window)

	var rows []models.PresenceRow
	err = h.Backend.Select(r.Context(), backend.Query{
		Table:   "room_presence",
		Columns: []string{"profile_id", "last_seen_at"},
		Filters: []backend.Filter{
			backend.Eq("room_id", roomID),
			{Column: "last_seen_at", Op: backend.OpGte, Value: since},
		},
	}, &rows)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("load room presence: %w", err))
		return
	}

	viewers := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if row.ProfileID == "" || row.LastSeenAt.Before(since) {
			continue
		}
		viewers[row.ProfileID] = struct{}{}
	}
	WriteJSON(w, http.StatusOK, presenceResponse{
		RoomID:        roomID,
		ViewerCount:   len(viewers),
		WindowSeconds: int(window.Seconds()),
	})
}
