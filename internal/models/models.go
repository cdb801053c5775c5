// Package models holds the request-scoped shapes of backend rows. The rows
// themselves are owned by the managed database; these types mirror the subset
// of columns the API reads and reshapes.
package models

import "time"

// Room roles returned by get_room_role, ordered from most to least privileged.
const (
	RoomRoleOwner     = "owner"
	RoomRoleAdmin     = "admin"
	RoomRoleModerator = "moderator"
)

// Profile mirrors a row of the profiles table.
type Profile struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	DisplayName        string    `json:"display_name,omitempty"`
	AvatarURL          string    `json:"avatar_url,omitempty"`
	Bio                string    `json:"bio,omitempty"`
	LifetimeCoinsSpent int64     `json:"lifetime_coins_spent"`
	FollowerCount      int64     `json:"follower_count"`
	IsLive             bool      `json:"is_live"`
	CreatedAt          time.Time `json:"created_at"`
}

// PublicProfile is the subset of Profile exposed to anonymous callers.
type PublicProfile struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	DisplayName   string    `json:"display_name,omitempty"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	Bio           string    `json:"bio,omitempty"`
	FollowerCount int64     `json:"follower_count"`
	IsLive        bool      `json:"is_live"`
	CreatedAt     time.Time `json:"created_at"`
}

// Public strips spend information from the profile.
func (p Profile) Public() PublicProfile {
	return PublicProfile{
		ID:            p.ID,
		Username:      p.Username,
		DisplayName:   p.DisplayName,
		AvatarURL:     p.AvatarURL,
		Bio:           p.Bio,
		FollowerCount: p.FollowerCount,
		IsLive:        p.IsLive,
		CreatedAt:     p.CreatedAt,
	}
}

// LiveRoom is a row returned by rpc_get_live_rooms.
type LiveRoom struct {
	RoomID        string     `json:"room_id"`
	StreamID      string     `json:"stream_id,omitempty"`
	HostProfileID string     `json:"host_profile_id"`
	HostUsername  string     `json:"host_username,omitempty"`
	Title         string     `json:"title,omitempty"`
	ThumbnailURL  string     `json:"thumbnail_url,omitempty"`
	ViewerCount   int64      `json:"viewer_count"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}

// LeaderboardEntry is a row returned by get_leaderboard.
type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	ProfileID   string `json:"profile_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	MetricValue int64  `json:"metric_value"`
}

// LiveStream mirrors a row of the live_streams table.
type LiveStream struct {
	ID            string     `json:"id"`
	RoomID        string     `json:"room_id"`
	HostProfileID string     `json:"host_profile_id"`
	Title         string     `json:"title,omitempty"`
	Status        string     `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Application mirrors a row of the applications table.
type Application struct {
	ID         string     `json:"id"`
	ProfileID  string     `json:"profile_id"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	ReviewerID string     `json:"reviewer_id,omitempty"`
}

// PresenceRow mirrors a row of the room_presence table.
type PresenceRow struct {
	ProfileID  string    `json:"profile_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// AppAdmin is a row returned by owner_list_app_admins.
type AppAdmin struct {
	ProfileID string     `json:"profile_id"`
	Username  string     `json:"username,omitempty"`
	Role      string     `json:"role"`
	GrantedAt *time.Time `json:"granted_at,omitempty"`
}
