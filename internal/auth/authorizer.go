package auth

import (
	"context"
	"fmt"
	"strings"

	"liveroom-gateway/internal/backend"
	"liveroom-gateway/internal/models"
)

// Authorizer escalates an authenticated user by consulting backend RPCs.
// Denials return ErrForbidden; backend failures are returned unchanged so the
// caller can map them to 5xx.
type Authorizer struct {
	backend backend.Client
	owners  map[string]struct{}
	onDeny  func(level string)
}

// AuthorizerOption configures an Authorizer.
type AuthorizerOption func(*Authorizer)

// WithOwnerIDs treats the listed profile IDs as owners without asking the
// backend.
func WithOwnerIDs(ids []string) AuthorizerOption {
	return func(a *Authorizer) {
		for _, id := range ids {
			if trimmed := strings.TrimSpace(id); trimmed != "" {
				a.owners[strings.ToLower(trimmed)] = struct{}{}
			}
		}
	}
}

// WithDenialHook is called with the gate level every time a user is refused.
func WithDenialHook(hook func(level string)) AuthorizerOption {
	return func(a *Authorizer) {
		a.onDeny = hook
	}
}

// NewAuthorizer builds an Authorizer over client.
func NewAuthorizer(client backend.Client, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{backend: client, owners: make(map[string]struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// IsAdmin reports whether the user is an app admin (is_app_admin).
func (a *Authorizer) IsAdmin(ctx context.Context, user User) (bool, error) {
	var ok bool
	err := a.backend.Call(ctx, backend.Call{
		Function: "is_app_admin",
		Params:   backend.Params{"p_profile_id": user.ID},
	}, &ok)
	if err != nil {
		return false, fmt.Errorf("check app admin: %w", err)
	}
	return ok, nil
}

// IsOwner reports whether the user is a configured owner or is_owner says so.
func (a *Authorizer) IsOwner(ctx context.Context, user User) (bool, error) {
	if _, ok := a.owners[strings.ToLower(user.ID)]; ok {
		return true, nil
	}
	var ok bool
	err := a.backend.Call(ctx, backend.Call{
		Function: "is_owner",
		Params:   backend.Params{"p_profile_id": user.ID},
	}, &ok)
	if err != nil {
		return false, fmt.Errorf("check owner: %w", err)
	}
	return ok, nil
}

// RoomRole returns the user's role in the room (get_room_role), or "" when
// the user holds none.
func (a *Authorizer) RoomRole(ctx context.Context, user User, roomID string) (string, error) {
	var role string
	err := a.backend.Call(ctx, backend.Call{
		Function: "get_room_role",
		Params: backend.Params{
			"p_room_id":    roomID,
			"p_profile_id": user.ID,
		},
	}, &role)
	if err != nil {
		return "", fmt.Errorf("load room role: %w", err)
	}
	return strings.ToLower(strings.TrimSpace(role)), nil
}

// RequireAdmin passes app admins and owners.
func (a *Authorizer) RequireAdmin(ctx context.Context, user User) error {
	if _, ok := a.owners[strings.ToLower(user.ID)]; ok {
		return nil
	}
	ok, err := a.IsAdmin(ctx, user)
	if err != nil {
		return err
	}
	if !ok {
		return a.deny("admin")
	}
	return nil
}

// RequireOwner passes owners only.
func (a *Authorizer) RequireOwner(ctx context.Context, user User) error {
	ok, err := a.IsOwner(ctx, user)
	if err != nil {
		return err
	}
	if !ok {
		return a.deny("owner")
	}
	return nil
}

// RequireRoomModerator passes the room's owner, admins and moderators, and
// app admins. It returns the room role that granted access, or "app_admin".
func (a *Authorizer) RequireRoomModerator(ctx context.Context, user User, roomID string) (string, error) {
	return a.requireRoomRole(ctx, user, roomID, "room_moderator",
		models.RoomRoleOwner, models.RoomRoleAdmin, models.RoomRoleModerator)
}

// RequireRoomAdmin passes the room's owner and admins, and app admins.
func (a *Authorizer) RequireRoomAdmin(ctx context.Context, user User, roomID string) (string, error) {
	return a.requireRoomRole(ctx, user, roomID, "room_admin",
		models.RoomRoleOwner, models.RoomRoleAdmin)
}

func (a *Authorizer) requireRoomRole(ctx context.Context, user User, roomID, level string, allowed ...string) (string, error) {
	role, err := a.RoomRole(ctx, user, roomID)
	if err != nil {
		return "", err
	}
	for _, candidate := range allowed {
		if role == candidate {
			return role, nil
		}
	}
	admin, err := a.IsAdmin(ctx, user)
	if err != nil {
		return "", err
	}
	if admin {
		return "app_admin", nil
	}
	return "", a.deny(level)
}

func (a *Authorizer) deny(level string) error {
	if a.onDeny != nil {
		a.onDeny(level)
	}
	return ErrForbidden
}
