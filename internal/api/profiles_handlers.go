package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"liveroom-gateway/internal/auth"
	"liveroom-gateway/internal/backend"
	"liveroom-gateway/internal/gifter"
	"liveroom-gateway/internal/models"
)

var profileColumns = []string{
	"id", "username", "display_name", "avatar_url", "bio",
	"lifetime_coins_spent", "follower_count", "is_live", "created_at",
}

type usernameParam struct {
	Username string `json:"username" validate:"required,username"`
}

type publicProfileResponse struct {
	Profile      models.PublicProfile `json:"profile"`
	GifterStatus gifter.Status        `json:"gifter_status"`
}

type meRoles struct {
	AppAdmin bool `json:"app_admin"`
	Owner    bool `json:"owner"`
}

type meResponse struct {
	Profile      models.Profile `json:"profile"`
	GifterStatus gifter.Status  `json:"gifter_status"`
	Roles        meRoles        `json:"roles"`
}

func (h *Handler) loadProfile(ctx context.Context, filter backend.Filter) (models.Profile, error) {
	var profile models.Profile
	err := h.Backend.Select(ctx, backend.Query{
		Table:   "profiles",
		Columns: profileColumns,
		Filters: []backend.Filter{filter},
		Single:  true,
	}, &profile)
	if errors.Is(err, backend.ErrNotFound) {
		return models.Profile{}, notFound("Profile not found")
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	return profile, nil
}

// ProfileByUsername returns a public profile with its resolved gifter tier.
func (h *Handler) ProfileByUsername(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	param := usernameParam{Username: r.PathValue("username")}
	if !validateRequest(w, &param) {
		return
	}
	username := normalizeUsername(param.Username)

	var (
		profile models.Profile
		levels  []gifter.Level
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		profile, err = h.loadProfile(ctx, backend.Eq("username", username))
		return err
	})
	g.Go(func() (err error) {
		levels, err = h.loadGifterLevels(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	isAdmin, err := h.authorizer().IsAdmin(r.Context(), auth.User{ID: profile.ID})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, publicProfileResponse{
		Profile:      profile.Public(),
		GifterStatus: gifter.Resolve(levels, profile.LifetimeCoinsSpent, isAdmin),
	})
}

// Me returns the caller's own profile, tier and roles. The lookups run in
// parallel; any failure fails the request.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var (
		profile models.Profile
		levels  []gifter.Level
		roles   meRoles
	)
	authz := h.authorizer()
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		profile, err = h.loadProfile(ctx, backend.Eq("id", user.ID))
		return err
	})
	g.Go(func() (err error) {
		levels, err = h.loadGifterLevels(ctx)
		return err
	})
	g.Go(func() (err error) {
		roles.AppAdmin, err = authz.IsAdmin(ctx, user)
		return err
	})
	g.Go(func() (err error) {
		roles.Owner, err = authz.IsOwner(ctx, user)
		return err
	})
	if err := g.Wait(); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, meResponse{
		Profile:      profile,
		GifterStatus: gifter.Resolve(levels, profile.LifetimeCoinsSpent, roles.AppAdmin || roles.Owner),
		Roles:        roles,
	})
}
