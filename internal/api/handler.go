package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"liveroom-gateway/internal/auth"
	"liveroom-gateway/internal/backend"
)

// DefaultPresenceWindow is how recently a heartbeat must have arrived for a
// viewer to count as present.
const DefaultPresenceWindow = 60 * time.Second

// Pinger is a dependency whose availability is reported by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the gateway routes. Backend and Authz are required; the
// remaining fields fall back to defaults when zero.
type Handler struct {
	Backend        backend.Client
	Authz          *auth.Authorizer
	Clock          clockwork.Clock
	PresenceWindow time.Duration
	// TokenProxy serves POST /api/live/token for authenticated users.
	TokenProxy  http.Handler
	RateLimiter Pinger
	Logger      *slog.Logger
}

// NewHandler wires a Handler over client. A nil authorizer is replaced with
// one that asks the same backend.
func NewHandler(client backend.Client, authz *auth.Authorizer) *Handler {
	if authz == nil {
		authz = auth.NewAuthorizer(client)
	}
	return &Handler{
		Backend:        client,
		Authz:          authz,
		Clock:          clockwork.NewRealClock(),
		PresenceWindow: DefaultPresenceWindow,
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.Health)

	mux.HandleFunc("/api/gifter-levels", h.GifterLevels)
	mux.HandleFunc("/api/leaderboard", h.Leaderboard)
	mux.HandleFunc("/api/rooms/live", h.LiveRooms)
	mux.HandleFunc("/api/rooms/{room_id}/presence", h.RoomPresence)
	mux.HandleFunc("/api/rooms/{room_id}/moderation", h.RoomModeration)
	mux.HandleFunc("/api/rooms/{room_id}/roles", h.RoomRoles)
	mux.HandleFunc("/api/profiles/{username}", h.ProfileByUsername)
	mux.HandleFunc("/api/me", h.Me)

	mux.HandleFunc("/api/gifts/send", h.SendGift)
	mux.HandleFunc("/api/referrals/claim", h.ClaimReferral)
	mux.HandleFunc("/api/referrals/stats", h.ReferralStats)
	mux.HandleFunc("/api/applications", h.SubmitApplication)
	mux.HandleFunc("/api/presence/heartbeat", h.PresenceHeartbeat)
	mux.HandleFunc("/api/live/token", h.LiveToken)

	mux.HandleFunc("/api/admin/live-streams", h.AdminLiveStreams)
	mux.HandleFunc("/api/admin/live-streams/end", h.AdminEndLiveStream)
	mux.HandleFunc("/api/admin/reconcile-purchases", h.AdminReconcilePurchases)
	mux.HandleFunc("/api/admin/applications", h.AdminApplications)
	mux.HandleFunc("/api/admin/applications/{application_id}/review", h.AdminReviewApplication)

	mux.HandleFunc("/api/owner/admins", h.OwnerAdmins)
	mux.HandleFunc("/api/owner/roles", h.OwnerRoles)
}

// Zero-valued fields resolve per call; h is shared by concurrent requests and
// is never written after construction.
func (h *Handler) clock() clockwork.Clock {
	if h.Clock == nil {
		return clockwork.NewRealClock()
	}
	return h.Clock
}

func (h *Handler) presenceWindow() time.Duration {
	if h.PresenceWindow <= 0 {
		return DefaultPresenceWindow
	}
	return h.PresenceWindow
}

func (h *Handler) authorizer() *auth.Authorizer {
	if h.Authz == nil {
		return auth.NewAuthorizer(h.Backend)
	}
	return h.Authz
}

// requireUser returns the authenticated caller, writing 401 when there is none.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	user, err := auth.RequireUser(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return auth.User{}, false
	}
	return user, true
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return auth.User{}, false
	}
	if err := h.authorizer().RequireAdmin(r.Context(), user); err != nil {
		h.writeServiceError(w, r, err)
		return auth.User{}, false
	}
	return user, true
}

func (h *Handler) requireOwner(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return auth.User{}, false
	}
	if err := h.authorizer().RequireOwner(r.Context(), user); err != nil {
		h.writeServiceError(w, r, err)
		return auth.User{}, false
	}
	return user, true
}

// callerContext scopes backend calls to the user so RPCs that read the
// session identity see the caller rather than the service role.
func callerContext(ctx context.Context, user auth.User) context.Context {
	return backend.WithCaller(ctx, backend.Caller{
		ProfileID:   user.ID,
		AccessToken: user.Token,
		Email:       user.Email,
	})
}
