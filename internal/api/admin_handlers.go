package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"liveroom-gateway/internal/backend"
	"liveroom-gateway/internal/models"
)

const (
	defaultAdminListLimit = 50
	maxAdminListLimit     = 200
)

type endLiveStreamRequest struct {
	StreamID string `json:"stream_id" validate:"required,uuid"`
	Reason   string `json:"reason" validate:"max=500"`
}

type reconcilePurchasesRequest struct {
	Since  *time.Time `json:"since"`
	DryRun *bool      `json:"dry_run"`
}

type applicationsQuery struct {
	Status string `json:"status" validate:"omitempty,oneof=pending approved rejected"`
}

type reviewApplicationRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Note     string `json:"note" validate:"max=2000"`
}

// AdminEndLiveStream force-ends a live stream.
func (h *Handler) AdminEndLiveStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	var req endLiveStreamRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	err := h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: "admin_end_live_stream",
		Params: backend.Params{
			"p_stream_id": req.StreamID,
			"p_reason":    nullable(req.Reason),
		},
	}, nil)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("end live stream: %w", err))
		return
	}
	writeSuccess(w)
}

// AdminLiveStreams lists streams currently marked live, newest first.
func (h *Handler) AdminLiveStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r.URL.Query(), defaultAdminListLimit, maxAdminListLimit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	streams := []models.LiveStream{}
	err = h.Backend.Select(callerContext(r.Context(), user), backend.Query{
		Table:   "live_streams",
		Columns: []string{"id", "room_id", "host_profile_id", "title", "status", "started_at", "ended_at"},
		Filters: []backend.Filter{backend.Eq("status", "live")},
		Order:   []backend.Order{{Column: "started_at", Descending: true}},
		Limit:   limit,
	}, &streams)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("list live streams: %w", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"streams": streams})
}

// AdminReconcilePurchases asks the backend to reconcile coin purchases
// against the payment ledger and relays its report.
func (h *Handler) AdminReconcilePurchases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	var req reconcilePurchasesRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	var since any
	if req.Since != nil {
		if req.Since.After(h.clock().Now()) {
			h.writeServiceError(w, r, badRequest("Invalid since"))
			return
		}
		since = req.Since.UTC()
	}
	var dryRun any
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}

	var report json.RawMessage
	err := h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: "admin_reconcile_purchases",
		Params: backend.Params{
			"p_since":   since,
			"p_dry_run": dryRun,
		},
	}, &report)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("reconcile purchases: %w", err))
		return
	}
	writeRPCResult(w, report)
}

// AdminApplications lists submitted applications, optionally by status.
func (h *Handler) AdminApplications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	values := r.URL.Query()
	query := applicationsQuery{Status: strings.ToLower(strings.TrimSpace(values.Get("status")))}
	if !validateRequest(w, &query) {
		return
	}
	limit, err := queryLimit(values, defaultAdminListLimit, maxAdminListLimit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var filters []backend.Filter
	if query.Status != "" {
		filters = append(filters, backend.Eq("status", query.Status))
	}
	applications := []models.Application{}
	err = h.Backend.Select(callerContext(r.Context(), user), backend.Query{
		Table:   "applications",
		Columns: []string{"id", "profile_id", "type", "status", "message", "created_at", "reviewed_at", "reviewer_id"},
		Filters: filters,
		Order:   []backend.Order{{Column: "created_at", Descending: true}},
		Limit:   limit,
	}, &applications)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("list applications: %w", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"applications": applications})
}

// AdminReviewApplication approves or rejects an application.
func (h *Handler) AdminReviewApplication(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	applicationID, err := pathUUID(r.PathValue("application_id"), "application_id")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req reviewApplicationRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	err = h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: "admin_review_application",
		Params: backend.Params{
			"p_application_id": applicationID,
			"p_decision":       req.Decision,
			"p_note":           nullable(req.Note),
		},
	}, nil)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("review application: %w", err))
		return
	}
	writeSuccess(w)
}
