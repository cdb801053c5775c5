package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"liveroom-gateway/internal/backend"
)

type sendGiftRequest struct {
	RecipientID string `json:"recipient_id" validate:"required,uuid"`
	GiftTypeID  string `json:"gift_type_id" validate:"required,max=64"`
	RoomID      string `json:"room_id" validate:"omitempty,uuid"`
	StreamID    string `json:"stream_id" validate:"omitempty,uuid"`
}

type claimReferralRequest struct {
	Code string `json:"code" validate:"required,max=64,alphanum"`
}

type submitApplicationRequest struct {
	Type    string `json:"type" validate:"required,oneof=streamer moderator partner"`
	Message string `json:"message" validate:"max=2000"`
}

type heartbeatRequest struct {
	RoomID string `json:"room_id" validate:"required,uuid"`
}

// SendGift spends the caller's coins on a gift through send_gift.
func (h *Handler) SendGift(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req sendGiftRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if strings.EqualFold(req.RecipientID, user.ID) {
		h.writeServiceError(w, r, badRequest("Cannot send a gift to yourself"))
		return
	}

	var result json.RawMessage
	err := h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: "send_gift",
		Params: backend.Params{
			"p_recipient_id": req.RecipientID,
			"p_gift_type_id": strings.TrimSpace(req.GiftTypeID),
			"p_room_id":      nullable(req.RoomID),
			"p_stream_id":    nullable(req.StreamID),
		},
	}, &result)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("send gift: %w", err))
		return
	}
	writeRPCResult(w, result)
}

// ClaimReferral redeems a referral code for the caller.
func (h *Handler) ClaimReferral(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req claimReferralRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	var result json.RawMessage
	err := h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: "claim_referral",
		Params:   backend.Params{"p_code": strings.ToUpper(req.Code)},
	}, &result)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("claim referral: %w", err))
		return
	}
	writeRPCResult(w, result)
}

// ReferralStats relays get_referral_stats for the caller.
func (h *Handler) ReferralStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var result json.RawMessage
	err := h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: "get_referral_stats",
		Params:   backend.Params{"p_profile_id": user.ID},
	}, &result)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("load referral stats: %w", err))
		return
	}
	writeRPCResult(w, result)
}

// SubmitApplication files a streamer, moderator or partner application.
func (h *Handler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req submitApplicationRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	var result json.RawMessage
	err := h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: "submit_application",
		Params: backend.Params{
			"p_type":    req.Type,
			"p_message": nullable(req.Message),
		},
	}, &result)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("submit application: %w", err))
		return
	}
	writeRPCResult(w, result)
}

// PresenceHeartbeat marks the caller as present in a room.
func (h *Handler) PresenceHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req heartbeatRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	err := h.Backend.Call(callerContext(r.Context(), user), backend.Call{
		Function: "upsert_room_presence",
		Params:   backend.Params{"p_room_id": req.RoomID},
	}, nil)
	if err != nil {
		h.writeServiceError(w, r, fmt.Errorf("record presence: %w", err))
		return
	}
	writeSuccess(w)
}

// LiveToken hands authenticated callers to the token service proxy.
func (h *Handler) LiveToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	if h.TokenProxy == nil {
		WriteError(w, http.StatusServiceUnavailable, fmt.Errorf("token service not configured"))
		return
	}
	h.TokenProxy.ServeHTTP(w, r)
}
