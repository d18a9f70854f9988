package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/recruitcal/internal/meetingtype"
	"github.com/hitoshi/recruitcal/internal/model"
)

// MeetingTypeServiceInterface は面談種別ハンドラーが必要とするサービスインターフェース。
type MeetingTypeServiceInterface interface {
	ListForUser(ctx context.Context, userID string) ([]*model.MeetingType, error)
	Get(ctx context.Context, id, userID string) (*model.MeetingType, error)
	Create(ctx context.Context, ownerID string, in meetingtype.Input) (*model.MeetingType, error)
	Update(ctx context.Context, id, userID string, in meetingtype.Input) (*model.MeetingType, error)
	Deactivate(ctx context.Context, id, userID string) error
}

// MeetingTypeHandler は面談種別管理のHTTPハンドラー。
type MeetingTypeHandler struct {
	service MeetingTypeServiceInterface
}

// NewMeetingTypeHandler はMeetingTypeHandlerを生成する。
func NewMeetingTypeHandler(service MeetingTypeServiceInterface) *MeetingTypeHandler {
	return &MeetingTypeHandler{service: service}
}

// meetingTypeRequest は面談種別の作成・更新リクエストボディ。
type meetingTypeRequest struct {
	Name                string   `json:"name"`
	Slug                string   `json:"slug"`
	Category            string   `json:"category"`
	Description         string   `json:"description"`
	DurationMinutes     int      `json:"duration_minutes"`
	BufferBeforeMinutes int      `json:"buffer_before_minutes"`
	BufferAfterMinutes  int      `json:"buffer_after_minutes"`
	LocationKind        string   `json:"location_kind"`
	CustomLocation      string   `json:"custom_location"`
	RequiresApproval    bool     `json:"requires_approval"`
	MaxBookingsPerDay   *int     `json:"max_bookings_per_day"`
	AllowedUserIDs      []string `json:"allowed_user_ids"`
	GuestStage          string   `json:"guest_stage"`
	MemberStage         string   `json:"member_stage"`
	StagePolicy         string   `json:"stage_policy"`
}

func (req meetingTypeRequest) input() meetingtype.Input {
	return meetingtype.Input{
		Name:                req.Name,
		Slug:                req.Slug,
		Category:            req.Category,
		Description:         req.Description,
		DurationMinutes:     req.DurationMinutes,
		BufferBeforeMinutes: req.BufferBeforeMinutes,
		BufferAfterMinutes:  req.BufferAfterMinutes,
		LocationKind:        model.LocationKind(req.LocationKind),
		CustomLocation:      req.CustomLocation,
		RequiresApproval:    req.RequiresApproval,
		MaxBookingsPerDay:   req.MaxBookingsPerDay,
		AllowedUserIDs:      req.AllowedUserIDs,
		GuestStage:          model.OnboardingStage(req.GuestStage),
		MemberStage:         model.OnboardingStage(req.MemberStage),
		StagePolicy:         model.StagePolicy(req.StagePolicy),
	}
}

// List はユーザーが所有または利用を許可された面談種別を返す。
// GET /api/meeting-types
func (h *MeetingTypeHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	list, err := h.service.ListForUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]meetingTypeResponse, len(list))
	for i, mt := range list {
		results[i] = toMeetingTypeResponse(mt)
	}
	writeJSON(w, http.StatusOK, results)
}

// Get は面談種別を返す。
// GET /api/meeting-types/{id}
func (h *MeetingTypeHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	mt, err := h.service.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMeetingTypeResponse(mt))
}

// Create は面談種別を作成する。
// POST /api/meeting-types
func (h *MeetingTypeHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req meetingTypeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	mt, err := h.service.Create(r.Context(), userID, req.input())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMeetingTypeResponse(mt))
}

// Update は面談種別を更新する。所有者のみ可能。
// PUT /api/meeting-types/{id}
func (h *MeetingTypeHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req meetingTypeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	mt, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), userID, req.input())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMeetingTypeResponse(mt))
}

// Delete は面談種別を無効化する。既存の予約は残る。
// DELETE /api/meeting-types/{id}
func (h *MeetingTypeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Deactivate(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
