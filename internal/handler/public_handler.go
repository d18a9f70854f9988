package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/recruitcal/internal/booking"
	"github.com/hitoshi/recruitcal/internal/middleware"
	"github.com/hitoshi/recruitcal/internal/model"
)

// PublicBookingService は公開予約ページが必要とするサービスインターフェース。
type PublicBookingService interface {
	TokenDetails(ctx context.Context, token string) (*booking.TokenDetails, error)
	AvailableSlots(ctx context.Context, token string, from, to time.Time) ([]model.TimeSlot, error)
	Redeem(ctx context.Context, req booking.RedeemRequest) (*model.Booking, error)
	AvailableSlotsForMeetingType(ctx context.Context, slug string, from, to time.Time) ([]model.TimeSlot, error)
	BookMeetingType(ctx context.Context, req booking.PublicBookingRequest) (*model.Booking, error)
}

// MeetingTypeFinder は公開中の面談種別をスラッグで取得する。
type MeetingTypeFinder interface {
	GetBySlug(ctx context.Context, slug string) (*model.MeetingType, error)
}

// PublicHandler は認証不要の予約ページのHTTPハンドラー。
// ログイン済みの予約者の場合はユーザーIDを予約に記録する。
type PublicHandler struct {
	bookings     PublicBookingService
	meetingTypes MeetingTypeFinder
	now          func() time.Time
}

// NewPublicHandler はPublicHandlerを生成する。
func NewPublicHandler(bookings PublicBookingService, meetingTypes MeetingTypeFinder) *PublicHandler {
	return &PublicHandler{
		bookings:     bookings,
		meetingTypes: meetingTypes,
		now:          time.Now,
	}
}

// publicBookRequest は公開ページからの予約リクエストボディ。
type publicBookRequest struct {
	Start    time.Time       `json:"start"`
	Attendee attendeeRequest `json:"attendee"`
}

// decodeBookRequest はリクエストを解釈し、ログイン済みであればユーザーIDを参加者に設定する。
func decodeBookRequest(w http.ResponseWriter, r *http.Request) (publicBookRequest, booking.AttendeeInput, bool) {
	var req publicBookRequest
	if !decodeJSON(w, r, &req) {
		return req, booking.AttendeeInput{}, false
	}
	if req.Start.IsZero() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("start を指定してください。"))
		return req, booking.AttendeeInput{}, false
	}
	attendee := req.Attendee.input()
	attendee.UserID = optionalUserID(r)
	return req, attendee, true
}

// TokenDetails は予約トークンの面談条件を返す。
// GET /api/public/book/{token}
func (h *PublicHandler) TokenDetails(w http.ResponseWriter, r *http.Request) {
	details, err := h.bookings.TokenDetails(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenDetailsResponse(details))
}

// TokenSlots は予約トークンで予約できる空き枠を返す。
// GET /api/public/book/{token}/slots?from=&to=
func (h *PublicHandler) TokenSlots(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r, h.now())
	if !ok {
		return
	}

	slots, err := h.bookings.AvailableSlots(r.Context(), chi.URLParam(r, "token"), from, to)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

// Redeem は予約トークンで日程を確定する。
// POST /api/public/book/{token}
func (h *PublicHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	req, attendee, ok := decodeBookRequest(w, r)
	if !ok {
		return
	}

	b, err := h.bookings.Redeem(r.Context(), booking.RedeemRequest{
		Token:    chi.URLParam(r, "token"),
		Start:    req.Start,
		Attendee: attendee,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPublicBookingResponse(b))
}

// MeetingType は公開中の面談種別を返す。
// GET /api/public/meeting-types/{slug}
func (h *PublicHandler) MeetingType(w http.ResponseWriter, r *http.Request) {
	mt, err := h.meetingTypes.GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPublicMeetingTypeResponse(mt))
}

// MeetingTypeSlots は面談種別の空き枠を返す。
// GET /api/public/meeting-types/{slug}/slots?from=&to=
func (h *PublicHandler) MeetingTypeSlots(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r, h.now())
	if !ok {
		return
	}

	slots, err := h.bookings.AvailableSlotsForMeetingType(r.Context(), chi.URLParam(r, "slug"), from, to)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

// BookMeetingType は公開予約ページから予約する。
// POST /api/public/meeting-types/{slug}
func (h *PublicHandler) BookMeetingType(w http.ResponseWriter, r *http.Request) {
	req, attendee, ok := decodeBookRequest(w, r)
	if !ok {
		return
	}

	b, err := h.bookings.BookMeetingType(r.Context(), booking.PublicBookingRequest{
		Slug:     chi.URLParam(r, "slug"),
		Start:    req.Start,
		Attendee: attendee,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPublicBookingResponse(b))
}
