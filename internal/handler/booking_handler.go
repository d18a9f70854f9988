package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/recruitcal/internal/booking"
	"github.com/hitoshi/recruitcal/internal/ics"
	"github.com/hitoshi/recruitcal/internal/middleware"
	"github.com/hitoshi/recruitcal/internal/model"
)

// BookingServiceInterface は予約ハンドラーが必要とするサービスインターフェース。
type BookingServiceInterface interface {
	IssueToken(ctx context.Context, stageInstanceID, requesterID string) (*model.BookingToken, error)
	CreateManual(ctx context.Context, req booking.ManualBookingRequest) (*model.Booking, error)
	Get(ctx context.Context, bookingID, actorID string) (*model.Booking, error)
	List(ctx context.Context, organizerID string, from, to time.Time, statuses ...model.BookingStatus) ([]*model.Booking, error)
	Cancel(ctx context.Context, bookingID, actorID, reason string) (*model.Booking, error)
	Approve(ctx context.Context, bookingID, actorID string) (*model.Booking, error)
	MarkCompleted(ctx context.Context, bookingID, actorID string) (*model.Booking, error)
	MarkNoShow(ctx context.Context, bookingID, actorID string) (*model.Booking, error)
	Reschedule(ctx context.Context, bookingID, actorID string, newStart time.Time) (*model.Booking, error)
}

// OrganizerResolver は招待ファイルに記載する主催者情報を解決する。
type OrganizerResolver interface {
	Organizer(ctx context.Context, organizerID string) ics.Organizer
}

// BookingHandlerConfig は予約ハンドラーの設定。
type BookingHandlerConfig struct {
	// BookingPageURL は予約トークンを付けて候補者に送る予約ページのURL。
	BookingPageURL string
}

// BookingHandler は社内ユーザー向けの予約管理のHTTPハンドラー。
type BookingHandler struct {
	service    BookingServiceInterface
	organizers OrganizerResolver
	config     BookingHandlerConfig
	now        func() time.Time
}

// NewBookingHandler はBookingHandlerを生成する。
func NewBookingHandler(service BookingServiceInterface, organizers OrganizerResolver, config BookingHandlerConfig) *BookingHandler {
	return &BookingHandler{
		service:    service,
		organizers: organizers,
		config:     config,
		now:        time.Now,
	}
}

// attendeeRequest は参加者の入力値。
type attendeeRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Company string `json:"company"`
	Notes   string `json:"notes"`
}

func (a attendeeRequest) input() booking.AttendeeInput {
	return booking.AttendeeInput{
		Name:    a.Name,
		Email:   a.Email,
		Phone:   a.Phone,
		Company: a.Company,
		Notes:   a.Notes,
	}
}

// manualBookingRequest は代理予約作成のリクエストボディ。
type manualBookingRequest struct {
	MeetingTypeID   string          `json:"meeting_type_id"`
	StageInstanceID string          `json:"stage_instance_id"`
	Start           time.Time       `json:"start"`
	DurationMinutes int             `json:"duration_minutes"`
	LocationKind    string          `json:"location_kind"`
	Location        string          `json:"location"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	InternalNotes   string          `json:"internal_notes"`
	Attendee        attendeeRequest `json:"attendee"`
}

// cancelRequest はキャンセルのリクエストボディ。
type cancelRequest struct {
	Reason string `json:"reason"`
}

// rescheduleRequest は日程変更のリクエストボディ。
type rescheduleRequest struct {
	Start time.Time `json:"start"`
}

// IssueToken は選考ステップに予約トークンを発行する。
// POST /api/stage-instances/{id}/booking-token
func (h *BookingHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	token, err := h.service.IssueToken(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, tokenResponse{
		Token:     token.Token,
		URL:       strings.TrimRight(h.config.BookingPageURL, "/") + "/" + token.Token,
		ExpiresAt: token.ExpiresAt,
	})
}

// CreateManual は社内ユーザーが代理で予約を作成する。
// POST /api/bookings
func (h *BookingHandler) CreateManual(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req manualBookingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Start.IsZero() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("start を指定してください。"))
		return
	}

	b, err := h.service.CreateManual(r.Context(), booking.ManualBookingRequest{
		OrganizerID:     userID,
		MeetingTypeID:   req.MeetingTypeID,
		StageInstanceID: req.StageInstanceID,
		Start:           req.Start,
		DurationMinutes: req.DurationMinutes,
		LocationKind:    model.LocationKind(req.LocationKind),
		Location:        req.Location,
		Title:           req.Title,
		Description:     req.Description,
		InternalNotes:   req.InternalNotes,
		Attendee:        req.Attendee.input(),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toBookingResponse(b))
}

// List はログイン中ユーザーが主催する予約を期間で絞り込んで返す。
// GET /api/bookings?from=&to=&status=confirmed,pending
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	from, to, ok := parseRange(w, r, h.now())
	if !ok {
		return
	}

	var statuses []model.BookingStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, model.BookingStatus(strings.TrimSpace(s)))
		}
	}

	bookings, err := h.service.List(r.Context(), userID, from, to, statuses...)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]bookingResponse, len(bookings))
	for i, b := range bookings {
		results[i] = toBookingResponse(b)
	}
	writeJSON(w, http.StatusOK, results)
}

// Get は予約の詳細を返す。
// GET /api/bookings/{id}
func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	b, err := h.service.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// Invite は予約をiCalendar形式で返す。
// GET /api/bookings/{id}/invite.ics
func (h *BookingHandler) Invite(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	b, err := h.service.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	data, err := ics.Encode(b, h.organizers.Organizer(r.Context(), b.OrganizerID), h.now())
	if err != nil {
		slog.Error("failed to encode invite",
			slog.String("booking_id", b.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="booking-%s.ics"`, b.ID))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Cancel は予約をキャンセルする。
// POST /api/bookings/{id}/cancel
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	// ボディは省略可能
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	b, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"), userID, req.Reason)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// Approve は承認待ちの予約を確定する。
// POST /api/bookings/{id}/approve
func (h *BookingHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Approve)
}

// Complete は予約を実施済みにする。
// POST /api/bookings/{id}/complete
func (h *BookingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.MarkCompleted)
}

// NoShow は予約を不参加にする。
// POST /api/bookings/{id}/no-show
func (h *BookingHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.MarkNoShow)
}

func (h *BookingHandler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, bookingID, actorID string) (*model.Booking, error)) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	b, err := fn(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// Reschedule は予約の日時を変更する。
// POST /api/bookings/{id}/reschedule
func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req rescheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Start.IsZero() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("start を指定してください。"))
		return
	}

	b, err := h.service.Reschedule(r.Context(), chi.URLParam(r, "id"), userID, req.Start)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingResponse(b))
}
