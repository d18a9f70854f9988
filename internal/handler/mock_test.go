package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/recruitcal/internal/booking"
	"github.com/hitoshi/recruitcal/internal/connection"
	"github.com/hitoshi/recruitcal/internal/ics"
	"github.com/hitoshi/recruitcal/internal/meetingtype"
	"github.com/hitoshi/recruitcal/internal/middleware"
	"github.com/hitoshi/recruitcal/internal/model"
)

// --- モック定義 ---

type mockCalendarConnector struct {
	initiateFn        func(provider model.Provider, userID, state string) (string, error)
	completeFn        func(ctx context.Context, provider model.Provider, code, userID string) (*model.CalendarConnection, error)
	listConnectionsFn func(ctx context.Context, userID string) ([]*model.CalendarConnection, error)
	getFn             func(ctx context.Context, userID string, provider model.Provider) (*model.CalendarConnection, error)
	listCalendarsFn   func(ctx context.Context, conn *model.CalendarConnection) ([]model.Calendar, error)
	updateSettingsFn  func(ctx context.Context, conn *model.CalendarConnection, patch connection.SettingsPatch) (*model.CalendarConnection, error)
	disconnectFn      func(ctx context.Context, userID string, provider model.Provider) error
}

func (m *mockCalendarConnector) Initiate(provider model.Provider, userID, state string) (string, error) {
	if m.initiateFn != nil {
		return m.initiateFn(provider, userID, state)
	}
	return "", nil
}

func (m *mockCalendarConnector) Complete(ctx context.Context, provider model.Provider, code, userID string) (*model.CalendarConnection, error) {
	if m.completeFn != nil {
		return m.completeFn(ctx, provider, code, userID)
	}
	return nil, nil
}

func (m *mockCalendarConnector) ListConnections(ctx context.Context, userID string) ([]*model.CalendarConnection, error) {
	if m.listConnectionsFn != nil {
		return m.listConnectionsFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockCalendarConnector) Get(ctx context.Context, userID string, provider model.Provider) (*model.CalendarConnection, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID, provider)
	}
	return nil, model.NewCalendarNotConnectedError()
}

func (m *mockCalendarConnector) ListCalendars(ctx context.Context, conn *model.CalendarConnection) ([]model.Calendar, error) {
	if m.listCalendarsFn != nil {
		return m.listCalendarsFn(ctx, conn)
	}
	return nil, nil
}

func (m *mockCalendarConnector) UpdateSettings(ctx context.Context, conn *model.CalendarConnection, patch connection.SettingsPatch) (*model.CalendarConnection, error) {
	if m.updateSettingsFn != nil {
		return m.updateSettingsFn(ctx, conn, patch)
	}
	return conn, nil
}

func (m *mockCalendarConnector) Disconnect(ctx context.Context, userID string, provider model.Provider) error {
	if m.disconnectFn != nil {
		return m.disconnectFn(ctx, userID, provider)
	}
	return nil
}

type mockSlotFinder struct {
	organizerSlotsFn func(ctx context.Context, organizerID string, durationMinutes int, from, to time.Time) ([]model.TimeSlot, error)
}

func (m *mockSlotFinder) OrganizerSlots(ctx context.Context, organizerID string, durationMinutes int, from, to time.Time) ([]model.TimeSlot, error) {
	if m.organizerSlotsFn != nil {
		return m.organizerSlotsFn(ctx, organizerID, durationMinutes, from, to)
	}
	return []model.TimeSlot{}, nil
}

type mockBookingService struct {
	issueTokenFn    func(ctx context.Context, stageInstanceID, requesterID string) (*model.BookingToken, error)
	createManualFn  func(ctx context.Context, req booking.ManualBookingRequest) (*model.Booking, error)
	getFn           func(ctx context.Context, bookingID, actorID string) (*model.Booking, error)
	listFn          func(ctx context.Context, organizerID string, from, to time.Time, statuses ...model.BookingStatus) ([]*model.Booking, error)
	cancelFn        func(ctx context.Context, bookingID, actorID, reason string) (*model.Booking, error)
	approveFn       func(ctx context.Context, bookingID, actorID string) (*model.Booking, error)
	markCompletedFn func(ctx context.Context, bookingID, actorID string) (*model.Booking, error)
	markNoShowFn    func(ctx context.Context, bookingID, actorID string) (*model.Booking, error)
	rescheduleFn    func(ctx context.Context, bookingID, actorID string, newStart time.Time) (*model.Booking, error)
}

func (m *mockBookingService) IssueToken(ctx context.Context, stageInstanceID, requesterID string) (*model.BookingToken, error) {
	if m.issueTokenFn != nil {
		return m.issueTokenFn(ctx, stageInstanceID, requesterID)
	}
	return nil, nil
}

func (m *mockBookingService) CreateManual(ctx context.Context, req booking.ManualBookingRequest) (*model.Booking, error) {
	if m.createManualFn != nil {
		return m.createManualFn(ctx, req)
	}
	return nil, nil
}

func (m *mockBookingService) Get(ctx context.Context, bookingID, actorID string) (*model.Booking, error) {
	if m.getFn != nil {
		return m.getFn(ctx, bookingID, actorID)
	}
	return nil, model.NewBookingNotFoundError(bookingID)
}

func (m *mockBookingService) List(ctx context.Context, organizerID string, from, to time.Time, statuses ...model.BookingStatus) ([]*model.Booking, error) {
	if m.listFn != nil {
		return m.listFn(ctx, organizerID, from, to, statuses...)
	}
	return nil, nil
}

func (m *mockBookingService) Cancel(ctx context.Context, bookingID, actorID, reason string) (*model.Booking, error) {
	if m.cancelFn != nil {
		return m.cancelFn(ctx, bookingID, actorID, reason)
	}
	return nil, nil
}

func (m *mockBookingService) Approve(ctx context.Context, bookingID, actorID string) (*model.Booking, error) {
	if m.approveFn != nil {
		return m.approveFn(ctx, bookingID, actorID)
	}
	return nil, nil
}

func (m *mockBookingService) MarkCompleted(ctx context.Context, bookingID, actorID string) (*model.Booking, error) {
	if m.markCompletedFn != nil {
		return m.markCompletedFn(ctx, bookingID, actorID)
	}
	return nil, nil
}

func (m *mockBookingService) MarkNoShow(ctx context.Context, bookingID, actorID string) (*model.Booking, error) {
	if m.markNoShowFn != nil {
		return m.markNoShowFn(ctx, bookingID, actorID)
	}
	return nil, nil
}

func (m *mockBookingService) Reschedule(ctx context.Context, bookingID, actorID string, newStart time.Time) (*model.Booking, error) {
	if m.rescheduleFn != nil {
		return m.rescheduleFn(ctx, bookingID, actorID, newStart)
	}
	return nil, nil
}

type mockPublicBookingService struct {
	tokenDetailsFn     func(ctx context.Context, token string) (*booking.TokenDetails, error)
	availableSlotsFn   func(ctx context.Context, token string, from, to time.Time) ([]model.TimeSlot, error)
	redeemFn           func(ctx context.Context, req booking.RedeemRequest) (*model.Booking, error)
	meetingTypeSlotsFn func(ctx context.Context, slug string, from, to time.Time) ([]model.TimeSlot, error)
	bookMeetingTypeFn  func(ctx context.Context, req booking.PublicBookingRequest) (*model.Booking, error)
}

func (m *mockPublicBookingService) TokenDetails(ctx context.Context, token string) (*booking.TokenDetails, error) {
	if m.tokenDetailsFn != nil {
		return m.tokenDetailsFn(ctx, token)
	}
	return nil, model.NewInvalidBookingTokenError()
}

func (m *mockPublicBookingService) AvailableSlots(ctx context.Context, token string, from, to time.Time) ([]model.TimeSlot, error) {
	if m.availableSlotsFn != nil {
		return m.availableSlotsFn(ctx, token, from, to)
	}
	return []model.TimeSlot{}, nil
}

func (m *mockPublicBookingService) Redeem(ctx context.Context, req booking.RedeemRequest) (*model.Booking, error) {
	if m.redeemFn != nil {
		return m.redeemFn(ctx, req)
	}
	return nil, nil
}

func (m *mockPublicBookingService) AvailableSlotsForMeetingType(ctx context.Context, slug string, from, to time.Time) ([]model.TimeSlot, error) {
	if m.meetingTypeSlotsFn != nil {
		return m.meetingTypeSlotsFn(ctx, slug, from, to)
	}
	return []model.TimeSlot{}, nil
}

func (m *mockPublicBookingService) BookMeetingType(ctx context.Context, req booking.PublicBookingRequest) (*model.Booking, error) {
	if m.bookMeetingTypeFn != nil {
		return m.bookMeetingTypeFn(ctx, req)
	}
	return nil, nil
}

type mockMeetingTypeService struct {
	listForUserFn func(ctx context.Context, userID string) ([]*model.MeetingType, error)
	getFn         func(ctx context.Context, id, userID string) (*model.MeetingType, error)
	getBySlugFn   func(ctx context.Context, slug string) (*model.MeetingType, error)
	createFn      func(ctx context.Context, ownerID string, in meetingtype.Input) (*model.MeetingType, error)
	updateFn      func(ctx context.Context, id, userID string, in meetingtype.Input) (*model.MeetingType, error)
	deactivateFn  func(ctx context.Context, id, userID string) error
}

func (m *mockMeetingTypeService) ListForUser(ctx context.Context, userID string) ([]*model.MeetingType, error) {
	if m.listForUserFn != nil {
		return m.listForUserFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockMeetingTypeService) Get(ctx context.Context, id, userID string) (*model.MeetingType, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id, userID)
	}
	return nil, model.NewMeetingTypeNotFoundError(id)
}

func (m *mockMeetingTypeService) GetBySlug(ctx context.Context, slug string) (*model.MeetingType, error) {
	if m.getBySlugFn != nil {
		return m.getBySlugFn(ctx, slug)
	}
	return nil, model.NewMeetingTypeNotFoundError(slug)
}

func (m *mockMeetingTypeService) Create(ctx context.Context, ownerID string, in meetingtype.Input) (*model.MeetingType, error) {
	if m.createFn != nil {
		return m.createFn(ctx, ownerID, in)
	}
	return nil, nil
}

func (m *mockMeetingTypeService) Update(ctx context.Context, id, userID string, in meetingtype.Input) (*model.MeetingType, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, userID, in)
	}
	return nil, nil
}

func (m *mockMeetingTypeService) Deactivate(ctx context.Context, id, userID string) error {
	if m.deactivateFn != nil {
		return m.deactivateFn(ctx, id, userID)
	}
	return nil
}

type mockOrganizerResolver struct {
	organizer ics.Organizer
}

func (m *mockOrganizerResolver) Organizer(ctx context.Context, organizerID string) ics.Organizer {
	return m.organizer
}

type mockSessionFinder struct {
	sessions map[string]string // セッションID → ユーザーID
}

func (m *mockSessionFinder) FindByID(ctx context.Context, id string) (*model.Session, error) {
	userID, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &model.Session{ID: id, UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// --- テストヘルパー ---

// newAuthedRequest はユーザーIDをコンテキストに持つリクエストを生成する。
func newAuthedRequest(method, target, body, userID string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req = req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
	}
	return req
}

// withURLParams はchiのURLパラメータをリクエストに設定する。
func withURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// decodeError はレスポンスボディのエラーコードを返す。
func decodeError(rec *httptest.ResponseRecorder) string {
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		return ""
	}
	return body.Code
}

// testBooking はテスト用の確定済み予約を返す。
func testBooking(id string) *model.Booking {
	start := time.Date(2026, 10, 20, 1, 0, 0, 0, time.UTC)
	return &model.Booking{
		ID:              id,
		OrganizerID:     "organizer-1",
		Attendee:        model.Attendee{Name: "山田 花子", Email: "hanako@example.com", Phone: "090-0000-0000"},
		Title:           "一次面接",
		ScheduledAt:     start,
		DurationMinutes: 30,
		Timezone:        "Asia/Tokyo",
		LocationKind:    model.LocationVideo,
		MeetingURL:      "https://meet.example.com/abc",
		Status:          model.BookingStatusConfirmed,
		InternalNotes:   "社内メモ",
		Source:          model.BookingSourceInvite,
		CreatedAt:       start.Add(-24 * time.Hour),
	}
}
