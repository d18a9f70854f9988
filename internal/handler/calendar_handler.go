package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/recruitcal/internal/connection"
	"github.com/hitoshi/recruitcal/internal/middleware"
	"github.com/hitoshi/recruitcal/internal/model"
)

// oauthStateCookie はカレンダー認可フローのstateを保持するCookieの名前。
const oauthStateCookie = "calendar_oauth_state"

// oauthStateMaxAge はstate Cookieの有効期間（秒）。
const oauthStateMaxAge = 600

// CalendarConnector はカレンダーハンドラーが必要とする接続管理のインターフェース。
type CalendarConnector interface {
	Initiate(provider model.Provider, userID, state string) (string, error)
	Complete(ctx context.Context, provider model.Provider, code, userID string) (*model.CalendarConnection, error)
	ListConnections(ctx context.Context, userID string) ([]*model.CalendarConnection, error)
	Get(ctx context.Context, userID string, provider model.Provider) (*model.CalendarConnection, error)
	ListCalendars(ctx context.Context, conn *model.CalendarConnection) ([]model.Calendar, error)
	UpdateSettings(ctx context.Context, conn *model.CalendarConnection, patch connection.SettingsPatch) (*model.CalendarConnection, error)
	Disconnect(ctx context.Context, userID string, provider model.Provider) error
}

// OrganizerSlotFinder はログイン中ユーザー自身の空き枠を返す。
type OrganizerSlotFinder interface {
	OrganizerSlots(ctx context.Context, organizerID string, durationMinutes int, from, to time.Time) ([]model.TimeSlot, error)
}

// CalendarHandlerConfig はカレンダーハンドラーの設定。
type CalendarHandlerConfig struct {
	CookieDomain string
	CookieSecure bool
}

// CalendarHandler はカレンダー接続と空き枠照会のHTTPハンドラー。
type CalendarHandler struct {
	connector CalendarConnector
	slots     OrganizerSlotFinder
	config    CalendarHandlerConfig
	now       func() time.Time
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(connector CalendarConnector, slots OrganizerSlotFinder, config CalendarHandlerConfig) *CalendarHandler {
	return &CalendarHandler{
		connector: connector,
		slots:     slots,
		config:    config,
		now:       time.Now,
	}
}

// callbackRequest は認可コールバックのリクエストボディ。
type callbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// settingsRequest は予約ルール更新のリクエストボディ。省略したフィールドは変更しない。
type settingsRequest struct {
	DaysAhead          *int    `json:"days_ahead"`
	BusinessHoursStart *int    `json:"business_hours_start"`
	BusinessHoursEnd   *int    `json:"business_hours_end"`
	MinNoticeHours     *int    `json:"min_notice_hours"`
	BufferMinutes      *int    `json:"buffer_minutes"`
	AllowedWeekdays    *[]int  `json:"allowed_weekdays"`
	Timezone           *string `json:"timezone"`
	CalendarID         *string `json:"calendar_id"`
}

func (req settingsRequest) patch() connection.SettingsPatch {
	return connection.SettingsPatch{
		DaysAhead:          req.DaysAhead,
		BusinessHoursStart: req.BusinessHoursStart,
		BusinessHoursEnd:   req.BusinessHoursEnd,
		MinNoticeHours:     req.MinNoticeHours,
		BufferMinutes:      req.BufferMinutes,
		AllowedWeekdays:    req.AllowedWeekdays,
		Timezone:           req.Timezone,
		CalendarID:         req.CalendarID,
	}
}

// providerParam はURLパスのプロバイダー名を解釈する。
func providerParam(w http.ResponseWriter, r *http.Request) (model.Provider, bool) {
	provider, err := model.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		handleServiceError(w, err)
		return "", false
	}
	return provider, true
}

// Authorize はカレンダー認可フローを開始し、認可URLを返す。
// GET /api/calendar/{provider}/authorize
func (h *CalendarHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	url, err := h.connector.Initiate(provider, userID, state)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// stateをプロバイダー名と組にしてCookieに保存する
	h.setStateCookie(w, string(provider)+":"+state, oauthStateMaxAge)
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Callback は認可コードを交換して接続を保存する。
// POST /api/calendar/{provider}/callback
func (h *CalendarHandler) Callback(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}

	var req callbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cookie, err := r.Cookie(oauthStateCookie)
	expected := string(provider) + ":" + req.State
	if err != nil || req.State == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(expected)) != 1 {
		slog.Warn("calendar oauth state mismatch",
			slog.String("user_id", userID),
			slog.String("provider", string(provider)),
		)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidOAuthStateError())
		return
	}
	h.setStateCookie(w, "", -1)

	if req.Code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("認可コードがありません。"))
		return
	}

	conn, err := h.connector.Complete(r.Context(), provider, req.Code, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"provider": string(conn.Provider),
		"email":    conn.ProviderEmail,
	})
}

// ListConnections はユーザーのカレンダー接続一覧を返す。
// GET /api/calendar/connections
func (h *CalendarHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	conns, err := h.connector.ListConnections(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]connectionResponse, len(conns))
	for i, c := range conns {
		results[i] = toConnectionResponse(c)
	}
	writeJSON(w, http.StatusOK, results)
}

// ListCalendars は接続先の書き込み可能なカレンダー一覧を返す。
// GET /api/calendar/{provider}/calendars
func (h *CalendarHandler) ListCalendars(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}

	conn, err := h.connector.Get(r.Context(), userID, provider)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	calendars, err := h.connector.ListCalendars(r.Context(), conn)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]calendarResponse, len(calendars))
	for i, c := range calendars {
		results[i] = calendarResponse{ID: c.ID, Name: c.Name, IsPrimary: c.IsPrimary}
	}
	writeJSON(w, http.StatusOK, results)
}

// UpdateSettings は予約ルールと使用するカレンダーを更新する。
// PUT /api/calendar/{provider}/settings
func (h *CalendarHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}

	var req settingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	conn, err := h.connector.Get(r.Context(), userID, provider)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	updated, err := h.connector.UpdateSettings(r.Context(), conn, req.patch())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toConnectionResponse(updated))
}

// Disconnect はカレンダー接続を削除する。
// DELETE /api/calendar/{provider}
func (h *CalendarHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}

	if err := h.connector.Disconnect(r.Context(), userID, provider); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Availability はログイン中ユーザー自身の空き枠を返す。
// GET /api/calendar/availability?from=&to=&duration=
func (h *CalendarHandler) Availability(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	from, to, ok := parseRange(w, r, h.now())
	if !ok {
		return
	}
	duration, err := parseIntParam(r.URL.Query().Get("duration"), 0)
	if err != nil || duration < 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("duration は0以上の整数で指定してください。"))
		return
	}

	slots, err := h.slots.OrganizerSlots(r.Context(), userID, duration, from, to)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSlotResponses(slots))
}

func (h *CalendarHandler) setStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/api/calendar",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はOAuth stateパラメータ用のランダム文字列を生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
