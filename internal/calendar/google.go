package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hitoshi/recruitcal/internal/model"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
)

var defaultGoogleScopes = []string{
	"openid",
	"email",
	gcal.CalendarReadonlyScope,
	gcal.CalendarEventsScope,
}

// GoogleConfig はGoogle Calendarアダプターの設定。
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL         string
	TokenURL        string
	UserInfoURL     string
	CalendarBaseURL string // 空の場合はライブラリの既定エンドポイント

	HTTPClient *http.Client
}

// GoogleAdapter はGoogle Calendar APIによるAdapter実装。
type GoogleAdapter struct {
	config GoogleConfig
	oauth  *oauthFlow
	client *httpClient
}

// NewGoogleAdapter はGoogleAdapterを生成する。
func NewGoogleAdapter(config GoogleConfig) *GoogleAdapter {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if len(config.Scopes) == 0 {
		config.Scopes = defaultGoogleScopes
	}
	client := newHTTPClient(config.HTTPClient, config.Timeout)
	return &GoogleAdapter{
		config: config,
		client: client,
		oauth: &oauthFlow{
			provider: model.ProviderGoogle,
			client:   client,
			config: &oauth2.Config{
				ClientID:     config.ClientID,
				ClientSecret: config.ClientSecret,
				RedirectURL:  config.RedirectURL,
				Scopes:       config.Scopes,
				Endpoint: oauth2.Endpoint{
					AuthURL:   config.AuthURL,
					TokenURL:  config.TokenURL,
					AuthStyle: oauth2.AuthStyleInParams,
				},
			},
			// リフレッシュトークンを確実に受け取るため、毎回同意画面を出す
			authParams: []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce},
		},
	}
}

// Provider はプロバイダー種別を返す。
func (a *GoogleAdapter) Provider() model.Provider { return model.ProviderGoogle }

// AuthURL は認可URLを生成する。
func (a *GoogleAdapter) AuthURL(state string) string {
	return a.oauth.authURL(state)
}

// ExchangeCode は認可コードをトークンに交換する。
func (a *GoogleAdapter) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	return a.oauth.exchange(ctx, code)
}

// Refresh はリフレッシュトークンでアクセストークンを再取得する。
func (a *GoogleAdapter) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	return a.oauth.refresh(ctx, refreshToken)
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
}

// FetchIdentity はアクセストークンでGoogleアカウントの情報を取得する。
func (a *GoogleAdapter) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}

	resp, err := a.client.bearer(accessToken).Do(req)
	if err != nil {
		return nil, &model.ProviderAPIError{Provider: model.ProviderGoogle, Operation: "fetch_identity", Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &model.ProviderAPIError{Provider: model.ProviderGoogle, Operation: "fetch_identity", StatusCode: resp.StatusCode, Message: string(body)}
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse user info response: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in user info response")
	}

	return &Identity{ProviderUserID: info.Sub, Email: info.Email}, nil
}

// service はアクセストークン付きのCalendar APIクライアントを生成する。
func (a *GoogleAdapter) service(ctx context.Context, accessToken string) (*gcal.Service, error) {
	opts := []option.ClientOption{option.WithHTTPClient(a.client.bearer(accessToken))}
	if a.config.CalendarBaseURL != "" {
		opts = append(opts, option.WithEndpoint(a.config.CalendarBaseURL))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// ListCalendars は書き込み可能なカレンダーの一覧を返す。
func (a *GoogleAdapter) ListCalendars(ctx context.Context, accessToken string) ([]model.Calendar, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var calendars []model.Calendar
	err = svc.CalendarList.List().MinAccessRole("writer").Pages(ctx, func(page *gcal.CalendarList) error {
		for _, item := range page.Items {
			name := item.Summary
			if item.SummaryOverride != "" {
				name = item.SummaryOverride
			}
			calendars = append(calendars, model.Calendar{ID: item.Id, Name: name, IsPrimary: item.Primary})
		}
		return nil
	})
	if err != nil {
		return nil, googleError("list_calendars", err)
	}
	return calendars, nil
}

// FreeBusy は指定期間のビジー区間を返す。
func (a *GoogleAdapter) FreeBusy(ctx context.Context, accessToken, calendarID string, start, end time.Time) ([]model.BusyPeriod, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Freebusy.Query(&gcal.FreeBusyRequest{
		TimeMin: start.UTC().Format(time.RFC3339),
		TimeMax: end.UTC().Format(time.RFC3339),
		Items:   []*gcal.FreeBusyRequestItem{{Id: calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, googleError("free_busy", err)
	}

	cal, ok := resp.Calendars[calendarID]
	if !ok {
		return nil, nil
	}
	if len(cal.Errors) > 0 {
		return nil, &model.ProviderAPIError{
			Provider:   model.ProviderGoogle,
			Operation:  "free_busy",
			StatusCode: http.StatusOK,
			Message:    cal.Errors[0].Reason,
		}
	}

	busy := make([]model.BusyPeriod, 0, len(cal.Busy))
	for _, p := range cal.Busy {
		s, err := time.Parse(time.RFC3339, p.Start)
		if err != nil {
			return nil, fmt.Errorf("failed to parse busy start %q: %w", p.Start, err)
		}
		e, err := time.Parse(time.RFC3339, p.End)
		if err != nil {
			return nil, fmt.Errorf("failed to parse busy end %q: %w", p.End, err)
		}
		busy = append(busy, model.BusyPeriod{Start: s, End: e})
	}
	return busy, nil
}

// googleEvent はEventInputをCalendar APIのEventに変換する。
func googleEvent(in EventInput) *gcal.Event {
	ev := &gcal.Event{
		Summary:     in.Title,
		Description: in.Description,
		Location:    in.Location,
		Start:       &gcal.EventDateTime{DateTime: in.Start.Format(time.RFC3339), TimeZone: in.Timezone},
		End:         &gcal.EventDateTime{DateTime: in.End.Format(time.RFC3339), TimeZone: in.Timezone},
	}
	for _, email := range in.AttendeeEmails {
		ev.Attendees = append(ev.Attendees, &gcal.EventAttendee{Email: email})
	}
	return ev
}

// CreateEvent は予定を作成する。ビデオ会議を要求された場合はイベント本体に
// conferenceData.createRequestを含め、サーバー側でGoogle Meetリンクを生成させる。
func (a *GoogleAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, in EventInput) (*CreatedEvent, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	ev := googleEvent(in)
	call := svc.Events.Insert(calendarID, ev).SendUpdates("all").Context(ctx)
	if in.videoRequested() {
		ev.ConferenceData = &gcal.ConferenceData{
			CreateRequest: &gcal.CreateConferenceRequest{
				RequestId:             uuid.NewString(),
				ConferenceSolutionKey: &gcal.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		}
		call = call.ConferenceDataVersion(1)
	}

	created, err := call.Do()
	if err != nil {
		return nil, googleError("create_event", err)
	}

	result := &CreatedEvent{EventID: created.Id}
	if in.videoRequested() {
		result.VideoLink = meetLink(created)
	}
	return result, nil
}

// meetLink は作成された予定からビデオ会議の参加URLを取り出す。
func meetLink(ev *gcal.Event) string {
	if ev.HangoutLink != "" {
		return ev.HangoutLink
	}
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				return ep.Uri
			}
		}
	}
	return ""
}

// UpdateEvent は予定の日時・内容を更新する。既存の会議情報は変更しない。
func (a *GoogleAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, in EventInput) error {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return err
	}
	if _, err := svc.Events.Patch(calendarID, eventID, googleEvent(in)).SendUpdates("all").Context(ctx).Do(); err != nil {
		return googleError("update_event", err)
	}
	return nil
}

// DeleteEvent は予定を削除する。既に存在しない場合も成功とする。
func (a *GoogleAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return err
	}
	err = svc.Events.Delete(calendarID, eventID).SendUpdates("all").Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
			return nil
		}
		return googleError("delete_event", err)
	}
	return nil
}

// googleError はCalendar APIのエラーをProviderAPIErrorに変換する。
func googleError(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		msg := gerr.Message
		if msg == "" {
			msg = gerr.Body
		}
		return &model.ProviderAPIError{Provider: model.ProviderGoogle, Operation: op, StatusCode: gerr.Code, Message: msg}
	}
	return &model.ProviderAPIError{Provider: model.ProviderGoogle, Operation: op, Message: err.Error()}
}

var _ Adapter = (*GoogleAdapter)(nil)
