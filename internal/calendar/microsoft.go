package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/recruitcal/internal/model"
)

const (
	defaultMicrosoftLoginURL = "https://login.microsoftonline.com"
	defaultGraphBaseURL      = "https://graph.microsoft.com/v1.0"
	defaultMicrosoftTenant   = "common"

	// graphTimeLayout はGraphのdateTimeTimeZone.dateTimeの形式（タイムゾーン表記なし）。
	graphTimeLayout = "2006-01-02T15:04:05.9999999"
)

var defaultMicrosoftScopes = []string{
	"offline_access",
	"User.Read",
	"Calendars.ReadWrite",
	"OnlineMeetings.ReadWrite",
}

// MicrosoftConfig はMicrosoft 365カレンダーアダプターの設定。
type MicrosoftConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Tenant       string
	Scopes       []string
	Timeout      time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL      string
	TokenURL     string
	GraphBaseURL string

	HTTPClient *http.Client
}

// MicrosoftAdapter はMicrosoft Graph APIによるAdapter実装。
type MicrosoftAdapter struct {
	config MicrosoftConfig
	oauth  *oauthFlow
	client *httpClient
}

// NewMicrosoftAdapter はMicrosoftAdapterを生成する。
func NewMicrosoftAdapter(config MicrosoftConfig) *MicrosoftAdapter {
	if config.Tenant == "" {
		config.Tenant = defaultMicrosoftTenant
	}
	if config.AuthURL == "" {
		config.AuthURL = fmt.Sprintf("%s/%s/oauth2/v2.0/authorize", defaultMicrosoftLoginURL, config.Tenant)
	}
	if config.TokenURL == "" {
		config.TokenURL = fmt.Sprintf("%s/%s/oauth2/v2.0/token", defaultMicrosoftLoginURL, config.Tenant)
	}
	if config.GraphBaseURL == "" {
		config.GraphBaseURL = defaultGraphBaseURL
	}
	config.GraphBaseURL = strings.TrimRight(config.GraphBaseURL, "/")
	if len(config.Scopes) == 0 {
		config.Scopes = defaultMicrosoftScopes
	}
	client := newHTTPClient(config.HTTPClient, config.Timeout)
	return &MicrosoftAdapter{
		config: config,
		client: client,
		oauth: &oauthFlow{
			provider: model.ProviderMicrosoft,
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
			authParams: []oauth2.AuthCodeOption{oauth2.ApprovalForce},
		},
	}
}

// Provider はプロバイダー種別を返す。
func (a *MicrosoftAdapter) Provider() model.Provider { return model.ProviderMicrosoft }

// AuthURL は認可URLを生成する。
func (a *MicrosoftAdapter) AuthURL(state string) string {
	return a.oauth.authURL(state)
}

// ExchangeCode は認可コードをトークンに交換する。
func (a *MicrosoftAdapter) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	return a.oauth.exchange(ctx, code)
}

// Refresh はリフレッシュトークンでアクセストークンを再取得する。
// Microsoftは通常リフレッシュトークンをローテーションする。
func (a *MicrosoftAdapter) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	return a.oauth.refresh(ctx, refreshToken)
}

// graphErrorBody はGraph APIのエラーレスポンス。
type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call はGraph APIを呼び出し、2xx以外をProviderAPIErrorとして返す。
// endpointが絶対URLの場合はそのまま使う（@odata.nextLink用）。
func (a *MicrosoftAdapter) call(ctx context.Context, accessToken, op, method, endpoint string, in, out any) (int, error) {
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = a.config.GraphBaseURL + endpoint
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)

	resp, err := a.client.bearer(accessToken).Do(req)
	if err != nil {
		return 0, &model.ProviderAPIError{Provider: model.ProviderMicrosoft, Operation: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		var ge graphErrorBody
		if json.Unmarshal(respBody, &ge) == nil && ge.Error.Message != "" {
			msg = fmt.Sprintf("%s: %s", ge.Error.Code, ge.Error.Message)
		}
		return resp.StatusCode, &model.ProviderAPIError{Provider: model.ProviderMicrosoft, Operation: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse %s response: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}

// FetchIdentity はサインインしたMicrosoftアカウントの情報を取得する。
func (a *MicrosoftAdapter) FetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	var me struct {
		ID                string `json:"id"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if _, err := a.call(ctx, accessToken, "fetch_identity", http.MethodGet, "/me?$select=id,mail,userPrincipalName", nil, &me); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, fmt.Errorf("empty id in /me response")
	}
	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	return &Identity{ProviderUserID: me.ID, Email: email}, nil
}

// ListCalendars は編集権限のあるカレンダーの一覧を返す。
func (a *MicrosoftAdapter) ListCalendars(ctx context.Context, accessToken string) ([]model.Calendar, error) {
	var calendars []model.Calendar
	next := "/me/calendars?$select=id,name,canEdit,isDefaultCalendar"
	for next != "" {
		var page struct {
			Value []struct {
				ID                string `json:"id"`
				Name              string `json:"name"`
				CanEdit           bool   `json:"canEdit"`
				IsDefaultCalendar bool   `json:"isDefaultCalendar"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if _, err := a.call(ctx, accessToken, "list_calendars", http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, c := range page.Value {
			if !c.CanEdit {
				continue
			}
			calendars = append(calendars, model.Calendar{ID: c.ID, Name: c.Name, IsPrimary: c.IsDefaultCalendar})
		}
		next = page.NextLink
	}
	return calendars, nil
}

// calendarPath は予定の読み書きに使うカレンダーのパスを返す。
// "primary"または空の場合は既定カレンダーを使う。
func calendarPath(calendarID string) string {
	if calendarID == "" || calendarID == "primary" {
		return "/me/calendar"
	}
	return "/me/calendars/" + url.PathEscape(calendarID)
}

// graphDateTime はGraphのdateTimeTimeZone型。
type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

func (d graphDateTime) parse() (time.Time, error) {
	return time.ParseInLocation(graphTimeLayout, d.DateTime, locationFor(d.TimeZone))
}

func toGraphDateTime(t time.Time) graphDateTime {
	return graphDateTime{DateTime: t.UTC().Format(graphTimeLayout), TimeZone: "UTC"}
}

// FreeBusy はcalendarViewから指定期間のビジー区間を返す。
// 空き(free)表示の予定とキャンセル済みの予定は含めない。
func (a *MicrosoftAdapter) FreeBusy(ctx context.Context, accessToken, calendarID string, start, end time.Time) ([]model.BusyPeriod, error) {
	params := url.Values{
		"startDateTime": {start.UTC().Format(time.RFC3339)},
		"endDateTime":   {end.UTC().Format(time.RFC3339)},
		"$select":       {"start,end,showAs,isCancelled"},
		"$top":          {"100"},
	}

	var busy []model.BusyPeriod
	next := calendarPath(calendarID) + "/calendarView?" + params.Encode()
	for next != "" {
		var page struct {
			Value []struct {
				Start       graphDateTime `json:"start"`
				End         graphDateTime `json:"end"`
				ShowAs      string        `json:"showAs"`
				IsCancelled bool          `json:"isCancelled"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if _, err := a.call(ctx, accessToken, "free_busy", http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, ev := range page.Value {
			if ev.IsCancelled || strings.EqualFold(ev.ShowAs, "free") {
				continue
			}
			s, err := ev.Start.parse()
			if err != nil {
				return nil, fmt.Errorf("failed to parse event start %q: %w", ev.Start.DateTime, err)
			}
			e, err := ev.End.parse()
			if err != nil {
				return nil, fmt.Errorf("failed to parse event end %q: %w", ev.End.DateTime, err)
			}
			busy = append(busy, model.BusyPeriod{Start: s, End: e})
		}
		next = page.NextLink
	}
	return busy, nil
}

// graphEvent はEventInputをGraphのevent本体に変換する。
func graphEvent(in EventInput, joinURL string) map[string]any {
	body := in.Description
	location := in.Location
	if joinURL != "" {
		if body != "" {
			body += "\n\n"
		}
		body += "オンライン会議: " + joinURL
		if location == "" {
			location = joinURL
		}
	}

	attendees := make([]map[string]any, 0, len(in.AttendeeEmails))
	for _, email := range in.AttendeeEmails {
		attendees = append(attendees, map[string]any{
			"emailAddress": map[string]string{"address": email},
			"type":         "required",
		})
	}

	return map[string]any{
		"subject":   in.Title,
		"body":      map[string]string{"contentType": "text", "content": body},
		"start":     toGraphDateTime(in.Start),
		"end":       toGraphDateTime(in.End),
		"location":  map[string]string{"displayName": location},
		"attendees": attendees,
	}
}

// createOnlineMeeting はTeams会議を作成し参加URLを返す。
func (a *MicrosoftAdapter) createOnlineMeeting(ctx context.Context, accessToken string, in EventInput) (string, error) {
	var meeting struct {
		JoinWebURL string `json:"joinWebUrl"`
	}
	req := map[string]string{
		"subject":       in.Title,
		"startDateTime": in.Start.UTC().Format(time.RFC3339),
		"endDateTime":   in.End.UTC().Format(time.RFC3339),
	}
	if _, err := a.call(ctx, accessToken, "create_online_meeting", http.MethodPost, "/me/onlineMeetings", req, &meeting); err != nil {
		return "", err
	}
	return meeting.JoinWebURL, nil
}

// CreateEvent は予定を作成する。ビデオ会議を要求された場合は先にonlineMeetingsで
// Teams会議を作成し、その参加URLを予定の本文と場所に埋め込む。
func (a *MicrosoftAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, in EventInput) (*CreatedEvent, error) {
	var joinURL string
	if in.videoRequested() {
		var err error
		joinURL, err = a.createOnlineMeeting(ctx, accessToken, in)
		if err != nil {
			return nil, err
		}
	}

	var created struct {
		ID string `json:"id"`
	}
	if _, err := a.call(ctx, accessToken, "create_event", http.MethodPost, calendarPath(calendarID)+"/events", graphEvent(in, joinURL), &created); err != nil {
		return nil, err
	}
	return &CreatedEvent{EventID: created.ID, VideoLink: joinURL}, nil
}

// UpdateEvent は予定の日時・内容を更新する。
func (a *MicrosoftAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, in EventInput) error {
	patch := graphEvent(in, in.MeetingURL)
	if in.Location == "" && in.MeetingURL == "" {
		delete(patch, "location")
	}
	if in.Description == "" && in.MeetingURL == "" {
		delete(patch, "body")
	}
	_, err := a.call(ctx, accessToken, "update_event", http.MethodPatch, "/me/events/"+url.PathEscape(eventID), patch, nil)
	return err
}

// DeleteEvent は予定を削除する。既に存在しない場合も成功とする。
func (a *MicrosoftAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	status, err := a.call(ctx, accessToken, "delete_event", http.MethodDelete, "/me/events/"+url.PathEscape(eventID), nil, nil)
	if status == http.StatusNotFound || status == http.StatusGone {
		return nil
	}
	return err
}

var _ Adapter = (*MicrosoftAdapter)(nil)
