// Package calendar は外部カレンダープロバイダー（Google / Microsoft）との通信を提供する。
// 上位層はAdapterインターフェースのみを使い、プロバイダー固有のリクエスト形式はこのパッケージに閉じる。
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/recruitcal/internal/model"
)

// Token はOAuthトークンエンドポイントの応答を表す。
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	// RefreshRotated はリフレッシュ時に新しいリフレッシュトークンが発行されたかを示す。
	RefreshRotated bool
}

// Identity はプロバイダー側のアカウント情報。
type Identity struct {
	ProviderUserID string
	Email          string
}

// EventInput は予定の作成・更新内容。
type EventInput struct {
	Title          string
	Description    string
	Start          time.Time
	End            time.Time
	Timezone       string
	Location       string
	LocationKind   model.LocationKind
	AttendeeEmails []string
	WantVideoLink  bool
	// MeetingURL は既に確定している会議参加URL。更新時も本文に残す。
	MeetingURL string
}

// videoRequested はビデオ会議リンクを生成すべきかを返す。対面の場合は常にfalse。
func (in EventInput) videoRequested() bool {
	return in.WantVideoLink && in.LocationKind.WantsVideoLink()
}

// CreatedEvent は作成された予定のIDとビデオ会議リンク。
type CreatedEvent struct {
	EventID   string
	VideoLink string
}

// Adapter は外部カレンダープロバイダーごとの実装を抽象化する。
// アクセストークンは呼び出し側（接続管理）が有効性を保証する。
type Adapter interface {
	Provider() model.Provider
	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*Token, error)
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	FetchIdentity(ctx context.Context, accessToken string) (*Identity, error)
	ListCalendars(ctx context.Context, accessToken string) ([]model.Calendar, error)
	FreeBusy(ctx context.Context, accessToken, calendarID string, start, end time.Time) ([]model.BusyPeriod, error)
	CreateEvent(ctx context.Context, accessToken, calendarID string, in EventInput) (*CreatedEvent, error)
	UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, in EventInput) error
	DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error
}

// Registry はプロバイダー種別からAdapterを引く。
type Registry map[model.Provider]Adapter

// NewRegistry は設定済みのAdapterからRegistryを生成する。nilは無視する。
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		if a != nil {
			r[a.Provider()] = a
		}
	}
	return r
}

// Get はプロバイダーに対応するAdapterを返す。未設定の場合はエラーを返す。
func (r Registry) Get(provider model.Provider) (Adapter, error) {
	a, ok := r[provider]
	if !ok {
		return nil, model.NewUnsupportedProviderError(string(provider))
	}
	return a, nil
}

// oauthFlow は認可コードフローとリフレッシュの共通処理。
type oauthFlow struct {
	provider   model.Provider
	config     *oauth2.Config
	client     *httpClient
	authParams []oauth2.AuthCodeOption
}

func (f *oauthFlow) authURL(state string) string {
	return f.config.AuthCodeURL(state, f.authParams...)
}

func (f *oauthFlow) exchange(ctx context.Context, code string) (*Token, error) {
	tok, err := f.config.Exchange(f.client.oauthContext(ctx), code)
	if err != nil {
		return nil, retrieveError(f.provider, "exchange_code", err)
	}
	if tok.AccessToken == "" {
		return nil, &model.ProviderAPIError{Provider: f.provider, Operation: "exchange_code", StatusCode: 200, Message: "empty access token in response"}
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiryOf(tok),
	}, nil
}

func (f *oauthFlow) refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token stored")
	}
	src := f.config.TokenSource(f.client.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, retrieveError(f.provider, "refresh", err)
	}
	return &Token{
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		ExpiresAt:      expiryOf(tok),
		RefreshRotated: tok.RefreshToken != "" && tok.RefreshToken != refreshToken,
	}, nil
}

// expiryOf はトークンの有効期限を返す。expires_inが無い応答は1時間とみなす。
func expiryOf(tok *oauth2.Token) time.Time {
	if tok.Expiry.IsZero() {
		return time.Now().Add(time.Hour)
	}
	return tok.Expiry
}

// retrieveError はoauth2のエラーをProviderAPIErrorに変換する。
func retrieveError(provider model.Provider, op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		msg := re.ErrorCode
		if re.ErrorDescription != "" {
			msg = fmt.Sprintf("%s: %s", re.ErrorCode, re.ErrorDescription)
		}
		if msg == "" {
			msg = string(re.Body)
		}
		return &model.ProviderAPIError{Provider: provider, Operation: op, StatusCode: status, Message: msg}
	}
	return &model.ProviderAPIError{Provider: provider, Operation: op, Message: err.Error()}
}
