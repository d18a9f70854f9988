// Package connection は外部カレンダー接続のOAuthライフサイクル、トークン更新、予約ルール設定を管理する。
// プロバイダー呼び出しの前には必ずEnsureValidCredentialを通す。
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/recruitcal/internal/calendar"
	"github.com/hitoshi/recruitcal/internal/metrics"
	"github.com/hitoshi/recruitcal/internal/model"
	"github.com/hitoshi/recruitcal/internal/repository"
)

// RefreshWindow はこの時間以内に期限切れとなるトークンを更新対象とする。
const RefreshWindow = 5 * time.Minute

// Service はカレンダー接続に関するビジネスロジックを提供する。
type Service struct {
	adapters calendar.Registry
	repo     repository.ConnectionRepository
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
	locks    keyedMutex
}

// NewService はServiceを生成する。mcがnilの場合はメトリクスを記録しない。
func NewService(adapters calendar.Registry, repo repository.ConnectionRepository, mc metrics.MetricsCollector) *Service {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Service{
		adapters: adapters,
		repo:     repo,
		metrics:  mc,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// Initiate はプロバイダーの認可URLを返す。stateの保存と検証は呼び出し側が行う。
func (s *Service) Initiate(provider model.Provider, userID, state string) (string, error) {
	adapter, err := s.adapters.Get(provider)
	if err != nil {
		return "", err
	}
	s.logger.Info("calendar authorization initiated",
		slog.String("user_id", userID),
		slog.String("provider", string(provider)),
	)
	return adapter.AuthURL(state), nil
}

// Complete は認可コードをトークンに交換し、アカウント情報を取得して接続を保存する。
// 交換またはアカウント情報の取得に失敗した場合は何も保存せずAuthErrorを返す。
func (s *Service) Complete(ctx context.Context, provider model.Provider, code, userID string) (*model.CalendarConnection, error) {
	adapter, err := s.adapters.Get(provider)
	if err != nil {
		return nil, err
	}

	tok, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		s.logger.Warn("calendar code exchange failed",
			slog.String("user_id", userID),
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewAuthError(provider, err)
	}

	identity, err := adapter.FetchIdentity(ctx, tok.AccessToken)
	if err != nil {
		s.logger.Warn("calendar identity fetch failed",
			slog.String("user_id", userID),
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewAuthError(provider, err)
	}

	now := s.now()
	conn := &model.CalendarConnection{
		ID:             uuid.New().String(),
		UserID:         userID,
		Provider:       provider,
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		TokenExpiresAt: tok.ExpiresAt,
		ProviderUserID: identity.ProviderUserID,
		ProviderEmail:  identity.Email,
		IsActive:       true,
		Rules:          model.DefaultBookingRules(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to save calendar connection: %w", err)
	}

	s.logger.Info("calendar connected",
		slog.String("user_id", userID),
		slog.String("provider", string(provider)),
		slog.String("connection_id", conn.ID),
	)
	return conn, nil
}

// fresh はトークンが更新不要（期限までRefreshWindowより長い）かを返す。
func (s *Service) fresh(conn *model.CalendarConnection) bool {
	return conn.AccessToken != "" && conn.TokenExpiresAt.After(s.now().Add(RefreshWindow))
}

// EnsureValidCredential は有効なアクセストークンを返す。
// 期限まで5分以上あるトークンはネットワーク呼び出しなしにそのまま返す。
// 更新に失敗した場合は接続を無効化し、再接続が必要なことを示すエラーを返す。
func (s *Service) EnsureValidCredential(ctx context.Context, conn *model.CalendarConnection) (string, error) {
	if !conn.IsActive {
		return "", model.NewCredentialExpiredError(conn.Provider, nil)
	}
	if s.fresh(conn) {
		return conn.AccessToken, nil
	}
	return s.refresh(ctx, conn, "")
}

// refresh は接続ごとのロック内で最新の行を読み直し、必要な場合のみトークンを更新する。
// rejectedTokenが空でない場合は、そのトークンがプロバイダーに拒否されたものとして強制的に更新する。
func (s *Service) refresh(ctx context.Context, conn *model.CalendarConnection, rejectedToken string) (string, error) {
	unlock := s.locks.lock(conn.ID)
	defer unlock()

	current, err := s.repo.FindByID(ctx, conn.ID)
	if err != nil {
		return "", fmt.Errorf("failed to reload calendar connection: %w", err)
	}
	if current == nil || !current.IsActive {
		conn.IsActive = false
		return "", model.NewCredentialExpiredError(conn.Provider, nil)
	}

	// 他の呼び出しが既に更新済み
	if s.fresh(current) && (rejectedToken == "" || current.AccessToken != rejectedToken) {
		copyCredential(conn, current)
		return current.AccessToken, nil
	}

	adapter, err := s.adapters.Get(current.Provider)
	if err != nil {
		return "", err
	}

	start := s.now()
	tok, err := adapter.Refresh(ctx, current.RefreshToken)
	s.observe(current.Provider, "refresh", err, s.now().Sub(start))
	if err != nil {
		s.metrics.RecordTokenRefresh(string(current.Provider), false)
		s.logger.Warn("calendar token refresh failed, deactivating connection",
			slog.String("connection_id", current.ID),
			slog.String("provider", string(current.Provider)),
			slog.String("error", err.Error()),
		)
		if derr := s.repo.Deactivate(ctx, current.ID); derr != nil {
			s.logger.Error("failed to deactivate calendar connection",
				slog.String("connection_id", current.ID),
				slog.String("error", derr.Error()),
			)
		}
		conn.IsActive = false
		return "", model.NewCredentialExpiredError(current.Provider, err)
	}
	s.metrics.RecordTokenRefresh(string(current.Provider), true)

	refreshToken := current.RefreshToken
	if tok.RefreshRotated {
		refreshToken = tok.RefreshToken
	}
	if err := s.repo.UpdateCredential(ctx, current.ID, tok.AccessToken, refreshToken, tok.ExpiresAt); err != nil {
		return "", fmt.Errorf("failed to save refreshed credential: %w", err)
	}

	conn.AccessToken = tok.AccessToken
	conn.RefreshToken = refreshToken
	conn.TokenExpiresAt = tok.ExpiresAt
	conn.IsActive = true

	s.logger.Info("calendar token refreshed",
		slog.String("connection_id", current.ID),
		slog.String("provider", string(current.Provider)),
		slog.Bool("refresh_rotated", tok.RefreshRotated),
	)
	return tok.AccessToken, nil
}

func copyCredential(dst, src *model.CalendarConnection) {
	dst.AccessToken = src.AccessToken
	dst.RefreshToken = src.RefreshToken
	dst.TokenExpiresAt = src.TokenExpiresAt
	dst.IsActive = src.IsActive
}

// observe はプロバイダー呼び出しの結果をメトリクスに記録する。
func (s *Service) observe(provider model.Provider, op string, err error, d time.Duration) {
	status := 200
	if err != nil {
		status = 0
		var perr *model.ProviderAPIError
		if errors.As(err, &perr) {
			status = perr.StatusCode
		}
	}
	s.metrics.RecordProviderRequest(string(provider), op, status, d)
}

// call は有効なトークンでfnを実行する。プロバイダーが401を返した場合のみ
// トークンを強制更新して1回だけ再実行する。それ以外はリトライしない。
func (s *Service) call(ctx context.Context, conn *model.CalendarConnection, op string, fn func(adapter calendar.Adapter, token string) error) error {
	adapter, err := s.adapters.Get(conn.Provider)
	if err != nil {
		return err
	}
	token, err := s.EnsureValidCredential(ctx, conn)
	if err != nil {
		return err
	}

	start := s.now()
	err = fn(adapter, token)
	s.observe(conn.Provider, op, err, s.now().Sub(start))

	var perr *model.ProviderAPIError
	if !errors.As(err, &perr) || !perr.IsUnauthorized() {
		return err
	}

	s.logger.Info("provider rejected access token, refreshing once",
		slog.String("connection_id", conn.ID),
		slog.String("operation", op),
	)
	token, err = s.refresh(ctx, conn, token)
	if err != nil {
		return err
	}

	start = s.now()
	err = fn(adapter, token)
	s.observe(conn.Provider, op, err, s.now().Sub(start))
	return err
}

// ListCalendars は書き込み可能なカレンダーの一覧を返す。
func (s *Service) ListCalendars(ctx context.Context, conn *model.CalendarConnection) ([]model.Calendar, error) {
	var calendars []model.Calendar
	err := s.call(ctx, conn, "list_calendars", func(a calendar.Adapter, token string) error {
		var err error
		calendars, err = a.ListCalendars(ctx, token)
		return err
	})
	return calendars, err
}

// FreeBusy は選択カレンダーの[start, end)のビジー区間を返す。
func (s *Service) FreeBusy(ctx context.Context, conn *model.CalendarConnection, start, end time.Time) ([]model.BusyPeriod, error) {
	var busy []model.BusyPeriod
	err := s.call(ctx, conn, "free_busy", func(a calendar.Adapter, token string) error {
		var err error
		busy, err = a.FreeBusy(ctx, token, conn.TargetCalendarID(), start, end)
		return err
	})
	return busy, err
}

// CreateEvent は選択カレンダーに予定を作成する。
func (s *Service) CreateEvent(ctx context.Context, conn *model.CalendarConnection, in calendar.EventInput) (*calendar.CreatedEvent, error) {
	var created *calendar.CreatedEvent
	err := s.call(ctx, conn, "create_event", func(a calendar.Adapter, token string) error {
		var err error
		created, err = a.CreateEvent(ctx, token, conn.TargetCalendarID(), in)
		return err
	})
	return created, err
}

// UpdateEvent は予定を更新する。
func (s *Service) UpdateEvent(ctx context.Context, conn *model.CalendarConnection, eventID string, in calendar.EventInput) error {
	return s.call(ctx, conn, "update_event", func(a calendar.Adapter, token string) error {
		return a.UpdateEvent(ctx, token, conn.TargetCalendarID(), eventID, in)
	})
}

// DeleteEvent は予定を削除する。既に存在しない場合も成功とする。
func (s *Service) DeleteEvent(ctx context.Context, conn *model.CalendarConnection, eventID string) error {
	return s.call(ctx, conn, "delete_event", func(a calendar.Adapter, token string) error {
		return a.DeleteEvent(ctx, token, conn.TargetCalendarID(), eventID)
	})
}

// ListConnections はユーザーの接続一覧を返す。
func (s *Service) ListConnections(ctx context.Context, userID string) ([]*model.CalendarConnection, error) {
	conns, err := s.repo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendar connections: %w", err)
	}
	return conns, nil
}

// Get はユーザーとプロバイダーの接続を返す。存在しない場合はCALENDAR_NOT_CONNECTEDを返す。
func (s *Service) Get(ctx context.Context, userID string, provider model.Provider) (*model.CalendarConnection, error) {
	conn, err := s.repo.FindByUserAndProvider(ctx, userID, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar connection: %w", err)
	}
	if conn == nil {
		return nil, model.NewCalendarNotConnectedError()
	}
	return conn, nil
}

// ActiveForUser はユーザーの有効な接続を返す。無い場合はCALENDAR_NOT_CONNECTEDを返す。
func (s *Service) ActiveForUser(ctx context.Context, userID string) (*model.CalendarConnection, error) {
	conn, err := s.repo.FindActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find active calendar connection: %w", err)
	}
	if conn == nil {
		return nil, model.NewCalendarNotConnectedError()
	}
	return conn, nil
}

// Disconnect は接続を削除する。接続が存在しない場合も成功とする。
func (s *Service) Disconnect(ctx context.Context, userID string, provider model.Provider) error {
	if err := s.repo.DeleteByUserAndProvider(ctx, userID, provider); err != nil {
		return fmt.Errorf("failed to delete calendar connection: %w", err)
	}
	s.logger.Info("calendar disconnected",
		slog.String("user_id", userID),
		slog.String("provider", string(provider)),
	)
	return nil
}
