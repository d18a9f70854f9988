// Package booking は外部の参加者が自分で面談日程を確定するワークフローを提供する。
// トークンの発行と検証、空き枠の提示、予約の確定と外部カレンダーへの予定作成、
// その後の状態遷移を扱う。
package booking

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/recruitcal/internal/calendar"
	"github.com/hitoshi/recruitcal/internal/metrics"
	"github.com/hitoshi/recruitcal/internal/model"
	"github.com/hitoshi/recruitcal/internal/notify"
	"github.com/hitoshi/recruitcal/internal/repository"
	"github.com/hitoshi/recruitcal/internal/security"
)

const (
	// DefaultTokenTTL は予約トークンの既定の有効期間。
	DefaultTokenTTL = 7 * 24 * time.Hour

	// defaultDurationMinutes は選考ステップにも面談種別にも所要時間がない場合の値。
	defaultDurationMinutes = 30
)

// Calendars は主催者のカレンダー接続を介したプロバイダー操作。
// connection.Serviceが実装する。
type Calendars interface {
	Get(ctx context.Context, userID string, provider model.Provider) (*model.CalendarConnection, error)
	ActiveForUser(ctx context.Context, userID string) (*model.CalendarConnection, error)
	FreeBusy(ctx context.Context, conn *model.CalendarConnection, start, end time.Time) ([]model.BusyPeriod, error)
	CreateEvent(ctx context.Context, conn *model.CalendarConnection, in calendar.EventInput) (*calendar.CreatedEvent, error)
	UpdateEvent(ctx context.Context, conn *model.CalendarConnection, eventID string, in calendar.EventInput) error
	DeleteEvent(ctx context.Context, conn *model.CalendarConnection, eventID string) error
}

// Repositories は予約ワークフローが使うリポジトリ群。
type Repositories struct {
	Tokens       repository.BookingTokenRepository
	Bookings     repository.BookingRepository
	Stages       repository.StageInstanceRepository
	MeetingTypes repository.MeetingTypeRepository
	UnitOfWork   repository.UnitOfWork
}

// ServiceConfig は予約サービスの設定。
type ServiceConfig struct {
	TokenTTL time.Duration // 0の場合はDefaultTokenTTL
}

// Service は予約ワークフローのビジネスロジックを提供する。
type Service struct {
	repos     Repositories
	calendars Calendars
	publisher notify.Publisher
	sanitizer security.TextSanitizer
	metrics   metrics.MetricsCollector
	config    ServiceConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。publisherとmcはnilの場合に何もしない実装を使う。
func NewService(
	repos Repositories,
	calendars Calendars,
	publisher notify.Publisher,
	sanitizer security.TextSanitizer,
	mc metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = DefaultTokenTTL
	}
	return &Service{
		repos:     repos,
		calendars: calendars,
		publisher: publisher,
		sanitizer: sanitizer,
		metrics:   mc,
		config:    config,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// publish は予約イベントを送信する。失敗はログに記録するのみで呼び出し元には返さない。
func (s *Service) publish(ctx context.Context, typ notify.EventType, b *model.Booking) {
	if err := s.publisher.Publish(ctx, notify.NewEvent(typ, b, s.now())); err != nil {
		s.logger.Warn("failed to publish booking event",
			slog.String("booking_id", b.ID),
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

// findMeetingType はIDが空でなければ面談種別を取得する。存在しない場合はnilを返す。
func (s *Service) findMeetingType(ctx context.Context, id string) (*model.MeetingType, error) {
	if id == "" {
		return nil, nil
	}
	mt, err := s.repos.MeetingTypes.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find meeting type: %w", err)
	}
	return mt, nil
}

// generateToken は推測不可能な64文字の16進トークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate booking token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
