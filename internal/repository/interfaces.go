// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/recruitcal/internal/model"
)

// ErrDuplicate は一意制約違反を表す。
var ErrDuplicate = errors.New("duplicate key")

// SessionRepository はプラットフォームのログインセッションの参照インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// ConnectionRepository はカレンダー接続の永続化インターフェース。
type ConnectionRepository interface {
	// FindByID は指定IDの接続を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.CalendarConnection, error)

	// FindByUserAndProvider はユーザーとプロバイダーで接続を取得する。見つからない場合はnilを返す。
	FindByUserAndProvider(ctx context.Context, userID string, provider model.Provider) (*model.CalendarConnection, error)

	// FindActiveByUserID はユーザーの有効な接続のうち最後に更新されたものを返す。
	// 見つからない場合はnilを返す。
	FindActiveByUserID(ctx context.Context, userID string) (*model.CalendarConnection, error)

	// ListByUserID はユーザーの接続一覧を返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.CalendarConnection, error)

	// Upsert は(user_id, provider)で接続を作成または更新し、有効化する。
	// 既存の予約ルールと選択カレンダーは維持し、connに読み戻す。
	Upsert(ctx context.Context, conn *model.CalendarConnection) error

	// UpdateCredential はアクセストークン・リフレッシュトークン・有効期限を1回のUPDATEで更新する。
	UpdateCredential(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error

	// Deactivate は接続を無効化する。
	Deactivate(ctx context.Context, id string) error

	// UpdateSettings は予約ルールと選択カレンダーを更新する。
	UpdateSettings(ctx context.Context, conn *model.CalendarConnection) error

	// DeleteByUserAndProvider は接続を削除する。存在しない場合もエラーにしない。
	DeleteByUserAndProvider(ctx context.Context, userID string, provider model.Provider) error
}

// MeetingTypeRepository は面談種別の永続化インターフェース。
type MeetingTypeRepository interface {
	// FindByID は指定IDの面談種別を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.MeetingType, error)

	// FindBySlug はスラッグで面談種別を取得する。見つからない場合はnilを返す。
	FindBySlug(ctx context.Context, slug string) (*model.MeetingType, error)

	// ListForUser はユーザーが所有または利用を許可された面談種別を返す。
	ListForUser(ctx context.Context, userID string) ([]*model.MeetingType, error)

	// Create は面談種別を作成する。スラッグが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, mt *model.MeetingType) error

	// Update は面談種別を更新する。スラッグが重複する場合はErrDuplicateを返す。
	Update(ctx context.Context, mt *model.MeetingType) error
}

// BookingTokenRepository は予約トークンの永続化インターフェース。
type BookingTokenRepository interface {
	// FindByToken はトークン文字列で予約トークンを取得する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.BookingToken, error)

	// Issue は選考ステップに対するトークンを発行する。
	// 既存トークンが使用済みまたは期限切れの場合は置き換え、有効なトークンが残っている場合はfalseを返す。
	Issue(ctx context.Context, token *model.BookingToken, now time.Time) (bool, error)

	// DeleteExpiredBefore はcutoffより前に期限切れとなったトークンを削除し、件数を返す。
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BookingRepository は予約の永続化インターフェース。
type BookingRepository interface {
	// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Booking, error)

	// ListByOrganizer は主催者の予約のうち[from, to)と重なるものを開始時刻順に返す。
	// statusesを指定した場合はその状態のみを返す。
	ListByOrganizer(ctx context.Context, organizerID string, from, to time.Time, statuses ...model.BookingStatus) ([]*model.Booking, error)

	// CountActiveByMeetingType は[from, to)に開始する保留中・確定済みの予約数を返す。
	CountActiveByMeetingType(ctx context.Context, meetingTypeID string, from, to time.Time) (int, error)

	// UpdateStatus は状態とキャンセル情報を更新する。
	UpdateStatus(ctx context.Context, b *model.Booking) error
}

// StageInstanceRepository はATS側の選考ステップの参照インターフェース。
type StageInstanceRepository interface {
	// FindByID は指定IDの選考ステップを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.StageInstance, error)
}

// BookingTx は予約確定の1トランザクション内で行う操作。
type BookingTx interface {
	// ConsumeToken は未使用かつ期限内のトークンを使用済みにする。
	// 条件を満たさない場合はnilを返す。同時に2件の消費が成功することはない。
	ConsumeToken(ctx context.Context, token string, now time.Time) (*model.BookingToken, error)

	// CreateBooking は予約を作成する。
	CreateBooking(ctx context.Context, b *model.Booking) error

	// UpdateBookingEvent は外部予定の情報と状態を更新する。
	UpdateBookingEvent(ctx context.Context, b *model.Booking) error

	// UpdateBookingSchedule は予約日時を更新する。
	UpdateBookingSchedule(ctx context.Context, b *model.Booking) error

	// UpdateBookingStatus は状態とキャンセル情報を更新する。
	UpdateBookingStatus(ctx context.Context, b *model.Booking) error

	// UpdateStageSchedule は選考ステップに日時・会議リンク・予定IDを書き戻す。
	// scheduledAtがnilの場合は日程をクリアする。
	UpdateStageSchedule(ctx context.Context, stageInstanceID string, scheduledAt *time.Time, meetingLink, eventID string) error

	// LockProfileStage は候補者プロフィールを行ロックし、現在のオンボーディングステージを返す。
	// プロフィールが存在しない場合はfalseを返す。
	LockProfileStage(ctx context.Context, profileID string) (model.OnboardingStage, bool, error)

	// UpdateProfileStage は候補者プロフィールのオンボーディングステージを更新する。
	UpdateProfileStage(ctx context.Context, profileID string, stage model.OnboardingStage) error
}

// UnitOfWork は予約確定処理を1トランザクションで実行する。
type UnitOfWork interface {
	// RunInTx はfnをトランザクション内で実行する。fnがエラーを返した場合はロールバックする。
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx BookingTx) error) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
