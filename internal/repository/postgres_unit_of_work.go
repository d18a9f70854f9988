package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/recruitcal/internal/model"
)

// PostgresUnitOfWork は予約確定処理をPostgreSQLの1トランザクションで実行する。
type PostgresUnitOfWork struct {
	db TxBeginner
}

// NewPostgresUnitOfWork はPostgresUnitOfWorkを生成する。
func NewPostgresUnitOfWork(db TxBeginner) *PostgresUnitOfWork {
	return &PostgresUnitOfWork{db: db}
}

// RunInTx はfnをトランザクション内で実行する。fnがエラーを返した場合はロールバックする。
func (u *PostgresUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context, tx BookingTx) error) error {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &postgresBookingTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// postgresBookingTx はBookingTxの*sql.Tx実装。
type postgresBookingTx struct {
	tx *sql.Tx
}

// ConsumeToken は未使用かつ期限内のトークンを条件付きUPDATEで使用済みにする。
// 同時に実行された場合、行ロックにより一方だけが行を更新できる。
func (t *postgresBookingTx) ConsumeToken(ctx context.Context, token string, now time.Time) (*model.BookingToken, error) {
	bt, err := scanBookingToken(t.tx.QueryRowContext(ctx,
		`UPDATE booking_tokens SET used = TRUE, used_at = $2
		 WHERE token = $1 AND NOT used AND expires_at > $2
		 RETURNING `+bookingTokenColumns,
		token, now,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume booking token: %w", err)
	}
	return bt, nil
}

// CreateBooking は予約を作成する。
func (t *postgresBookingTx) CreateBooking(ctx context.Context, b *model.Booking) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO bookings (`+bookingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28)`,
		b.ID, nullString(b.MeetingTypeID), b.OrganizerID, nullString(b.StageInstanceID),
		nullString(b.Attendee.UserID), nullString(b.Attendee.ProfileID),
		b.Attendee.Name, b.Attendee.Email, b.Attendee.Phone, b.Attendee.Company,
		b.Title, b.Description, b.ScheduledAt, b.DurationMinutes, b.Timezone, string(b.LocationKind),
		b.MeetingURL, b.Location, b.CalendarEventID, string(b.CalendarProvider), string(b.Status),
		nullTime(b.CancelledAt), b.CancelledBy, b.CancellationReason, b.InternalNotes, string(b.Source),
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

// UpdateBookingEvent は外部予定の情報と状態を更新する。
func (t *postgresBookingTx) UpdateBookingEvent(ctx context.Context, b *model.Booking) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE bookings SET calendar_event_id = $2, calendar_provider = $3, meeting_url = $4,
			location = $5, status = $6, updated_at = $7
		 WHERE id = $1`,
		b.ID, b.CalendarEventID, string(b.CalendarProvider), b.MeetingURL, b.Location, string(b.Status), b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking event: %w", err)
	}
	return requireRow(result, "booking", b.ID)
}

// UpdateBookingSchedule は予約日時を更新する。
func (t *postgresBookingTx) UpdateBookingSchedule(ctx context.Context, b *model.Booking) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE bookings SET scheduled_at = $2, duration_minutes = $3, meeting_url = $4, updated_at = $5
		 WHERE id = $1`,
		b.ID, b.ScheduledAt, b.DurationMinutes, b.MeetingURL, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking schedule: %w", err)
	}
	return requireRow(result, "booking", b.ID)
}

// UpdateBookingStatus は状態とキャンセル情報を更新する。
func (t *postgresBookingTx) UpdateBookingStatus(ctx context.Context, b *model.Booking) error {
	return updateBookingStatus(ctx, t.tx, b)
}

// UpdateStageSchedule は選考ステップに日時・会議リンク・予定IDを書き戻す。
func (t *postgresBookingTx) UpdateStageSchedule(ctx context.Context, stageInstanceID string, scheduledAt *time.Time, meetingLink, eventID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE stage_instances SET scheduled_at = $2, meeting_link = $3, calendar_event_id = $4, updated_at = NOW()
		 WHERE id = $1`,
		stageInstanceID, nullTime(scheduledAt), meetingLink, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to update stage schedule: %w", err)
	}
	return nil
}

// LockProfileStage は候補者プロフィールを行ロックし、現在のオンボーディングステージを返す。
func (t *postgresBookingTx) LockProfileStage(ctx context.Context, profileID string) (model.OnboardingStage, bool, error) {
	var stage model.OnboardingStage
	err := t.tx.QueryRowContext(ctx,
		`SELECT onboarding_stage FROM candidate_profiles WHERE id = $1 FOR UPDATE`,
		profileID,
	).Scan(&stage)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to lock candidate profile: %w", err)
	}
	return stage, true, nil
}

// UpdateProfileStage は候補者プロフィールのオンボーディングステージを更新する。
func (t *postgresBookingTx) UpdateProfileStage(ctx context.Context, profileID string, stage model.OnboardingStage) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE candidate_profiles SET onboarding_stage = $2, updated_at = NOW() WHERE id = $1`,
		profileID, string(stage),
	)
	if err != nil {
		return fmt.Errorf("failed to update onboarding stage: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ UnitOfWork = (*PostgresUnitOfWork)(nil)
	_ BookingTx  = (*postgresBookingTx)(nil)
)
