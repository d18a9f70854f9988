package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/recruitcal/internal/model"
)

// PostgresBookingTokenRepo はPostgreSQLを使用した予約トークンリポジトリ。
type PostgresBookingTokenRepo struct {
	db *sql.DB
}

// NewPostgresBookingTokenRepo はPostgresBookingTokenRepoを生成する。
func NewPostgresBookingTokenRepo(db *sql.DB) *PostgresBookingTokenRepo {
	return &PostgresBookingTokenRepo{db: db}
}

const bookingTokenColumns = `id, token, stage_instance_id, expires_at, used, used_at, created_at`

func scanBookingToken(row interface{ Scan(...any) error }) (*model.BookingToken, error) {
	t := &model.BookingToken{}
	var usedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.Token, &t.StageInstanceID, &t.ExpiresAt, &t.Used, &usedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.UsedAt = timePtr(usedAt)
	return t, nil
}

// FindByToken はトークン文字列で予約トークンを取得する。見つからない場合はnilを返す。
func (r *PostgresBookingTokenRepo) FindByToken(ctx context.Context, token string) (*model.BookingToken, error) {
	t, err := scanBookingToken(r.db.QueryRowContext(ctx,
		`SELECT `+bookingTokenColumns+` FROM booking_tokens WHERE token = $1`,
		token,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find booking token: %w", err)
	}
	return t, nil
}

// Issue は選考ステップに対するトークンを発行する。
// 既存トークンが使用済みまたは期限切れの場合だけ置き換え、有効なトークンが残っている場合はfalseを返す。
func (r *PostgresBookingTokenRepo) Issue(ctx context.Context, token *model.BookingToken, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO booking_tokens (id, token, stage_instance_id, expires_at, used, used_at, created_at)
		 VALUES ($1, $2, $3, $4, FALSE, NULL, $5)
		 ON CONFLICT (stage_instance_id) DO UPDATE SET
			id = EXCLUDED.id,
			token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at,
			used = FALSE,
			used_at = NULL,
			created_at = EXCLUDED.created_at
		 WHERE booking_tokens.used OR booking_tokens.expires_at <= $6`,
		token.ID, token.Token, token.StageInstanceID, token.ExpiresAt, token.CreatedAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to issue booking token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// DeleteExpiredBefore はcutoffより前に期限切れとなったトークンを削除し、件数を返す。
func (r *PostgresBookingTokenRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM booking_tokens WHERE expires_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired booking tokens: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}

// compile-time interface check
var _ BookingTokenRepository = (*PostgresBookingTokenRepo)(nil)
