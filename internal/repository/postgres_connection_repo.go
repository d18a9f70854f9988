package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/recruitcal/internal/model"
)

// CredentialCipher はトークンの暗号化・復号を行うインターフェース。
type CredentialCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(value string) (string, error)
}

// PostgresConnectionRepo はPostgreSQLを使用したカレンダー接続リポジトリ。
// アクセストークンとリフレッシュトークンは暗号化して保存する。
type PostgresConnectionRepo struct {
	db     *sql.DB
	cipher CredentialCipher
}

// NewPostgresConnectionRepo はPostgresConnectionRepoを生成する。
func NewPostgresConnectionRepo(db *sql.DB, cipher CredentialCipher) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db, cipher: cipher}
}

const connectionColumns = `id, user_id, provider, access_token, refresh_token, token_expires_at,
	provider_user_id, provider_email, calendar_id, calendar_name, is_active,
	days_ahead, business_hours_start, business_hours_end, min_notice_hours, buffer_minutes,
	allowed_weekdays, timezone, created_at, updated_at`

func (r *PostgresConnectionRepo) scan(row interface{ Scan(...any) error }) (*model.CalendarConnection, error) {
	c := &model.CalendarConnection{}
	var weekdays int16
	err := row.Scan(
		&c.ID, &c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken, &c.TokenExpiresAt,
		&c.ProviderUserID, &c.ProviderEmail, &c.CalendarID, &c.CalendarName, &c.IsActive,
		&c.Rules.DaysAhead, &c.Rules.BusinessHoursStart, &c.Rules.BusinessHoursEnd,
		&c.Rules.MinNoticeHours, &c.Rules.BufferMinutes, &weekdays, &c.Rules.Timezone,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Rules.AllowedWeekdays = model.WeekdaySet(weekdays)

	if c.AccessToken, err = r.cipher.Decrypt(c.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if c.RefreshToken, err = r.cipher.Decrypt(c.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return c, nil
}

func (r *PostgresConnectionRepo) findOne(ctx context.Context, query string, args ...any) (*model.CalendarConnection, error) {
	conn, err := r.scan(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar connection: %w", err)
	}
	return conn, nil
}

// FindByID は指定IDの接続を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindByID(ctx context.Context, id string) (*model.CalendarConnection, error) {
	return r.findOne(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections WHERE id = $1`,
		id,
	)
}

// FindByUserAndProvider はユーザーとプロバイダーで接続を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindByUserAndProvider(ctx context.Context, userID string, provider model.Provider) (*model.CalendarConnection, error) {
	return r.findOne(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections WHERE user_id = $1 AND provider = $2`,
		userID, string(provider),
	)
}

// FindActiveByUserID はユーザーの有効な接続のうち最後に更新されたものを返す。
func (r *PostgresConnectionRepo) FindActiveByUserID(ctx context.Context, userID string) (*model.CalendarConnection, error) {
	return r.findOne(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections
		 WHERE user_id = $1 AND is_active
		 ORDER BY updated_at DESC LIMIT 1`,
		userID,
	)
}

// ListByUserID はユーザーの接続一覧を返す。
func (r *PostgresConnectionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.CalendarConnection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections WHERE user_id = $1 ORDER BY provider`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendar connections: %w", err)
	}
	defer rows.Close()

	var conns []*model.CalendarConnection
	for rows.Next() {
		conn, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calendar connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calendar connections: %w", err)
	}
	return conns, nil
}

// Upsert は(user_id, provider)で接続を作成または更新し、有効化する。
// 再接続時は既存の予約ルールと選択カレンダーを維持し、connに読み戻す。
// 新しいリフレッシュトークンが空の場合は既存の値を残す。
func (r *PostgresConnectionRepo) Upsert(ctx context.Context, conn *model.CalendarConnection) error {
	access, err := r.cipher.Encrypt(conn.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := r.cipher.Encrypt(conn.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	rules := conn.Rules
	saved, err := r.scan(r.db.QueryRowContext(ctx,
		`INSERT INTO calendar_connections (
			id, user_id, provider, access_token, refresh_token, token_expires_at,
			provider_user_id, provider_email, calendar_id, calendar_name, is_active,
			days_ahead, business_hours_start, business_hours_end, min_notice_hours, buffer_minutes,
			allowed_weekdays, timezone, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), calendar_connections.refresh_token),
			token_expires_at = EXCLUDED.token_expires_at,
			provider_user_id = EXCLUDED.provider_user_id,
			provider_email = EXCLUDED.provider_email,
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at
		RETURNING `+connectionColumns,
		conn.ID, conn.UserID, string(conn.Provider), access, refresh, conn.TokenExpiresAt,
		conn.ProviderUserID, conn.ProviderEmail, conn.CalendarID, conn.CalendarName,
		rules.DaysAhead, rules.BusinessHoursStart, rules.BusinessHoursEnd, rules.MinNoticeHours,
		rules.BufferMinutes, int16(rules.AllowedWeekdays), rules.Timezone, conn.CreatedAt, conn.UpdatedAt,
	))
	if err != nil {
		return fmt.Errorf("failed to upsert calendar connection: %w", err)
	}
	*conn = *saved
	return nil
}

// UpdateCredential はアクセストークン・リフレッシュトークン・有効期限を1回のUPDATEで更新する。
func (r *PostgresConnectionRepo) UpdateCredential(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	access, err := r.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := r.cipher.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE calendar_connections
		 SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, access, refresh, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return requireRow(result, "calendar connection", id)
}

// Deactivate は接続を無効化する。
func (r *PostgresConnectionRepo) Deactivate(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE calendar_connections SET is_active = FALSE, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate calendar connection: %w", err)
	}
	return nil
}

// UpdateSettings は予約ルールと選択カレンダーを更新する。
func (r *PostgresConnectionRepo) UpdateSettings(ctx context.Context, conn *model.CalendarConnection) error {
	rules := conn.Rules
	result, err := r.db.ExecContext(ctx,
		`UPDATE calendar_connections SET
			calendar_id = $2, calendar_name = $3,
			days_ahead = $4, business_hours_start = $5, business_hours_end = $6,
			min_notice_hours = $7, buffer_minutes = $8, allowed_weekdays = $9, timezone = $10,
			updated_at = $11
		 WHERE id = $1`,
		conn.ID, conn.CalendarID, conn.CalendarName,
		rules.DaysAhead, rules.BusinessHoursStart, rules.BusinessHoursEnd,
		rules.MinNoticeHours, rules.BufferMinutes, int16(rules.AllowedWeekdays), rules.Timezone,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update calendar settings: %w", err)
	}
	return requireRow(result, "calendar connection", conn.ID)
}

// DeleteByUserAndProvider は接続を削除する。存在しない場合もエラーにしない。
func (r *PostgresConnectionRepo) DeleteByUserAndProvider(ctx context.Context, userID string, provider model.Provider) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM calendar_connections WHERE user_id = $1 AND provider = $2`,
		userID, string(provider),
	)
	if err != nil {
		return fmt.Errorf("failed to delete calendar connection: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ConnectionRepository = (*PostgresConnectionRepo)(nil)
