package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/recruitcal/internal/model"
)

// PostgresBookingRepo はPostgreSQLを使用した予約リポジトリ。
type PostgresBookingRepo struct {
	db *sql.DB
}

// NewPostgresBookingRepo はPostgresBookingRepoを生成する。
func NewPostgresBookingRepo(db *sql.DB) *PostgresBookingRepo {
	return &PostgresBookingRepo{db: db}
}

const bookingColumns = `id, meeting_type_id, organizer_id, stage_instance_id,
	attendee_user_id, attendee_profile_id, attendee_name, attendee_email, attendee_phone, attendee_company,
	title, description, scheduled_at, duration_minutes, timezone, location_kind, meeting_url, location,
	calendar_event_id, calendar_provider, status, cancelled_at, cancelled_by, cancellation_reason,
	internal_notes, source, created_at, updated_at`

func scanBooking(row interface{ Scan(...any) error }) (*model.Booking, error) {
	b := &model.Booking{}
	var meetingTypeID, stageInstanceID, attendeeUserID, attendeeProfileID sql.NullString
	var cancelledAt sql.NullTime
	err := row.Scan(
		&b.ID, &meetingTypeID, &b.OrganizerID, &stageInstanceID,
		&attendeeUserID, &attendeeProfileID, &b.Attendee.Name, &b.Attendee.Email, &b.Attendee.Phone, &b.Attendee.Company,
		&b.Title, &b.Description, &b.ScheduledAt, &b.DurationMinutes, &b.Timezone, &b.LocationKind, &b.MeetingURL, &b.Location,
		&b.CalendarEventID, &b.CalendarProvider, &b.Status, &cancelledAt, &b.CancelledBy, &b.CancellationReason,
		&b.InternalNotes, &b.Source, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.MeetingTypeID = meetingTypeID.String
	b.StageInstanceID = stageInstanceID.String
	b.Attendee.UserID = attendeeUserID.String
	b.Attendee.ProfileID = attendeeProfileID.String
	b.CancelledAt = timePtr(cancelledAt)
	return b, nil
}

// FindByID は指定IDの予約を取得する。見つからない場合はnilを返す。
func (r *PostgresBookingRepo) FindByID(ctx context.Context, id string) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find booking: %w", err)
	}
	return b, nil
}

// ListByOrganizer は主催者の予約のうち[from, to)と重なるものを開始時刻順に返す。
func (r *PostgresBookingRepo) ListByOrganizer(ctx context.Context, organizerID string, from, to time.Time, statuses ...model.BookingStatus) ([]*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
		WHERE organizer_id = $1
		  AND scheduled_at < $3
		  AND scheduled_at + make_interval(mins => duration_minutes) > $2`
	args := []any{organizerID, from, to}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		query += ` AND status = ANY($4)`
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY scheduled_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bookings: %w", err)
	}
	return bookings, nil
}

// CountActiveByMeetingType は[from, to)に開始する保留中・確定済みの予約数を返す。
func (r *PostgresBookingRepo) CountActiveByMeetingType(ctx context.Context, meetingTypeID string, from, to time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bookings
		 WHERE meeting_type_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		   AND status IN ('pending', 'confirmed')`,
		meetingTypeID, from, to,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bookings: %w", err)
	}
	return count, nil
}

// UpdateStatus は状態とキャンセル情報を更新する。
func (r *PostgresBookingRepo) UpdateStatus(ctx context.Context, b *model.Booking) error {
	return updateBookingStatus(ctx, r.db, b)
}

// execer は*sql.DBと*sql.Txの共通部分。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateBookingStatus(ctx context.Context, db execer, b *model.Booking) error {
	result, err := db.ExecContext(ctx,
		`UPDATE bookings SET status = $2, cancelled_at = $3, cancelled_by = $4,
			cancellation_reason = $5, updated_at = $6
		 WHERE id = $1`,
		b.ID, string(b.Status), nullTime(b.CancelledAt), b.CancelledBy, b.CancellationReason, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	return requireRow(result, "booking", b.ID)
}

// compile-time interface check
var _ BookingRepository = (*PostgresBookingRepo)(nil)
