package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/recruitcal/internal/model"
)

// PostgresStageInstanceRepo はATSが所有する選考ステップを参照するリポジトリ。
type PostgresStageInstanceRepo struct {
	db *sql.DB
}

// NewPostgresStageInstanceRepo はPostgresStageInstanceRepoを生成する。
func NewPostgresStageInstanceRepo(db *sql.DB) *PostgresStageInstanceRepo {
	return &PostgresStageInstanceRepo{db: db}
}

// FindByID は指定IDの選考ステップを取得する。見つからない場合はnilを返す。
func (r *PostgresStageInstanceRepo) FindByID(ctx context.Context, id string) (*model.StageInstance, error) {
	si := &model.StageInstance{}
	var profileID, meetingTypeID sql.NullString
	var scheduledAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, profile_id, organizer_id, meeting_type_id, title, default_duration_minutes,
			location_kind, scheduled_at, meeting_link, calendar_event_id
		 FROM stage_instances WHERE id = $1`,
		id,
	).Scan(&si.ID, &profileID, &si.OrganizerID, &meetingTypeID, &si.Title, &si.DefaultDurationMinutes,
		&si.LocationKind, &scheduledAt, &si.MeetingLink, &si.CalendarEventID)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find stage instance: %w", err)
	}
	si.ProfileID = profileID.String
	si.MeetingTypeID = meetingTypeID.String
	si.ScheduledAt = timePtr(scheduledAt)
	return si, nil
}

// compile-time interface check
var _ StageInstanceRepository = (*PostgresStageInstanceRepo)(nil)
