package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/recruitcal/internal/model"
)

// PostgresMeetingTypeRepo はPostgreSQLを使用した面談種別リポジトリ。
type PostgresMeetingTypeRepo struct {
	db *sql.DB
}

// NewPostgresMeetingTypeRepo はPostgresMeetingTypeRepoを生成する。
func NewPostgresMeetingTypeRepo(db *sql.DB) *PostgresMeetingTypeRepo {
	return &PostgresMeetingTypeRepo{db: db}
}

const meetingTypeColumns = `id, owner_id, allowed_user_ids, name, slug, category, description,
	duration_minutes, buffer_before_minutes, buffer_after_minutes, location_kind, custom_location,
	is_active, requires_approval, max_bookings_per_day, guest_stage, member_stage, stage_policy,
	created_at, updated_at`

func scanMeetingType(row interface{ Scan(...any) error }) (*model.MeetingType, error) {
	mt := &model.MeetingType{}
	var allowed pq.StringArray
	var maxPerDay sql.NullInt64
	err := row.Scan(
		&mt.ID, &mt.OwnerID, &allowed, &mt.Name, &mt.Slug, &mt.Category, &mt.Description,
		&mt.DurationMinutes, &mt.BufferBeforeMinutes, &mt.BufferAfterMinutes, &mt.LocationKind, &mt.CustomLocation,
		&mt.IsActive, &mt.RequiresApproval, &maxPerDay, &mt.GuestStage, &mt.MemberStage, &mt.StagePolicy,
		&mt.CreatedAt, &mt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	mt.AllowedUserIDs = []string(allowed)
	mt.MaxBookingsPerDay = intPtr(maxPerDay)
	return mt, nil
}

func (r *PostgresMeetingTypeRepo) findOne(ctx context.Context, query string, args ...any) (*model.MeetingType, error) {
	mt, err := scanMeetingType(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find meeting type: %w", err)
	}
	return mt, nil
}

// FindByID は指定IDの面談種別を取得する。見つからない場合はnilを返す。
func (r *PostgresMeetingTypeRepo) FindByID(ctx context.Context, id string) (*model.MeetingType, error) {
	return r.findOne(ctx, `SELECT `+meetingTypeColumns+` FROM meeting_types WHERE id = $1`, id)
}

// FindBySlug はスラッグで面談種別を取得する。見つからない場合はnilを返す。
func (r *PostgresMeetingTypeRepo) FindBySlug(ctx context.Context, slug string) (*model.MeetingType, error) {
	return r.findOne(ctx, `SELECT `+meetingTypeColumns+` FROM meeting_types WHERE slug = $1`, slug)
}

// ListForUser はユーザーが所有または利用を許可された面談種別を返す。
func (r *PostgresMeetingTypeRepo) ListForUser(ctx context.Context, userID string) ([]*model.MeetingType, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+meetingTypeColumns+` FROM meeting_types
		 WHERE owner_id = $1 OR $1 = ANY(allowed_user_ids)
		 ORDER BY is_active DESC, name ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list meeting types: %w", err)
	}
	defer rows.Close()

	var list []*model.MeetingType
	for rows.Next() {
		mt, err := scanMeetingType(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meeting type: %w", err)
		}
		list = append(list, mt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate meeting types: %w", err)
	}
	return list, nil
}

// Create は面談種別を作成する。スラッグが重複する場合はErrDuplicateを返す。
func (r *PostgresMeetingTypeRepo) Create(ctx context.Context, mt *model.MeetingType) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO meeting_types (`+meetingTypeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		mt.ID, mt.OwnerID, stringArray(mt.AllowedUserIDs), mt.Name, mt.Slug, mt.Category, mt.Description,
		mt.DurationMinutes, mt.BufferBeforeMinutes, mt.BufferAfterMinutes, string(mt.LocationKind), mt.CustomLocation,
		mt.IsActive, mt.RequiresApproval, nullInt(mt.MaxBookingsPerDay),
		string(mt.GuestStage), string(mt.MemberStage), string(mt.StagePolicy),
		mt.CreatedAt, mt.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create meeting type: %w", err)
	}
	return nil
}

// Update は面談種別を更新する。スラッグが重複する場合はErrDuplicateを返す。
func (r *PostgresMeetingTypeRepo) Update(ctx context.Context, mt *model.MeetingType) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE meeting_types SET
			allowed_user_ids = $2, name = $3, slug = $4, category = $5, description = $6,
			duration_minutes = $7, buffer_before_minutes = $8, buffer_after_minutes = $9,
			location_kind = $10, custom_location = $11, is_active = $12, requires_approval = $13,
			max_bookings_per_day = $14, guest_stage = $15, member_stage = $16, stage_policy = $17,
			updated_at = $18
		 WHERE id = $1`,
		mt.ID, stringArray(mt.AllowedUserIDs), mt.Name, mt.Slug, mt.Category, mt.Description,
		mt.DurationMinutes, mt.BufferBeforeMinutes, mt.BufferAfterMinutes,
		string(mt.LocationKind), mt.CustomLocation, mt.IsActive, mt.RequiresApproval,
		nullInt(mt.MaxBookingsPerDay), string(mt.GuestStage), string(mt.MemberStage), string(mt.StagePolicy),
		mt.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to update meeting type: %w", err)
	}
	return requireRow(result, "meeting type", mt.ID)
}

// stringArray はNOT NULL列に渡すため、nilを空配列にする。
func stringArray(ids []string) pq.StringArray {
	if ids == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(ids)
}

// compile-time interface check
var _ MeetingTypeRepository = (*PostgresMeetingTypeRepo)(nil)
