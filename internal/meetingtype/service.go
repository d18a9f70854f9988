// Package meetingtype は予約ページのテンプレートとなる面談種別の管理を提供する。
package meetingtype

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/recruitcal/internal/model"
	"github.com/hitoshi/recruitcal/internal/repository"
	"github.com/hitoshi/recruitcal/internal/security"
)

const (
	minDurationMinutes = 5
	maxDurationMinutes = 480
	maxBufferMinutes   = 240
	maxSlugLength      = 64
)

var (
	slugPattern  = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
)

// Input は面談種別の作成・更新内容。
type Input struct {
	Name                string
	Slug                string // 空の場合は名前から生成する
	Category            string
	Description         string
	DurationMinutes     int
	BufferBeforeMinutes int
	BufferAfterMinutes  int
	LocationKind        model.LocationKind
	CustomLocation      string
	RequiresApproval    bool
	MaxBookingsPerDay   *int
	AllowedUserIDs      []string
	GuestStage          model.OnboardingStage
	MemberStage         model.OnboardingStage
	StagePolicy         model.StagePolicy
}

// Service は面談種別の管理を行うサービス層。
type Service struct {
	repo      repository.MeetingTypeRepository
	sanitizer security.TextSanitizer
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.MeetingTypeRepository, sanitizer security.TextSanitizer) *Service {
	return &Service{repo: repo, sanitizer: sanitizer, now: time.Now}
}

// Create は面談種別を作成する。スラッグが既に使われている場合はMEETING_TYPE_SLUG_TAKENを返す。
func (s *Service) Create(ctx context.Context, ownerID string, in Input) (*model.MeetingType, error) {
	in, err := s.normalize(in)
	if err != nil {
		return nil, err
	}

	now := s.now()
	mt := &model.MeetingType{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	in.applyTo(mt)

	if err := s.repo.Create(ctx, mt); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewMeetingTypeSlugTakenError(mt.Slug)
		}
		return nil, fmt.Errorf("failed to create meeting type: %w", err)
	}

	slog.Info("meeting type created",
		slog.String("meeting_type_id", mt.ID),
		slog.String("owner_id", ownerID),
		slog.String("slug", mt.Slug),
	)
	return mt, nil
}

// Update は面談種別を更新する。所有者以外はFORBIDDENを返す。
func (s *Service) Update(ctx context.Context, id, userID string, in Input) (*model.MeetingType, error) {
	mt, err := s.ownedBy(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if in.Slug == "" {
		in.Slug = mt.Slug
	}
	in, err = s.normalize(in)
	if err != nil {
		return nil, err
	}

	in.applyTo(mt)
	mt.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, mt); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewMeetingTypeSlugTakenError(mt.Slug)
		}
		return nil, fmt.Errorf("failed to update meeting type: %w", err)
	}

	slog.Info("meeting type updated",
		slog.String("meeting_type_id", mt.ID),
		slog.String("slug", mt.Slug),
	)
	return mt, nil
}

// Deactivate は面談種別を無効化する。既存の予約は残る。
func (s *Service) Deactivate(ctx context.Context, id, userID string) error {
	mt, err := s.ownedBy(ctx, id, userID)
	if err != nil {
		return err
	}
	if !mt.IsActive {
		return nil
	}
	mt.IsActive = false
	mt.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, mt); err != nil {
		return fmt.Errorf("failed to deactivate meeting type: %w", err)
	}
	slog.Info("meeting type deactivated", slog.String("meeting_type_id", mt.ID))
	return nil
}

// Get は利用を許可されたユーザーに面談種別を返す。
func (s *Service) Get(ctx context.Context, id, userID string) (*model.MeetingType, error) {
	mt, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !mt.CanBeManagedBy(userID) {
		return nil, model.NewMeetingTypeNotFoundError(id)
	}
	return mt, nil
}

// GetBySlug は公開予約ページ用に有効な面談種別を返す。
func (s *Service) GetBySlug(ctx context.Context, slug string) (*model.MeetingType, error) {
	mt, err := s.repo.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to find meeting type: %w", err)
	}
	if mt == nil || !mt.IsActive {
		return nil, model.NewMeetingTypeNotFoundError(slug)
	}
	return mt, nil
}

// ListForUser はユーザーが所有または利用を許可された面談種別を返す。
func (s *Service) ListForUser(ctx context.Context, userID string) ([]*model.MeetingType, error) {
	list, err := s.repo.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list meeting types: %w", err)
	}
	return list, nil
}

func (s *Service) find(ctx context.Context, id string) (*model.MeetingType, error) {
	mt, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find meeting type: %w", err)
	}
	if mt == nil {
		return nil, model.NewMeetingTypeNotFoundError(id)
	}
	return mt, nil
}

func (s *Service) ownedBy(ctx context.Context, id, userID string) (*model.MeetingType, error) {
	mt, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if mt.OwnerID != userID {
		if mt.CanBeManagedBy(userID) {
			return nil, model.NewForbiddenError()
		}
		return nil, model.NewMeetingTypeNotFoundError(id)
	}
	return mt, nil
}

// normalize は入力をサニタイズし、既定値を補って検証する。
func (s *Service) normalize(in Input) (Input, error) {
	in.Name = s.sanitizer.Sanitize(in.Name)
	in.Category = s.sanitizer.Sanitize(in.Category)
	in.Description = s.sanitizer.Sanitize(in.Description)
	in.CustomLocation = s.sanitizer.Sanitize(in.CustomLocation)
	in.Slug = strings.TrimSpace(in.Slug)

	if in.Name == "" {
		return in, model.NewInvalidMeetingTypeError("名前を入力してください。")
	}
	if in.Slug == "" {
		in.Slug = Slugify(in.Name)
	}
	if in.LocationKind == "" {
		in.LocationKind = model.LocationVideo
	}
	if in.StagePolicy == "" {
		in.StagePolicy = model.StagePolicyForwardOnly
	}
	return in, in.validate()
}

func (in Input) validate() error {
	if len(in.Slug) > maxSlugLength || !slugPattern.MatchString(in.Slug) {
		return model.NewInvalidMeetingTypeError("スラッグは英小文字・数字・ハイフンで指定してください。")
	}
	if in.DurationMinutes < minDurationMinutes || in.DurationMinutes > maxDurationMinutes {
		return model.NewInvalidMeetingTypeError(fmt.Sprintf("所要時間は%d分から%d分の範囲で指定してください。", minDurationMinutes, maxDurationMinutes))
	}
	if in.BufferBeforeMinutes < 0 || in.BufferAfterMinutes < 0 ||
		in.BufferBeforeMinutes > maxBufferMinutes || in.BufferAfterMinutes > maxBufferMinutes {
		return model.NewInvalidMeetingTypeError(fmt.Sprintf("バッファは0分から%d分の範囲で指定してください。", maxBufferMinutes))
	}
	if !in.LocationKind.Valid() {
		return model.NewInvalidMeetingTypeError(fmt.Sprintf("実施形態が不正です: %s", in.LocationKind))
	}
	if !in.StagePolicy.Valid() {
		return model.NewInvalidMeetingTypeError(fmt.Sprintf("ステージの遷移ポリシーが不正です: %s", in.StagePolicy))
	}
	if !model.ValidOnboardingStage(in.GuestStage) || !model.ValidOnboardingStage(in.MemberStage) {
		return model.NewInvalidMeetingTypeError("オンボーディングステージが不正です。")
	}
	if in.MaxBookingsPerDay != nil && *in.MaxBookingsPerDay < 1 {
		return model.NewInvalidMeetingTypeError("1日あたりの予約上限は1以上を指定してください。")
	}
	return nil
}

func (in Input) applyTo(mt *model.MeetingType) {
	mt.Name = in.Name
	mt.Slug = in.Slug
	mt.Category = in.Category
	mt.Description = in.Description
	mt.DurationMinutes = in.DurationMinutes
	mt.BufferBeforeMinutes = in.BufferBeforeMinutes
	mt.BufferAfterMinutes = in.BufferAfterMinutes
	mt.LocationKind = in.LocationKind
	mt.CustomLocation = in.CustomLocation
	mt.RequiresApproval = in.RequiresApproval
	mt.MaxBookingsPerDay = in.MaxBookingsPerDay
	mt.AllowedUserIDs = dedupe(in.AllowedUserIDs, mt.OwnerID)
	mt.GuestStage = in.GuestStage
	mt.MemberStage = in.MemberStage
	mt.StagePolicy = in.StagePolicy
}

// Slugify は名前からスラッグを生成する。英数字が含まれない場合はランダムな接尾辞を使う。
func Slugify(name string) string {
	slug := strings.Trim(nonSlugChars.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(slug) > maxSlugLength-9 {
		slug = strings.TrimRight(slug[:maxSlugLength-9], "-")
	}
	if slug == "" {
		return "meeting-" + uuid.New().String()[:8]
	}
	return slug
}

// dedupe は重複と所有者自身を除いたユーザーIDの一覧を返す。
func dedupe(ids []string, ownerID string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == ownerID || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
