package booking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/recruitcal/internal/model"
)

// TokenDetails は予約ページの表示に必要なトークンの情報。
type TokenDetails struct {
	Token           *model.BookingToken
	Stage           *model.StageInstance
	MeetingType     *model.MeetingType // 選考ステップに面談種別がない場合はnil
	DurationMinutes int
	LocationKind    model.LocationKind
}

// IssueToken は選考ステップに対して有効期限付きの予約トークンを発行する。
// 有効なトークンが既に存在する場合はBOOKING_TOKEN_ALREADY_ISSUEDを返す。
// 使用済みまたは期限切れのトークンは新しいトークンに置き換える。
func (s *Service) IssueToken(ctx context.Context, stageInstanceID, requesterID string) (*model.BookingToken, error) {
	stage, err := s.repos.Stages.FindByID(ctx, stageInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to find stage instance: %w", err)
	}
	if stage == nil {
		return nil, model.NewStageInstanceNotFoundError(stageInstanceID)
	}
	if stage.OrganizerID != requesterID {
		return nil, model.NewForbiddenError()
	}

	value, err := generateToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	token := &model.BookingToken{
		ID:              uuid.New().String(),
		Token:           value,
		StageInstanceID: stage.ID,
		ExpiresAt:       now.Add(s.config.TokenTTL),
		CreatedAt:       now,
	}

	issued, err := s.repos.Tokens.Issue(ctx, token, now)
	if err != nil {
		return nil, fmt.Errorf("failed to issue booking token: %w", err)
	}
	if !issued {
		return nil, model.NewBookingTokenAlreadyIssuedError()
	}

	s.logger.Info("booking token issued",
		slog.String("stage_instance_id", stage.ID),
		slog.Time("expires_at", token.ExpiresAt),
	)
	return token, nil
}

// TokenDetails はトークンに紐づく選考ステップと面談の条件を返す。
// トークンが存在しない、使用済み、または期限切れの場合はINVALID_BOOKING_TOKENを返す。
func (s *Service) TokenDetails(ctx context.Context, token string) (*TokenDetails, error) {
	tok, err := s.redeemableToken(ctx, token, s.now())
	if err != nil {
		return nil, err
	}

	stage, err := s.repos.Stages.FindByID(ctx, tok.StageInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to find stage instance: %w", err)
	}
	if stage == nil {
		return nil, model.NewInvalidBookingTokenError()
	}

	mt, err := s.findMeetingType(ctx, stage.MeetingTypeID)
	if err != nil {
		return nil, err
	}

	return &TokenDetails{
		Token:           tok,
		Stage:           stage,
		MeetingType:     mt,
		DurationMinutes: stageDuration(stage, mt),
		LocationKind:    stageLocationKind(stage, mt),
	}, nil
}

// redeemableToken は未使用かつ期限内のトークンを返す。
func (s *Service) redeemableToken(ctx context.Context, token string, now time.Time) (*model.BookingToken, error) {
	if token == "" {
		return nil, model.NewInvalidBookingTokenError()
	}
	tok, err := s.repos.Tokens.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to find booking token: %w", err)
	}
	if tok == nil || !tok.IsRedeemable(now) {
		return nil, model.NewInvalidBookingTokenError()
	}
	return tok, nil
}

// stageDuration は選考ステップ、面談種別、既定値の順に所要時間を決める。
func stageDuration(stage *model.StageInstance, mt *model.MeetingType) int {
	if stage != nil && stage.DefaultDurationMinutes > 0 {
		return stage.DefaultDurationMinutes
	}
	if mt != nil && mt.DurationMinutes > 0 {
		return mt.DurationMinutes
	}
	return defaultDurationMinutes
}

// stageLocationKind は選考ステップ、面談種別、ビデオの順に実施形態を決める。
func stageLocationKind(stage *model.StageInstance, mt *model.MeetingType) model.LocationKind {
	if stage != nil && stage.LocationKind.Valid() {
		return stage.LocationKind
	}
	if mt != nil && mt.LocationKind.Valid() {
		return mt.LocationKind
	}
	return model.LocationVideo
}
