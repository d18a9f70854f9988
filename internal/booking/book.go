package booking

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/recruitcal/internal/calendar"
	"github.com/hitoshi/recruitcal/internal/model"
	"github.com/hitoshi/recruitcal/internal/notify"
	"github.com/hitoshi/recruitcal/internal/repository"
)

// orphanCleanupTimeout はロールバック後にプロバイダーの予定を削除する際のタイムアウト。
const orphanCleanupTimeout = 10 * time.Second

// AttendeeInput は予約者の入力値。
// UserIDとProfileIDはログイン済みの予約者の場合のみ呼び出し側が設定する。
type AttendeeInput struct {
	UserID    string
	ProfileID string
	Name      string
	Email     string
	Phone     string
	Company   string
	Notes     string
}

// RedeemRequest は予約トークンによる日程確定のリクエスト。
type RedeemRequest struct {
	Token    string
	Start    time.Time
	Attendee AttendeeInput
}

// PublicBookingRequest は公開予約ページからの予約リクエスト。
type PublicBookingRequest struct {
	Slug     string
	Start    time.Time
	Attendee AttendeeInput
}

// ManualBookingRequest は社内ユーザーが代理で作成する予約のリクエスト。
// 予約ルールは適用せず、ビジー区間との重なりのみを確認する。
type ManualBookingRequest struct {
	OrganizerID     string
	MeetingTypeID   string
	StageInstanceID string
	Start           time.Time
	DurationMinutes int
	LocationKind    model.LocationKind
	Location        string
	Title           string
	Description     string
	InternalNotes   string
	Attendee        AttendeeInput
}

// plan は検証済みの予約内容。
type plan struct {
	conn          *model.CalendarConnection
	meetingType   *model.MeetingType
	stage         *model.StageInstance
	token         string
	source        model.BookingSource
	organizerID   string
	start         time.Time
	duration      int
	locationKind  model.LocationKind
	location      string
	meetingURL    string
	title         string
	description   string
	internalNotes string
	attendee      model.Attendee
	enforceRules  bool
}

// Redeem は予約トークンを使って日程を確定する。
//
// トークンが無効な場合はINVALID_BOOKING_TOKEN、枠が予約ルールを満たさない場合はINVALID_SLOT、
// 最新のフリー/ビジー情報で枠が埋まっている場合はSLOT_NO_LONGER_AVAILABLEを返す。
// いずれの場合もトークンは未使用のまま残る。
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*model.Booking, error) {
	details, err := s.TokenDetails(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	attendee, notes, err := s.attendee(req.Attendee, true)
	if err != nil {
		return nil, err
	}
	if attendee.ProfileID == "" {
		attendee.ProfileID = details.Stage.ProfileID
	}

	conn, err := s.calendars.ActiveForUser(ctx, details.Stage.OrganizerID)
	if err != nil {
		return nil, err
	}

	location, meetingURL := resolveLocation(details.LocationKind, details.MeetingType, "", attendee.Phone)
	return s.book(ctx, &plan{
		conn:         conn,
		meetingType:  details.MeetingType,
		stage:        details.Stage,
		token:        details.Token.Token,
		source:       model.BookingSourceInvite,
		organizerID:  details.Stage.OrganizerID,
		start:        req.Start,
		duration:     details.DurationMinutes,
		locationKind: details.LocationKind,
		location:     location,
		meetingURL:   meetingURL,
		title:        eventTitle(details.Stage.Title, details.MeetingType, attendee.Name),
		description:  notes,
		attendee:     attendee,
		enforceRules: true,
	})
}

// BookMeetingType は公開予約ページから面談種別を指定して予約する。
func (s *Service) BookMeetingType(ctx context.Context, req PublicBookingRequest) (*model.Booking, error) {
	mt, err := s.activeMeetingType(ctx, req.Slug)
	if err != nil {
		return nil, err
	}
	attendee, notes, err := s.attendee(req.Attendee, true)
	if err != nil {
		return nil, err
	}

	conn, err := s.calendars.ActiveForUser(ctx, mt.OwnerID)
	if err != nil {
		return nil, err
	}

	kind := stageLocationKind(nil, mt)
	location, meetingURL := resolveLocation(kind, mt, "", attendee.Phone)
	return s.book(ctx, &plan{
		conn:         conn,
		meetingType:  mt,
		source:       model.BookingSourcePublicPage,
		organizerID:  mt.OwnerID,
		start:        req.Start,
		duration:     stageDuration(nil, mt),
		locationKind: kind,
		location:     location,
		meetingURL:   meetingURL,
		title:        eventTitle("", mt, attendee.Name),
		description:  notes,
		attendee:     attendee,
		enforceRules: true,
	})
}

// CreateManual は社内ユーザーが主催者として予約を作成する。
func (s *Service) CreateManual(ctx context.Context, req ManualBookingRequest) (*model.Booking, error) {
	mt, err := s.findMeetingType(ctx, req.MeetingTypeID)
	if err != nil {
		return nil, err
	}
	if req.MeetingTypeID != "" && mt == nil {
		return nil, model.NewMeetingTypeNotFoundError(req.MeetingTypeID)
	}
	if mt != nil && !mt.CanBeManagedBy(req.OrganizerID) {
		return nil, model.NewForbiddenError()
	}

	var stage *model.StageInstance
	if req.StageInstanceID != "" {
		stage, err = s.repos.Stages.FindByID(ctx, req.StageInstanceID)
		if err != nil {
			return nil, fmt.Errorf("failed to find stage instance: %w", err)
		}
		if stage == nil {
			return nil, model.NewStageInstanceNotFoundError(req.StageInstanceID)
		}
		if stage.OrganizerID != req.OrganizerID {
			return nil, model.NewForbiddenError()
		}
	}

	attendee, notes, err := s.attendee(req.Attendee, false)
	if err != nil {
		return nil, err
	}
	if attendee.ProfileID == "" && stage != nil {
		attendee.ProfileID = stage.ProfileID
	}

	duration := req.DurationMinutes
	if duration <= 0 {
		duration = stageDuration(stage, mt)
	}
	kind := req.LocationKind
	if !kind.Valid() {
		kind = stageLocationKind(stage, mt)
	}

	conn, err := s.calendars.ActiveForUser(ctx, req.OrganizerID)
	if err != nil {
		return nil, err
	}

	title := s.sanitizer.Sanitize(req.Title)
	if title == "" {
		stageTitle := ""
		if stage != nil {
			stageTitle = stage.Title
		}
		title = eventTitle(stageTitle, mt, attendee.Name)
	}
	description := s.sanitizer.Sanitize(req.Description)
	if description == "" {
		description = notes
	}

	location, meetingURL := resolveLocation(kind, mt, s.sanitizer.Sanitize(req.Location), attendee.Phone)
	return s.book(ctx, &plan{
		conn:          conn,
		meetingType:   mt,
		stage:         stage,
		source:        model.BookingSourceManual,
		organizerID:   req.OrganizerID,
		start:         req.Start,
		duration:      duration,
		locationKind:  kind,
		location:      location,
		meetingURL:    meetingURL,
		title:         title,
		description:   description,
		internalNotes: s.sanitizer.Sanitize(req.InternalNotes),
		attendee:      attendee,
	})
}

// book は枠を再確認し、1トランザクション内で予約の作成、予定の作成、選考ステップへの書き戻しを行う。
// 予定の作成に失敗した場合は全てロールバックする。
// 予定の作成後にコミットできなかった場合は、作成済みの予定の削除を試みる。
func (s *Service) book(ctx context.Context, p *plan) (*model.Booking, error) {
	if p.start.IsZero() {
		return nil, model.NewInvalidSlotError()
	}
	rules, err := slotRules(p.conn, p.meetingType, p.duration)
	if err != nil {
		return nil, err
	}

	if p.enforceRules {
		if !p.start.After(s.now()) {
			return nil, model.NewInvalidSlotError()
		}
		if err := s.checkDailyLimit(ctx, p, rules.Location); err != nil {
			return nil, err
		}
	}
	if err := s.checkSlot(ctx, p.conn, rules, p.organizerID, p.start, nil, p.enforceRules); err != nil {
		return nil, err
	}

	now := s.now()
	b := &model.Booking{
		ID:               uuid.New().String(),
		OrganizerID:      p.organizerID,
		Attendee:         p.attendee,
		Title:            p.title,
		Description:      p.description,
		ScheduledAt:      p.start.UTC(),
		DurationMinutes:  p.duration,
		Timezone:         p.conn.Rules.Timezone,
		LocationKind:     p.locationKind,
		MeetingURL:       p.meetingURL,
		Location:         p.location,
		CalendarProvider: p.conn.Provider,
		Status:           model.BookingStatusPending,
		InternalNotes:    p.internalNotes,
		Source:           p.source,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if p.meetingType != nil {
		b.MeetingTypeID = p.meetingType.ID
	}
	if p.stage != nil {
		b.StageInstanceID = p.stage.ID
	}

	var created *calendar.CreatedEvent
	err = s.repos.UnitOfWork.RunInTx(ctx, func(ctx context.Context, tx repository.BookingTx) error {
		if p.token != "" {
			tok, err := tx.ConsumeToken(ctx, p.token, now)
			if err != nil {
				return fmt.Errorf("failed to consume booking token: %w", err)
			}
			if tok == nil {
				return model.NewInvalidBookingTokenError()
			}
		}

		if err := tx.CreateBooking(ctx, b); err != nil {
			return fmt.Errorf("failed to create booking: %w", err)
		}

		ev, err := s.calendars.CreateEvent(ctx, p.conn, eventInput(b, p.meetingURL == ""))
		if err != nil {
			return err
		}
		created = ev

		b.CalendarEventID = ev.EventID
		if ev.VideoLink != "" {
			b.MeetingURL = ev.VideoLink
		}
		b.Status = model.BookingStatusConfirmed
		if p.meetingType != nil && p.meetingType.RequiresApproval && p.source != model.BookingSourceManual {
			b.Status = model.BookingStatusPending
		}
		if err := tx.UpdateBookingEvent(ctx, b); err != nil {
			return fmt.Errorf("failed to update booking event: %w", err)
		}

		if p.stage != nil {
			at := b.ScheduledAt
			if err := tx.UpdateStageSchedule(ctx, p.stage.ID, &at, b.MeetingURL, b.CalendarEventID); err != nil {
				return fmt.Errorf("failed to update stage instance: %w", err)
			}
		}
		return applyOnboardingStage(ctx, tx, p)
	})
	if err != nil {
		if created != nil {
			s.deleteOrphanEvent(ctx, p.conn, created.EventID, b.ID)
		}
		s.logger.Warn("booking failed",
			slog.String("organizer_id", p.organizerID),
			slog.String("source", string(p.source)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.metrics.RecordBookingCreated(string(b.Source))
	s.logger.Info("booking created",
		slog.String("booking_id", b.ID),
		slog.String("organizer_id", b.OrganizerID),
		slog.String("status", string(b.Status)),
		slog.String("source", string(b.Source)),
		slog.Time("scheduled_at", b.ScheduledAt),
	)
	s.publish(ctx, notify.EventBookingCreated, b)
	return b, nil
}

// checkDailyLimit は面談種別の1日あたりの予約上限を確認する。
func (s *Service) checkDailyLimit(ctx context.Context, p *plan, loc *time.Location) error {
	mt := p.meetingType
	if mt == nil || mt.MaxBookingsPerDay == nil {
		return nil
	}
	day := dayOf(p.start, loc)
	count, err := s.repos.Bookings.CountActiveByMeetingType(ctx, mt.ID, day, nextDay(day))
	if err != nil {
		return fmt.Errorf("failed to count bookings: %w", err)
	}
	if count >= *mt.MaxBookingsPerDay {
		return model.NewDailyBookingLimitError()
	}
	return nil
}

// deleteOrphanEvent はロールバックされた予約の予定を削除する。失敗はログに記録するのみ。
func (s *Service) deleteOrphanEvent(ctx context.Context, conn *model.CalendarConnection, eventID, bookingID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orphanCleanupTimeout)
	defer cancel()

	if err := s.calendars.DeleteEvent(ctx, conn, eventID); err != nil {
		s.logger.Error("failed to delete orphaned calendar event",
			slog.String("booking_id", bookingID),
			slog.String("event_id", eventID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("orphaned calendar event deleted",
		slog.String("booking_id", bookingID),
		slog.String("event_id", eventID),
	)
}

// applyOnboardingStage は面談種別の遷移ポリシーに従って候補者のステージを更新する。
func applyOnboardingStage(ctx context.Context, tx repository.BookingTx, p *plan) error {
	mt := p.meetingType
	if mt == nil || p.attendee.ProfileID == "" {
		return nil
	}
	target := mt.TargetStage(p.attendee.UserID != "")
	if target == "" {
		return nil
	}

	current, ok, err := tx.LockProfileStage(ctx, p.attendee.ProfileID)
	if err != nil {
		return fmt.Errorf("failed to lock profile: %w", err)
	}
	if !ok {
		return nil
	}

	policy := mt.StagePolicy
	if policy == "" {
		policy = model.StagePolicyForwardOnly
	}
	next, changed := model.NextOnboardingStage(current, target, policy)
	if !changed {
		return nil
	}
	if err := tx.UpdateProfileStage(ctx, p.attendee.ProfileID, next); err != nil {
		return fmt.Errorf("failed to update profile stage: %w", err)
	}
	return nil
}

// activeMeetingType はスラッグで有効な面談種別を取得する。
func (s *Service) activeMeetingType(ctx context.Context, slug string) (*model.MeetingType, error) {
	mt, err := s.repos.MeetingTypes.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to find meeting type: %w", err)
	}
	if mt == nil || !mt.IsActive {
		return nil, model.NewMeetingTypeNotFoundError(slug)
	}
	return mt, nil
}

// attendee は予約者の入力を検証し、HTMLを除去した参加者情報と備考を返す。
func (s *Service) attendee(in AttendeeInput, requireEmail bool) (model.Attendee, string, error) {
	a := model.Attendee{
		UserID:    in.UserID,
		ProfileID: in.ProfileID,
		Name:      s.sanitizer.Sanitize(in.Name),
		Email:     strings.TrimSpace(in.Email),
		Phone:     s.sanitizer.Sanitize(in.Phone),
		Company:   s.sanitizer.Sanitize(in.Company),
	}
	if a.Name == "" {
		return model.Attendee{}, "", model.NewInvalidRequestError("お名前を入力してください。")
	}
	if a.Email == "" && requireEmail {
		return model.Attendee{}, "", model.NewInvalidRequestError("メールアドレスを入力してください。")
	}
	if a.Email != "" {
		addr, err := mail.ParseAddress(a.Email)
		if err != nil || addr.Address != a.Email {
			return model.Attendee{}, "", model.NewInvalidRequestError("メールアドレスの形式が正しくありません。")
		}
	}
	return a, attendeeDescription(a, s.sanitizer.Sanitize(in.Notes)), nil
}

// attendeeDescription は予定の本文に載せる予約者情報を組み立てる。
func attendeeDescription(a model.Attendee, notes string) string {
	var lines []string
	lines = append(lines, "予約者: "+a.Name)
	if a.Email != "" {
		lines = append(lines, "メール: "+a.Email)
	}
	if a.Company != "" {
		lines = append(lines, "会社: "+a.Company)
	}
	if a.Phone != "" {
		lines = append(lines, "電話: "+a.Phone)
	}
	if notes != "" {
		lines = append(lines, "", notes)
	}
	return strings.Join(lines, "\n")
}

// eventTitle は予定の件名を組み立てる。
func eventTitle(stageTitle string, mt *model.MeetingType, attendeeName string) string {
	base := stageTitle
	if base == "" && mt != nil {
		base = mt.Name
	}
	if base == "" {
		base = "面談"
	}
	if attendeeName == "" {
		return base
	}
	return base + " - " + attendeeName
}

// resolveLocation は実施形態ごとに予定の場所と固定の会議URLを決める。
// ビデオで面談種別にURLが設定されている場合は、そのURLを使い会議リンクを自動生成しない。
func resolveLocation(kind model.LocationKind, mt *model.MeetingType, override, attendeePhone string) (location, meetingURL string) {
	custom := override
	if custom == "" && mt != nil {
		custom = mt.CustomLocation
	}
	switch kind {
	case model.LocationInPerson:
		return custom, ""
	case model.LocationPhone:
		if custom == "" {
			custom = attendeePhone
		}
		return custom, ""
	default:
		if isHTTPURL(custom) {
			return "", custom
		}
		return custom, ""
	}
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// eventInput は予約からプロバイダーに渡す予定の内容を組み立てる。
// 対面の場合はautoVideoに関わらず会議リンクを要求しない。
func eventInput(b *model.Booking, autoVideo bool) calendar.EventInput {
	in := calendar.EventInput{
		Title:         b.Title,
		Description:   b.Description,
		Start:         b.ScheduledAt,
		End:           b.EndsAt(),
		Timezone:      b.Timezone,
		Location:      b.Location,
		LocationKind:  b.LocationKind,
		WantVideoLink: autoVideo && b.LocationKind.WantsVideoLink(),
		MeetingURL:    b.MeetingURL,
	}
	if in.Location == "" && b.MeetingURL != "" {
		in.Location = b.MeetingURL
	}
	if b.Attendee.Email != "" {
		in.AttendeeEmails = []string{b.Attendee.Email}
	}
	return in
}
