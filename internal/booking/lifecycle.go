package booking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/recruitcal/internal/model"
	"github.com/hitoshi/recruitcal/internal/notify"
	"github.com/hitoshi/recruitcal/internal/repository"
)

// Get は主催者の予約を返す。主催者以外にはBOOKING_NOT_FOUNDを返す。
func (s *Service) Get(ctx context.Context, bookingID, actorID string) (*model.Booking, error) {
	b, err := s.repos.Bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to find booking: %w", err)
	}
	if b == nil || b.OrganizerID != actorID {
		return nil, model.NewBookingNotFoundError(bookingID)
	}
	return b, nil
}

// List は主催者の予約のうち[from, to)と重なるものを返す。
func (s *Service) List(ctx context.Context, organizerID string, from, to time.Time, statuses ...model.BookingStatus) ([]*model.Booking, error) {
	bookings, err := s.repos.Bookings.ListByOrganizer(ctx, organizerID, from, to, statuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return bookings, nil
}

// Cancel は保留中または確定済みの予約をキャンセルする。
// プロバイダーの予定削除はベストエフォートで、失敗してもローカルのキャンセルは完了させる。
func (s *Service) Cancel(ctx context.Context, bookingID, actorID, reason string) (*model.Booking, error) {
	b, err := s.Get(ctx, bookingID, actorID)
	if err != nil {
		return nil, err
	}
	if !b.Status.CanTransitionTo(model.BookingStatusCancelled) {
		return nil, model.NewInvalidStatusTransitionError(b.Status, model.BookingStatusCancelled)
	}

	if b.CalendarEventID != "" {
		s.deleteRemoteEvent(ctx, b)
	}

	now := s.now()
	b.Status = model.BookingStatusCancelled
	b.CancelledAt = &now
	b.CancelledBy = actorID
	b.CancellationReason = s.sanitizer.Sanitize(reason)
	b.UpdatedAt = now

	err = s.repos.UnitOfWork.RunInTx(ctx, func(ctx context.Context, tx repository.BookingTx) error {
		if err := tx.UpdateBookingStatus(ctx, b); err != nil {
			return fmt.Errorf("failed to cancel booking: %w", err)
		}
		if b.StageInstanceID != "" {
			if err := tx.UpdateStageSchedule(ctx, b.StageInstanceID, nil, "", ""); err != nil {
				return fmt.Errorf("failed to clear stage instance schedule: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordBookingTransition(string(b.Status))
	s.logger.Info("booking cancelled",
		slog.String("booking_id", b.ID),
		slog.String("cancelled_by", actorID),
	)
	s.publish(ctx, notify.EventBookingCancelled, b)
	return b, nil
}

// deleteRemoteEvent はプロバイダーの予定を削除する。失敗はログに記録するのみ。
func (s *Service) deleteRemoteEvent(ctx context.Context, b *model.Booking) {
	conn, err := s.calendars.Get(ctx, b.OrganizerID, b.CalendarProvider)
	if err == nil {
		err = s.calendars.DeleteEvent(ctx, conn, b.CalendarEventID)
	}
	if err != nil {
		s.logger.Warn("failed to delete calendar event for cancelled booking",
			slog.String("booking_id", b.ID),
			slog.String("event_id", b.CalendarEventID),
			slog.String("error", err.Error()),
		)
	}
}

// Approve は承認待ちの予約を確定する。
func (s *Service) Approve(ctx context.Context, bookingID, actorID string) (*model.Booking, error) {
	return s.transition(ctx, bookingID, actorID, model.BookingStatusConfirmed, notify.EventBookingConfirmed)
}

// MarkCompleted は確定済みの予約を実施済みにする。
func (s *Service) MarkCompleted(ctx context.Context, bookingID, actorID string) (*model.Booking, error) {
	return s.transition(ctx, bookingID, actorID, model.BookingStatusCompleted, notify.EventBookingCompleted)
}

// MarkNoShow は確定済みの予約を不参加にする。
func (s *Service) MarkNoShow(ctx context.Context, bookingID, actorID string) (*model.Booking, error) {
	return s.transition(ctx, bookingID, actorID, model.BookingStatusNoShow, notify.EventBookingNoShow)
}

// transition は状態遷移表に従って予約の状態を更新する。
func (s *Service) transition(ctx context.Context, bookingID, actorID string, to model.BookingStatus, event notify.EventType) (*model.Booking, error) {
	b, err := s.Get(ctx, bookingID, actorID)
	if err != nil {
		return nil, err
	}
	if !b.Status.CanTransitionTo(to) {
		return nil, model.NewInvalidStatusTransitionError(b.Status, to)
	}

	from := b.Status
	b.Status = to
	b.UpdatedAt = s.now()
	if err := s.repos.Bookings.UpdateStatus(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to update booking status: %w", err)
	}

	s.metrics.RecordBookingTransition(string(to))
	s.logger.Info("booking status changed",
		slog.String("booking_id", b.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	s.publish(ctx, event, b)
	return b, nil
}

// Reschedule は予約の日時を変更する。
// 新しい枠を予約ルールと最新のビジー情報で確認し、プロバイダーの予定を更新してから
// 予約と選考ステップを更新する。予定の更新に失敗した場合はローカルを変更しない。
func (s *Service) Reschedule(ctx context.Context, bookingID, actorID string, newStart time.Time) (*model.Booking, error) {
	b, err := s.Get(ctx, bookingID, actorID)
	if err != nil {
		return nil, err
	}
	if b.Status != model.BookingStatusPending && b.Status != model.BookingStatusConfirmed {
		return nil, model.NewInvalidStatusTransitionError(b.Status, b.Status)
	}
	if newStart.Equal(b.ScheduledAt) {
		return b, nil
	}

	mt, err := s.findMeetingType(ctx, b.MeetingTypeID)
	if err != nil {
		return nil, err
	}
	conn, err := s.calendars.Get(ctx, b.OrganizerID, b.CalendarProvider)
	if err != nil {
		return nil, err
	}
	if !conn.IsActive {
		return nil, model.NewCredentialExpiredError(conn.Provider, nil)
	}
	rules, err := slotRules(conn, mt, b.DurationMinutes)
	if err != nil {
		return nil, err
	}

	if err := s.checkSlot(ctx, conn, rules, b.OrganizerID, newStart, b, b.Source != model.BookingSourceManual); err != nil {
		return nil, err
	}

	previous := b.ScheduledAt
	b.ScheduledAt = newStart.UTC()
	b.UpdatedAt = s.now()

	if b.CalendarEventID != "" {
		if err := s.calendars.UpdateEvent(ctx, conn, b.CalendarEventID, eventInput(b, false)); err != nil {
			return nil, err
		}
	}

	err = s.repos.UnitOfWork.RunInTx(ctx, func(ctx context.Context, tx repository.BookingTx) error {
		if err := tx.UpdateBookingSchedule(ctx, b); err != nil {
			return fmt.Errorf("failed to reschedule booking: %w", err)
		}
		if b.StageInstanceID != "" {
			at := b.ScheduledAt
			if err := tx.UpdateStageSchedule(ctx, b.StageInstanceID, &at, b.MeetingURL, b.CalendarEventID); err != nil {
				return fmt.Errorf("failed to update stage instance: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if b.CalendarEventID != "" {
			s.revertRemoteSchedule(ctx, conn, b, previous)
		}
		return nil, err
	}

	s.logger.Info("booking rescheduled",
		slog.String("booking_id", b.ID),
		slog.Time("from", previous),
		slog.Time("to", b.ScheduledAt),
	)
	s.publish(ctx, notify.EventBookingRescheduled, b)
	return b, nil
}

// revertRemoteSchedule はローカルの更新に失敗した際にプロバイダーの予定を元の日時に戻す。
func (s *Service) revertRemoteSchedule(ctx context.Context, conn *model.CalendarConnection, b *model.Booking, previous time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orphanCleanupTimeout)
	defer cancel()

	reverted := *b
	reverted.ScheduledAt = previous
	if err := s.calendars.UpdateEvent(ctx, conn, b.CalendarEventID, eventInput(&reverted, false)); err != nil {
		s.logger.Error("failed to revert rescheduled calendar event",
			slog.String("booking_id", b.ID),
			slog.String("event_id", b.CalendarEventID),
			slog.String("error", err.Error()),
		)
	}
}
