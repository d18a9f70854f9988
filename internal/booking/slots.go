package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/recruitcal/internal/availability"
	"github.com/hitoshi/recruitcal/internal/model"
)

// activeStatuses は空き枠計算でビジーとして扱う予約の状態。
var activeStatuses = []model.BookingStatus{model.BookingStatusPending, model.BookingStatusConfirmed}

// AvailableSlots はトークンに紐づく選考ステップの主催者の空き枠を返す。
// from/toは主催者のタイムゾーンでの日付として扱い、予約可能な日数の範囲に切り詰める。
func (s *Service) AvailableSlots(ctx context.Context, token string, from, to time.Time) ([]model.TimeSlot, error) {
	details, err := s.TokenDetails(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.organizerSlots(ctx, details.Stage.OrganizerID, details.MeetingType, details.DurationMinutes, from, to)
}

// AvailableSlotsForMeetingType は公開予約ページ用に、スラッグで指定した面談種別の空き枠を返す。
func (s *Service) AvailableSlotsForMeetingType(ctx context.Context, slug string, from, to time.Time) ([]model.TimeSlot, error) {
	mt, err := s.activeMeetingType(ctx, slug)
	if err != nil {
		return nil, err
	}
	return s.organizerSlots(ctx, mt.OwnerID, mt, mt.DurationMinutes, from, to)
}

// OrganizerSlots はログイン中のユーザー自身の空き枠を返す。
func (s *Service) OrganizerSlots(ctx context.Context, organizerID string, durationMinutes int, from, to time.Time) ([]model.TimeSlot, error) {
	if durationMinutes <= 0 {
		durationMinutes = defaultDurationMinutes
	}
	return s.organizerSlots(ctx, organizerID, nil, durationMinutes, from, to)
}

func (s *Service) organizerSlots(ctx context.Context, organizerID string, mt *model.MeetingType, durationMinutes int, from, to time.Time) ([]model.TimeSlot, error) {
	conn, err := s.calendars.ActiveForUser(ctx, organizerID)
	if err != nil {
		return nil, err
	}
	rules, err := slotRules(conn, mt, durationMinutes)
	if err != nil {
		return nil, err
	}

	now := s.now()
	first, last, ok := clampRange(from, to, now, conn.Rules.DaysAhead, rules.Location)
	if !ok {
		return []model.TimeSlot{}, nil
	}

	busy, err := s.busyPeriods(ctx, conn, organizerID,
		first.Add(-rules.Buffer), nextDay(last).Add(rules.Buffer), "")
	if err != nil {
		return nil, err
	}

	slots := availability.Calculate(busy, first, last, rules, now)
	if slots == nil {
		slots = []model.TimeSlot{}
	}
	return slots, nil
}

// checkSlot はstartから始まる枠が予約可能かを最新のビジー情報で確認する。
// enforceRulesがtrueの場合は予約ルール（営業時間、最短予約、曜日、予約可能日数）も確認し、
// ルール違反はINVALID_SLOT、計算上の空き枠に含まれない場合はSLOT_NO_LONGER_AVAILABLEを返す。
// falseの場合はバッファで広げたビジー区間との重なりのみを確認する。
// excludeの予約自身はビジーとして扱わない。
func (s *Service) checkSlot(ctx context.Context, conn *model.CalendarConnection, rules availability.Rules, organizerID string, start time.Time, exclude *model.Booking, enforceRules bool) error {
	now := s.now()
	day := dayOf(start, rules.Location)
	if enforceRules {
		if !availability.SatisfiesRules(start, rules, now) {
			return model.NewInvalidSlotError()
		}
		if _, _, ok := clampRange(day, day, now, conn.Rules.DaysAhead, rules.Location); !ok {
			return model.NewInvalidSlotError()
		}
	}

	slot := model.TimeSlot{Start: start, End: start.Add(rules.SlotDuration)}
	excludeID := ""
	if exclude != nil {
		excludeID = exclude.ID
	}
	busy, err := s.busyPeriods(ctx, conn, organizerID,
		earlier(day, slot.Start).Add(-rules.Buffer), later(nextDay(day), slot.End).Add(rules.Buffer), excludeID)
	if err != nil {
		return err
	}
	if exclude != nil {
		busy = withoutInterval(busy, exclude.ScheduledAt, exclude.EndsAt())
	}

	var free bool
	if enforceRules {
		free = availability.Contains(availability.Calculate(busy, day, day, rules, now), start)
	} else {
		free = !availability.Overlaps(slot, busy, rules.Buffer)
	}
	if !free {
		s.metrics.RecordSlotConflict()
		return model.NewSlotConflictError()
	}
	return nil
}

// busyPeriods はプロバイダーのビジー区間に、主催者のローカルの有効な予約を加えて返す。
func (s *Service) busyPeriods(ctx context.Context, conn *model.CalendarConnection, organizerID string, start, end time.Time, excludeBookingID string) ([]model.BusyPeriod, error) {
	busy, err := s.calendars.FreeBusy(ctx, conn, start, end)
	if err != nil {
		return nil, err
	}

	local, err := s.repos.Bookings.ListByOrganizer(ctx, organizerID, start, end, activeStatuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizer bookings: %w", err)
	}
	for _, b := range local {
		if b.ID == excludeBookingID {
			continue
		}
		busy = append(busy, model.BusyPeriod{Start: b.ScheduledAt, End: b.EndsAt()})
	}
	return busy, nil
}

// slotRules は接続の予約ルールと面談種別のバッファから計算パラメータを組み立てる。
func slotRules(conn *model.CalendarConnection, mt *model.MeetingType, durationMinutes int) (availability.Rules, error) {
	extra := 0
	if mt != nil {
		extra = mt.ExtraBufferMinutes()
	}
	rules, err := availability.RulesFromConnection(conn.Rules, durationMinutes, extra)
	if err != nil {
		return availability.Rules{}, model.NewInvalidSettingsError(err.Error())
	}
	return rules, nil
}

// clampRange はfrom/toを日付に揃え、今日からdaysAhead日間の範囲に切り詰める。
// 範囲が空の場合はfalseを返す。
func clampRange(from, to, now time.Time, daysAhead int, loc *time.Location) (time.Time, time.Time, bool) {
	if daysAhead < 1 {
		daysAhead = 1
	}
	today := dayOf(now, loc)
	lastAllowed := today.AddDate(0, 0, daysAhead-1)

	first := dayOf(from, loc)
	last := dayOf(to, loc)
	if first.Before(today) {
		first = today
	}
	if last.After(lastAllowed) {
		last = lastAllowed
	}
	if first.After(last) {
		return time.Time{}, time.Time{}, false
	}
	return first, last, true
}

// dayOf はtのloc上の日付の0時を返す。
func dayOf(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func nextDay(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, day.Location())
}

// withoutInterval は[start, end)を含むビジー区間からその部分を取り除く。
// 日程変更時に、プロバイダー側に残る自身の予定を除外するために使う。
// freeBusyは隣接・重複する予定を1区間にまとめて返すため、完全一致では判定できない。
func withoutInterval(busy []model.BusyPeriod, start, end time.Time) []model.BusyPeriod {
	out := make([]model.BusyPeriod, 0, len(busy)+1)
	for _, b := range busy {
		if b.Start.After(start) || b.End.Before(end) {
			out = append(out, b)
			continue
		}
		if b.Start.Before(start) {
			out = append(out, model.BusyPeriod{Start: b.Start, End: start})
		}
		if b.End.After(end) {
			out = append(out, model.BusyPeriod{Start: end, End: b.End})
		}
	}
	return out
}
