package connection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/recruitcal/internal/model"
)

// SettingsPatch は予約ルールの部分更新。nilのフィールドは変更しない。
type SettingsPatch struct {
	DaysAhead          *int
	BusinessHoursStart *int
	BusinessHoursEnd   *int
	MinNoticeHours     *int
	BufferMinutes      *int
	AllowedWeekdays    *[]int // 0=日曜 ... 6=土曜
	Timezone           *string
	CalendarID         *string
}

// apply はパッチを適用した予約ルールを返す。
func (p SettingsPatch) apply(r model.BookingRules) (model.BookingRules, error) {
	if p.DaysAhead != nil {
		r.DaysAhead = *p.DaysAhead
	}
	if p.BusinessHoursStart != nil {
		r.BusinessHoursStart = *p.BusinessHoursStart
	}
	if p.BusinessHoursEnd != nil {
		r.BusinessHoursEnd = *p.BusinessHoursEnd
	}
	if p.MinNoticeHours != nil {
		r.MinNoticeHours = *p.MinNoticeHours
	}
	if p.BufferMinutes != nil {
		r.BufferMinutes = *p.BufferMinutes
	}
	if p.Timezone != nil {
		r.Timezone = *p.Timezone
	}
	if p.AllowedWeekdays != nil {
		if len(*p.AllowedWeekdays) == 0 {
			return r, model.NewInvalidSettingsError("allowed_weekdays には1つ以上の曜日を指定してください。")
		}
		days := make([]time.Weekday, 0, len(*p.AllowedWeekdays))
		for _, d := range *p.AllowedWeekdays {
			if d < 0 || d > 6 {
				return r, model.NewInvalidSettingsError(fmt.Sprintf("allowed_weekdays の値が不正です: %d", d))
			}
			days = append(days, time.Weekday(d))
		}
		r.AllowedWeekdays = model.NewWeekdaySet(days...)
	}
	return r, r.Validate()
}

// UpdateSettings は予約ルールと使用するカレンダーを部分更新する。
// カレンダーを変更する場合は、書き込み可能なカレンダーの一覧に含まれることを確認する。
func (s *Service) UpdateSettings(ctx context.Context, conn *model.CalendarConnection, patch SettingsPatch) (*model.CalendarConnection, error) {
	rules, err := patch.apply(conn.Rules)
	if err != nil {
		return nil, err
	}

	updated := *conn
	updated.Rules = rules

	if patch.CalendarID != nil && *patch.CalendarID != conn.CalendarID {
		if *patch.CalendarID == "" {
			updated.CalendarID = ""
			updated.CalendarName = ""
		} else {
			cal, err := s.findCalendar(ctx, conn, *patch.CalendarID)
			if err != nil {
				return nil, err
			}
			updated.CalendarID = cal.ID
			updated.CalendarName = cal.Name
		}
	}

	updated.UpdatedAt = s.now()
	if err := s.repo.UpdateSettings(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to update calendar settings: %w", err)
	}

	s.logger.Info("calendar settings updated",
		slog.String("connection_id", conn.ID),
		slog.String("calendar_id", updated.CalendarID),
	)
	return &updated, nil
}

// findCalendar は書き込み可能なカレンダーの中からIDが一致するものを返す。
func (s *Service) findCalendar(ctx context.Context, conn *model.CalendarConnection, calendarID string) (*model.Calendar, error) {
	calendars, err := s.ListCalendars(ctx, conn)
	if err != nil {
		return nil, err
	}
	for i := range calendars {
		if calendars[i].ID == calendarID {
			return &calendars[i], nil
		}
	}
	return nil, model.NewInvalidSettingsError(fmt.Sprintf("書き込み可能なカレンダーが見つかりません: %s", calendarID))
}
