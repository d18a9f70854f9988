package model

import (
	"fmt"
	"time"
)

// WeekdaySet は曜日の集合をビットマスクで表す。ビットiはtime.Weekday(i)に対応する。
type WeekdaySet uint8

// DefaultWeekdays は月曜から金曜。
const DefaultWeekdays WeekdaySet = 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday

// NewWeekdaySet は指定された曜日からWeekdaySetを生成する。
func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s |= 1 << d
	}
	return s
}

// Contains は曜日が集合に含まれるかを返す。空集合はDefaultWeekdaysとして扱う。
func (s WeekdaySet) Contains(d time.Weekday) bool {
	if s == 0 {
		s = DefaultWeekdays
	}
	return s&(1<<d) != 0
}

// Weekdays は集合に含まれる曜日を日曜から順に返す。
func (s WeekdaySet) Weekdays() []time.Weekday {
	if s == 0 {
		s = DefaultWeekdays
	}
	var days []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s&(1<<d) != 0 {
			days = append(days, d)
		}
	}
	return days
}

// BookingRules はカレンダー接続ごとの予約ルール設定。
type BookingRules struct {
	DaysAhead          int
	BusinessHoursStart int // 0-23
	BusinessHoursEnd   int // 0-23、BusinessHoursStartより大きいこと
	MinNoticeHours     int
	BufferMinutes      int
	AllowedWeekdays    WeekdaySet
	Timezone           string
}

// DefaultBookingRules は新規接続時の予約ルール。
func DefaultBookingRules() BookingRules {
	return BookingRules{
		DaysAhead:          14,
		BusinessHoursStart: 9,
		BusinessHoursEnd:   17,
		MinNoticeHours:     24,
		BufferMinutes:      15,
		AllowedWeekdays:    DefaultWeekdays,
		Timezone:           "UTC",
	}
}

// Location はTimezoneを*time.Locationとして読み込む。
func (r BookingRules) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

// Validate は予約ルールの整合性を検証する。
func (r BookingRules) Validate() error {
	if r.BusinessHoursStart < 0 || r.BusinessHoursStart > 23 {
		return NewInvalidSettingsError("business_hours_start は0から23の範囲で指定してください。")
	}
	if r.BusinessHoursEnd < 0 || r.BusinessHoursEnd > 23 {
		return NewInvalidSettingsError("business_hours_end は0から23の範囲で指定してください。")
	}
	if r.BusinessHoursEnd <= r.BusinessHoursStart {
		return NewInvalidSettingsError("business_hours_end は business_hours_start より後の時刻を指定してください。")
	}
	if r.BufferMinutes < 0 || r.MinNoticeHours < 0 {
		return NewInvalidSettingsError("buffer_minutes と min_notice_hours は0以上を指定してください。")
	}
	if r.DaysAhead < 1 || r.DaysAhead > 365 {
		return NewInvalidSettingsError("days_ahead は1から365の範囲で指定してください。")
	}
	if _, err := r.Location(); err != nil {
		return NewInvalidSettingsError(fmt.Sprintf("タイムゾーンが不正です: %s", r.Timezone))
	}
	return nil
}

// CalendarConnection はユーザーと外部カレンダープロバイダーの接続を表す。
// (UserID, Provider) につき高々1件。
type CalendarConnection struct {
	ID             string
	UserID         string
	Provider       Provider
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	ProviderUserID string
	ProviderEmail  string
	CalendarID     string
	CalendarName   string
	IsActive       bool
	Rules          BookingRules
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TargetCalendarID は予定の読み書きに使うカレンダーIDを返す。
// 未選択の場合は"primary"（Microsoftでは既定カレンダー）を返す。
func (c *CalendarConnection) TargetCalendarID() string {
	if c.CalendarID == "" {
		return "primary"
	}
	return c.CalendarID
}
