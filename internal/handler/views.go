package handler

import (
	"time"

	"github.com/hitoshi/recruitcal/internal/booking"
	"github.com/hitoshi/recruitcal/internal/model"
)

// connectionResponse はカレンダー接続のAPIレスポンス。トークンは含めない。
type connectionResponse struct {
	ID                 string    `json:"id"`
	Provider           string    `json:"provider"`
	ProviderEmail      string    `json:"provider_email"`
	CalendarID         string    `json:"calendar_id"`
	CalendarName       string    `json:"calendar_name"`
	IsActive           bool      `json:"is_active"`
	DaysAhead          int       `json:"days_ahead"`
	BusinessHoursStart int       `json:"business_hours_start"`
	BusinessHoursEnd   int       `json:"business_hours_end"`
	MinNoticeHours     int       `json:"min_notice_hours"`
	BufferMinutes      int       `json:"buffer_minutes"`
	AllowedWeekdays    []int     `json:"allowed_weekdays"`
	Timezone           string    `json:"timezone"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func toConnectionResponse(c *model.CalendarConnection) connectionResponse {
	days := c.Rules.AllowedWeekdays.Weekdays()
	weekdays := make([]int, len(days))
	for i, d := range days {
		weekdays[i] = int(d)
	}
	return connectionResponse{
		ID:                 c.ID,
		Provider:           string(c.Provider),
		ProviderEmail:      c.ProviderEmail,
		CalendarID:         c.CalendarID,
		CalendarName:       c.CalendarName,
		IsActive:           c.IsActive,
		DaysAhead:          c.Rules.DaysAhead,
		BusinessHoursStart: c.Rules.BusinessHoursStart,
		BusinessHoursEnd:   c.Rules.BusinessHoursEnd,
		MinNoticeHours:     c.Rules.MinNoticeHours,
		BufferMinutes:      c.Rules.BufferMinutes,
		AllowedWeekdays:    weekdays,
		Timezone:           c.Rules.Timezone,
		UpdatedAt:          c.UpdatedAt,
	}
}

// calendarResponse はプロバイダー上のカレンダーのAPIレスポンス。
type calendarResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrimary bool   `json:"is_primary"`
}

// slotResponse は空き枠のAPIレスポンス。
type slotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func toSlotResponses(slots []model.TimeSlot) []slotResponse {
	results := make([]slotResponse, len(slots))
	for i, s := range slots {
		results[i] = slotResponse{Start: s.Start, End: s.End}
	}
	return results
}

// attendeeResponse は参加者のAPIレスポンス。
type attendeeResponse struct {
	UserID    string `json:"user_id,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Company   string `json:"company,omitempty"`
}

// bookingResponse は社内ユーザー向けの予約のAPIレスポンス。
type bookingResponse struct {
	ID                 string           `json:"id"`
	MeetingTypeID      string           `json:"meeting_type_id,omitempty"`
	OrganizerID        string           `json:"organizer_id"`
	StageInstanceID    string           `json:"stage_instance_id,omitempty"`
	Attendee           attendeeResponse `json:"attendee"`
	Title              string           `json:"title"`
	Description        string           `json:"description"`
	ScheduledAt        time.Time        `json:"scheduled_at"`
	EndsAt             time.Time        `json:"ends_at"`
	DurationMinutes    int              `json:"duration_minutes"`
	Timezone           string           `json:"timezone"`
	LocationKind       string           `json:"location_kind"`
	MeetingURL         string           `json:"meeting_url,omitempty"`
	Location           string           `json:"location,omitempty"`
	CalendarProvider   string           `json:"calendar_provider,omitempty"`
	Status             string           `json:"status"`
	CancelledAt        *time.Time       `json:"cancelled_at,omitempty"`
	CancellationReason string           `json:"cancellation_reason,omitempty"`
	InternalNotes      string           `json:"internal_notes,omitempty"`
	Source             string           `json:"source"`
	CreatedAt          time.Time        `json:"created_at"`
}

func toBookingResponse(b *model.Booking) bookingResponse {
	return bookingResponse{
		ID:              b.ID,
		MeetingTypeID:   b.MeetingTypeID,
		OrganizerID:     b.OrganizerID,
		StageInstanceID: b.StageInstanceID,
		Attendee: attendeeResponse{
			UserID:    b.Attendee.UserID,
			ProfileID: b.Attendee.ProfileID,
			Name:      b.Attendee.Name,
			Email:     b.Attendee.Email,
			Phone:     b.Attendee.Phone,
			Company:   b.Attendee.Company,
		},
		Title:              b.Title,
		Description:        b.Description,
		ScheduledAt:        b.ScheduledAt,
		EndsAt:             b.EndsAt(),
		DurationMinutes:    b.DurationMinutes,
		Timezone:           b.Timezone,
		LocationKind:       string(b.LocationKind),
		MeetingURL:         b.MeetingURL,
		Location:           b.Location,
		CalendarProvider:   string(b.CalendarProvider),
		Status:             string(b.Status),
		CancelledAt:        b.CancelledAt,
		CancellationReason: b.CancellationReason,
		InternalNotes:      b.InternalNotes,
		Source:             string(b.Source),
		CreatedAt:          b.CreatedAt,
	}
}

// publicBookingResponse は予約者に返す確定内容。社内メモや参加者の連絡先は含めない。
type publicBookingResponse struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	EndsAt          time.Time `json:"ends_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Timezone        string    `json:"timezone"`
	LocationKind    string    `json:"location_kind"`
	MeetingURL      string    `json:"meeting_url,omitempty"`
	Location        string    `json:"location,omitempty"`
	Status          string    `json:"status"`
}

func toPublicBookingResponse(b *model.Booking) publicBookingResponse {
	return publicBookingResponse{
		ID:              b.ID,
		Title:           b.Title,
		ScheduledAt:     b.ScheduledAt,
		EndsAt:          b.EndsAt(),
		DurationMinutes: b.DurationMinutes,
		Timezone:        b.Timezone,
		LocationKind:    string(b.LocationKind),
		MeetingURL:      b.MeetingURL,
		Location:        b.Location,
		Status:          string(b.Status),
	}
}

// tokenResponse は予約トークン発行のAPIレスポンス。
type tokenResponse struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// tokenDetailsResponse は予約ページ表示用のトークン情報。
type tokenDetailsResponse struct {
	Title           string    `json:"title"`
	MeetingTypeName string    `json:"meeting_type_name,omitempty"`
	Description     string    `json:"description,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
	LocationKind    string    `json:"location_kind"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func toTokenDetailsResponse(d *booking.TokenDetails) tokenDetailsResponse {
	resp := tokenDetailsResponse{
		Title:           d.Stage.Title,
		DurationMinutes: d.DurationMinutes,
		LocationKind:    string(d.LocationKind),
		ExpiresAt:       d.Token.ExpiresAt,
	}
	if d.MeetingType != nil {
		resp.MeetingTypeName = d.MeetingType.Name
		resp.Description = d.MeetingType.Description
	}
	return resp
}

// meetingTypeResponse は社内ユーザー向けの面談種別のAPIレスポンス。
type meetingTypeResponse struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"owner_id"`
	AllowedUserIDs      []string  `json:"allowed_user_ids"`
	Name                string    `json:"name"`
	Slug                string    `json:"slug"`
	Category            string    `json:"category"`
	Description         string    `json:"description"`
	DurationMinutes     int       `json:"duration_minutes"`
	BufferBeforeMinutes int       `json:"buffer_before_minutes"`
	BufferAfterMinutes  int       `json:"buffer_after_minutes"`
	LocationKind        string    `json:"location_kind"`
	CustomLocation      string    `json:"custom_location"`
	IsActive            bool      `json:"is_active"`
	RequiresApproval    bool      `json:"requires_approval"`
	MaxBookingsPerDay   *int      `json:"max_bookings_per_day"`
	GuestStage          string    `json:"guest_stage"`
	MemberStage         string    `json:"member_stage"`
	StagePolicy         string    `json:"stage_policy"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func toMeetingTypeResponse(m *model.MeetingType) meetingTypeResponse {
	allowed := m.AllowedUserIDs
	if allowed == nil {
		allowed = []string{}
	}
	return meetingTypeResponse{
		ID:                  m.ID,
		OwnerID:             m.OwnerID,
		AllowedUserIDs:      allowed,
		Name:                m.Name,
		Slug:                m.Slug,
		Category:            m.Category,
		Description:         m.Description,
		DurationMinutes:     m.DurationMinutes,
		BufferBeforeMinutes: m.BufferBeforeMinutes,
		BufferAfterMinutes:  m.BufferAfterMinutes,
		LocationKind:        string(m.LocationKind),
		CustomLocation:      m.CustomLocation,
		IsActive:            m.IsActive,
		RequiresApproval:    m.RequiresApproval,
		MaxBookingsPerDay:   m.MaxBookingsPerDay,
		GuestStage:          string(m.GuestStage),
		MemberStage:         string(m.MemberStage),
		StagePolicy:         string(m.StagePolicy),
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

// publicMeetingTypeResponse は公開予約ページ用の面談種別。
type publicMeetingTypeResponse struct {
	Name             string `json:"name"`
	Slug             string `json:"slug"`
	Category         string `json:"category"`
	Description      string `json:"description"`
	DurationMinutes  int    `json:"duration_minutes"`
	LocationKind     string `json:"location_kind"`
	RequiresApproval bool   `json:"requires_approval"`
}

func toPublicMeetingTypeResponse(m *model.MeetingType) publicMeetingTypeResponse {
	return publicMeetingTypeResponse{
		Name:             m.Name,
		Slug:             m.Slug,
		Category:         m.Category,
		Description:      m.Description,
		DurationMinutes:  m.DurationMinutes,
		LocationKind:     string(m.LocationKind),
		RequiresApproval: m.RequiresApproval,
	}
}
