package model

import "time"

// BookingStatus は予約の状態。
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusNoShow    BookingStatus = "no_show"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// allowedTransitions は状態遷移表。
var allowedTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending:   {BookingStatusConfirmed, BookingStatusCancelled},
	BookingStatusConfirmed: {BookingStatusCompleted, BookingStatusNoShow, BookingStatusCancelled},
}

// CanTransitionTo は状態遷移が許可されているかを返す。
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, st := range allowedTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// IsTerminal は終端状態かを返す。
func (s BookingStatus) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0
}

// BookingSource は予約の作成経路。
type BookingSource string

const (
	BookingSourcePublicPage BookingSource = "public_page"
	BookingSourceManual     BookingSource = "manual"
	BookingSourceInvite     BookingSource = "invite"
)

// Attendee は予約の参加者。社内ユーザー/プロフィールに紐付くか、入力値のみを持つ。
type Attendee struct {
	UserID    string
	ProfileID string
	Name      string
	Email     string
	Phone     string
	Company   string
}

// Booking は確定した面談予約の記録。物理削除はしない。
type Booking struct {
	ID                 string
	MeetingTypeID      string
	OrganizerID        string
	StageInstanceID    string
	Attendee           Attendee
	Title              string
	Description        string
	ScheduledAt        time.Time
	DurationMinutes    int
	Timezone           string
	LocationKind       LocationKind
	MeetingURL         string
	Location           string
	CalendarEventID    string
	CalendarProvider   Provider
	Status             BookingStatus
	CancelledAt        *time.Time
	CancelledBy        string
	CancellationReason string
	InternalNotes      string
	Source             BookingSource
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EndsAt は終了時刻を返す。
func (b *Booking) EndsAt() time.Time {
	return b.ScheduledAt.Add(time.Duration(b.DurationMinutes) * time.Minute)
}

// BookingToken は外部参加者が1回だけ予約できる期限付きの権利。
type BookingToken struct {
	ID              string
	Token           string
	StageInstanceID string
	ExpiresAt       time.Time
	Used            bool
	UsedAt          *time.Time
	CreatedAt       time.Time
}

// IsRedeemable は指定時刻に利用可能か（未使用かつ期限内）を返す。
func (t *BookingToken) IsRedeemable(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// StageInstance はATS側が所有する日程調整対象の単位。
// 本サービスは日時・会議リンク・予定IDを書き戻す。
type StageInstance struct {
	ID                     string
	ProfileID              string
	OrganizerID            string
	MeetingTypeID          string
	Title                  string
	DefaultDurationMinutes int
	LocationKind           LocationKind
	ScheduledAt            *time.Time
	MeetingLink            string
	CalendarEventID        string
}
