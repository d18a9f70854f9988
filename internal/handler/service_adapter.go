package handler

import (
	"context"
	"log/slog"

	"github.com/hitoshi/recruitcal/internal/booking"
	"github.com/hitoshi/recruitcal/internal/connection"
	"github.com/hitoshi/recruitcal/internal/ics"
	"github.com/hitoshi/recruitcal/internal/meetingtype"
	"github.com/hitoshi/recruitcal/internal/model"
)

// ActiveConnectionFinder はユーザーの有効なカレンダー接続を返す。
type ActiveConnectionFinder interface {
	ActiveForUser(ctx context.Context, userID string) (*model.CalendarConnection, error)
}

// OrganizerAdapter はカレンダー接続のアカウント情報を OrganizerResolver に適合させるアダプタ。
type OrganizerAdapter struct {
	connections ActiveConnectionFinder
}

// NewOrganizerAdapter はOrganizerAdapterを生成する。
func NewOrganizerAdapter(connections ActiveConnectionFinder) *OrganizerAdapter {
	return &OrganizerAdapter{connections: connections}
}

// Organizer は主催者の接続先アカウントのメールアドレスを返す。
// 接続がない場合は空のOrganizerを返し、招待ファイルからORGANIZERを省く。
func (a *OrganizerAdapter) Organizer(ctx context.Context, organizerID string) ics.Organizer {
	conn, err := a.connections.ActiveForUser(ctx, organizerID)
	if err != nil {
		if !model.HasCode(err, model.ErrCodeCalendarNotConnected) {
			slog.Warn("failed to resolve organizer",
				slog.String("organizer_id", organizerID),
				slog.String("error", err.Error()),
			)
		}
		return ics.Organizer{}
	}
	return ics.Organizer{Email: conn.ProviderEmail}
}

// --- compile-time interface checks ---

var (
	_ CalendarConnector           = (*connection.Service)(nil)
	_ ActiveConnectionFinder      = (*connection.Service)(nil)
	_ OrganizerSlotFinder         = (*booking.Service)(nil)
	_ BookingServiceInterface     = (*booking.Service)(nil)
	_ PublicBookingService        = (*booking.Service)(nil)
	_ MeetingTypeServiceInterface = (*meetingtype.Service)(nil)
	_ MeetingTypeFinder           = (*meetingtype.Service)(nil)
	_ OrganizerResolver           = (*OrganizerAdapter)(nil)
)
