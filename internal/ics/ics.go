// Package ics は予約をiCalendar形式（RFC 5545）の招待ファイルに変換する。
package ics

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"github.com/hitoshi/recruitcal/internal/model"
)

// productID はPRODIDプロパティの値。
const productID = "-//recruitcal//booking//JA"

// Organizer は招待ファイルに記載する主催者。
type Organizer struct {
	Name  string
	Email string
}

// Encode は予約1件をVEVENTを1つ含むVCALENDARとして返す。
// キャンセル済みの予約はMETHOD:CANCELとSTATUS:CANCELLEDで出力する。
func Encode(b *model.Booking, organizer Organizer, now time.Time) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	if b.Status == model.BookingStatusCancelled {
		cal.Props.SetText(ical.PropMethod, "CANCEL")
	} else {
		cal.Props.SetText(ical.PropMethod, "REQUEST")
	}

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, b.ID+"@recruitcal")
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, b.ScheduledAt.UTC())
	event.Props.SetDateTime(ical.PropDateTimeEnd, b.EndsAt().UTC())
	event.Props.SetText(ical.PropSummary, b.Title)
	event.Props.SetText(ical.PropStatus, eventStatus(b.Status))

	if b.Description != "" {
		event.Props.SetText(ical.PropDescription, b.Description)
	}
	if loc := location(b); loc != "" {
		event.Props.SetText(ical.PropLocation, loc)
	}
	if b.MeetingURL != "" {
		url := ical.NewProp(ical.PropURL)
		url.Value = b.MeetingURL
		event.Props.Set(url)
	}
	if organizer.Email != "" {
		event.Props.Set(calAddress(ical.PropOrganizer, organizer.Name, organizer.Email))
	}
	if b.Attendee.Email != "" {
		event.Props.Add(calAddress(ical.PropAttendee, b.Attendee.Name, b.Attendee.Email))
	}

	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode ics: %w", err)
	}
	return buf.Bytes(), nil
}

func calAddress(name, cn, email string) *ical.Prop {
	p := ical.NewProp(name)
	p.Value = "mailto:" + email
	if cn != "" {
		p.Params.Set(ical.ParamCommonName, cn)
	}
	return p
}

// location は対面ならその場所、ビデオならリンクを返す。
func location(b *model.Booking) string {
	if b.Location != "" {
		return b.Location
	}
	if b.LocationKind != model.LocationInPerson {
		return b.MeetingURL
	}
	return ""
}

func eventStatus(s model.BookingStatus) string {
	switch s {
	case model.BookingStatusPending:
		return "TENTATIVE"
	case model.BookingStatusCancelled:
		return "CANCELLED"
	default:
		return "CONFIRMED"
	}
}
