package ics

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"github.com/hitoshi/recruitcal/internal/model"
)

func testBooking() *model.Booking {
	return &model.Booking{
		ID:              "booking-1",
		Title:           "一次面接, 山田 太郎",
		Description:     "候補者メモ",
		ScheduledAt:     time.Date(2026, 3, 3, 11, 0, 0, 0, time.FixedZone("JST", 9*60*60)),
		DurationMinutes: 45,
		LocationKind:    model.LocationVideo,
		MeetingURL:      "https://meet.google.com/abc-defg-hij",
		Attendee:        model.Attendee{Name: "山田 太郎", Email: "taro@example.com"},
		Status:          model.BookingStatusConfirmed,
	}
}

func decode(t *testing.T, data []byte) (*ical.Calendar, ical.Event) {
	t.Helper()
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		t.Fatalf("decode failed: %v\n%s", err, data)
	}
	events := cal.Events()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	return cal, events[0]
}

func TestEncode_ConfirmedBooking(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	data, err := Encode(testBooking(), Organizer{Name: "採用担当", Email: "recruiter@example.com"}, now)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	cal, ev := decode(t, data)
	if method, _ := cal.Props.Text(ical.PropMethod); method != "REQUEST" {
		t.Errorf("METHOD = %q", method)
	}
	if summary, _ := ev.Props.Text(ical.PropSummary); summary != "一次面接, 山田 太郎" {
		t.Errorf("SUMMARY = %q", summary)
	}
	start, err := ev.DateTimeStart(time.UTC)
	if err != nil || !start.Equal(time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)) {
		t.Errorf("DTSTART = %v, %v", start, err)
	}
	end, err := ev.DateTimeEnd(time.UTC)
	if err != nil || !end.Equal(time.Date(2026, 3, 3, 2, 45, 0, 0, time.UTC)) {
		t.Errorf("DTEND = %v, %v", end, err)
	}
	if status, _ := ev.Props.Text(ical.PropStatus); status != "CONFIRMED" {
		t.Errorf("STATUS = %q", status)
	}

	s := string(data)
	for _, want := range []string{"mailto:recruiter@example.com", "mailto:taro@example.com", "UID:booking-1@recruitcal"} {
		if !strings.Contains(s, want) {
			t.Errorf("ics missing %q", want)
		}
	}
}

func TestEncode_CancelledBooking(t *testing.T) {
	b := testBooking()
	b.Status = model.BookingStatusCancelled

	data, err := Encode(b, Organizer{}, time.Now())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	cal, ev := decode(t, data)
	if method, _ := cal.Props.Text(ical.PropMethod); method != "CANCEL" {
		t.Errorf("METHOD = %q", method)
	}
	if status, _ := ev.Props.Text(ical.PropStatus); status != "CANCELLED" {
		t.Errorf("STATUS = %q", status)
	}
	if strings.Contains(string(data), "ORGANIZER") {
		t.Error("ORGANIZER should be omitted without email")
	}
}

func TestEncode_InPersonUsesLocation(t *testing.T) {
	b := testBooking()
	b.LocationKind = model.LocationInPerson
	b.MeetingURL = ""
	b.Location = "本社 3F 会議室A"

	data, err := Encode(b, Organizer{}, time.Now())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	_, ev := decode(t, data)
	if loc, _ := ev.Props.Text(ical.PropLocation); loc != "本社 3F 会議室A" {
		t.Errorf("LOCATION = %q", loc)
	}
	if ev.Props.Get(ical.PropURL) != nil {
		t.Error("URL should be omitted")
	}
}
