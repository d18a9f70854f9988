package booking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/recruitcal/internal/calendar"
	"github.com/hitoshi/recruitcal/internal/model"
	"github.com/hitoshi/recruitcal/internal/notify"
	"github.com/hitoshi/recruitcal/internal/repository"
	"github.com/hitoshi/recruitcal/internal/security"
)

// --- インメモリストア ---

// store はテスト用のインメモリデータベース。
// RunInTxの変更はコミット時にまとめて反映する。
type store struct {
	mu           sync.Mutex
	tokens       map[string]*model.BookingToken
	bookings     map[string]*model.Booking
	stages       map[string]*model.StageInstance
	meetingTypes map[string]*model.MeetingType
	profiles     map[string]model.OnboardingStage
	commitErr    error
	failOp       string
}

func newStore() *store {
	return &store{
		tokens:       make(map[string]*model.BookingToken),
		bookings:     make(map[string]*model.Booking),
		stages:       make(map[string]*model.StageInstance),
		meetingTypes: make(map[string]*model.MeetingType),
		profiles:     make(map[string]model.OnboardingStage),
	}
}

func (s *store) repositories() Repositories {
	return Repositories{
		Tokens:       tokenRepo{s},
		Bookings:     bookingRepo{s},
		Stages:       stageRepo{s},
		MeetingTypes: meetingTypeRepo{s},
		UnitOfWork:   s,
	}
}

type tokenRepo struct{ s *store }

func (r tokenRepo) FindByToken(_ context.Context, token string) (*model.BookingToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t, ok := r.s.tokens[token]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (r tokenRepo) Issue(_ context.Context, token *model.BookingToken, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for key, t := range r.s.tokens {
		if t.StageInstanceID != token.StageInstanceID {
			continue
		}
		if t.IsRedeemable(now) {
			return false, nil
		}
		delete(r.s.tokens, key)
	}
	cp := *token
	r.s.tokens[token.Token] = &cp
	return true, nil
}

func (r tokenRepo) DeleteExpiredBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type bookingRepo struct{ s *store }

func (r bookingRepo) FindByID(_ context.Context, id string) (*model.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if b, ok := r.s.bookings[id]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func (r bookingRepo) ListByOrganizer(_ context.Context, organizerID string, from, to time.Time, statuses ...model.BookingStatus) ([]*model.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Booking
	for _, b := range r.s.bookings {
		if b.OrganizerID != organizerID || !b.ScheduledAt.Before(to) || !b.EndsAt().After(from) {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, b.Status) {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (r bookingRepo) CountActiveByMeetingType(_ context.Context, meetingTypeID string, from, to time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, b := range r.s.bookings {
		if b.MeetingTypeID == meetingTypeID && !b.ScheduledAt.Before(from) && b.ScheduledAt.Before(to) &&
			containsStatus(activeStatuses, b.Status) {
			n++
		}
	}
	return n, nil
}

func (r bookingRepo) UpdateStatus(_ context.Context, b *model.Booking) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *b
	r.s.bookings[b.ID] = &cp
	return nil
}

func containsStatus(list []model.BookingStatus, st model.BookingStatus) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}

type stageRepo struct{ s *store }

func (r stageRepo) FindByID(_ context.Context, id string) (*model.StageInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if st, ok := r.s.stages[id]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, nil
}

type meetingTypeRepo struct{ s *store }

func (r meetingTypeRepo) FindByID(_ context.Context, id string) (*model.MeetingType, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if mt, ok := r.s.meetingTypes[id]; ok {
		cp := *mt
		return &cp, nil
	}
	return nil, nil
}

func (r meetingTypeRepo) FindBySlug(_ context.Context, slug string) (*model.MeetingType, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, mt := range r.s.meetingTypes {
		if mt.Slug == slug {
			cp := *mt
			return &cp, nil
		}
	}
	return nil, nil
}

func (r meetingTypeRepo) ListForUser(context.Context, string) ([]*model.MeetingType, error) {
	return nil, nil
}

func (r meetingTypeRepo) Create(context.Context, *model.MeetingType) error { return nil }

func (r meetingTypeRepo) Update(context.Context, *model.MeetingType) error { return nil }

// RunInTx はfnの変更をバッファし、fnとコミットが成功した場合のみストアに反映する。
func (s *store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.BookingTx) error) error {
	tx := &memTx{s: s, consumed: make(map[string]bool)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if s.commitErr != nil {
		return s.commitErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range tx.ops {
		op()
	}
	return nil
}

type memTx struct {
	s        *store
	ops      []func()
	consumed map[string]bool
}

func (t *memTx) fail(op string) error {
	if t.s.failOp == op {
		return errors.New(op + " failed")
	}
	return nil
}

func (t *memTx) ConsumeToken(_ context.Context, token string, now time.Time) (*model.BookingToken, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	tok, ok := t.s.tokens[token]
	if !ok || t.consumed[token] || !tok.IsRedeemable(now) {
		return nil, nil
	}
	t.consumed[token] = true
	t.ops = append(t.ops, func() {
		tok.Used = true
		tok.UsedAt = &now
	})
	cp := *tok
	return &cp, nil
}

func (t *memTx) CreateBooking(_ context.Context, b *model.Booking) error {
	if err := t.fail("create_booking"); err != nil {
		return err
	}
	cp := *b
	t.ops = append(t.ops, func() { t.s.bookings[cp.ID] = &cp })
	return nil
}

func (t *memTx) UpdateBookingEvent(_ context.Context, b *model.Booking) error {
	if err := t.fail("update_booking_event"); err != nil {
		return err
	}
	cp := *b
	t.ops = append(t.ops, func() { t.s.bookings[cp.ID] = &cp })
	return nil
}

func (t *memTx) UpdateBookingSchedule(_ context.Context, b *model.Booking) error {
	cp := *b
	t.ops = append(t.ops, func() { t.s.bookings[cp.ID] = &cp })
	return nil
}

func (t *memTx) UpdateBookingStatus(_ context.Context, b *model.Booking) error {
	cp := *b
	t.ops = append(t.ops, func() { t.s.bookings[cp.ID] = &cp })
	return nil
}

func (t *memTx) UpdateStageSchedule(_ context.Context, id string, scheduledAt *time.Time, link, eventID string) error {
	t.ops = append(t.ops, func() {
		st, ok := t.s.stages[id]
		if !ok {
			return
		}
		st.ScheduledAt = scheduledAt
		st.MeetingLink = link
		st.CalendarEventID = eventID
	})
	return nil
}

func (t *memTx) LockProfileStage(_ context.Context, profileID string) (model.OnboardingStage, bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	st, ok := t.s.profiles[profileID]
	return st, ok, nil
}

func (t *memTx) UpdateProfileStage(_ context.Context, profileID string, stage model.OnboardingStage) error {
	t.ops = append(t.ops, func() { t.s.profiles[profileID] = stage })
	return nil
}

var _ repository.UnitOfWork = (*store)(nil)

// --- カレンダーのモック ---

type mockCalendars struct {
	mu            sync.Mutex
	conn          *model.CalendarConnection
	connErr       error
	freeBusyFn    func(start, end time.Time) ([]model.BusyPeriod, error)
	createEventFn func(in calendar.EventInput) (*calendar.CreatedEvent, error)
	updateEventFn func(eventID string, in calendar.EventInput) error
	deleteEventFn func(eventID string) error

	created []calendar.EventInput
	updated []string
	deleted []string
}

func (m *mockCalendars) Get(_ context.Context, userID string, provider model.Provider) (*model.CalendarConnection, error) {
	if m.connErr != nil {
		return nil, m.connErr
	}
	if m.conn == nil || m.conn.UserID != userID || m.conn.Provider != provider {
		return nil, model.NewCalendarNotConnectedError()
	}
	cp := *m.conn
	return &cp, nil
}

func (m *mockCalendars) ActiveForUser(_ context.Context, userID string) (*model.CalendarConnection, error) {
	if m.connErr != nil {
		return nil, m.connErr
	}
	if m.conn == nil || m.conn.UserID != userID || !m.conn.IsActive {
		return nil, model.NewCalendarNotConnectedError()
	}
	cp := *m.conn
	return &cp, nil
}

func (m *mockCalendars) FreeBusy(_ context.Context, _ *model.CalendarConnection, start, end time.Time) ([]model.BusyPeriod, error) {
	if m.freeBusyFn != nil {
		return m.freeBusyFn(start, end)
	}
	return nil, nil
}

func (m *mockCalendars) CreateEvent(_ context.Context, _ *model.CalendarConnection, in calendar.EventInput) (*calendar.CreatedEvent, error) {
	m.mu.Lock()
	m.created = append(m.created, in)
	m.mu.Unlock()
	if m.createEventFn != nil {
		return m.createEventFn(in)
	}
	ev := &calendar.CreatedEvent{EventID: "event-1"}
	if in.WantVideoLink {
		ev.VideoLink = "https://meet.google.com/abc-defg-hij"
	}
	return ev, nil
}

func (m *mockCalendars) UpdateEvent(_ context.Context, _ *model.CalendarConnection, eventID string, in calendar.EventInput) error {
	m.mu.Lock()
	m.updated = append(m.updated, eventID)
	m.mu.Unlock()
	if m.updateEventFn != nil {
		return m.updateEventFn(eventID, in)
	}
	return nil
}

func (m *mockCalendars) DeleteEvent(_ context.Context, _ *model.CalendarConnection, eventID string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, eventID)
	m.mu.Unlock()
	if m.deleteEventFn != nil {
		return m.deleteEventFn(eventID)
	}
	return nil
}

var _ Calendars = (*mockCalendars)(nil)

// --- 通知のモック ---

type mockPublisher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, ev notify.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

func (m *mockPublisher) Close() error { return nil }

func (m *mockPublisher) types() []notify.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]notify.EventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

// --- フィクスチャ ---

// fixedNow は月曜 09:00 UTC。
var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// tuesdayAt は翌日（火曜）の指定時刻（UTC）を返す。
func tuesdayAt(hour, min int) time.Time {
	return time.Date(2026, 3, 3, hour, min, 0, 0, time.UTC)
}

type fixture struct {
	store     *store
	calendars *mockCalendars
	publisher *mockPublisher
	service   *Service
}

func newFixture() *fixture {
	st := newStore()
	rules := model.DefaultBookingRules()
	rules.BufferMinutes = 0
	rules.MinNoticeHours = 24

	cal := &mockCalendars{conn: &model.CalendarConnection{
		ID:             "conn-1",
		UserID:         "recruiter-1",
		Provider:       model.ProviderGoogle,
		AccessToken:    "access",
		TokenExpiresAt: fixedNow.Add(time.Hour),
		IsActive:       true,
		Rules:          rules,
	}}

	st.meetingTypes["mt-1"] = &model.MeetingType{
		ID:              "mt-1",
		OwnerID:         "recruiter-1",
		Name:            "カジュアル面談",
		Slug:            "casual",
		DurationMinutes: 30,
		LocationKind:    model.LocationVideo,
		IsActive:        true,
		GuestStage:      "scheduled",
		MemberStage:     "interviewed",
		StagePolicy:     model.StagePolicyForwardOnly,
	}
	st.stages["stage-1"] = &model.StageInstance{
		ID:                     "stage-1",
		ProfileID:              "profile-1",
		OrganizerID:            "recruiter-1",
		MeetingTypeID:          "mt-1",
		Title:                  "一次面接",
		DefaultDurationMinutes: 30,
		LocationKind:           model.LocationVideo,
	}
	st.profiles["profile-1"] = "contacted"
	st.tokens["tok-1"] = &model.BookingToken{
		ID:              "token-id-1",
		Token:           "tok-1",
		StageInstanceID: "stage-1",
		ExpiresAt:       fixedNow.Add(DefaultTokenTTL),
		CreatedAt:       fixedNow,
	}

	pub := &mockPublisher{}
	svc := NewService(st.repositories(), cal, pub, security.NewTextSanitizer(), nil, ServiceConfig{})
	svc.now = func() time.Time { return fixedNow }
	return &fixture{store: st, calendars: cal, publisher: pub, service: svc}
}

func (f *fixture) addBooking(b *model.Booking) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	cp := *b
	f.store.bookings[b.ID] = &cp
}

func validAttendee() AttendeeInput {
	return AttendeeInput{Name: "山田 太郎", Email: "taro@example.com", Company: "株式会社サンプル"}
}
