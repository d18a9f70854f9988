package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/recruitcal/internal/calendar"
	"github.com/hitoshi/recruitcal/internal/model"
)

// --- モック定義 ---

type mockAdapter struct {
	provider        model.Provider
	exchangeCodeFn  func(ctx context.Context, code string) (*calendar.Token, error)
	refreshFn       func(ctx context.Context, refreshToken string) (*calendar.Token, error)
	fetchIdentityFn func(ctx context.Context, accessToken string) (*calendar.Identity, error)
	listCalendarsFn func(ctx context.Context, accessToken string) ([]model.Calendar, error)
	freeBusyFn      func(ctx context.Context, accessToken, calendarID string, start, end time.Time) ([]model.BusyPeriod, error)
	createEventFn   func(ctx context.Context, accessToken, calendarID string, in calendar.EventInput) (*calendar.CreatedEvent, error)
	deleteEventFn   func(ctx context.Context, accessToken, calendarID, eventID string) error
}

func (m *mockAdapter) Provider() model.Provider { return m.provider }

func (m *mockAdapter) AuthURL(state string) string { return "https://auth.example.com/?state=" + state }

func (m *mockAdapter) ExchangeCode(ctx context.Context, code string) (*calendar.Token, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return &calendar.Token{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *mockAdapter) Refresh(ctx context.Context, refreshToken string) (*calendar.Token, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, errors.New("refresh not expected")
}

func (m *mockAdapter) FetchIdentity(ctx context.Context, accessToken string) (*calendar.Identity, error) {
	if m.fetchIdentityFn != nil {
		return m.fetchIdentityFn(ctx, accessToken)
	}
	return &calendar.Identity{ProviderUserID: "sub-1", Email: "recruiter@example.com"}, nil
}

func (m *mockAdapter) ListCalendars(ctx context.Context, accessToken string) ([]model.Calendar, error) {
	if m.listCalendarsFn != nil {
		return m.listCalendarsFn(ctx, accessToken)
	}
	return nil, nil
}

func (m *mockAdapter) FreeBusy(ctx context.Context, accessToken, calendarID string, start, end time.Time) ([]model.BusyPeriod, error) {
	if m.freeBusyFn != nil {
		return m.freeBusyFn(ctx, accessToken, calendarID, start, end)
	}
	return nil, nil
}

func (m *mockAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, in calendar.EventInput) (*calendar.CreatedEvent, error) {
	if m.createEventFn != nil {
		return m.createEventFn(ctx, accessToken, calendarID, in)
	}
	return &calendar.CreatedEvent{EventID: "event-1"}, nil
}

func (m *mockAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID, eventID string, in calendar.EventInput) error {
	return nil
}

func (m *mockAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	if m.deleteEventFn != nil {
		return m.deleteEventFn(ctx, accessToken, calendarID, eventID)
	}
	return nil
}

// memoryConnRepo は接続をメモリ上に保持するリポジトリ。
type memoryConnRepo struct {
	mu           sync.Mutex
	conns        map[string]*model.CalendarConnection
	upsertErr    error
	credUpdates  int
	deactivated  []string
	deleteCalled int
}

func newMemoryConnRepo(conns ...*model.CalendarConnection) *memoryConnRepo {
	r := &memoryConnRepo{conns: make(map[string]*model.CalendarConnection)}
	for _, c := range conns {
		cp := *c
		r.conns[c.ID] = &cp
	}
	return r
}

func (r *memoryConnRepo) FindByID(_ context.Context, id string) (*model.CalendarConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *memoryConnRepo) FindByUserAndProvider(_ context.Context, userID string, provider model.Provider) (*model.CalendarConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.UserID == userID && c.Provider == provider {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memoryConnRepo) FindActiveByUserID(_ context.Context, userID string) (*model.CalendarConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.UserID == userID && c.IsActive {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memoryConnRepo) ListByUserID(_ context.Context, userID string) ([]*model.CalendarConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.CalendarConnection
	for _, c := range r.conns {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryConnRepo) Upsert(_ context.Context, conn *model.CalendarConnection) error {
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		if c.UserID == conn.UserID && c.Provider == conn.Provider {
			conn.ID = id
			conn.Rules = c.Rules
			conn.CalendarID = c.CalendarID
			conn.CalendarName = c.CalendarName
			if conn.RefreshToken == "" {
				conn.RefreshToken = c.RefreshToken
			}
		}
	}
	cp := *conn
	r.conns[conn.ID] = &cp
	return nil
}

func (r *memoryConnRepo) UpdateCredential(_ context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credUpdates++
	c := r.conns[id]
	c.AccessToken = accessToken
	c.RefreshToken = refreshToken
	c.TokenExpiresAt = expiresAt
	return nil
}

func (r *memoryConnRepo) Deactivate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivated = append(r.deactivated, id)
	if c, ok := r.conns[id]; ok {
		c.IsActive = false
	}
	return nil
}

func (r *memoryConnRepo) UpdateSettings(_ context.Context, conn *model.CalendarConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[conn.ID]
	c.Rules = conn.Rules
	c.CalendarID = conn.CalendarID
	c.CalendarName = conn.CalendarName
	return nil
}

func (r *memoryConnRepo) DeleteByUserAndProvider(_ context.Context, userID string, provider model.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteCalled++
	for id, c := range r.conns {
		if c.UserID == userID && c.Provider == provider {
			delete(r.conns, id)
		}
	}
	return nil
}

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestService(adapter *mockAdapter, repo *memoryConnRepo) *Service {
	s := NewService(calendar.NewRegistry(adapter), repo, nil)
	s.now = func() time.Time { return fixedNow }
	return s
}

func testConn(expiresAt time.Time) *model.CalendarConnection {
	return &model.CalendarConnection{
		ID:             "conn-1",
		UserID:         "user-1",
		Provider:       model.ProviderGoogle,
		AccessToken:    "old-access",
		RefreshToken:   "refresh-1",
		TokenExpiresAt: expiresAt,
		IsActive:       true,
		Rules:          model.DefaultBookingRules(),
	}
}

// --- テスト ---

func TestInitiate_ReturnsAdapterURL(t *testing.T) {
	s := newTestService(&mockAdapter{provider: model.ProviderGoogle}, newMemoryConnRepo())

	url, err := s.Initiate(model.ProviderGoogle, "user-1", "state-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://auth.example.com/?state=state-1" {
		t.Errorf("url = %q", url)
	}

	if _, err := s.Initiate(model.ProviderMicrosoft, "user-1", "state-1"); !model.HasCode(err, model.ErrCodeUnsupportedProvider) {
		t.Errorf("expected UNSUPPORTED_PROVIDER, got %v", err)
	}
}

func TestComplete_Success_UpsertsActiveConnection(t *testing.T) {
	repo := newMemoryConnRepo()
	s := newTestService(&mockAdapter{provider: model.ProviderGoogle}, repo)

	conn, err := s.Complete(context.Background(), model.ProviderGoogle, "code", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !conn.IsActive || conn.ProviderEmail != "recruiter@example.com" || conn.AccessToken != "access" {
		t.Errorf("unexpected connection: %+v", conn)
	}
	if len(repo.conns) != 1 {
		t.Errorf("stored connections = %d, want 1", len(repo.conns))
	}
}

func TestComplete_Reconnect_KeepsSettings(t *testing.T) {
	existing := testConn(fixedNow)
	existing.IsActive = false
	existing.Rules.BufferMinutes = 30
	existing.CalendarID = "team"
	repo := newMemoryConnRepo(existing)
	s := newTestService(&mockAdapter{provider: model.ProviderGoogle}, repo)

	conn, err := s.Complete(context.Background(), model.ProviderGoogle, "code", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.ID != "conn-1" || conn.Rules.BufferMinutes != 30 || conn.CalendarID != "team" {
		t.Errorf("reconnect should keep row and settings: %+v", conn)
	}
	if len(repo.conns) != 1 {
		t.Errorf("stored connections = %d, want 1", len(repo.conns))
	}
}

func TestComplete_ExchangeFails_ReturnsAuthErrorAndPersistsNothing(t *testing.T) {
	repo := newMemoryConnRepo()
	adapter := &mockAdapter{
		provider: model.ProviderGoogle,
		exchangeCodeFn: func(ctx context.Context, code string) (*calendar.Token, error) {
			return nil, &model.ProviderAPIError{Provider: model.ProviderGoogle, StatusCode: 400, Message: "invalid_grant"}
		},
	}
	s := newTestService(adapter, repo)

	_, err := s.Complete(context.Background(), model.ProviderGoogle, "bad", "user-1")
	if !model.HasCode(err, model.ErrCodeCalendarAuthFailed) {
		t.Fatalf("expected CALENDAR_AUTH_FAILED, got %v", err)
	}
	if len(repo.conns) != 0 {
		t.Error("connection should not be persisted")
	}
}

func TestComplete_IdentityFails_ReturnsAuthError(t *testing.T) {
	repo := newMemoryConnRepo()
	adapter := &mockAdapter{
		provider: model.ProviderGoogle,
		fetchIdentityFn: func(ctx context.Context, accessToken string) (*calendar.Identity, error) {
			return nil, errors.New("forbidden")
		},
	}
	s := newTestService(adapter, repo)

	if _, err := s.Complete(context.Background(), model.ProviderGoogle, "code", "user-1"); !model.HasCode(err, model.ErrCodeCalendarAuthFailed) {
		t.Fatalf("expected CALENDAR_AUTH_FAILED, got %v", err)
	}
	if len(repo.conns) != 0 {
		t.Error("connection should not be persisted")
	}
}

func TestEnsureValidCredential_Fresh_NoNetworkCall(t *testing.T) {
	var refreshes int32
	adapter := &mockAdapter{
		provider: model.ProviderGoogle,
		refreshFn: func(ctx context.Context, refreshToken string) (*calendar.Token, error) {
			atomic.AddInt32(&refreshes, 1)
			return nil, errors.New("unexpected")
		},
	}
	conn := testConn(fixedNow.Add(time.Hour))
	s := newTestService(adapter, newMemoryConnRepo(conn))

	for i := 0; i < 3; i++ {
		token, err := s.EnsureValidCredential(context.Background(), conn)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token != "old-access" {
			t.Errorf("token = %q", token)
		}
	}
	if refreshes != 0 {
		t.Errorf("refreshes = %d, want 0", refreshes)
	}
}

func TestEnsureValidCredential_ExpiringSoon_RefreshesAndPersists(t *testing.T) {
	adapter := &mockAdapter{
		provider: model.ProviderGoogle,
		refreshFn: func(ctx context.Context, refreshToken string) (*calendar.Token, error) {
			if refreshToken != "refresh-1" {
				t.Errorf("refreshToken = %q", refreshToken)
			}
			return &calendar.Token{AccessToken: "new-access", ExpiresAt: fixedNow.Add(time.Hour)}, nil
		},
	}
	conn := testConn(fixedNow.Add(4 * time.Minute))
	repo := newMemoryConnRepo(conn)
	s := newTestService(adapter, repo)

	token, err := s.EnsureValidCredential(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "new-access" {
		t.Errorf("token = %q, want new-access", token)
	}
	stored := repo.conns["conn-1"]
	if stored.AccessToken != "new-access" || !stored.TokenExpiresAt.Equal(fixedNow.Add(time.Hour)) {
		t.Errorf("credential not persisted: %+v", stored)
	}
	if stored.RefreshToken != "refresh-1" {
		t.Errorf("refresh token should be kept when not rotated, got %q", stored.RefreshToken)
	}
	if repo.credUpdates != 1 {
		t.Errorf("credUpdates = %d, want 1", repo.credUpdates)
	}
}

func TestEnsureValidCredential_Rotated_StoresNewRefreshToken(t *testing.T) {
	adapter := &mockAdapter{
		provider: model.ProviderGoogle,
		refreshFn: func(ctx context.Context, refreshToken string) (*calendar.Token, error) {
			return &calendar.Token{AccessToken: "new-access", RefreshToken: "refresh-2", RefreshRotated: true, ExpiresAt: fixedNow.Add(time.Hour)}, nil
		},
	}
	conn := testConn(fixedNow.Add(-time.Minute))
	repo := newMemoryConnRepo(conn)
	s := newTestService(adapter, repo)

	if _, err := s.EnsureValidCredential(context.Background(), conn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := repo.conns["conn-1"].RefreshToken; got != "refresh-2" {
		t.Errorf("RefreshToken = %q, want refresh-2", got)
	}
}

func TestEnsureValidCredential_ConcurrentCallers_SingleRefresh(t *testing.T) {
	var refreshes int32
	adapter := &mockAdapter{
		provider: model.ProviderGoogle,
		refreshFn: func(ctx context.Context, refreshToken string) (*calendar.Token, error) {
			atomic.AddInt32(&refreshes, 1)
			time.Sleep(10 * time.Millisecond)
			return &calendar.Token{AccessToken: "new-access", ExpiresAt: fixedNow.Add(time.Hour)}, nil
		},
	}
	stale := testConn(fixedNow.Add(time.Minute))
	repo := newMemoryConnRepo(stale)
	s := newTestService(adapter, repo)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	errs := make([]error, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := *stale
			tokens[i], errs[i] = s.EnsureValidCredential(context.Background(), &conn)
		}(i)
	}
	wg.Wait()

	for i := range tokens {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, errs[i])
		}
		if tokens[i] != "new-access" {
			t.Errorf("caller %d: token = %q", i, tokens[i])
		}
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}
}

func TestEnsureValidCredential_RefreshFails_DeactivatesConnection(t *testing.T) {
	adapter := &mockAdapter{
		provider: model.ProviderGoogle,
		refreshFn: func(ctx context.Context, refreshToken string) (*calendar.Token, error) {
			return nil, &model.ProviderAPIError{Provider: model.ProviderGoogle, StatusCode: 400, Message: "invalid_grant"}
		},
	}
	conn := testConn(fixedNow.Add(-time.Hour))
	repo := newMemoryConnRepo(conn)
	s := newTestService(adapter, repo)

	_, err := s.EnsureValidCredential(context.Background(), conn)
	if !model.HasCode(err, model.ErrCodeCalendarReconnectRequired) {
		t.Fatalf("expected CALENDAR_RECONNECT_REQUIRED, got %v", err)
	}
	if len(repo.deactivated) != 1 || repo.conns["conn-1"].IsActive {
		t.Error("connection should be marked inactive")
	}
	if conn.IsActive {
		t.Error("caller's connection should be marked inactive")
	}

	// 無効化後は更新を試みない
	_, err = s.EnsureValidCredential(context.Background(), conn)
	if !model.HasCode(err, model.ErrCodeCalendarReconnectRequired) {
		t.Errorf("expected CALENDAR_RECONNECT_REQUIRED, got %v", err)
	}
	if len(repo.deactivated) != 1 {
		t.Errorf("deactivated = %d, want 1", len(repo.deactivated))
	}
}

func TestFreeBusy_Unauthorized_RefreshesAndRetriesOnce(t *testing.T) {
	var calls, refreshes int32
	adapter := &mockAdapter{
		provider: model.ProviderGoogle,
		refreshFn: func(ctx context.Context, refreshToken string) (*calendar.Token, error) {
			atomic.AddInt32(&refreshes, 1)
			return &calendar.Token{AccessToken: "new-access", ExpiresAt: fixedNow.Add(time.Hour)}, nil
		},
		freeBusyFn: func(ctx context.Context, accessToken, calendarID string, start, end time.Time) ([]model.BusyPeriod, error) {
			atomic.AddInt32(&calls, 1)
			if accessToken == "old-access" {
				return nil, &model.ProviderAPIError{Provider: model.ProviderGoogle, StatusCode: 401, Message: "Invalid Credentials"}
			}
			return []model.BusyPeriod{{Start: start, End: start.Add(time.Hour)}}, nil
		},
	}
	conn := testConn(fixedNow.Add(time.Hour))
	s := newTestService(adapter, newMemoryConnRepo(conn))

	busy, err := s.FreeBusy(context.Background(), conn, fixedNow, fixedNow.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(busy) != 1 {
		t.Errorf("len(busy) = %d", len(busy))
	}
	if calls != 2 || refreshes != 1 {
		t.Errorf("calls = %d, refreshes = %d, want 2 and 1", calls, refreshes)
	}
}

func TestCreateEvent_ProviderError_NotRetried(t *testing.T) {
	var calls int32
	adapter := &mockAdapter{
		provider: model.ProviderGoogle,
		createEventFn: func(ctx context.Context, accessToken, calendarID string, in calendar.EventInput) (*calendar.CreatedEvent, error) {
			atomic.AddInt32(&calls, 1)
			if calendarID != "primary" {
				t.Errorf("calendarID = %q, want primary", calendarID)
			}
			return nil, &model.ProviderAPIError{Provider: model.ProviderGoogle, StatusCode: 503, Message: "Backend Error"}
		},
	}
	conn := testConn(fixedNow.Add(time.Hour))
	s := newTestService(adapter, newMemoryConnRepo(conn))

	_, err := s.CreateEvent(context.Background(), conn, calendar.EventInput{Title: "面接"})
	var perr *model.ProviderAPIError
	if !errors.As(err, &perr) || perr.Message != "Backend Error" {
		t.Fatalf("expected provider error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestUpdateSettings_Validation(t *testing.T) {
	conn := testConn(fixedNow.Add(time.Hour))
	repo := newMemoryConnRepo(conn)
	s := newTestService(&mockAdapter{provider: model.ProviderGoogle}, repo)

	intp := func(v int) *int { return &v }
	strp := func(v string) *string { return &v }
	empty := []int{}
	badDay := []int{7}

	tests := []struct {
		name  string
		patch SettingsPatch
	}{
		{"end not after start", SettingsPatch{BusinessHoursStart: intp(12), BusinessHoursEnd: intp(12)}},
		{"end before existing start", SettingsPatch{BusinessHoursEnd: intp(8)}},
		{"negative buffer", SettingsPatch{BufferMinutes: intp(-5)}},
		{"bad timezone", SettingsPatch{Timezone: strp("Nowhere/City")}},
		{"empty weekdays", SettingsPatch{AllowedWeekdays: &empty}},
		{"weekday out of range", SettingsPatch{AllowedWeekdays: &badDay}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.UpdateSettings(context.Background(), conn, tt.patch)
			if !model.HasCode(err, model.ErrCodeInvalidCalendarSettings) {
				t.Errorf("expected INVALID_CALENDAR_SETTINGS, got %v", err)
			}
		})
	}
	if repo.conns["conn-1"].Rules != model.DefaultBookingRules() {
		t.Error("invalid patches must not be persisted")
	}
}

func TestUpdateSettings_PartialUpdateAndCalendarSelection(t *testing.T) {
	conn := testConn(fixedNow.Add(time.Hour))
	repo := newMemoryConnRepo(conn)
	adapter := &mockAdapter{
		provider: model.ProviderGoogle,
		listCalendarsFn: func(ctx context.Context, accessToken string) ([]model.Calendar, error) {
			return []model.Calendar{{ID: "primary-id", Name: "Me", IsPrimary: true}, {ID: "team", Name: "採用チーム"}}, nil
		},
	}
	s := newTestService(adapter, repo)

	start, end := 10, 18
	days := []int{1, 3, 5}
	cal := "team"
	updated, err := s.UpdateSettings(context.Background(), conn, SettingsPatch{
		BusinessHoursStart: &start,
		BusinessHoursEnd:   &end,
		AllowedWeekdays:    &days,
		CalendarID:         &cal,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Rules.BusinessHoursStart != 10 || updated.Rules.BusinessHoursEnd != 18 {
		t.Errorf("business hours not applied: %+v", updated.Rules)
	}
	if updated.Rules.BufferMinutes != 15 {
		t.Errorf("untouched field changed: buffer = %d", updated.Rules.BufferMinutes)
	}
	if !updated.Rules.AllowedWeekdays.Contains(time.Wednesday) || updated.Rules.AllowedWeekdays.Contains(time.Tuesday) {
		t.Errorf("weekdays not applied: %v", updated.Rules.AllowedWeekdays.Weekdays())
	}
	if repo.conns["conn-1"].CalendarName != "採用チーム" {
		t.Errorf("CalendarName = %q", repo.conns["conn-1"].CalendarName)
	}

	unknown := "missing"
	if _, err := s.UpdateSettings(context.Background(), conn, SettingsPatch{CalendarID: &unknown}); !model.HasCode(err, model.ErrCodeInvalidCalendarSettings) {
		t.Errorf("expected INVALID_CALENDAR_SETTINGS for unknown calendar, got %v", err)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	repo := newMemoryConnRepo(testConn(fixedNow))
	s := newTestService(&mockAdapter{provider: model.ProviderGoogle}, repo)

	for i := 0; i < 2; i++ {
		if err := s.Disconnect(context.Background(), "user-1", model.ProviderGoogle); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if len(repo.conns) != 0 {
		t.Error("connection should be removed")
	}
}

func TestActiveForUser_NoConnection(t *testing.T) {
	s := newTestService(&mockAdapter{provider: model.ProviderGoogle}, newMemoryConnRepo())
	if _, err := s.ActiveForUser(context.Background(), "user-1"); !model.HasCode(err, model.ErrCodeCalendarNotConnected) {
		t.Errorf("expected CALENDAR_NOT_CONNECTED, got %v", err)
	}
}
