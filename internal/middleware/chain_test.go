package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/recruitcal/internal/model"
)

// chainSessions は "recruiter-session" だけを有効とするセッションリポジトリを返す。
func chainSessions() *mockSessionRepository {
	return &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id != "recruiter-session" {
				return nil, nil
			}
			return &model.Session{
				ID:        id,
				UserID:    "recruiter-1",
				ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		},
	}
}

// TestMiddlewareChain_StaffRoutes はスタッフ向けルートと同じ Session → CSRF の順で
// 認証とCSRF検証が行われることを検証する。
func TestMiddlewareChain_StaffRoutes(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		session    string
		csrf       bool
		wantStatus int
		wantUserID string
	}{
		{name: "セッションなしは401（CSRFより先に判定）", method: http.MethodPost, wantStatus: http.StatusUnauthorized},
		{name: "無効なセッションは401", method: http.MethodGet, session: "expired", wantStatus: http.StatusUnauthorized},
		{name: "GETはセッションのみで通過", method: http.MethodGet, session: "recruiter-session", wantStatus: http.StatusOK, wantUserID: "recruiter-1"},
		{name: "POSTはCSRFなしで403", method: http.MethodPost, session: "recruiter-session", wantStatus: http.StatusForbidden},
		{name: "POSTはセッションとCSRFで通過", method: http.MethodPost, session: "recruiter-session", csrf: true, wantStatus: http.StatusOK, wantUserID: "recruiter-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUserID string
			final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUserID, _ = UserIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			})
			handler := NewSessionMiddleware(chainSessions())(NewCSRFMiddleware(CSRFConfig{})(final))

			req := httptest.NewRequest(tt.method, "/api/bookings/booking-1/approve", nil)
			if tt.session != "" {
				req.AddCookie(&http.Cookie{Name: "session_id", Value: tt.session})
			}
			if tt.csrf {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "csrf-tok"})
				req.Header.Set(csrfHeaderName, "csrf-tok")
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotUserID != tt.wantUserID {
				t.Errorf("userID = %q, want %q", gotUserID, tt.wantUserID)
			}
		})
	}
}

// TestMiddlewareChain_PublicBookingRoutes は予約ページ向けルートで
// 任意セッションとCSRFの組み合わせを検証する。
func TestMiddlewareChain_PublicBookingRoutes(t *testing.T) {
	tests := []struct {
		name       string
		session    string
		wantUserID string
	}{
		{name: "匿名の候補者も通過する", wantUserID: ""},
		{name: "ログイン済みならユーザーIDを引き継ぐ", session: "recruiter-session", wantUserID: "recruiter-1"},
		{name: "無効なセッションは匿名扱い", session: "unknown", wantUserID: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			var gotUserID string
			final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				gotUserID, _ = UserIDFromContext(r.Context())
				w.WriteHeader(http.StatusCreated)
			})
			handler := NewOptionalSessionMiddleware(chainSessions())(NewCSRFMiddleware(CSRFConfig{})(final))

			req := httptest.NewRequest(http.MethodPost, "/api/public/book/tok-1", nil)
			req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "csrf-tok"})
			req.Header.Set(csrfHeaderName, "csrf-tok")
			if tt.session != "" {
				req.AddCookie(&http.Cookie{Name: "session_id", Value: tt.session})
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if !called || w.Code != http.StatusCreated {
				t.Fatalf("called = %v, status = %d", called, w.Code)
			}
			if gotUserID != tt.wantUserID {
				t.Errorf("userID = %q, want %q", gotUserID, tt.wantUserID)
			}
		})
	}
}
