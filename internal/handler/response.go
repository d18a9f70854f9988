// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/recruitcal/internal/middleware"
	"github.com/hitoshi/recruitcal/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限サイズ。
const maxRequestBodyBytes = 1 << 20

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// decodeJSON はリクエストボディをvにデコードする。
// 失敗した場合は400レスポンスを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// requireUserID はセッションミドルウェアが注入したユーザーIDを返す。
// 取得できない場合は401レスポンスを書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// optionalUserID はログイン済みであればユーザーIDを返す。未ログインの場合は空文字。
func optionalUserID(r *http.Request) string {
	userID, _ := middleware.UserIDFromContext(r.Context())
	return userID
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	var providerErr *model.ProviderAPIError
	if errors.As(err, &providerErr) {
		slog.Warn("calendar provider error",
			slog.String("provider", string(providerErr.Provider)),
			slog.String("operation", providerErr.Operation),
			slog.Int("status_code", providerErr.StatusCode),
		)
		middleware.WriteErrorResponse(w, http.StatusBadGateway, &model.APIError{
			Code:     model.ErrCodeProviderAPIError,
			Message:  providerErr.Message,
			Category: "calendar",
			Action:   "しばらく待ってから再度お試しください。",
		})
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeCalendarAuthFailed,
		model.ErrCodeUnsupportedProvider,
		model.ErrCodeInvalidCalendarSettings,
		model.ErrCodeInvalidOAuthState,
		model.ErrCodeInvalidSlot,
		model.ErrCodeInvalidMeetingType,
		model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeBookingNotFound,
		model.ErrCodeStageInstanceNotFound,
		model.ErrCodeMeetingTypeNotFound:
		return http.StatusNotFound
	case model.ErrCodeCalendarReconnectRequired,
		model.ErrCodeCalendarNotConnected,
		model.ErrCodeSlotNoLongerAvailable,
		model.ErrCodeDailyBookingLimitReached,
		model.ErrCodeBookingTokenAlreadyIssued,
		model.ErrCodeInvalidStatusTransition,
		model.ErrCodeMeetingTypeSlugTaken:
		return http.StatusConflict
	case model.ErrCodeInvalidBookingToken:
		return http.StatusGone
	case model.ErrCodeProviderAPIError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// dateLayout はクエリパラメータで受け付ける日付のみの形式。
const dateLayout = "2006-01-02"

// parseTimeParam はRFC 3339の日時またはYYYY-MM-DDの日付を解釈する。
// 空の場合はfallbackを返す。
func parseTimeParam(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse(dateLayout, value)
}

// parseRange はfrom/toクエリパラメータを解釈する。
// 省略時はfromが現在時刻、toがfromから1年後。範囲の切り詰めはサービス層が行う。
func parseRange(w http.ResponseWriter, r *http.Request, now time.Time) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"), now)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("from の形式が不正です。"))
		return time.Time{}, time.Time{}, false
	}
	to, err := parseTimeParam(q.Get("to"), from.AddDate(1, 0, 0))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("to の形式が不正です。"))
		return time.Time{}, time.Time{}, false
	}
	if to.Before(from) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("to は from 以降を指定してください。"))
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// parseIntParam は整数のクエリパラメータを解釈する。空の場合はfallbackを返す。
func parseIntParam(value string, fallback int) (int, error) {
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}
