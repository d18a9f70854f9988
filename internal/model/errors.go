package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, calendar, booking, validation, system
	Action   string // ユーザー向け対処方法
	Cause    error  // 原因となったエラー（レスポンスには含めない）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Cause
}

// HasCode はエラーチェーン中に指定コードのAPIErrorが含まれるかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// 定義済みエラーコード
const (
	ErrCodeCalendarAuthFailed        = "CALENDAR_AUTH_FAILED"
	ErrCodeCalendarReconnectRequired = "CALENDAR_RECONNECT_REQUIRED"
	ErrCodeCalendarNotConnected      = "CALENDAR_NOT_CONNECTED"
	ErrCodeUnsupportedProvider       = "UNSUPPORTED_PROVIDER"
	ErrCodeInvalidCalendarSettings   = "INVALID_CALENDAR_SETTINGS"
	ErrCodeInvalidOAuthState         = "INVALID_OAUTH_STATE"
	ErrCodeProviderAPIError          = "CALENDAR_PROVIDER_ERROR"
	ErrCodeInvalidBookingToken       = "INVALID_BOOKING_TOKEN"
	ErrCodeBookingTokenAlreadyIssued = "BOOKING_TOKEN_ALREADY_ISSUED"
	ErrCodeSlotNoLongerAvailable     = "SLOT_NO_LONGER_AVAILABLE"
	ErrCodeInvalidSlot               = "INVALID_SLOT"
	ErrCodeDailyBookingLimitReached  = "DAILY_BOOKING_LIMIT_REACHED"
	ErrCodeBookingNotFound           = "BOOKING_NOT_FOUND"
	ErrCodeInvalidStatusTransition   = "INVALID_STATUS_TRANSITION"
	ErrCodeStageInstanceNotFound     = "STAGE_INSTANCE_NOT_FOUND"
	ErrCodeMeetingTypeNotFound       = "MEETING_TYPE_NOT_FOUND"
	ErrCodeMeetingTypeSlugTaken      = "MEETING_TYPE_SLUG_TAKEN"
	ErrCodeInvalidMeetingType        = "INVALID_MEETING_TYPE"
	ErrCodeInvalidRequest            = "INVALID_REQUEST"
	ErrCodeForbidden                 = "FORBIDDEN"
	ErrCodeUnauthorized              = "UNAUTHORIZED"
)

// NewAuthError はOAuth連携の失敗エラーを生成する。接続は保存されない。
func NewAuthError(provider Provider, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeCalendarAuthFailed,
		Message:  fmt.Sprintf("カレンダー連携の認可に失敗しました: %s", provider),
		Category: "auth",
		Action:   "もう一度カレンダー連携をやり直してください。",
		Cause:    cause,
	}
}

// NewCredentialExpiredError はトークン更新に失敗し再接続が必要な場合のエラーを生成する。
func NewCredentialExpiredError(provider Provider, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeCalendarReconnectRequired,
		Message:  fmt.Sprintf("カレンダー連携の有効期限が切れました: %s", provider),
		Category: "calendar",
		Action:   "カレンダー設定画面から再接続してください。",
		Cause:    cause,
	}
}

// NewCalendarNotConnectedError はカレンダー接続が存在しない場合のエラーを生成する。
func NewCalendarNotConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeCalendarNotConnected,
		Message:  "カレンダーが接続されていません。",
		Category: "calendar",
		Action:   "カレンダー設定画面からGoogleまたはMicrosoftのカレンダーを接続してください。",
	}
}

// NewUnsupportedProviderError は未対応のプロバイダーが指定された場合のエラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedProvider,
		Message:  fmt.Sprintf("未対応のカレンダープロバイダーです: %s", provider),
		Category: "validation",
		Action:   "google または microsoft を指定してください。",
	}
}

// NewInvalidSettingsError は予約ルール設定が不正な場合のエラーを生成する。
func NewInvalidSettingsError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCalendarSettings,
		Message:  reason,
		Category: "validation",
		Action:   "設定値を確認してください。",
	}
}

// NewInvalidOAuthStateError はOAuthのstateが一致しない場合のエラーを生成する。
func NewInvalidOAuthStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOAuthState,
		Message:  "認可リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "もう一度カレンダー連携をやり直してください。",
	}
}

// NewInvalidBookingTokenError は予約トークンが存在しない・期限切れ・使用済みの場合のエラーを生成する。
func NewInvalidBookingTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBookingToken,
		Message:  "予約リンクが無効か、有効期限が切れています。",
		Category: "booking",
		Action:   "担当者に新しい予約リンクの発行を依頼してください。",
	}
}

// NewBookingTokenAlreadyIssuedError は有効な予約トークンが既に存在する場合のエラーを生成する。
func NewBookingTokenAlreadyIssuedError() *APIError {
	return &APIError{
		Code:     ErrCodeBookingTokenAlreadyIssued,
		Message:  "この選考ステップには有効な予約リンクが既に発行されています。",
		Category: "booking",
		Action:   "既存の予約リンクを利用するか、有効期限が切れるまでお待ちください。",
	}
}

// NewSlotConflictError は選択した枠が既に埋まっている場合のエラーを生成する。
func NewSlotConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeSlotNoLongerAvailable,
		Message:  "選択された時間枠は既に予約済みです。",
		Category: "booking",
		Action:   "最新の空き枠を確認して、別の時間を選択してください。",
	}
}

// NewInvalidSlotError は選択した枠が予約ルールを満たさない場合のエラーを生成する。
func NewInvalidSlotError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSlot,
		Message:  "選択された時間枠は予約できません。",
		Category: "validation",
		Action:   "表示されている空き枠から選択してください。",
	}
}

// NewDailyBookingLimitError は1日あたりの予約上限に達した場合のエラーを生成する。
func NewDailyBookingLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeDailyBookingLimitReached,
		Message:  "この日の予約受付数が上限に達しています。",
		Category: "booking",
		Action:   "別の日付を選択してください。",
	}
}

// NewBookingNotFoundError は予約が見つからない場合のエラーを生成する。
func NewBookingNotFoundError(bookingID string) *APIError {
	return &APIError{
		Code:     ErrCodeBookingNotFound,
		Message:  fmt.Sprintf("指定された予約が見つかりません: %s", bookingID),
		Category: "booking",
		Action:   "予約IDを確認してください。",
	}
}

// NewInvalidStatusTransitionError は許可されていない状態遷移のエラーを生成する。
func NewInvalidStatusTransitionError(from, to BookingStatus) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStatusTransition,
		Message:  fmt.Sprintf("予約の状態を %s から %s に変更できません。", from, to),
		Category: "booking",
		Action:   "予約の現在の状態を確認してください。",
	}
}

// NewStageInstanceNotFoundError は選考ステップが見つからない場合のエラーを生成する。
func NewStageInstanceNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeStageInstanceNotFound,
		Message:  fmt.Sprintf("指定された選考ステップが見つかりません: %s", id),
		Category: "booking",
		Action:   "選考ステップIDを確認してください。",
	}
}

// NewMeetingTypeNotFoundError は面談種別が見つからない場合のエラーを生成する。
func NewMeetingTypeNotFoundError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeMeetingTypeNotFound,
		Message:  fmt.Sprintf("指定された面談種別が見つかりません: %s", key),
		Category: "booking",
		Action:   "URLまたは面談種別IDを確認してください。",
	}
}

// NewMeetingTypeSlugTakenError はスラッグが既に使用されている場合のエラーを生成する。
func NewMeetingTypeSlugTakenError(slug string) *APIError {
	return &APIError{
		Code:     ErrCodeMeetingTypeSlugTaken,
		Message:  fmt.Sprintf("このスラッグは既に使用されています: %s", slug),
		Category: "validation",
		Action:   "別のスラッグを指定してください。",
	}
}

// NewInvalidMeetingTypeError は面談種別の入力値が不正な場合のエラーを生成する。
func NewInvalidMeetingTypeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMeetingType,
		Message:  reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewForbiddenError は操作権限がない場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者に権限の付与を依頼してください。",
	}
}

// NewUnauthorizedError はログインセッションがない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// ProviderAPIError はカレンダープロバイダーが2xx以外を返した場合のエラー。
// プロバイダーのメッセージをそのまま保持する。自動リトライはしない。
type ProviderAPIError struct {
	Provider   Provider
	Operation  string
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderAPIError) Error() string {
	return fmt.Sprintf("%s %s failed (status %d): %s", e.Provider, e.Operation, e.StatusCode, e.Message)
}

// IsUnauthorized はアクセストークンが拒否されたかを返す。
func (e *ProviderAPIError) IsUnauthorized() bool {
	return e.StatusCode == 401
}
