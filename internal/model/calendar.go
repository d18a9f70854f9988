package model

import "time"

// Provider は外部カレンダープロバイダーの種別を表す。
type Provider string

const (
	// ProviderGoogle はGoogle Calendarを表す。
	ProviderGoogle Provider = "google"
	// ProviderMicrosoft はMicrosoft 365 (Outlook) カレンダーを表す。
	ProviderMicrosoft Provider = "microsoft"
)

// ParseProvider は文字列をProviderに変換する。未対応の値はエラーを返す。
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderGoogle, ProviderMicrosoft:
		return Provider(s), nil
	default:
		return "", NewUnsupportedProviderError(s)
	}
}

// Calendar はプロバイダー上の書き込み可能なカレンダーを表す。
type Calendar struct {
	ID        string
	Name      string
	IsPrimary bool
}

// BusyPeriod はフリー/ビジー照会で返される予定あり区間 [Start, End) を表す。
// 永続化はせず、空き枠計算の間だけ存在する。
type BusyPeriod struct {
	Start time.Time
	End   time.Time
}

// Overlaps は [start, end) と重なるかを判定する。
func (b BusyPeriod) Overlaps(start, end time.Time) bool {
	return b.Start.Before(end) && b.End.After(start)
}

// TimeSlot は予約可能な枠 [Start, End) を表す。
type TimeSlot struct {
	Start time.Time
	End   time.Time
}
