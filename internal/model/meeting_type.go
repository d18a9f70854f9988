package model

import "time"

// LocationKind は面談の実施形態。
type LocationKind string

const (
	LocationVideo    LocationKind = "video"
	LocationPhone    LocationKind = "phone"
	LocationInPerson LocationKind = "in_person"
)

// Valid は定義済みの実施形態かを返す。
func (k LocationKind) Valid() bool {
	switch k {
	case LocationVideo, LocationPhone, LocationInPerson:
		return true
	}
	return false
}

// WantsVideoLink はビデオ会議リンクの自動生成を要求すべきかを返す。
// 対面の場合は呼び出し側の意図に関わらず要求しない。
func (k LocationKind) WantsVideoLink() bool {
	return k != LocationInPerson
}

// StagePolicy はオンボーディングステージの遷移ポリシー。
type StagePolicy string

const (
	// StagePolicyForwardOnly は現在より先のステージへのみ遷移する。
	StagePolicyForwardOnly StagePolicy = "forward_only"
	// StagePolicyAlways は常に対象ステージへ遷移する。
	StagePolicyAlways StagePolicy = "always"
	// StagePolicyOnlyIfUnset はステージ未設定の場合のみ遷移する。
	StagePolicyOnlyIfUnset StagePolicy = "only_if_unset"
)

// Valid は定義済みのポリシーかを返す。
func (p StagePolicy) Valid() bool {
	switch p {
	case StagePolicyForwardOnly, StagePolicyAlways, StagePolicyOnlyIfUnset:
		return true
	}
	return false
}

// OnboardingStage は候補者プロフィールのオンボーディングステージ。
type OnboardingStage string

// onboardingOrder はステージの前後関係。
var onboardingOrder = []OnboardingStage{
	"new",
	"contacted",
	"scheduled",
	"interviewed",
	"offered",
	"onboarded",
}

// ValidOnboardingStage は定義済みのステージかを返す。空文字は「設定なし」として有効。
func ValidOnboardingStage(s OnboardingStage) bool {
	return s == "" || stageRank(s) >= 0
}

func stageRank(s OnboardingStage) int {
	for i, st := range onboardingOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// NextOnboardingStage はポリシーに従って遷移後のステージを返す。
// 遷移しない場合はfalseを返す。
func NextOnboardingStage(current, target OnboardingStage, policy StagePolicy) (OnboardingStage, bool) {
	if target == "" || current == target {
		return current, false
	}
	switch policy {
	case StagePolicyAlways:
		return target, true
	case StagePolicyOnlyIfUnset:
		if current == "" {
			return target, true
		}
		return current, false
	default:
		if stageRank(target) > stageRank(current) {
			return target, true
		}
		return current, false
	}
}

// MeetingType は予約ページのテンプレートとなる面談種別。
type MeetingType struct {
	ID                  string
	OwnerID             string
	AllowedUserIDs      []string
	Name                string
	Slug                string
	Category            string
	Description         string
	DurationMinutes     int
	BufferBeforeMinutes int
	BufferAfterMinutes  int
	LocationKind        LocationKind
	CustomLocation      string
	IsActive            bool
	RequiresApproval    bool
	MaxBookingsPerDay   *int
	GuestStage          OnboardingStage // 未ログインの予約者に適用するステージ
	MemberStage         OnboardingStage // ログイン済みの予約者に適用するステージ
	StagePolicy         StagePolicy
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CanBeManagedBy はユーザーが面談種別を編集・利用できるかを返す。
func (m *MeetingType) CanBeManagedBy(userID string) bool {
	if m.OwnerID == userID {
		return true
	}
	for _, id := range m.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ExtraBufferMinutes は面談種別側のバッファのうち大きい方を返す。
func (m *MeetingType) ExtraBufferMinutes() int {
	if m.BufferBeforeMinutes > m.BufferAfterMinutes {
		return m.BufferBeforeMinutes
	}
	return m.BufferAfterMinutes
}

// TargetStage は予約者がログイン済みかどうかに応じた遷移先ステージを返す。
func (m *MeetingType) TargetStage(authenticated bool) OnboardingStage {
	if authenticated {
		return m.MemberStage
	}
	return m.GuestStage
}
