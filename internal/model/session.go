// Package model はドメインモデルを定義する。
package model

import "time"

// Session はプラットフォーム側が発行したログインセッションを表す。
// 本サービスは読み取りのみ行い、発行・破棄は行わない。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
