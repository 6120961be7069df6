package model

import "time"

// Session はログイン済みユーザーのセッションを表す。
// 発行と破棄は外部の認証コラボレータが担い、このサービスは検証だけを行う。
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}
