// Package model はドメインモデルを定義する。
package model

import "time"

// NewsletterIssue は配信するニュースレター号を表す。
// 作成後は不変であり、公開コマンドの成功ごとに1件だけ作成される。
type NewsletterIssue struct {
	ID          string
	Title       string
	TextContent string
	HTMLContent string
	PublishedAt time.Time
}

// DeliveryTask は「1号を1購読者へ配信する」未完了の義務を表す。
// (newsletter_issue_id, subscriber_email)で識別され、配信確定または
// 恒久的に配信不能と判断された時点で削除される。中間状態は持たない。
type DeliveryTask struct {
	NewsletterIssueID string
	SubscriberEmail   string
}

// StoredResponse は冪等レコードにキャッシュされるHTTP応答の全体を表す。
type StoredResponse struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}
