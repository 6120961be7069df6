package model

import "time"

// SubscriberStatus は購読者の確認状態を表す。
type SubscriberStatus string

const (
	// SubscriberStatusPending は確認メール送信済み・未確認の状態。
	SubscriberStatusPending SubscriberStatus = "pending_confirmation"
	// SubscriberStatusConfirmed は確認済みの状態。配信対象となる。
	SubscriberStatusConfirmed SubscriberStatus = "confirmed"
)

// Subscriber はニュースレターの購読者を表す。
type Subscriber struct {
	ID           string
	Email        string
	Name         string
	SubscribedAt time.Time
	Status       SubscriberStatus
}
