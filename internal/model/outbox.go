package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage is a stream event envelope whose first publish failed.
// Topic is the channel topic (stream:{id} or user:{id}:notifications); Payload is the encoded envelope.
// Kind and Seq repeat the envelope header so stuck events can be found without decoding.
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(160);uniqueIndex;not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(128);index:idx_outbox_topic_seq;not null" json:"topic"`
	Kind       string    `gorm:"type:varchar(32);not null" json:"kind"`
	Seq        int64     `gorm:"index:idx_outbox_topic_seq;not null" json:"seq"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// Pending reports whether the relay job should still try the message.
func (m *OutboxMessage) Pending() bool {
	return m.Status == OutboxStatusPending
}
