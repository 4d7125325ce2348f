package model

import (
	"time"
)

// ============================================================================
// Stream canonical state
//
// These tables belong to the surrounding product. The engine only reads them.
// ============================================================================

type StreamMessage struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	StreamID  string    `gorm:"type:varchar(64);index;not null" json:"stream_id"`
	UserID    int64     `gorm:"not null" json:"user_id"`
	Username  string    `gorm:"type:varchar(64)" json:"username"`
	Body      string    `gorm:"type:text" json:"body"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (StreamMessage) TableName() string {
	return "stream_message"
}

type StreamGoal struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	StreamID  string    `gorm:"type:varchar(64);index;not null" json:"stream_id"`
	Title     string    `gorm:"type:varchar(128)" json:"title"`
	Target    int64     `json:"target"`
	Current   int64     `json:"current"`
	Completed bool      `json:"completed"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StreamGoal) TableName() string {
	return "stream_goal"
}

type StreamPoll struct {
	ID        int64              `gorm:"primaryKey" json:"id"`
	StreamID  string             `gorm:"type:varchar(64);index;not null" json:"stream_id"`
	Question  string             `gorm:"type:varchar(256)" json:"question"`
	Active    bool               `gorm:"index" json:"active"`
	EndsAt    *time.Time         `json:"ends_at,omitempty"`
	Options   []StreamPollOption `gorm:"foreignKey:PollID" json:"options"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (StreamPoll) TableName() string {
	return "stream_poll"
}

type StreamPollOption struct {
	ID     int64  `gorm:"primaryKey" json:"id"`
	PollID int64  `gorm:"index;not null" json:"poll_id"`
	Label  string `gorm:"type:varchar(128)" json:"label"`
	Votes  int64  `json:"votes"`
}

func (StreamPollOption) TableName() string {
	return "stream_poll_option"
}

type StreamCountdown struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	StreamID  string    `gorm:"type:varchar(64);index;not null" json:"stream_id"`
	Label     string    `gorm:"type:varchar(128)" json:"label"`
	EndsAt    time.Time `json:"ends_at"`
	Active    bool      `gorm:"index" json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (StreamCountdown) TableName() string {
	return "stream_countdown"
}

type FeaturedCreator struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	CreatorID int64     `gorm:"index;not null" json:"creator_id"`
	Username  string    `gorm:"type:varchar(64)" json:"username"`
	Position  int       `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (FeaturedCreator) TableName() string {
	return "featured_creator"
}
