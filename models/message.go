package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Sender identifies which side of a support thread wrote a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAdmin Sender = "admin"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAdmin
}

// SenderForRole maps a token role to the sender it writes as.
func SenderForRole(role string) Sender {
	if role == RoleAdmin {
		return SenderAdmin
	}
	return SenderUser
}

// Author is the authenticated party appending a message.
type Author struct {
	Sender Sender
	ID     string
}

// previewRunes bounds the last-message preview shown in thread lists.
const previewRunes = 80

// Message is a single entry in a support thread. Seq and Timestamp are assigned
// by the store when the message is appended.
type Message struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" bson:"id" json:"id"`
	ThreadID  string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_thread_seq,priority:1" bson:"-" json:"threadId"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_thread_seq,priority:2" bson:"seq" json:"seq"`
	Sender    Sender    `gorm:"type:varchar(16);not null" bson:"sender" json:"sender"`
	SenderID  string    `gorm:"not null" bson:"senderId" json:"senderId"`
	Text      string    `gorm:"type:text;not null" bson:"text" json:"text"`
	Timestamp time.Time `gorm:"not null;index" bson:"timestamp" json:"timestamp"`
}

// TableName specifies the table name for the Message model
func (Message) TableName() string {
	return "support_messages"
}

// BeforeCreate assigns an id when the caller has not set one.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// Preview shortens text for thread listings.
func Preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes-1]) + "…"
}
