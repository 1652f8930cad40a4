package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ThreadStatus is the lifecycle state of a support thread.
type ThreadStatus string

const (
	ThreadOpen   ThreadStatus = "open"
	ThreadClosed ThreadStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ThreadStatus) Valid() bool {
	return s == ThreadOpen || s == ThreadClosed
}

// Thread is one support conversation between a user and the admin team.
//
// OpenUserID mirrors UserID while the thread is open and is NULL once closed.
// Its unique index is what keeps a user to a single open thread in SQL stores.
type Thread struct {
	ID                 string       `gorm:"primaryKey;type:varchar(36)" bson:"_id" json:"id"`
	UserID             string       `gorm:"not null;index" bson:"userId" json:"userId"`
	AssignedAdminID    *string      `gorm:"index" bson:"assignedAdminId,omitempty" json:"assignedAdminId,omitempty"`
	Status             ThreadStatus `gorm:"type:varchar(16);not null;default:'open';index" bson:"status" json:"status"`
	OpenUserID         *string      `gorm:"uniqueIndex" bson:"-" json:"-"`
	MessageCount       int64        `gorm:"not null;default:0" bson:"messageCount" json:"messageCount"`
	LastMessageAt      *time.Time   `bson:"lastMessageAt,omitempty" json:"lastMessageAt,omitempty"`
	LastMessagePreview string       `gorm:"type:text" bson:"lastMessagePreview" json:"lastMessagePreview"`
	Messages           []Message    `gorm:"foreignKey:ThreadID" bson:"messages" json:"messages"`
	ClosedAt           *time.Time   `bson:"closedAt,omitempty" json:"closedAt,omitempty"`
	CreatedAt          time.Time    `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time    `bson:"updatedAt" json:"updatedAt"`
}

// TableName specifies the table name for the Thread model
func (Thread) TableName() string {
	return "support_threads"
}

// BeforeCreate assigns an id when the caller has not set one.
func (t *Thread) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// LastSeq is the sequence number of the newest message.
func (t *Thread) LastSeq() int64 {
	return t.MessageCount
}

// OwnedBy reports whether userID opened the thread.
func (t *Thread) OwnedBy(userID string) bool {
	return t.UserID == userID
}
