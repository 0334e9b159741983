package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeFile, MessageTypeSystem:
		return true
	}
	return false
}

// Conversation is the durable chat room. Its ID is the roomId used on the wire.
type Conversation struct {
	ID           string                    `json:"id" gorm:"type:varchar(128);primaryKey"`
	Title        string                    `json:"title" gorm:"type:text"`
	Participants []ConversationParticipant `json:"participants,omitempty" gorm:"foreignKey:ConversationID;references:ID"`
	CreatedAt    time.Time                 `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = ksuid.New().String()
	}
	return nil
}

// ParticipantIDs flattens the participant rows into user ids.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

type ConversationParticipant struct {
	ConversationID string    `json:"conversation_id" gorm:"type:varchar(128);primaryKey"`
	UserID         string    `json:"user_id" gorm:"type:varchar(128);primaryKey;index"`
	JoinedAt       time.Time `json:"joined_at" gorm:"autoCreateTime"`
}

// ChatMessage is a persisted chat message. The id and timestamp are
// assigned by storage.
type ChatMessage struct {
	ID             string         `json:"id" gorm:"type:char(27);primaryKey"`
	ConversationID string         `json:"roomId" gorm:"type:varchar(128);not null;index:idx_conv_time"`
	SenderID       string         `json:"senderId" gorm:"type:varchar(128);not null"`
	SenderName     string         `json:"senderName" gorm:"type:text"`
	Content        string         `json:"content" gorm:"type:text;not null"`
	MessageType    MessageType    `json:"messageType" gorm:"type:varchar(20);not null;default:'text'"`
	Metadata       map[string]any `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedAt      time.Time      `json:"createdAt" gorm:"column:created_at;autoCreateTime;index:idx_conv_time"`
}

// BeforeCreate hook generates KSUID before inserting
func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = ksuid.New().String()
	}
	return nil
}

// ChatMessageCreate carries what a sender supplies for a new message.
type ChatMessageCreate struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Content        string
	MessageType    MessageType
	Metadata       map[string]any
}
