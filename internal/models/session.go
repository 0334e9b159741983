package models

import (
	"encoding/json"
	"time"
)

// ConnectedUser is the in-memory record of one authenticated connection.
// It is never persisted.
type ConnectedUser struct {
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName"`
	ConnectionID  string    `json:"connectionId"`
	IsOnline      bool      `json:"isOnline"`
	CurrentRoomID string    `json:"currentRoomId,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastSeen      time.Time `json:"lastSeen"`
}

func NewConnectedUser(connectionID, userID, displayName string) *ConnectedUser {
	now := time.Now()
	return &ConnectedUser{
		UserID:       userID,
		DisplayName:  displayName,
		ConnectionID: connectionID,
		IsOnline:     true,
		ConnectedAt:  now,
		LastSeen:     now,
	}
}

// UserPresence is the per-user projection of the registry.
type UserPresence struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Connections int       `json:"connections"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Collaborator is one user's ephemeral state inside a spreadsheet session.
// Cursor and Selection are opaque client payloads, overwritten on every update.
type Collaborator struct {
	UserID       string          `json:"userId"`
	DisplayName  string          `json:"displayName"`
	ConnectionID string          `json:"-"`
	Cursor       json.RawMessage `json:"cursor,omitempty"`
	Selection    json.RawMessage `json:"selection,omitempty"`
	JoinedAt     time.Time       `json:"joinedAt"`
}
