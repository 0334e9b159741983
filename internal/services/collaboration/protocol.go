package collaboration

import (
	"encoding/json"
	"errors"
	"fmt"
)

/*
WIRE PROTOCOL

Every frame in both directions is a JSON envelope:

	{"event": "<name>", "data": {...}}

Inbound frames decode into one of the Event variants below. The set is
closed (the channel method is unexported), and the hub handles it with an
exhaustive type switch, so a new event is a new variant plus a new case.
*/

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrMalformedEvent = errors.New("malformed event")
)

// Envelope is the outer frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Channel is the logical channel an event belongs to.
type Channel int

const (
	ChannelDefault Channel = iota
	ChannelChat
	ChannelSpreadsheet
)

// Scope is the set of channels a WebSocket route accepts.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeChat
	ScopeSpreadsheet
)

func (s Scope) Accepts(c Channel) bool {
	switch s {
	case ScopeAll:
		return true
	case ScopeChat:
		return c == ChannelDefault || c == ChannelChat
	case ScopeSpreadsheet:
		return c == ChannelDefault || c == ChannelSpreadsheet
	}
	return false
}

func (s Scope) String() string {
	switch s {
	case ScopeChat:
		return "chat"
	case ScopeSpreadsheet:
		return "spreadsheet"
	}
	return "all"
}

// Inbound event names.
const (
	EventAuthenticate     = "authenticate"
	EventJoinChat         = "joinChat"
	EventLeaveChat        = "leaveChat"
	EventSendMessage      = "sendMessage"
	EventTyping           = "typing"
	EventStopTyping       = "stopTyping"
	EventGetRoomUsers     = "getRoomUsers"
	EventStartCall        = "startCall"
	EventAcceptCall       = "acceptCall"
	EventRejectCall       = "rejectCall"
	EventEndCall          = "endCall"
	EventJoinSpreadsheet  = "joinSpreadsheet"
	EventCursorUpdate     = "cursor-update"
	EventSelectionUpdate  = "selection-update"
	EventContentChange    = "content-change"
	EventLeaveSpreadsheet = "leaveSpreadsheet"
)

// Outbound event names. typing, stopTyping and the spreadsheet updates reuse
// the inbound names above.
const (
	EventAuthenticated       = "authenticated"
	EventAuthenticationError = "authentication_error"
	EventUserOnline          = "userOnline"
	EventUserOffline         = "userOffline"
	EventUserJoined          = "userJoined"
	EventUserLeft            = "userLeft"
	EventMessageSent         = "messageSent"
	EventMessage             = "message"
	EventMessageError        = "messageError"
	EventCallStarted         = "callStarted"
	EventIncomingVoiceCall   = "incomingVoiceCall"
	EventIncomingVideoCall   = "incomingVideoCall"
	EventCallAccepted        = "callAccepted"
	EventCallRejected        = "callRejected"
	EventCallEnded           = "callEnded"
	EventCallError           = "callError"
	EventCollaboratorsUpdate = "collaborators-update"
	EventCollaboratorJoined  = "user-joined"
	EventCollaboratorLeft    = "user-left"
	EventRoomUsers           = "roomUsers"
	EventError               = "error"
)

// Event is one decoded inbound frame.
type Event interface {
	Name() string
	channel() Channel
}

type Authenticate struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Token       string `json:"token,omitempty"`
}

type JoinChat struct {
	RoomID string `json:"roomId"`
}

type LeaveChat struct {
	RoomID string `json:"roomId"`
}

type SendMessage struct {
	RoomID      string         `json:"roomId"`
	Content     string         `json:"content"`
	MessageType string         `json:"messageType,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Typing and StopTyping carry the user fields for client convenience; the
// server uses the authenticated identity of the connection.
type Typing struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type StopTyping struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type GetRoomUsers struct {
	RoomID string `json:"roomId"`
}

type StartCall struct {
	RoomID         string   `json:"roomId"`
	ParticipantIDs []string `json:"participantIds"`
	Type           string   `json:"type"`
}

type AcceptCall struct {
	RoomID string `json:"roomId"`
}

type RejectCall struct {
	RoomID string `json:"roomId"`
}

type EndCall struct {
	RoomID string `json:"roomId"`
}

type JoinSpreadsheet struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type CursorUpdate struct {
	SessionID string          `json:"sessionId"`
	Cursor    json.RawMessage `json:"cursor"`
}

type SelectionUpdate struct {
	SessionID string          `json:"sessionId"`
	Selection json.RawMessage `json:"selection"`
}

type ContentChange struct {
	SessionID string          `json:"sessionId"`
	Changes   json.RawMessage `json:"changes"`
}

type LeaveSpreadsheet struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
}

func (*Authenticate) Name() string     { return EventAuthenticate }
func (*JoinChat) Name() string         { return EventJoinChat }
func (*LeaveChat) Name() string        { return EventLeaveChat }
func (*SendMessage) Name() string      { return EventSendMessage }
func (*Typing) Name() string           { return EventTyping }
func (*StopTyping) Name() string       { return EventStopTyping }
func (*GetRoomUsers) Name() string     { return EventGetRoomUsers }
func (*StartCall) Name() string        { return EventStartCall }
func (*AcceptCall) Name() string       { return EventAcceptCall }
func (*RejectCall) Name() string       { return EventRejectCall }
func (*EndCall) Name() string          { return EventEndCall }
func (*JoinSpreadsheet) Name() string  { return EventJoinSpreadsheet }
func (*CursorUpdate) Name() string     { return EventCursorUpdate }
func (*SelectionUpdate) Name() string  { return EventSelectionUpdate }
func (*ContentChange) Name() string    { return EventContentChange }
func (*LeaveSpreadsheet) Name() string { return EventLeaveSpreadsheet }

func (*Authenticate) channel() Channel     { return ChannelDefault }
func (*JoinChat) channel() Channel         { return ChannelChat }
func (*LeaveChat) channel() Channel        { return ChannelChat }
func (*SendMessage) channel() Channel      { return ChannelChat }
func (*Typing) channel() Channel           { return ChannelChat }
func (*StopTyping) channel() Channel       { return ChannelChat }
func (*GetRoomUsers) channel() Channel     { return ChannelChat }
func (*StartCall) channel() Channel        { return ChannelChat }
func (*AcceptCall) channel() Channel       { return ChannelChat }
func (*RejectCall) channel() Channel       { return ChannelChat }
func (*EndCall) channel() Channel          { return ChannelChat }
func (*JoinSpreadsheet) channel() Channel  { return ChannelSpreadsheet }
func (*CursorUpdate) channel() Channel     { return ChannelSpreadsheet }
func (*SelectionUpdate) channel() Channel  { return ChannelSpreadsheet }
func (*ContentChange) channel() Channel    { return ChannelSpreadsheet }
func (*LeaveSpreadsheet) channel() Channel { return ChannelSpreadsheet }

// ChannelOf returns the channel ev belongs to.
func ChannelOf(ev Event) Channel {
	return ev.channel()
}

func newEvent(name string) Event {
	switch name {
	case EventAuthenticate:
		return &Authenticate{}
	case EventJoinChat:
		return &JoinChat{}
	case EventLeaveChat:
		return &LeaveChat{}
	case EventSendMessage:
		return &SendMessage{}
	case EventTyping:
		return &Typing{}
	case EventStopTyping:
		return &StopTyping{}
	case EventGetRoomUsers:
		return &GetRoomUsers{}
	case EventStartCall:
		return &StartCall{}
	case EventAcceptCall:
		return &AcceptCall{}
	case EventRejectCall:
		return &RejectCall{}
	case EventEndCall:
		return &EndCall{}
	case EventJoinSpreadsheet:
		return &JoinSpreadsheet{}
	case EventCursorUpdate:
		return &CursorUpdate{}
	case EventSelectionUpdate:
		return &SelectionUpdate{}
	case EventContentChange:
		return &ContentChange{}
	case EventLeaveSpreadsheet:
		return &LeaveSpreadsheet{}
	}
	return nil
}

// Decode parses one inbound frame.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}

	ev := newEvent(env.Event)
	if ev == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Event, err)
		}
	}

	return ev, nil
}

// Encode builds an outbound frame.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Outbound payloads shared by several events.

type userRef struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type errorPayload struct {
	Error string `json:"error"`
}
