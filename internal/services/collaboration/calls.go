package collaboration

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"
)

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

type CallStatus string

const (
	CallRinging CallStatus = "ringing"
	CallActive  CallStatus = "active"
	CallEnded   CallStatus = "ended"
)

const (
	EndReasonEnded            = "ended"
	EndReasonPeerDisconnected = "peer disconnected"
)

// Call is a snapshot of an active call.
type Call struct {
	RoomID         string     `json:"roomId"`
	CallType       CallType   `json:"callType"`
	ParticipantIDs []string   `json:"participants"`
	CallerID       string     `json:"callerId"`
	CallerName     string     `json:"callerName,omitempty"`
	Status         CallStatus `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	AcceptedAt     *time.Time `json:"acceptedAt,omitempty"`
}

type activeCall struct {
	Call
	// connections that started or accepted the call
	bound map[string]struct{}
}

func (c *activeCall) snapshot() *Call {
	s := c.Call
	s.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	return &s
}

func (c *activeCall) isParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// CallManager drives one ringing -> active -> ended state machine per room.
// Ended calls are removed immediately, so a room has at most one tracked call.
type CallManager struct {
	mu    sync.Mutex
	calls map[string]*activeCall

	registry *Registry
	emit     emitter
	metrics  *Metrics
	log      *slog.Logger
}

func NewCallManager(registry *Registry, emit emitter, metrics *Metrics, logger *slog.Logger) *CallManager {
	return &CallManager{
		calls:    make(map[string]*activeCall),
		registry: registry,
		emit:     emit,
		metrics:  metrics,
		log:      logger,
	}
}

// participantConns returns every live connection of the call's participants
// except those of skipUserID and skipConnID.
func (m *CallManager) participantConns(call *activeCall, skipUserID, skipConnID string) []string {
	var ids []string
	for _, userID := range call.ParticipantIDs {
		if userID == skipUserID {
			continue
		}
		for _, connID := range m.registry.ConnectionsFor(userID) {
			if connID != skipConnID {
				ids = append(ids, connID)
			}
		}
	}
	return ids
}

type incomingCallPayload struct {
	RoomID       string   `json:"roomId"`
	CallType     CallType `json:"callType"`
	Caller       userRef  `json:"caller"`
	Participants []string `json:"participants"`
}

type callStartedPayload struct {
	Call *Call `json:"call"`
}

type callSignalPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// StartCall creates a ringing call and notifies every other participant.
func (m *CallManager) StartCall(ctx context.Context, connID, roomID string, participantIDs []string, callType CallType) (*Call, error) {
	caller, ok := m.registry.Lookup(connID)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	if roomID == "" {
		return nil, fmt.Errorf("%w: roomId is required", ErrInvalidRequest)
	}

	var incoming string
	switch callType {
	case CallTypeVoice:
		incoming = EventIncomingVoiceCall
	case CallTypeVideo:
		incoming = EventIncomingVideoCall
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidCallType, callType)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.calls[roomID]; ok && existing.Status != CallEnded {
		return nil, ErrCallInProgress
	}

	participants := []string{caller.UserID}
	for _, id := range participantIDs {
		if id != "" && !slices.Contains(participants, id) {
			participants = append(participants, id)
		}
	}

	call := &activeCall{
		Call: Call{
			RoomID:         roomID,
			CallType:       callType,
			ParticipantIDs: participants,
			CallerID:       caller.UserID,
			CallerName:     caller.DisplayName,
			Status:         CallRinging,
			StartedAt:      time.Now(),
		},
		bound: map[string]struct{}{connID: {}},
	}
	m.calls[roomID] = call

	m.emit.EmitMany(m.participantConns(call, caller.UserID, connID), incoming, incomingCallPayload{
		RoomID:       roomID,
		CallType:     callType,
		Caller:       userRef{UserID: caller.UserID, DisplayName: caller.DisplayName},
		Participants: slices.Clone(participants),
	})

	snap := call.snapshot()
	m.emit.Emit(connID, EventCallStarted, callStartedPayload{Call: snap})
	m.metrics.callStarted(ctx, string(callType))

	m.log.Info("call started", "room_id", roomID, "caller", caller.UserID, "type", callType, "participants", len(participants))
	return snap, nil
}

// AcceptCall moves a ringing call to active. Accepting a call that is not
// ringing is a no-op.
func (m *CallManager) AcceptCall(connID, roomID string) error {
	user, ok := m.registry.Lookup(connID)
	if !ok {
		return ErrNotAuthenticated
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[roomID]
	if !ok {
		return ErrNoSuchCall
	}
	if call.Status != CallRinging || !call.isParticipant(user.UserID) {
		return nil
	}

	now := time.Now()
	call.Status = CallActive
	call.AcceptedAt = &now
	call.bound[connID] = struct{}{}

	m.emit.EmitMany(m.participantConns(call, "", ""), EventCallAccepted, callSignalPayload{
		RoomID:      roomID,
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
	})
	return nil
}

// RejectCall ends a ringing call. Rejecting an active call is a no-op.
func (m *CallManager) RejectCall(connID, roomID string) error {
	user, ok := m.registry.Lookup(connID)
	if !ok {
		return ErrNotAuthenticated
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[roomID]
	if !ok {
		return ErrNoSuchCall
	}
	if call.Status != CallRinging || !call.isParticipant(user.UserID) {
		return nil
	}

	call.Status = CallEnded
	delete(m.calls, roomID)

	m.emit.EmitMany(m.participantConns(call, "", ""), EventCallRejected, callSignalPayload{
		RoomID:      roomID,
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
	})
	return nil
}

// EndCall ends a ringing or active call.
func (m *CallManager) EndCall(connID, roomID string) error {
	user, ok := m.registry.Lookup(connID)
	if !ok {
		return ErrNotAuthenticated
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[roomID]
	if !ok {
		return ErrNoSuchCall
	}
	if call.Status == CallEnded || !call.isParticipant(user.UserID) {
		return nil
	}

	m.end(call, EventCallEnded, callSignalPayload{
		RoomID:      roomID,
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
		Reason:      EndReasonEnded,
	}, "", "")
	return nil
}

// end removes call and notifies its participants. Caller holds m.mu.
func (m *CallManager) end(call *activeCall, event string, payload callSignalPayload, skipUserID, skipConnID string) {
	call.Status = CallEnded
	delete(m.calls, call.RoomID)
	m.emit.EmitMany(m.participantConns(call, skipUserID, skipConnID), event, payload)
}

// HandleDisconnect force-ends every call the departing connection was bound
// to, and every call in which the departing user has no other live
// connection. Remaining participants get callEnded with reason
// "peer disconnected". Must run before the connection leaves the registry.
func (m *CallManager) HandleDisconnect(connID string) {
	user, ok := m.registry.Lookup(connID)
	if !ok {
		return
	}

	remaining := slices.DeleteFunc(m.registry.ConnectionsFor(user.UserID), func(id string) bool { return id == connID })

	m.mu.Lock()
	defer m.mu.Unlock()

	roomIDs := make([]string, 0, len(m.calls))
	for roomID := range m.calls {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)

	for _, roomID := range roomIDs {
		call := m.calls[roomID]
		if call.Status == CallEnded || !call.isParticipant(user.UserID) {
			continue
		}
		_, bound := call.bound[connID]
		if !bound && len(remaining) > 0 {
			continue
		}

		m.end(call, EventCallEnded, callSignalPayload{
			RoomID:      roomID,
			UserID:      user.UserID,
			DisplayName: user.DisplayName,
			Reason:      EndReasonPeerDisconnected,
		}, "", connID)
		m.metrics.callDropped(context.Background())
		m.log.Info("call ended by disconnect", "room_id", roomID, "user_id", user.UserID)
	}
}

// Get returns the tracked call for roomID.
func (m *CallManager) Get(roomID string) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	call, ok := m.calls[roomID]
	if !ok {
		return nil, false
	}
	return call.snapshot(), true
}

// Count returns the number of tracked calls.
func (m *CallManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
