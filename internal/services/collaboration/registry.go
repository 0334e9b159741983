package collaboration

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"tracker-realtime/internal/models"
)

const (
	maxUserIDLength      = 128
	maxDisplayNameLength = 256
)

// Registry maps live connections to user identities. A user is online while
// at least one of their connections is registered.
//
// It also remembers which chat rooms and spreadsheet sessions each connection
// joined so a disconnect can be fanned out to the owning managers.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connEntry
	byUser map[string]map[string]struct{}
}

type connEntry struct {
	user     *models.ConnectedUser // nil until authenticated
	rooms    []string              // join order, last is CurrentRoomID
	sessions []string
}

// AuthResult describes the presence transitions caused by Authenticate.
type AuthResult struct {
	User models.ConnectedUser
	// CameOnline is set when this is the user's first live connection.
	CameOnline bool
	// Replaced is the previous identity of the connection when it
	// re-authenticated as another user and that user has no connection left.
	Replaced *models.ConnectedUser
}

// CloseResult describes what Close removed.
type CloseResult struct {
	User        *models.ConnectedUser
	WentOffline bool
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*connEntry),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Open registers an anonymous connection.
func (r *Registry) Open(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = &connEntry{}
	}
}

func validateIdentity(userID, displayName string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	displayName = strings.TrimSpace(displayName)

	if userID == "" {
		return "", "", fmt.Errorf("%w: userId is required", ErrInvalidIdentity)
	}
	if len(userID) > maxUserIDLength {
		return "", "", fmt.Errorf("%w: userId too long", ErrInvalidIdentity)
	}
	if len(displayName) > maxDisplayNameLength {
		return "", "", fmt.Errorf("%w: displayName too long", ErrInvalidIdentity)
	}
	if displayName == "" {
		displayName = userID
	}
	return userID, displayName, nil
}

// Authenticate binds connID to a user identity, replacing any identity the
// connection had before.
func (r *Registry) Authenticate(connID, userID, displayName string) (*AuthResult, error) {
	userID, displayName, err := validateIdentity(userID, displayName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		entry = &connEntry{}
		r.conns[connID] = entry
	}

	result := &AuthResult{}

	if prev := entry.user; prev != nil {
		if prev.UserID == userID {
			prev.DisplayName = displayName
			prev.LastSeen = time.Now()
			result.User = *prev
			return result, nil
		}
		if r.removeUserConn(prev.UserID, connID) {
			replaced := *prev
			replaced.IsOnline = false
			replaced.LastSeen = time.Now()
			result.Replaced = &replaced
		}
	}

	user := models.NewConnectedUser(connID, userID, displayName)
	if len(entry.rooms) > 0 {
		user.CurrentRoomID = entry.rooms[len(entry.rooms)-1]
	}
	entry.user = user

	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	result.CameOnline = len(set) == 0
	set[connID] = struct{}{}
	result.User = *user

	return result, nil
}

// removeUserConn drops connID from the user's set and reports whether the
// user has no connection left. Caller holds r.mu.
func (r *Registry) removeUserConn(userID, connID string) bool {
	set, ok := r.byUser[userID]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// Close forgets connID. Unknown ids are a no-op.
func (r *Registry) Close(connID string) CloseResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return CloseResult{}
	}
	delete(r.conns, connID)

	if entry.user == nil {
		return CloseResult{}
	}

	user := *entry.user
	user.IsOnline = false
	user.LastSeen = time.Now()

	return CloseResult{
		User:        &user,
		WentOffline: r.removeUserConn(user.UserID, connID),
	}
}

// Lookup returns the identity bound to connID.
func (r *Registry) Lookup(connID string) (models.ConnectedUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connID]
	if !ok || entry.user == nil {
		return models.ConnectedUser{}, false
	}
	return *entry.user, true
}

// ConnectionsFor returns every live connection of userID.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns one entry per online user, ordered by user id.
func (r *Registry) OnlineUsers() []models.UserPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.UserPresence, 0, len(r.byUser))
	for userID, set := range r.byUser {
		p := models.UserPresence{UserID: userID, Connections: len(set)}
		for connID := range set {
			u := r.conns[connID].user
			p.DisplayName = u.DisplayName
			if u.LastSeen.After(p.LastSeen) {
				p.LastSeen = u.LastSeen
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// GetUsersInRoom returns the connected users subscribed to roomID, one entry
// per user.
func (r *Registry) GetUsersInRoom(roomID string) []models.ConnectedUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	out := []models.ConnectedUser{}
	for _, entry := range r.conns {
		if entry.user == nil || seen[entry.user.UserID] {
			continue
		}
		if slices.Contains(entry.rooms, roomID) {
			seen[entry.user.UserID] = true
			out = append(out, *entry.user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// TrackRoom records that connID joined roomID and makes it the current room.
func (r *Registry) TrackRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return
	}
	entry.rooms = append(slices.DeleteFunc(entry.rooms, func(id string) bool { return id == roomID }), roomID)
	if entry.user != nil {
		entry.user.CurrentRoomID = roomID
	}
}

// UntrackRoom is the inverse of TrackRoom. The current room falls back to
// the most recently joined remaining room.
func (r *Registry) UntrackRoom(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return
	}
	entry.rooms = slices.DeleteFunc(entry.rooms, func(id string) bool { return id == roomID })
	if entry.user != nil {
		entry.user.CurrentRoomID = ""
		if n := len(entry.rooms); n > 0 {
			entry.user.CurrentRoomID = entry.rooms[n-1]
		}
	}
}

func (r *Registry) TrackSession(connID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok || slices.Contains(entry.sessions, sessionID) {
		return
	}
	entry.sessions = append(entry.sessions, sessionID)
}

func (r *Registry) UntrackSession(connID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.conns[connID]; ok {
		entry.sessions = slices.DeleteFunc(entry.sessions, func(id string) bool { return id == sessionID })
	}
}

// Memberships returns copies of the rooms and sessions connID joined.
func (r *Registry) Memberships(connID string) (rooms, sessions []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(entry.rooms), slices.Clone(entry.sessions)
}

// Count returns the number of live connections, authenticated or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// PresenceBroadcaster announces online/offline transitions to every other
// connected party and mirrors them to an optional recorder.
type PresenceBroadcaster struct {
	emit     emitter
	recorder PresenceRecorder
	timeout  time.Duration
	log      *slog.Logger
}

func NewPresenceBroadcaster(emit emitter, recorder PresenceRecorder, logger *slog.Logger) *PresenceBroadcaster {
	return &PresenceBroadcaster{emit: emit, recorder: recorder, timeout: 2 * time.Second, log: logger}
}

type presencePayload struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

func (p *PresenceBroadcaster) Online(user models.ConnectedUser) {
	p.emit.EmitAll(user.ConnectionID, EventUserOnline, presencePayload{
		UserID:      user.UserID,
		DisplayName: user.DisplayName,
	})

	if p.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.recorder.MarkOnline(ctx, user.UserID, user.DisplayName); err != nil {
		p.log.Warn("⚠️  presence mirror failed", "user_id", user.UserID, "error", err)
	}
}

func (p *PresenceBroadcaster) Offline(user models.ConnectedUser) {
	lastSeen := user.LastSeen
	p.emit.EmitAll(user.ConnectionID, EventUserOffline, presencePayload{
		UserID:   user.UserID,
		LastSeen: &lastSeen,
	})

	if p.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.recorder.MarkOffline(ctx, user.UserID, lastSeen); err != nil {
		p.log.Warn("⚠️  presence mirror failed", "user_id", user.UserID, "error", err)
	}
}
