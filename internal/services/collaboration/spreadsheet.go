package collaboration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"tracker-realtime/internal/models"
	"tracker-realtime/internal/scheduler"
)

const DefaultAutosaveDelay = 2 * time.Second

// SpreadsheetManager coordinates live editing sessions: collaborator roster,
// cursor and selection relay, and debounced autosave of content changes.
type SpreadsheetManager struct {
	mu       sync.Mutex
	sessions map[string]*sheetSession
	seq      uint64

	registry *Registry
	emit     emitter
	saver    ChangeSaver
	timers   *scheduler.Timers
	delay    time.Duration
	metrics  *Metrics
	log      *slog.Logger
}

type sheetSession struct {
	id            string
	collaborators map[string]*models.Collaborator // userID ->
	pending       []json.RawMessage
	saveSeq       uint64
}

func NewSpreadsheetManager(registry *Registry, emit emitter, saver ChangeSaver, delay time.Duration, metrics *Metrics, logger *slog.Logger) *SpreadsheetManager {
	if delay <= 0 {
		delay = DefaultAutosaveDelay
	}
	return &SpreadsheetManager{
		sessions: make(map[string]*sheetSession),
		registry: registry,
		emit:     emit,
		saver:    saver,
		timers:   scheduler.New(),
		delay:    delay,
		metrics:  metrics,
		log:      logger,
	}
}

func (s *sheetSession) roster() []models.Collaborator {
	out := make([]models.Collaborator, 0, len(s.collaborators))
	for _, c := range s.collaborators {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// others lists collaborator connections except the one of userID.
func (s *sheetSession) others(userID string) []string {
	ids := make([]string, 0, len(s.collaborators))
	for id, c := range s.collaborators {
		if id != userID {
			ids = append(ids, c.ConnectionID)
		}
	}
	sort.Strings(ids)
	return ids
}

type collaboratorsPayload struct {
	SessionID     string                `json:"sessionId"`
	Collaborators []models.Collaborator `json:"collaborators"`
}

type collaboratorPayload struct {
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type cursorPayload struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Cursor    json.RawMessage `json:"cursor"`
}

type selectionPayload struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Selection json.RawMessage `json:"selection"`
}

type contentChangePayload struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Changes   json.RawMessage `json:"changes"`
}

// JoinSession adds the collaborator, tells existing members and sends the
// full roster, including everyone's last cursor and selection, to the joiner.
// Joining again from another connection moves the collaborator to it.
func (m *SpreadsheetManager) JoinSession(connID, sessionID, userID, displayName string) ([]models.Collaborator, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrInvalidRequest)
	}
	userID, displayName, err := validateIdentity(userID, displayName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = &sheetSession{id: sessionID, collaborators: make(map[string]*models.Collaborator)}
		m.sessions[sessionID] = sess
		m.log.Info("spreadsheet session created", "session_id", sessionID)
	}

	announce := true
	if c, exists := sess.collaborators[userID]; exists {
		if c.ConnectionID == connID {
			announce = false
		} else {
			m.registry.UntrackSession(c.ConnectionID, sessionID)
			c.ConnectionID = connID
		}
		c.DisplayName = displayName
	} else {
		sess.collaborators[userID] = &models.Collaborator{
			UserID:       userID,
			DisplayName:  displayName,
			ConnectionID: connID,
			JoinedAt:     time.Now(),
		}
	}
	m.registry.TrackSession(connID, sessionID)

	if announce {
		m.emit.EmitMany(sess.others(userID), EventCollaboratorJoined, collaboratorPayload{
			SessionID:   sessionID,
			UserID:      userID,
			DisplayName: displayName,
		})
	}

	roster := sess.roster()
	m.emit.Emit(connID, EventCollaboratorsUpdate, collaboratorsPayload{SessionID: sessionID, Collaborators: roster})
	return roster, nil
}

// CollaboratorFor returns the user editing sessionID through connID.
func (m *SpreadsheetManager) CollaboratorFor(sessionID, connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	for userID, c := range sess.collaborators {
		if c.ConnectionID == connID {
			return userID, true
		}
	}
	return "", false
}

// UpdateCursor overwrites the stored cursor and relays it to other members.
func (m *SpreadsheetManager) UpdateCursor(sessionID, userID string, cursor json.RawMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	c, ok := sess.collaborators[userID]
	if !ok {
		return false
	}
	c.Cursor = cursor

	m.emit.EmitMany(sess.others(userID), EventCursorUpdate, cursorPayload{SessionID: sessionID, UserID: userID, Cursor: cursor})
	return true
}

// UpdateSelection overwrites the stored selection and relays it to other members.
func (m *SpreadsheetManager) UpdateSelection(sessionID, userID string, selection json.RawMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	c, ok := sess.collaborators[userID]
	if !ok {
		return false
	}
	c.Selection = selection

	m.emit.EmitMany(sess.others(userID), EventSelectionUpdate, selectionPayload{SessionID: sessionID, UserID: userID, Selection: selection})
	return true
}

// ApplyContentChange relays changes to other members immediately and queues
// them for the debounced save. Every call restarts the save delay, so a burst
// of changes is written once, delay after the last one.
func (m *SpreadsheetManager) ApplyContentChange(sessionID, userID string, changes json.RawMessage) bool {
	if trimmed := bytes.TrimSpace(changes); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := sess.collaborators[userID]; !ok {
		return false
	}

	m.emit.EmitMany(sess.others(userID), EventContentChange, contentChangePayload{SessionID: sessionID, UserID: userID, Changes: changes})

	sess.pending = append(sess.pending, changes)
	m.seq++
	seq := m.seq
	sess.saveSeq = seq
	m.timers.Schedule(sessionID, m.delay, func() {
		m.flush(sessionID, seq)
	})
	return true
}

func (m *SpreadsheetManager) flush(sessionID string, seq uint64) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.saveSeq != seq || len(sess.pending) == 0 {
		m.mu.Unlock()
		return
	}
	batch := sess.pending
	sess.pending = nil
	m.mu.Unlock()

	m.submit(sessionID, batch)
}

// submit hands a batch to the saver. A failed save puts the batch back in
// front of the session's pending changes so the next change retries it.
func (m *SpreadsheetManager) submit(sessionID string, batch []json.RawMessage) {
	err := m.saver.SubmitSave(sessionID, batch, func(err error) {
		if err == nil {
			m.metrics.autosaved(context.Background(), len(batch))
			return
		}
		m.metrics.autosaveFailed(context.Background())
		m.log.Error("autosave failed", "session_id", sessionID, "changes", len(batch), "error", err)
		m.requeue(sessionID, batch)
	})
	if err != nil {
		m.log.Error("autosave not queued", "session_id", sessionID, "changes", len(batch), "error", err)
		m.requeue(sessionID, batch)
	}
}

func (m *SpreadsheetManager) requeue(sessionID string, batch []json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		m.log.Warn("⚠️  dropping unsaved changes of closed session", "session_id", sessionID, "changes", len(batch))
		return
	}
	sess.pending = append(slices.Clone(batch), sess.pending...)
}

// LeaveSession removes the collaborator and tells the remaining members. The
// last leave discards the session and writes any pending changes right away.
func (m *SpreadsheetManager) LeaveSession(sessionID, userID string) bool {
	m.mu.Lock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	c, ok := sess.collaborators[userID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(sess.collaborators, userID)
	m.registry.UntrackSession(c.ConnectionID, sessionID)

	m.emit.EmitMany(sess.others(userID), EventCollaboratorLeft, collaboratorPayload{SessionID: sessionID, UserID: userID})

	var batch []json.RawMessage
	if len(sess.collaborators) == 0 {
		delete(m.sessions, sessionID)
		m.timers.Cancel(sessionID)
		batch = sess.pending
		m.log.Info("spreadsheet session closed", "session_id", sessionID)
	}
	m.mu.Unlock()

	if len(batch) > 0 {
		m.submit(sessionID, batch)
	}
	return true
}

// Collaborators returns the live roster of sessionID.
func (m *SpreadsheetManager) Collaborators(sessionID string) ([]models.Collaborator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return sess.roster(), true
}

// PendingChanges returns the number of unsaved change sets of sessionID.
func (m *SpreadsheetManager) PendingChanges(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[sessionID]; ok {
		return len(sess.pending)
	}
	return 0
}

// Count returns the number of open sessions.
func (m *SpreadsheetManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown cancels every autosave timer and writes all pending changes now.
func (m *SpreadsheetManager) Shutdown() {
	m.timers.Stop()

	m.mu.Lock()
	batches := make(map[string][]json.RawMessage)
	for id, sess := range m.sessions {
		if len(sess.pending) > 0 {
			batches[id] = sess.pending
			sess.pending = nil
		}
	}
	m.mu.Unlock()

	for id, batch := range batches {
		m.submit(id, batch)
	}
}
