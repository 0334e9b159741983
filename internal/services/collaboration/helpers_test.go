package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tracker-realtime/internal/models"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePeer records every frame it is sent.
type fakePeer struct {
	id string

	mu     sync.Mutex
	frames []Envelope
	full   bool
	closed bool
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(msg []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full || p.closed {
		return false
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		panic(err)
	}
	p.frames = append(p.frames, env)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// events returns the payloads of every frame named event.
func (p *fakePeer) events(event string) []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []map[string]any
	for _, f := range p.frames {
		if f.Event != event {
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(f.Data, &data); err != nil {
			panic(err)
		}
		out = append(out, data)
	}
	return out
}

func (p *fakePeer) count(event string) int {
	return len(p.events(event))
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = nil
}

// fakeStore is an in-memory MessageStore.
type fakeStore struct {
	mu            sync.Mutex
	messages      []*models.ChatMessage
	conversations map[string][]*models.Conversation
	failCreate    error
	failConvs     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{conversations: make(map[string][]*models.Conversation)}
}

func (s *fakeStore) CreateMessage(ctx context.Context, data *models.ChatMessageCreate) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return nil, s.failCreate
	}
	msgType := data.MessageType
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	msg := &models.ChatMessage{
		ID:             ksuid.New().String(),
		ConversationID: data.ConversationID,
		SenderID:       data.SenderID,
		SenderName:     data.SenderName,
		Content:        data.Content,
		MessageType:    msgType,
		Metadata:       data.Metadata,
		CreatedAt:      time.Now(),
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *fakeStore) GetUserConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failConvs != nil {
		return nil, s.failConvs
	}
	return s.conversations[userID], nil
}

func (s *fakeStore) addConversation(id string, participants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := &models.Conversation{ID: id}
	for _, p := range participants {
		conv.Participants = append(conv.Participants, models.ConversationParticipant{ConversationID: id, UserID: p})
	}
	for _, p := range participants {
		s.conversations[p] = append(s.conversations[p], conv)
	}
}

func (s *fakeStore) stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// fakeSaver writes synchronously and records every batch.
type fakeSaver struct {
	mu      sync.Mutex
	batches map[string][][]json.RawMessage
	fail    int // number of saves to fail before succeeding
}

var errSaveFailed = errors.New("disk full")

func newFakeSaver() *fakeSaver {
	return &fakeSaver{batches: make(map[string][][]json.RawMessage)}
}

func (s *fakeSaver) SubmitSave(sessionID string, changes []json.RawMessage, done func(error)) error {
	s.mu.Lock()
	var err error
	if s.fail > 0 {
		s.fail--
		err = errSaveFailed
	} else {
		s.batches[sessionID] = append(s.batches[sessionID], changes)
	}
	s.mu.Unlock()

	done(err)
	return nil
}

func (s *fakeSaver) saved(sessionID string) [][]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[sessionID]
}

func (s *fakeSaver) failuresLeft() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *fakeSaver) saveCount(sessionID string) int {
	return len(s.saved(sessionID))
}

// fakePresence records presence mirror calls.
type fakePresence struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (f *fakePresence) MarkOnline(ctx context.Context, userID, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, userID)
	return nil
}

func (f *fakePresence) MarkOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, userID)
	return nil
}

const (
	testTypingTimeout = 80 * time.Millisecond
	testAutosaveDelay = 80 * time.Millisecond
)

type testEnv struct {
	hub      *Hub
	store    *fakeStore
	saver    *fakeSaver
	presence *fakePresence
	peers    map[string]*fakePeer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    newFakeStore(),
		saver:    newFakeSaver(),
		presence: &fakePresence{},
		peers:    make(map[string]*fakePeer),
	}
	env.hub = NewHub(HubConfig{
		Messages:      env.store,
		Saver:         env.saver,
		Presence:      env.presence,
		TypingTimeout: testTypingTimeout,
		AutosaveDelay: testAutosaveDelay,
		Logger:        discardLogger(),
	})
	t.Cleanup(func() {
		env.hub.chat.Shutdown()
		env.hub.sheets.timers.Stop()
	})
	return env
}

// connect attaches a new peer.
func (e *testEnv) connect(connID string) *fakePeer {
	p := newFakePeer(connID)
	e.peers[connID] = p
	e.hub.Attach(p)
	return p
}

// login attaches a peer and authenticates it as userID.
func (e *testEnv) login(t *testing.T, connID, userID string) *fakePeer {
	t.Helper()
	p := e.connect(connID)
	e.dispatch(connID, &Authenticate{UserID: userID, DisplayName: "User " + userID})
	require.Equal(t, 1, p.count(EventAuthenticated), "authentication of %s failed", userID)
	return p
}

func (e *testEnv) dispatch(connID string, ev Event) {
	e.hub.Dispatch(context.Background(), connID, ScopeAll, ev)
}

func (e *testEnv) resetAll() {
	for _, p := range e.peers {
		p.reset()
	}
}
