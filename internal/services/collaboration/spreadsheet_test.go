package collaboration

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinSheet(env *testEnv, connID, sessionID, userID string) {
	env.dispatch(connID, &JoinSpreadsheet{SessionID: sessionID, UserID: userID, DisplayName: "User " + userID})
}

func TestJoinSpreadsheetRoster(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect("a")
	bob := env.connect("b")

	joinSheet(env, "a", "sheet-1", "alice")
	updates := alice.events(EventCollaboratorsUpdate)
	require.Len(t, updates, 1)
	assert.Len(t, updates[0]["collaborators"], 1)

	joinSheet(env, "b", "sheet-1", "bob")

	joined := alice.events(EventCollaboratorJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "bob", joined[0]["userId"])
	assert.Equal(t, "sheet-1", joined[0]["sessionId"])

	updates = bob.events(EventCollaboratorsUpdate)
	require.Len(t, updates, 1)
	roster := updates[0]["collaborators"].([]any)
	require.Len(t, roster, 2)
	assert.Equal(t, "alice", roster[0].(map[string]any)["userId"], "roster is ordered by join time")
	assert.NotContains(t, roster[0].(map[string]any), "ConnectionID")
}

func TestJoinSpreadsheetTwiceDoesNotAnnounce(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect("a")
	env.connect("b")

	joinSheet(env, "a", "sheet-1", "alice")
	joinSheet(env, "b", "sheet-1", "bob")
	joinSheet(env, "b", "sheet-1", "bob")

	assert.Equal(t, 1, alice.count(EventCollaboratorJoined))
	roster, ok := env.hub.Spreadsheets().Collaborators("sheet-1")
	require.True(t, ok)
	assert.Len(t, roster, 2)
}

func TestJoinSpreadsheetValidation(t *testing.T) {
	tests := []struct {
		name string
		req  *JoinSpreadsheet
	}{
		{name: "missing session", req: &JoinSpreadsheet{UserID: "alice"}},
		{name: "missing user", req: &JoinSpreadsheet{SessionID: "sheet-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			p := env.connect("a")

			env.dispatch("a", tt.req)

			assert.Equal(t, 1, p.count(EventError))
			assert.Equal(t, 0, env.hub.Spreadsheets().Count())
		})
	}
}

func TestJoinSpreadsheetUsesAuthenticatedIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "a", "alice")

	env.dispatch("a", &JoinSpreadsheet{SessionID: "sheet-1"})

	roster, ok := env.hub.Spreadsheets().Collaborators("sheet-1")
	require.True(t, ok)
	require.Len(t, roster, 1)
	assert.Equal(t, "alice", roster[0].UserID)
	assert.Equal(t, "User alice", roster[0].DisplayName)
}

func TestJoinSpreadsheetRejectsForeignIdentity(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "a", "alice")
	env.login(t, "b", "bob")
	env.dispatch("b", &JoinSpreadsheet{SessionID: "sheet-1"})

	env.dispatch("a", &JoinSpreadsheet{SessionID: "sheet-1", UserID: "bob", DisplayName: "Bob"})

	errs := alice.events(EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0]["error"], "invalid identity")

	userID, ok := env.hub.Spreadsheets().CollaboratorFor("sheet-1", "b")
	require.True(t, ok, "bob keeps his own collaborator entry")
	assert.Equal(t, "bob", userID)
	_, ok = env.hub.Spreadsheets().CollaboratorFor("sheet-1", "a")
	assert.False(t, ok)

	cursor := json.RawMessage(`{"row":2}`)
	env.dispatch("b", &CursorUpdate{SessionID: "sheet-1", Cursor: cursor})
	roster, _ := env.hub.Spreadsheets().Collaborators("sheet-1")
	require.Len(t, roster, 1)
	assert.JSONEq(t, string(cursor), string(roster[0].Cursor))

	// naming yourself explicitly is fine
	env.dispatch("a", &JoinSpreadsheet{SessionID: "sheet-1", UserID: " alice "})
	userID, ok = env.hub.Spreadsheets().CollaboratorFor("sheet-1", "a")
	require.True(t, ok)
	assert.Equal(t, "alice", userID)
}

func TestLateJoinerSeesCursor(t *testing.T) {
	env := newTestEnv(t)
	env.connect("a")
	bob := env.connect("b")
	carol := env.connect("c")

	joinSheet(env, "a", "sheet-1", "alice")
	joinSheet(env, "b", "sheet-1", "bob")

	cursor := json.RawMessage(`{"row":4,"col":2}`)
	env.dispatch("a", &CursorUpdate{SessionID: "sheet-1", Cursor: cursor})
	env.dispatch("a", &SelectionUpdate{SessionID: "sheet-1", Selection: json.RawMessage(`{"from":"A1","to":"B2"}`)})

	relayed := bob.events(EventCursorUpdate)
	require.Len(t, relayed, 1)
	assert.Equal(t, "alice", relayed[0]["userId"])
	assert.Equal(t, 1, bob.count(EventSelectionUpdate))

	joinSheet(env, "c", "sheet-1", "carol")

	updates := carol.events(EventCollaboratorsUpdate)
	require.Len(t, updates, 1)
	roster := updates[0]["collaborators"].([]any)
	require.Len(t, roster, 3)
	first := roster[0].(map[string]any)
	assert.Equal(t, "alice", first["userId"])
	assert.Equal(t, map[string]any{"row": float64(4), "col": float64(2)}, first["cursor"])
	assert.Equal(t, map[string]any{"from": "A1", "to": "B2"}, first["selection"])
}

func TestCursorFromNonMemberIgnored(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect("a")
	env.connect("x")

	joinSheet(env, "a", "sheet-1", "alice")
	env.dispatch("x", &CursorUpdate{SessionID: "sheet-1", Cursor: json.RawMessage(`{"row":1}`)})
	env.dispatch("x", &ContentChange{SessionID: "sheet-1", Changes: json.RawMessage(`[{"cell":"A1"}]`)})

	assert.Equal(t, 0, alice.count(EventCursorUpdate))
	assert.Equal(t, 0, alice.count(EventContentChange))
	assert.Equal(t, 0, env.hub.Spreadsheets().PendingChanges("sheet-1"))
}

func TestAutosaveOnceAfterBurst(t *testing.T) {
	env := newTestEnv(t)
	env.connect("a")
	bob := env.connect("b")
	joinSheet(env, "a", "sheet-1", "alice")
	joinSheet(env, "b", "sheet-1", "bob")

	for i := 0; i < 5; i++ {
		env.dispatch("a", &ContentChange{
			SessionID: "sheet-1",
			Changes:   json.RawMessage(fmt.Sprintf(`[{"cell":"A%d","value":%d}]`, i+1, i)),
		})
		time.Sleep(testAutosaveDelay / 4)
	}

	assert.Equal(t, 5, bob.count(EventContentChange), "changes are relayed immediately")
	assert.Equal(t, 0, env.saver.saveCount("sheet-1"), "nothing saved during the burst")

	require.Eventually(t, func() bool {
		return env.saver.saveCount("sheet-1") == 1
	}, time.Second, 10*time.Millisecond)

	batch := env.saver.saved("sheet-1")[0]
	require.Len(t, batch, 5)
	assert.JSONEq(t, `[{"cell":"A1","value":0}]`, string(batch[0]))
	assert.JSONEq(t, `[{"cell":"A5","value":4}]`, string(batch[4]))

	time.Sleep(2 * testAutosaveDelay)
	assert.Equal(t, 1, env.saver.saveCount("sheet-1"), "a burst is written once")
	assert.Equal(t, 0, env.hub.Spreadsheets().PendingChanges("sheet-1"))
}

func TestAutosaveFailureRequeues(t *testing.T) {
	env := newTestEnv(t)
	env.saver.fail = 1
	env.connect("a")
	env.connect("b")
	joinSheet(env, "a", "sheet-1", "alice")
	joinSheet(env, "b", "sheet-1", "bob")

	env.dispatch("a", &ContentChange{SessionID: "sheet-1", Changes: json.RawMessage(`[{"cell":"A1"}]`)})

	require.Eventually(t, func() bool {
		return env.hub.Spreadsheets().PendingChanges("sheet-1") == 1 && env.saver.failuresLeft() == 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.saver.saveCount("sheet-1"))

	env.dispatch("b", &ContentChange{SessionID: "sheet-1", Changes: json.RawMessage(`[{"cell":"B1"}]`)})

	require.Eventually(t, func() bool {
		return env.saver.saveCount("sheet-1") == 1
	}, time.Second, 10*time.Millisecond)

	batch := env.saver.saved("sheet-1")[0]
	require.Len(t, batch, 2)
	assert.JSONEq(t, `[{"cell":"A1"}]`, string(batch[0]), "failed batch is retried first")
	assert.JSONEq(t, `[{"cell":"B1"}]`, string(batch[1]))
}

func TestLastLeaveFlushesAndDiscardsSession(t *testing.T) {
	env := newTestEnv(t)
	env.connect("a")
	env.connect("b")
	joinSheet(env, "a", "sheet-1", "alice")
	joinSheet(env, "b", "sheet-1", "bob")

	env.dispatch("a", &ContentChange{SessionID: "sheet-1", Changes: json.RawMessage(`[{"cell":"A1"}]`)})

	env.dispatch("a", &LeaveSpreadsheet{SessionID: "sheet-1"})
	assert.Equal(t, 0, env.saver.saveCount("sheet-1"), "session still has a member")

	env.dispatch("b", &LeaveSpreadsheet{SessionID: "sheet-1"})
	assert.Equal(t, 1, env.saver.saveCount("sheet-1"), "last leave writes immediately")
	assert.Equal(t, 0, env.hub.Spreadsheets().Count())

	time.Sleep(2 * testAutosaveDelay)
	assert.Equal(t, 1, env.saver.saveCount("sheet-1"), "cancelled timer does not fire")

	carol := env.connect("c")
	joinSheet(env, "c", "sheet-1", "carol")
	updates := carol.events(EventCollaboratorsUpdate)
	require.Len(t, updates, 1)
	assert.Len(t, updates[0]["collaborators"], 1, "rejoining an emptied session starts fresh")
}

func TestLeaveSpreadsheetOnlyForOwnConnection(t *testing.T) {
	env := newTestEnv(t)
	alice := env.connect("a")
	env.connect("b")
	joinSheet(env, "a", "sheet-1", "alice")
	joinSheet(env, "b", "sheet-1", "bob")

	env.dispatch("a", &LeaveSpreadsheet{SessionID: "sheet-1", UserID: "bob"})

	roster, _ := env.hub.Spreadsheets().Collaborators("sheet-1")
	assert.Len(t, roster, 1)
	assert.Equal(t, "bob", roster[0].UserID)
	assert.Equal(t, 0, alice.count(EventCollaboratorLeft))
}

func TestSpreadsheetDisconnectLeavesSession(t *testing.T) {
	env := newTestEnv(t)
	env.connect("a")
	bob := env.connect("b")
	joinSheet(env, "a", "sheet-1", "alice")
	joinSheet(env, "b", "sheet-1", "bob")

	env.hub.Detach("a")

	left := bob.events(EventCollaboratorLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "alice", left[0]["userId"])
}

func TestRejoinFromNewConnectionMovesCollaborator(t *testing.T) {
	env := newTestEnv(t)
	env.connect("a1")
	bob := env.connect("b")
	env.connect("a2")
	joinSheet(env, "a1", "sheet-1", "alice")
	joinSheet(env, "b", "sheet-1", "bob")

	joinSheet(env, "a2", "sheet-1", "alice")

	userID, ok := env.hub.Spreadsheets().CollaboratorFor("sheet-1", "a2")
	require.True(t, ok)
	assert.Equal(t, "alice", userID)
	_, ok = env.hub.Spreadsheets().CollaboratorFor("sheet-1", "a1")
	assert.False(t, ok)

	// the stale connection no longer owns the collaborator
	env.hub.Detach("a1")
	assert.Equal(t, 0, bob.count(EventCollaboratorLeft))
	roster, _ := env.hub.Spreadsheets().Collaborators("sheet-1")
	assert.Len(t, roster, 2)
}

func TestSpreadsheetShutdownFlushesPending(t *testing.T) {
	env := newTestEnv(t)
	env.connect("a")
	joinSheet(env, "a", "sheet-1", "alice")
	joinSheet(env, "a", "sheet-2", "alice")

	env.dispatch("a", &ContentChange{SessionID: "sheet-1", Changes: json.RawMessage(`[1]`)})
	env.dispatch("a", &ContentChange{SessionID: "sheet-2", Changes: json.RawMessage(`[2]`)})

	env.hub.Shutdown()

	assert.Equal(t, 1, env.saver.saveCount("sheet-1"))
	assert.Equal(t, 1, env.saver.saveCount("sheet-2"))
	assert.True(t, env.peers["a"].isClosed())

	time.Sleep(2 * testAutosaveDelay)
	assert.Equal(t, 1, env.saver.saveCount("sheet-1"))
}

func TestNullContentChangeIsIgnored(t *testing.T) {
	tests := []struct {
		name    string
		changes json.RawMessage
	}{
		{"missing", nil},
		{"null", json.RawMessage(`null`)},
		{"padded null", json.RawMessage(" null ")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.connect("a")
			bob := env.connect("b")
			joinSheet(env, "a", "sheet-1", "alice")
			joinSheet(env, "b", "sheet-1", "bob")

			env.dispatch("a", &ContentChange{SessionID: "sheet-1", Changes: tt.changes})

			assert.Equal(t, 0, bob.count(EventContentChange))
			assert.Equal(t, 0, env.hub.Spreadsheets().PendingChanges("sheet-1"))
		})
	}
}
