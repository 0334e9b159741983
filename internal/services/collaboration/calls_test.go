package collaboration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallLifecycle(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "a", "alice")
	bob := env.login(t, "b", "bob")

	env.dispatch("a", &StartCall{RoomID: "room-1", ParticipantIDs: []string{"bob"}, Type: "video"})

	started := alice.events(EventCallStarted)
	require.Len(t, started, 1)
	call := started[0]["call"].(map[string]any)
	assert.Equal(t, "ringing", call["status"])
	assert.Equal(t, "alice", call["callerId"])
	assert.Equal(t, []any{"alice", "bob"}, call["participants"])

	incoming := bob.events(EventIncomingVideoCall)
	require.Len(t, incoming, 1)
	assert.Equal(t, "room-1", incoming[0]["roomId"])
	assert.Equal(t, 0, alice.count(EventIncomingVideoCall), "caller is not rung")

	env.dispatch("b", &AcceptCall{RoomID: "room-1"})
	assert.Equal(t, 1, alice.count(EventCallAccepted))
	assert.Equal(t, 1, bob.count(EventCallAccepted))

	snap, ok := env.hub.Calls().Get("room-1")
	require.True(t, ok)
	assert.Equal(t, CallActive, snap.Status)
	require.NotNil(t, snap.AcceptedAt)

	env.dispatch("a", &EndCall{RoomID: "room-1"})
	ended := bob.events(EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, EndReasonEnded, ended[0]["reason"])
	assert.Equal(t, 1, alice.count(EventCallEnded))

	_, ok = env.hub.Calls().Get("room-1")
	assert.False(t, ok)
}

func TestStartCallErrors(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(env *testEnv)
		req     *StartCall
	}{
		{
			name: "invalid call type",
			req:  &StartCall{RoomID: "room-1", ParticipantIDs: []string{"bob"}, Type: "hologram"},
		},
		{
			name: "call already in progress",
			prepare: func(env *testEnv) {
				env.dispatch("b", &StartCall{RoomID: "room-1", ParticipantIDs: []string{"alice"}, Type: "voice"})
			},
			req: &StartCall{RoomID: "room-1", ParticipantIDs: []string{"bob"}, Type: "voice"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			alice := env.login(t, "a", "alice")
			env.login(t, "b", "bob")
			if tt.prepare != nil {
				tt.prepare(env)
			}
			alice.reset()

			env.dispatch("a", tt.req)

			assert.Equal(t, 1, alice.count(EventCallError))
			assert.Equal(t, 0, alice.count(EventCallStarted))
			assert.Equal(t, 0, alice.count(EventError))
		})
	}
}

func TestRejectCall(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "a", "alice")
	bob := env.login(t, "b", "bob")

	env.dispatch("a", &StartCall{RoomID: "room-1", ParticipantIDs: []string{"bob"}, Type: "voice"})
	require.Equal(t, 1, bob.count(EventIncomingVoiceCall))

	env.dispatch("b", &RejectCall{RoomID: "room-1"})
	rejected := alice.events(EventCallRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "bob", rejected[0]["userId"])
	assert.Equal(t, 0, env.hub.Calls().Count())

	env.dispatch("b", &AcceptCall{RoomID: "room-1"})
	assert.Equal(t, 1, bob.count(EventCallError), "rejected call cannot be accepted")
}

func TestRejectActiveCallIsNoop(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "a", "alice")
	env.login(t, "b", "bob")

	env.dispatch("a", &StartCall{RoomID: "room-1", ParticipantIDs: []string{"bob"}, Type: "voice"})
	env.dispatch("b", &AcceptCall{RoomID: "room-1"})
	env.dispatch("b", &RejectCall{RoomID: "room-1"})

	assert.Equal(t, 0, alice.count(EventCallRejected))
	snap, ok := env.hub.Calls().Get("room-1")
	require.True(t, ok)
	assert.Equal(t, CallActive, snap.Status)
}

func TestNonParticipantCannotAccept(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "a", "alice")
	env.login(t, "b", "bob")
	mallory := env.login(t, "m", "mallory")

	env.dispatch("a", &StartCall{RoomID: "room-1", ParticipantIDs: []string{"bob"}, Type: "voice"})
	env.dispatch("m", &AcceptCall{RoomID: "room-1"})

	assert.Equal(t, 0, alice.count(EventCallAccepted))
	assert.Equal(t, 0, mallory.count(EventCallError))
	snap, _ := env.hub.Calls().Get("room-1")
	assert.Equal(t, CallRinging, snap.Status)
}

func TestCallDisconnectMidCall(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "a", "alice")
	bob := env.login(t, "b", "bob")

	env.dispatch("a", &StartCall{RoomID: "room-1", ParticipantIDs: []string{"bob"}, Type: "video"})
	env.dispatch("b", &AcceptCall{RoomID: "room-1"})
	bob.reset()

	env.hub.Detach("a")

	ended := bob.events(EventCallEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, EndReasonPeerDisconnected, ended[0]["reason"])
	assert.Equal(t, "alice", ended[0]["userId"])

	env.dispatch("b", &AcceptCall{RoomID: "room-1"})
	errs := bob.events(EventCallError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0]["error"], "no such call")
}

func TestCallSurvivesSecondDeviceDisconnect(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "a1", "alice")
	env.login(t, "a2", "alice")
	bob := env.login(t, "b", "bob")

	env.dispatch("a1", &StartCall{RoomID: "room-1", ParticipantIDs: []string{"bob"}, Type: "voice"})
	env.dispatch("b", &AcceptCall{RoomID: "room-1"})

	// a2 never touched the call and alice is still connected through a1
	env.hub.Detach("a2")
	assert.Equal(t, 0, bob.count(EventCallEnded))
	assert.Equal(t, 1, env.hub.Calls().Count())

	env.hub.Detach("a1")
	assert.Equal(t, 1, bob.count(EventCallEnded))
	assert.Equal(t, 0, env.hub.Calls().Count())
}

func TestCallRingsEveryDevice(t *testing.T) {
	env := newTestEnv(t)
	env.login(t, "a", "alice")
	b1 := env.login(t, "b1", "bob")
	b2 := env.login(t, "b2", "bob")

	env.dispatch("a", &StartCall{RoomID: "room-1", ParticipantIDs: []string{"bob", "bob", ""}, Type: "voice"})

	assert.Equal(t, 1, b1.count(EventIncomingVoiceCall))
	assert.Equal(t, 1, b2.count(EventIncomingVoiceCall))

	snap, _ := env.hub.Calls().Get("room-1")
	assert.Equal(t, []string{"alice", "bob"}, snap.ParticipantIDs)
}

func TestStartCallWithoutListRingsRoomParticipants(t *testing.T) {
	env := newTestEnv(t)
	env.store.addConversation("conv-1", "alice", "bob", "carol")
	env.login(t, "a", "alice")
	bob := env.login(t, "b", "bob")
	outsider := env.login(t, "d", "dave")

	env.dispatch("a", &StartCall{RoomID: "conv-1", Type: "voice"})

	assert.Equal(t, 1, bob.count(EventIncomingVoiceCall))
	assert.Equal(t, 0, outsider.count(EventIncomingVoiceCall))

	call, ok := env.hub.Calls().Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob", "carol"}, call.ParticipantIDs)
}
