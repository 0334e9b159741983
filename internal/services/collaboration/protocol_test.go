package collaboration

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Event
		wantErr error
	}{
		{
			name: "authenticate",
			raw:  `{"event":"authenticate","data":{"userId":"u1","displayName":"Alice"}}`,
			want: &Authenticate{UserID: "u1", DisplayName: "Alice"},
		},
		{
			name: "send message with metadata",
			raw:  `{"event":"sendMessage","data":{"roomId":"r1","content":"hi","messageType":"file","metadata":{"size":3}}}`,
			want: &SendMessage{RoomID: "r1", Content: "hi", MessageType: "file", Metadata: map[string]any{"size": float64(3)}},
		},
		{
			name: "start call",
			raw:  `{"event":"startCall","data":{"roomId":"r1","participantIds":["u2"],"type":"video"}}`,
			want: &StartCall{RoomID: "r1", ParticipantIDs: []string{"u2"}, Type: "video"},
		},
		{
			name: "cursor keeps raw payload",
			raw:  `{"event":"cursor-update","data":{"sessionId":"s1","cursor":{"row":1}}}`,
			want: &CursorUpdate{SessionID: "s1", Cursor: json.RawMessage(`{"row":1}`)},
		},
		{
			name: "missing data",
			raw:  `{"event":"getRoomUsers"}`,
			want: &GetRoomUsers{},
		},
		{
			name: "null data",
			raw:  `{"event":"leaveChat","data":null}`,
			want: &LeaveChat{},
		},
		{name: "not json", raw: `hello`, wantErr: ErrMalformedEvent},
		{name: "missing event", raw: `{"data":{}}`, wantErr: ErrMalformedEvent},
		{name: "unknown event", raw: `{"event":"selfDestruct"}`, wantErr: ErrUnknownEvent},
		{name: "wrong payload shape", raw: `{"event":"joinChat","data":{"roomId":42}}`, wantErr: ErrMalformedEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.raw))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, ev)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev)
		})
	}
}

func TestDecodeCoversEveryInboundEvent(t *testing.T) {
	names := []string{
		EventAuthenticate, EventJoinChat, EventLeaveChat, EventSendMessage,
		EventTyping, EventStopTyping, EventGetRoomUsers, EventStartCall,
		EventAcceptCall, EventRejectCall, EventEndCall, EventJoinSpreadsheet,
		EventCursorUpdate, EventSelectionUpdate, EventContentChange, EventLeaveSpreadsheet,
	}

	for _, name := range names {
		ev, err := Decode([]byte(`{"event":"` + name + `","data":{}}`))
		require.NoError(t, err, name)
		assert.Equal(t, name, ev.Name())
	}
}

func TestEncode(t *testing.T) {
	msg, err := Encode(EventUserOnline, presencePayload{UserID: "u1", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"userOnline","data":{"userId":"u1","displayName":"Alice"}}`, string(msg))

	_, err = Encode(EventError, make(chan int))
	assert.Error(t, err)
}

func TestScopeAccepts(t *testing.T) {
	tests := []struct {
		scope Scope
		ch    Channel
		want  bool
	}{
		{ScopeAll, ChannelChat, true},
		{ScopeAll, ChannelSpreadsheet, true},
		{ScopeChat, ChannelDefault, true},
		{ScopeChat, ChannelChat, true},
		{ScopeChat, ChannelSpreadsheet, false},
		{ScopeSpreadsheet, ChannelDefault, true},
		{ScopeSpreadsheet, ChannelChat, false},
		{ScopeSpreadsheet, ChannelSpreadsheet, true},
	}

	for _, tt := range tests {
		t.Run(tt.scope.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.scope.Accepts(tt.ch))
		})
	}
}

func TestChannelOf(t *testing.T) {
	assert.Equal(t, ChannelDefault, ChannelOf(&Authenticate{}))
	assert.Equal(t, ChannelChat, ChannelOf(&EndCall{}))
	assert.Equal(t, ChannelSpreadsheet, ChannelOf(&ContentChange{}))
}
