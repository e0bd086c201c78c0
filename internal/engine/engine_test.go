package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRoom() State {
	return NewRoom("ABC123", RoomPublic, Member{ConnectionID: "c-alice", UserID: "u-alice", DisplayName: "alice"}, t0)
}

func containsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func mustApply(t *testing.T, s *State, cmd Command) []Event {
	t.Helper()
	events, err := Apply(s, cmd, t0)
	require.NoError(t, err)
	return events
}

func TestNewRoom_CreatorIsSoleEditor(t *testing.T) {
	s := newTestRoom()

	require.Len(t, s.Members, 1)
	m := s.Members[0]
	assert.True(t, m.IsCreator)
	assert.Equal(t, PermissionEdit, m.Permission)
	assert.Equal(t, "alice", m.DisplayName)
	assert.Equal(t, "c-alice", s.CreatorConnID)
	assert.JSONEq(t, "[]", string(s.Canvas))
}

func TestJoin_NonCreatorGoesPending(t *testing.T) {
	s := newTestRoom()

	events := mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-bob", UserID: "u-bob", DisplayName: "bob"})

	require.Len(t, events, 1)
	assert.Equal(t, EvtJoinPending, events[0].Type)
	assert.Equal(t, "c-alice", events[0].CreatorConnID)
	assert.Equal(t, JoinPending, events[0].Request.State)
	assert.Len(t, s.Members, 1)
	assert.True(t, s.HasRequest("c-bob"))
}

func TestJoin_NoCreatorOnline(t *testing.T) {
	s := Restore("ABC123", RoomPublic, "c-gone", t0, nil, nil)

	events := mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-bob", DisplayName: "bob"})

	require.Len(t, events, 1)
	assert.Equal(t, EvtJoinPending, events[0].Type)
	assert.Empty(t, events[0].CreatorConnID)
	assert.Empty(t, s.Members)
}

func TestJoin_ResubmitKeepsSingleRequest(t *testing.T) {
	s := newTestRoom()
	mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-bob", DisplayName: "bob"})
	mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-bob", DisplayName: "bob"})

	assert.Len(t, s.Requests, 1)
}

func TestJoin_CreatorIdentityAutoAdmits(t *testing.T) {
	s := newTestRoom()
	s.Members = nil // creator connection still holds the role but is not yet a member

	events := mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-alice", DisplayName: "alice"})

	require.True(t, containsEvent(events, EvtMemberAdmitted))
	require.Len(t, s.Members, 1)
	assert.True(t, s.Members[0].IsCreator)
	assert.Empty(t, s.Requests)
}

func TestJoin_ExistingMemberIsRepeat(t *testing.T) {
	s := newTestRoom()

	events := mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-alice", DisplayName: "alice"})

	require.Len(t, events, 1)
	assert.True(t, events[0].Repeat)
	assert.Len(t, s.Members, 1)
}

func TestJoin_SameNameDoesNotRestoreCreator(t *testing.T) {
	s := newTestRoom()
	mustApply(t, &s, Command{Type: CmdLeave, ConnID: "c-alice"})

	s2 := Restore(s.RoomID, s.RoomType, s.CreatorConnID, s.CreatedAt, s.Canvas, nil)
	events := mustApply(t, &s2, Command{Type: CmdJoin, ConnID: "c-alice-2", DisplayName: "alice"})

	assert.Equal(t, EvtJoinPending, events[0].Type)
	assert.Empty(t, s2.Members)
}

func TestRespond(t *testing.T) {
	cases := []struct {
		name      string
		responder string
		requestID string
		approved  bool
		wantErr   error
		wantEvt   EventType
		members   int
	}{
		{name: "creator approves", responder: "c-alice", requestID: "c-bob", approved: true, wantEvt: EvtJoinApproved, members: 2},
		{name: "creator rejects", responder: "c-alice", requestID: "c-bob", approved: false, wantEvt: EvtJoinRejected, members: 1},
		{name: "pending user cannot approve", responder: "c-bob", requestID: "c-bob", approved: true, wantErr: ErrPermissionDenied, members: 1},
		{name: "outsider cannot approve", responder: "c-eve", requestID: "c-bob", approved: true, wantErr: ErrPermissionDenied, members: 1},
		{name: "unknown request", responder: "c-alice", requestID: "c-nobody", approved: true, wantErr: ErrRequestNotFound, members: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestRoom()
			mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-bob", UserID: "u-bob", DisplayName: "bob"})

			events, err := Apply(&s, Command{Type: CmdRespond, ConnID: tc.responder, RequestID: tc.requestID, Approved: tc.approved}, t0)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, events)
				assert.True(t, s.HasRequest("c-bob"), "state must not change on error")
			} else {
				require.NoError(t, err)
				require.True(t, containsEvent(events, tc.wantEvt))
				assert.False(t, s.HasRequest("c-bob"))
			}
			assert.Len(t, s.Members, tc.members)
		})
	}
}

func TestRespond_ApprovedMemberIsEditor(t *testing.T) {
	s := newTestRoom()
	mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-bob", UserID: "u-bob", DisplayName: "bob"})

	events := mustApply(t, &s, Command{Type: CmdRespond, ConnID: "c-alice", RequestID: "c-bob", Approved: true})

	m := events[0].Member
	assert.Equal(t, PermissionEdit, m.Permission)
	assert.False(t, m.IsCreator)
	assert.Equal(t, "u-bob", m.UserID)
	assert.Equal(t, JoinApproved, events[0].Request.State)
}

func TestRespond_SecondResolutionIsNotFound(t *testing.T) {
	for _, second := range []bool{true, false} {
		t.Run(fmt.Sprintf("second approved=%v", second), func(t *testing.T) {
			s := newTestRoom()
			mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-bob", DisplayName: "bob"})
			mustApply(t, &s, Command{Type: CmdRespond, ConnID: "c-alice", RequestID: "c-bob", Approved: true})

			_, err := Apply(&s, Command{Type: CmdRespond, ConnID: "c-alice", RequestID: "c-bob", Approved: second}, t0)

			require.ErrorIs(t, err, ErrRequestNotFound)
			assert.Len(t, s.Members, 2)
		})
	}
}

func TestCanvas_ReplaceIsVerbatim(t *testing.T) {
	s := newTestRoom()
	payload := json.RawMessage(`[{"id":"e1","type":"rect","x":1.5}]`)

	events := mustApply(t, &s, Command{Type: CmdDrawing, ConnID: "c-alice", Canvas: payload})

	require.Len(t, events, 1)
	assert.True(t, events[0].Live)
	assert.Equal(t, string(payload), string(events[0].Canvas))
	assert.Equal(t, string(payload), string(s.Canvas))
	assert.Equal(t, uint64(1), s.Revision)

	payload[0] = 'X' // caller's buffer must not alias room state
	assert.Equal(t, byte('['), s.Canvas[0])
}

func TestCanvas_Gating(t *testing.T) {
	cases := []struct {
		name    string
		cmd     CommandType
		conn    string
		wantErr error
	}{
		{name: "unbound drawing", cmd: CmdDrawing, conn: "c-nobody", wantErr: ErrNotMember},
		{name: "unbound clear", cmd: CmdClearCanvas, conn: "c-nobody", wantErr: ErrNotMember},
		{name: "viewer drawing", cmd: CmdDrawing, conn: "c-viewer", wantErr: ErrPermissionDenied},
		{name: "viewer canvas update", cmd: CmdCanvasUpdate, conn: "c-viewer", wantErr: ErrPermissionDenied},
		{name: "viewer clear", cmd: CmdClearCanvas, conn: "c-viewer", wantErr: ErrPermissionDenied},
		{name: "unbound chat", cmd: CmdChat, conn: "c-nobody", wantErr: ErrNotMember},
		{name: "unbound typing", cmd: CmdTyping, conn: "c-nobody", wantErr: ErrNotMember},
		{name: "editor drawing", cmd: CmdDrawing, conn: "c-alice"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestRoom()
			s.Members = append(s.Members, Member{ConnectionID: "c-viewer", DisplayName: "viewer", Permission: PermissionView})

			_, err := Apply(&s, Command{Type: tc.cmd, ConnID: tc.conn, Canvas: json.RawMessage(`[1]`)}, t0)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, tc.wantErr), "want %v, got %v", tc.wantErr, err)
			assert.Equal(t, uint64(0), s.Revision)
			assert.JSONEq(t, "[]", string(s.Canvas))
		})
	}
}

func TestViewerMayChat(t *testing.T) {
	s := newTestRoom()
	s.Members = append(s.Members, Member{ConnectionID: "c-viewer", DisplayName: "viewer", Permission: PermissionView})

	events := mustApply(t, &s, Command{Type: CmdChat, ConnID: "c-viewer", Chat: ChatMessage{Message: "hi"}})

	assert.Equal(t, "viewer", events[0].Chat.DisplayName)
}

func TestClearCanvas(t *testing.T) {
	s := newTestRoom()
	mustApply(t, &s, Command{Type: CmdDrawing, ConnID: "c-alice", Canvas: json.RawMessage(`[{"id":"a"}]`)})

	events := mustApply(t, &s, Command{Type: CmdClearCanvas, ConnID: "c-alice"})

	assert.Equal(t, EvtCanvasCleared, events[0].Type)
	assert.JSONEq(t, "[]", string(s.Canvas))
	assert.Equal(t, uint64(2), s.Revision)
	assert.False(t, s.View().HasCanvasData)
}

func TestCanvas_BlankPayloadStoresEmptyCanvas(t *testing.T) {
	for _, payload := range []string{"", "null", " null "} {
		t.Run(fmt.Sprintf("%q", payload), func(t *testing.T) {
			for _, cmd := range []CommandType{CmdDrawing, CmdCanvasUpdate} {
				s := newTestRoom()
				mustApply(t, &s, Command{Type: CmdDrawing, ConnID: "c-alice", Canvas: json.RawMessage(`[{"id":"a"}]`)})

				events := mustApply(t, &s, Command{Type: cmd, ConnID: "c-alice", Canvas: json.RawMessage(payload)})

				assert.JSONEq(t, "[]", string(s.Canvas))
				assert.JSONEq(t, "[]", string(events[0].Canvas))
				assert.False(t, s.View().HasCanvasData)
			}
		})
	}
}

func TestCanvas_PayloadKeptVerbatim(t *testing.T) {
	s := newTestRoom()
	raw := `[ {"id":"r1","x":1.0} ]`

	events := mustApply(t, &s, Command{Type: CmdDrawing, ConnID: "c-alice", Canvas: json.RawMessage(raw)})

	assert.Equal(t, raw, string(s.Canvas))
	assert.Equal(t, raw, string(events[0].Canvas))
	assert.True(t, s.View().HasCanvasData)
}

func TestChat_DisplayNameNormalized(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "trimmed", in: "  bob  ", want: "bob"},
		{name: "empty falls back", in: "", want: "alice"},
		{name: "blank falls back", in: "   ", want: "alice"},
		{name: "too long falls back", in: strings.Repeat("x", MaxDisplayNameRune+1), want: "alice"},
		{name: "at limit kept", in: strings.Repeat("é", MaxDisplayNameRune), want: strings.Repeat("é", MaxDisplayNameRune)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestRoom()
			events := mustApply(t, &s, Command{Type: CmdChat, ConnID: "c-alice", Chat: ChatMessage{DisplayName: tc.in, Message: "hi"}})
			assert.Equal(t, tc.want, events[0].Chat.DisplayName)
			assert.Equal(t, tc.want, s.Chat.Last(1)[0].DisplayName)
		})
	}
}

func TestNewRoom_EntersThroughAutoAdmit(t *testing.T) {
	s := newTestRoom()

	m := s.Members[0]
	assert.Equal(t, "u-alice", m.UserID)
	assert.Equal(t, t0, m.JoinedAt)
	assert.Empty(t, s.Requests)

	// Leaving drops the leader role, so the same connection cannot auto-admit again.
	mustApply(t, &s, Command{Type: CmdLeave, ConnID: "c-alice"})
	assert.Empty(t, s.CreatorConnID)
}

func TestChat_StampsMissingTimestamp(t *testing.T) {
	s := newTestRoom()

	events := mustApply(t, &s, Command{Type: CmdChat, ConnID: "c-alice", Chat: ChatMessage{DisplayName: "alice", Message: "hello"}})
	assert.Equal(t, t0.Format(time.RFC3339), events[0].Chat.Timestamp)

	events = mustApply(t, &s, Command{Type: CmdChat, ConnID: "c-alice", Chat: ChatMessage{DisplayName: "alice", Message: "again", Timestamp: "10:00:00"}})
	assert.Equal(t, "10:00:00", events[0].Chat.Timestamp)
	assert.Equal(t, 2, s.Chat.Len())
}

func TestChat_BoundedFIFO(t *testing.T) {
	s := newTestRoom()
	for i := 0; i < 250; i++ {
		mustApply(t, &s, Command{Type: CmdChat, ConnID: "c-alice", Chat: ChatMessage{Message: fmt.Sprint(i)}})
		require.LessOrEqual(t, s.Chat.Len(), ChatHistoryLimit)
	}

	all := s.Chat.All()
	require.Len(t, all, ChatHistoryLimit)
	assert.Equal(t, "150", all[0].Message)
	assert.Equal(t, "249", all[len(all)-1].Message)
}

func TestTyping_UsesMemberName(t *testing.T) {
	s := newTestRoom()

	events := mustApply(t, &s, Command{Type: CmdTyping, ConnID: "c-alice", DisplayName: "mallory", IsTyping: true})

	assert.Equal(t, "alice", events[0].Member.DisplayName)
	assert.True(t, events[0].IsTyping)
}

func TestLeave(t *testing.T) {
	t.Run("member leaves", func(t *testing.T) {
		s := newTestRoom()
		mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-bob", DisplayName: "bob"})
		mustApply(t, &s, Command{Type: CmdRespond, ConnID: "c-alice", RequestID: "c-bob", Approved: true})

		events := mustApply(t, &s, Command{Type: CmdLeave, ConnID: "c-bob"})

		assert.Equal(t, []EventType{EvtMemberLeft}, eventTypes(events))
		assert.Len(t, s.Members, 1)
	})

	t.Run("creator leaves, room stays with stuck requests", func(t *testing.T) {
		s := newTestRoom()
		mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-bob", DisplayName: "bob"})
		mustApply(t, &s, Command{Type: CmdRespond, ConnID: "c-alice", RequestID: "c-bob", Approved: true})
		mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-carol", DisplayName: "carol"})

		events := mustApply(t, &s, Command{Type: CmdLeave, ConnID: "c-alice"})

		assert.Equal(t, []EventType{EvtMemberLeft}, eventTypes(events))
		assert.Empty(t, s.CreatorConnID)
		_, ok := s.Creator()
		assert.False(t, ok)
		assert.True(t, s.HasRequest("c-carol"))

		_, err := Apply(&s, Command{Type: CmdRespond, ConnID: "c-bob", RequestID: "c-carol", Approved: true}, t0)
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("last member empties room and strands requests", func(t *testing.T) {
		s := newTestRoom()
		mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-bob", DisplayName: "bob"})

		events := mustApply(t, &s, Command{Type: CmdLeave, ConnID: "c-alice"})

		assert.Equal(t, []EventType{EvtMemberLeft, EvtJoinRejected, EvtRoomEmptied}, eventTypes(events))
		assert.True(t, events[1].Closed)
		assert.Equal(t, JoinRejected, events[1].Request.State)
		assert.Empty(t, s.Requests)
	})

	t.Run("pending requester withdraws", func(t *testing.T) {
		s := newTestRoom()
		mustApply(t, &s, Command{Type: CmdJoin, ConnID: "c-bob", DisplayName: "bob"})

		events := mustApply(t, &s, Command{Type: CmdLeave, ConnID: "c-bob"})

		assert.Equal(t, []EventType{EvtJoinWithdrawn}, eventTypes(events))
		_, err := Apply(&s, Command{Type: CmdRespond, ConnID: "c-alice", RequestID: "c-bob", Approved: true}, t0)
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})

	t.Run("unknown connection is a no-op", func(t *testing.T) {
		s := newTestRoom()
		events := mustApply(t, &s, Command{Type: CmdLeave, ConnID: "c-nobody"})
		assert.Empty(t, events)
		assert.Len(t, s.Members, 1)
	})
}

func TestApply_UnsupportedCommand(t *testing.T) {
	s := newTestRoom()
	_, err := Apply(&s, Command{Type: "Bogus"}, t0)
	assert.ErrorIs(t, err, ErrUnsupportedCommand)
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}
