package engine

import (
	"encoding/json"
	"errors"
	"slices"
	"time"
)

var ErrDuplicateRoom = errors.New("room already exists")
var ErrRoomNotFound = errors.New("room not found")
var ErrPermissionDenied = errors.New("permission denied")
var ErrRequestNotFound = errors.New("join request not found")
var ErrInvalidRoomID = errors.New("invalid room id")
var ErrInvalidDisplayName = errors.New("invalid display name")
var ErrInvalidRoomType = errors.New("invalid room type")
var ErrNotMember = errors.New("connection is not a room member")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Permission string

const (
	PermissionEdit Permission = "edit"
	PermissionView Permission = "view"
)

type RoomType string

const (
	RoomPublic  RoomType = "public"
	RoomPrivate RoomType = "private"
)

// EmptyCanvas is the canvas a room starts with and returns to after a clear.
var EmptyCanvas = json.RawMessage("[]")

type Member struct {
	ConnectionID string     `json:"id"`
	UserID       string     `json:"userId"`
	DisplayName  string     `json:"displayName"`
	IsCreator    bool       `json:"isCreator"`
	Permission   Permission `json:"permission"`
	JoinedAt     time.Time  `json:"joinedAt"`
}

type ChatMessage struct {
	DisplayName string `json:"displayName"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// State is one room. It is owned by exactly one room actor and never shared.
type State struct {
	RoomID        string
	RoomType      RoomType
	CreatorConnID string // empty while the creator is offline
	CreatedAt     time.Time
	Members       []Member
	Requests      []JoinRequest // pending only
	Canvas        json.RawMessage
	Chat          ChatLog
	Revision      uint64
}

type CommandType string

const (
	CmdJoin         CommandType = "Join"
	CmdRespond      CommandType = "Respond"
	CmdDrawing      CommandType = "Drawing"
	CmdCanvasUpdate CommandType = "CanvasUpdate"
	CmdClearCanvas  CommandType = "ClearCanvas"
	CmdChat         CommandType = "Chat"
	CmdTyping       CommandType = "Typing"
	CmdLeave        CommandType = "Leave"
)

/*
	CmdJoin         -> EvtMemberAdmitted (creator identity, or already a member)
	                -> EvtJoinPending (everyone else; CreatorConnID empty when nobody can approve)
	CmdRespond      -> EvtJoinApproved | EvtJoinRejected
	CmdDrawing      -> EvtCanvasReplaced (Live)
	CmdCanvasUpdate -> EvtCanvasReplaced
	CmdClearCanvas  -> EvtCanvasCleared
	CmdChat         -> EvtChatAppended
	CmdTyping       -> EvtTyping
	CmdLeave        -> EvtMemberLeft | EvtJoinWithdrawn, then EvtJoinRejected per stranded request
	                   and EvtRoomEmptied once no members remain
*/

type Command struct {
	Type        CommandType
	ConnID      string
	UserID      string
	DisplayName string
	RequestID   string
	Approved    bool
	Canvas      json.RawMessage
	Chat        ChatMessage
	IsTyping    bool
}

type EventType string

const (
	EvtMemberAdmitted EventType = "MemberAdmitted"
	EvtJoinPending    EventType = "JoinPending"
	EvtJoinApproved   EventType = "JoinApproved"
	EvtJoinRejected   EventType = "JoinRejected"
	EvtJoinWithdrawn  EventType = "JoinWithdrawn"
	EvtCanvasReplaced EventType = "CanvasReplaced"
	EvtCanvasCleared  EventType = "CanvasCleared"
	EvtChatAppended   EventType = "ChatAppended"
	EvtTyping         EventType = "Typing"
	EvtMemberLeft     EventType = "MemberLeft"
	EvtRoomEmptied    EventType = "RoomEmptied"
)

type Event struct {
	Type          EventType
	ConnID        string
	Member        Member
	Request       JoinRequest
	CreatorConnID string
	Repeat        bool // admission of a connection that was already a member
	Closed        bool // rejection caused by the room closing
	Live          bool
	Canvas        json.RawMessage
	Chat          ChatMessage
	IsTyping      bool
	Revision      uint64
}

// Apply validates cmd against s and mutates s only when it returns a nil error.
func Apply(s *State, cmd Command, now time.Time) ([]Event, error) {
	switch cmd.Type {
	case CmdJoin:
		return join(s, cmd, now), nil

	case CmdRespond:
		return respond(s, cmd, now)

	case CmdDrawing, CmdCanvasUpdate:
		if _, err := requireEditor(s, cmd.ConnID); err != nil {
			return nil, err
		}
		s.Canvas = EmptyCanvas
		if !blankCanvas(cmd.Canvas) {
			s.Canvas = slices.Clone(cmd.Canvas)
		}
		s.Revision++
		return []Event{{
			Type:     EvtCanvasReplaced,
			ConnID:   cmd.ConnID,
			Live:     cmd.Type == CmdDrawing,
			Canvas:   s.Canvas,
			Revision: s.Revision,
		}}, nil

	case CmdClearCanvas:
		if _, err := requireEditor(s, cmd.ConnID); err != nil {
			return nil, err
		}
		s.Canvas = EmptyCanvas
		s.Revision++
		return []Event{{Type: EvtCanvasCleared, ConnID: cmd.ConnID, Revision: s.Revision}}, nil

	case CmdChat:
		m, err := requireMember(s, cmd.ConnID)
		if err != nil {
			return nil, err
		}
		msg := cmd.Chat
		name, err := NormalizeDisplayName(msg.DisplayName)
		if err != nil {
			name = m.DisplayName
		}
		msg.DisplayName = name
		if msg.Timestamp == "" {
			msg.Timestamp = now.UTC().Format(time.RFC3339)
		}
		s.Chat.Append(msg)
		return []Event{{Type: EvtChatAppended, ConnID: cmd.ConnID, Chat: msg}}, nil

	case CmdTyping:
		m, err := requireMember(s, cmd.ConnID)
		if err != nil {
			return nil, err
		}
		return []Event{{Type: EvtTyping, ConnID: cmd.ConnID, Member: m, IsTyping: cmd.IsTyping}}, nil

	case CmdLeave:
		return leave(s, cmd, now), nil

	default:
		return nil, ErrUnsupportedCommand
	}
}

func join(s *State, cmd Command, now time.Time) []Event {
	if i := s.memberIndex(cmd.ConnID); i >= 0 {
		return []Event{{Type: EvtMemberAdmitted, ConnID: cmd.ConnID, Member: s.Members[i], Repeat: true}}
	}

	req := JoinRequest{
		RequestID:   cmd.ConnID,
		UserID:      cmd.UserID,
		DisplayName: cmd.DisplayName,
		RequestedAt: now,
		State:       JoinRequested,
	}

	if s.CreatorConnID != "" && cmd.ConnID == s.CreatorConnID {
		_ = req.transition(JoinAutoAdmitted)
		m := Member{
			ConnectionID: cmd.ConnID,
			UserID:       cmd.UserID,
			DisplayName:  cmd.DisplayName,
			IsCreator:    true,
			Permission:   PermissionEdit,
			JoinedAt:     now,
		}
		s.Members = append(s.Members, m)
		return []Event{{Type: EvtMemberAdmitted, ConnID: cmd.ConnID, Member: m}}
	}

	creator := ""
	if c, ok := s.Creator(); ok {
		creator = c.ConnectionID
	}

	// Resubmission keeps the original request.
	if i := s.requestIndex(cmd.ConnID); i >= 0 {
		return []Event{{Type: EvtJoinPending, ConnID: cmd.ConnID, Request: s.Requests[i], CreatorConnID: creator}}
	}

	_ = req.transition(JoinPending)
	s.Requests = append(s.Requests, req)
	return []Event{{Type: EvtJoinPending, ConnID: cmd.ConnID, Request: req, CreatorConnID: creator}}
}

func respond(s *State, cmd Command, now time.Time) ([]Event, error) {
	i := s.memberIndex(cmd.ConnID)
	if i < 0 || !s.Members[i].IsCreator {
		return nil, ErrPermissionDenied
	}

	j := s.requestIndex(cmd.RequestID)
	if j < 0 {
		return nil, ErrRequestNotFound
	}
	req := s.Requests[j]

	if !cmd.Approved {
		if err := req.transition(JoinRejected); err != nil {
			return nil, err
		}
		s.Requests = slices.Delete(s.Requests, j, j+1)
		return []Event{{Type: EvtJoinRejected, ConnID: cmd.ConnID, Request: req}}, nil
	}

	if err := req.transition(JoinApproved); err != nil {
		return nil, err
	}
	s.Requests = slices.Delete(s.Requests, j, j+1)
	m := Member{
		ConnectionID: req.RequestID,
		UserID:       req.UserID,
		DisplayName:  req.DisplayName,
		IsCreator:    false,
		Permission:   PermissionEdit,
		JoinedAt:     now,
	}
	s.Members = append(s.Members, m)
	return []Event{{Type: EvtJoinApproved, ConnID: cmd.ConnID, Request: req, Member: m}}, nil
}

func leave(s *State, cmd Command, now time.Time) []Event {
	var events []Event

	if i := s.memberIndex(cmd.ConnID); i >= 0 {
		m := s.Members[i]
		s.Members = slices.Delete(s.Members, i, i+1)
		if m.IsCreator || s.CreatorConnID == cmd.ConnID {
			// The leader role is not handed to anyone else.
			s.CreatorConnID = ""
		}
		events = append(events, Event{Type: EvtMemberLeft, ConnID: cmd.ConnID, Member: m})
	} else if j := s.requestIndex(cmd.ConnID); j >= 0 {
		req := s.Requests[j]
		_ = req.transition(JoinRejected)
		s.Requests = slices.Delete(s.Requests, j, j+1)
		events = append(events, Event{Type: EvtJoinWithdrawn, ConnID: cmd.ConnID, Request: req})
	} else {
		return nil
	}

	if len(s.Members) > 0 {
		return events
	}

	for _, req := range s.Requests {
		_ = req.transition(JoinRejected)
		events = append(events, Event{Type: EvtJoinRejected, ConnID: cmd.ConnID, Request: req, Closed: true})
	}
	s.Requests = nil
	return append(events, Event{Type: EvtRoomEmptied, ConnID: cmd.ConnID})
}

func requireMember(s *State, connID string) (Member, error) {
	i := s.memberIndex(connID)
	if i < 0 {
		return Member{}, ErrNotMember
	}
	return s.Members[i], nil
}

func requireEditor(s *State, connID string) (Member, error) {
	m, err := requireMember(s, connID)
	if err != nil {
		return m, err
	}
	if m.Permission != PermissionEdit {
		return m, ErrPermissionDenied
	}
	return m, nil
}

func (s *State) memberIndex(connID string) int {
	return slices.IndexFunc(s.Members, func(m Member) bool { return m.ConnectionID == connID })
}

func (s *State) requestIndex(requestID string) int {
	return slices.IndexFunc(s.Requests, func(r JoinRequest) bool { return r.RequestID == requestID })
}

// Creator returns the member currently holding the leader role.
func (s *State) Creator() (Member, bool) {
	i := slices.IndexFunc(s.Members, func(m Member) bool { return m.IsCreator })
	if i < 0 {
		return Member{}, false
	}
	return s.Members[i], true
}

// Member looks up a bound connection.
func (s *State) Member(connID string) (Member, bool) {
	i := s.memberIndex(connID)
	if i < 0 {
		return Member{}, false
	}
	return s.Members[i], true
}

// HasRequest reports whether connID has a pending join request.
func (s *State) HasRequest(connID string) bool { return s.requestIndex(connID) >= 0 }
