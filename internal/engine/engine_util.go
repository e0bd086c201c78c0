package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	RoomIDLength       = 6
	RoomIDCharset      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	MaxDisplayNameRune = 64
)

var roomIDPattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// NewRoom returns a room whose only member is its creator. The creator enters
// through the AutoAdmitted transition of the join workflow.
func NewRoom(roomID string, roomType RoomType, creator Member, now time.Time) State {
	s := State{
		RoomID:        roomID,
		RoomType:      roomType,
		CreatorConnID: creator.ConnectionID,
		CreatedAt:     now,
		Canvas:        EmptyCanvas,
	}
	join(&s, Command{
		Type:        CmdJoin,
		ConnID:      creator.ConnectionID,
		UserID:      creator.UserID,
		DisplayName: creator.DisplayName,
	}, now)
	return s
}

// Restore rebuilds a room from durable data with empty membership.
// creatorID is the connection that created the room in an earlier life; it never
// matches a live connection again, so the leader role stays vacant.
func Restore(roomID string, roomType RoomType, creatorID string, createdAt time.Time, canvas json.RawMessage, chat []ChatMessage) State {
	if blankCanvas(canvas) {
		canvas = EmptyCanvas
	}
	return State{
		RoomID:        roomID,
		RoomType:      roomType,
		CreatorConnID: creatorID,
		CreatedAt:     createdAt,
		Canvas:        canvas,
		Chat:          NewChatLog(chat),
	}
}

func blankCanvas(c json.RawMessage) bool {
	c = bytes.TrimSpace(c)
	return len(c) == 0 || string(c) == "null"
}

// NormalizeRoomID upper-cases and trims id, then checks the 6 character format.
func NormalizeRoomID(id string) (string, error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if !roomIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomID, id)
	}
	return id, nil
}

func ValidRoomID(id string) bool { return roomIDPattern.MatchString(id) }

func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > MaxDisplayNameRune {
		return "", ErrInvalidDisplayName
	}
	return name, nil
}

func ParseRoomType(v string) (RoomType, error) {
	switch RoomType(strings.ToLower(strings.TrimSpace(v))) {
	case "", RoomPublic:
		return RoomPublic, nil
	case RoomPrivate:
		return RoomPrivate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomType, v)
	}
}

// View is a read-only copy of a room for acknowledgements and introspection.
type View struct {
	RoomID           string        `json:"roomId"`
	RoomType         RoomType      `json:"roomType"`
	CreatorID        string        `json:"creatorId,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	Members          []Member      `json:"members"`
	PendingRequests  []JoinRequest `json:"joinRequests"`
	ChatMessageCount int           `json:"chatMessageCount"`
	HasCanvasData    bool          `json:"hasCanvasData"`
	Revision         uint64        `json:"revision"`
}

func (s *State) View() View {
	members := make([]Member, len(s.Members))
	copy(members, s.Members)
	requests := make([]JoinRequest, len(s.Requests))
	copy(requests, s.Requests)
	return View{
		RoomID:           s.RoomID,
		RoomType:         s.RoomType,
		CreatorID:        s.CreatorConnID,
		CreatedAt:        s.CreatedAt,
		Members:          members,
		PendingRequests:  requests,
		ChatMessageCount: s.Chat.Len(),
		HasCanvasData:    len(s.Canvas) > 0 && string(s.Canvas) != string(EmptyCanvas),
		Revision:         s.Revision,
	}
}
