package types

import (
	"encoding/json"

	"github.com/DoyleJ11/whiteboard-backend/internal/engine"
)

type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ServerMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type CreateRoomRequest struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
	RoomType    string `json:"roomType"`
}

type JoinRoomRequest struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

type RespondJoinRequest struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	RoomID    string `json:"roomId"`
}

type CanvasUpdateRequest struct {
	CanvasData json.RawMessage `json:"canvasData"`
}

type TypingRequest struct {
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

type RoomAck struct {
	RoomID     string            `json:"roomId,omitempty"`
	Room       engine.View       `json:"room"`
	Members    []engine.Member   `json:"members"`
	Permission engine.Permission `json:"permission"`
}

type JoinRequestNotice struct {
	Request engine.JoinRequest `json:"request"`
	RoomID  string             `json:"roomId"`
}

type Notice struct {
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

type JoinResponded struct {
	RequestID   string `json:"requestId"`
	Approved    bool   `json:"approved"`
	DisplayName string `json:"displayName"`
}

type UserJoined struct {
	User    engine.Member   `json:"user"`
	Members []engine.Member `json:"members"`
}

type UserLeft struct {
	UserID  string          `json:"userId"`
	Members []engine.Member `json:"members"`
}

type Typing struct {
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

// Frame encodes a server event.
func Frame(event string, data any) ([]byte, error) {
	return json.Marshal(ServerMessage{Event: event, Data: data})
}

// RawFrame wraps an already-encoded payload without re-encoding it, so opaque
// client data reaches other clients byte-for-byte.
func RawFrame(event string, raw json.RawMessage) []byte {
	name, _ := json.Marshal(event)
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	b := make([]byte, 0, len(raw)+len(name)+20)
	b = append(b, `{"event":`...)
	b = append(b, name...)
	b = append(b, `,"data":`...)
	b = append(b, raw...)
	b = append(b, '}')
	return b
}
