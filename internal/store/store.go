package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/DoyleJ11/whiteboard-backend/internal/engine"
)

var ErrNotFound = errors.New("room record not found")
var ErrDuplicate = errors.New("room record already exists")

// RoomRecord is the durable part of a room. Membership is never persisted.
type RoomRecord struct {
	RoomID       string
	CreatorID    string
	RoomType     engine.RoomType
	Canvas       json.RawMessage // nil when nothing was ever saved
	Chat         []engine.ChatMessage
	CreatedAt    time.Time
	LastActivity time.Time
}

// RoomStore is the optional durable backing for rooms. Callers treat every
// method as best-effort and bound it with a context deadline.
type RoomStore interface {
	FindRoom(ctx context.Context, roomID string) (RoomRecord, error)
	CreateRoom(ctx context.Context, rec RoomRecord) error
	UpdateCanvas(ctx context.Context, roomID string, canvas json.RawMessage) error
	AppendChat(ctx context.Context, roomID string, msg engine.ChatMessage) error
	ClearCanvas(ctx context.Context, roomID string) error
	Close() error
}

// Restore turns a record back into live room state with no members.
func (r RoomRecord) Restore() engine.State {
	return engine.Restore(r.RoomID, r.RoomType, r.CreatorID, r.CreatedAt, r.Canvas, r.Chat)
}

// Record captures the durable part of s.
func Record(s *engine.State, now time.Time) RoomRecord {
	return RoomRecord{
		RoomID:       s.RoomID,
		CreatorID:    s.CreatorConnID,
		RoomType:     s.RoomType,
		Canvas:       s.Canvas,
		Chat:         s.Chat.All(),
		CreatedAt:    s.CreatedAt,
		LastActivity: now,
	}
}
