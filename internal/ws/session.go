package ws

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/DoyleJ11/whiteboard-backend/internal/engine"
	"github.com/DoyleJ11/whiteboard-backend/internal/hub"
	"github.com/DoyleJ11/whiteboard-backend/internal/metrics"
	"github.com/DoyleJ11/whiteboard-backend/internal/room"
	"github.com/DoyleJ11/whiteboard-backend/internal/types"
	wire "github.com/DoyleJ11/whiteboard-backend/pkg/types"
)

const leaveTimeout = 2 * time.Second

var clientEvents = []string{
	wire.EventCreateRoom, wire.EventJoinRoom, wire.EventRespondJoinRequest,
	wire.EventDrawing, wire.EventCanvasUpdate, wire.EventClearCanvas,
	wire.EventChatMessage, wire.EventUserTyping, wire.EventLeaveRoom,
}

// session is one websocket connection. Everything except Send and kill runs on
// the read goroutine.
type session struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *hub.Hub
	out    chan []byte
	opts   Options
	log    *zap.Logger
	m      *metrics.Metrics

	limiter *rate.Limiter
	drops   int

	room   *room.Room
	roomID string

	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func newSession(conn *websocket.Conn, h *hub.Hub, cancel context.CancelFunc, opts Options) *session {
	id := uuid.NewString()
	return &session{
		id:      id,
		userID:  uuid.NewString(),
		conn:    conn,
		hub:     h,
		out:     make(chan []byte, 256),
		opts:    opts,
		log:     opts.Logger.With(zap.String("conn", id)),
		m:       opts.Metrics,
		limiter: rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), opts.MessageBurst),
		cancel:  cancel,
	}
}

func (s *session) ID() string { return s.id }

// Send queues frame without blocking. A full queue closes the connection.
func (s *session) Send(frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	default:
		s.kill("slow consumer")
		return false
	}
}

func (s *session) kill(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		s.log.Warn("ws.closing", zap.String("reason", reason))
		s.cancel()
	})
}

func (s *session) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// writeLoop sends outbound frames and periodic pings.
// Exits when ctx is cancelled.
func (s *session) writeLoop(ctx context.Context) {
	t := time.NewTicker(s.opts.PingInterval)
	defer t.Stop()

	for {
		select {
		case b := <-s.out:
			wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.kill("write failed")
				}
				return
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.kill("ping failed")
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					s.log.Debug("ws.read_failed", zap.Error(err))
				}
			}
			return
		}

		if !s.limiter.Allow() {
			s.drops++
			s.m.Reject("rate_limited")
			if s.drops%100 == 1 {
				s.log.Warn("ws.rate_limited", zap.Int("dropped", s.drops))
			}
			continue
		}
		s.handle(ctx, data)
	}
}

// handle dispatches one client frame. A panic is confined to the frame.
func (s *session) handle(ctx context.Context, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("ws.handler_panic", zap.Any("panic", rec), zap.Stack("stack"))
			s.m.Reject("panic")
			s.sendError("internal error")
		}
	}()

	var cm types.ClientMessage
	if err := json.Unmarshal(data, &cm); err != nil {
		s.m.Reject("bad_json")
		s.sendError("bad json")
		return
	}
	if !slices.Contains(clientEvents, cm.Event) {
		s.m.Event("unknown")
		s.sendError("unknown event")
		return
	}
	s.m.Event(cm.Event)

	switch cm.Event {
	case wire.EventCreateRoom:
		var req types.CreateRoomRequest
		if !s.decode(cm.Data, &req) {
			return
		}
		s.createRoom(ctx, req)

	case wire.EventJoinRoom:
		var req types.JoinRoomRequest
		if !s.decode(cm.Data, &req) {
			return
		}
		s.joinRoom(ctx, req)

	case wire.EventRespondJoinRequest:
		var req types.RespondJoinRequest
		if !s.decode(cm.Data, &req) {
			return
		}
		s.respond(ctx, req)

	case wire.EventDrawing:
		if len(cm.Data) == 0 {
			s.sendError("bad json")
			return
		}
		s.submit(ctx, engine.Command{Type: engine.CmdDrawing, Canvas: cm.Data})

	case wire.EventCanvasUpdate:
		var req types.CanvasUpdateRequest
		if !s.decode(cm.Data, &req) {
			return
		}
		s.submit(ctx, engine.Command{Type: engine.CmdCanvasUpdate, Canvas: req.CanvasData})

	case wire.EventClearCanvas:
		s.submit(ctx, engine.Command{Type: engine.CmdClearCanvas})

	case wire.EventChatMessage:
		var msg engine.ChatMessage
		if !s.decode(cm.Data, &msg) {
			return
		}
		s.submit(ctx, engine.Command{Type: engine.CmdChat, Chat: msg})

	case wire.EventUserTyping:
		var req types.TypingRequest
		if !s.decode(cm.Data, &req) {
			return
		}
		s.submit(ctx, engine.Command{Type: engine.CmdTyping, IsTyping: req.IsTyping})

	case wire.EventLeaveRoom:
		s.leaveCurrent()
	}
}

func (s *session) decode(raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.m.Reject("bad_json")
		s.sendError("bad json")
		return false
	}
	return true
}

func (s *session) createRoom(ctx context.Context, req types.CreateRoomRequest) {
	id, err := engine.NormalizeRoomID(req.RoomID)
	if err != nil {
		s.sendErr(err)
		return
	}
	name, err := engine.NormalizeDisplayName(req.DisplayName)
	if err != nil {
		s.sendErr(err)
		return
	}
	roomType, err := engine.ParseRoomType(req.RoomType)
	if err != nil {
		s.sendErr(err)
		return
	}

	s.leaveCurrent()
	r, err := s.hub.CreateRoom(ctx, id, roomType, s, engine.Member{
		UserID:      s.userID,
		DisplayName: name,
	})
	if err != nil {
		s.sendErr(err)
		return
	}
	s.room, s.roomID = r, id
}

func (s *session) joinRoom(ctx context.Context, req types.JoinRoomRequest) {
	id, err := engine.NormalizeRoomID(req.RoomID)
	if err != nil {
		s.sendErr(err)
		return
	}
	name, err := engine.NormalizeDisplayName(req.DisplayName)
	if err != nil {
		s.sendErr(err)
		return
	}
	if s.roomID != id {
		s.leaveCurrent()
	}

	// A room that closes between lookup and join is retried once it is gone.
	for attempt := 0; attempt < 3; attempt++ {
		r, err := s.hub.GetOrRehydrate(ctx, id)
		if errors.Is(err, engine.ErrRoomNotFound) {
			break
		}
		if err != nil {
			return
		}

		_, err = r.Join(ctx, s, s.userID, name)
		if errors.Is(err, room.ErrRoomClosed) {
			select {
			case <-r.Done():
				continue
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			s.sendErr(err)
			return
		}
		s.room, s.roomID = r, id
		return
	}
	s.m.Reject("room_not_found")
	s.sendFrame(wire.EventRoomNotFound, types.Notice{Message: "Room not found", RoomID: id})
}

func (s *session) respond(ctx context.Context, req types.RespondJoinRequest) {
	if s.room == nil {
		s.sendErr(engine.ErrPermissionDenied)
		return
	}
	if req.RoomID != "" {
		if id, err := engine.NormalizeRoomID(req.RoomID); err != nil || id != s.roomID {
			s.sendErr(engine.ErrPermissionDenied)
			return
		}
	}
	err := s.room.Respond(ctx, s.id, req.RequestID, req.Approved)
	if err != nil && !errors.Is(err, room.ErrRoomClosed) && ctx.Err() == nil {
		s.sendErr(err)
	}
}

// submit forwards a room mutation. Unbound sessions are ignored.
func (s *session) submit(ctx context.Context, cmd engine.Command) {
	if s.room == nil {
		s.m.Reject("unbound")
		return
	}
	cmd.ConnID = s.id
	if err := s.room.Submit(ctx, cmd); err != nil && !errors.Is(err, room.ErrRoomClosed) {
		s.log.Debug("ws.submit_failed", zap.Error(err))
	}
}

// leaveCurrent unbinds the session. It outlives the connection's context so a
// disconnect still reaches the room.
func (s *session) leaveCurrent() {
	if s.room == nil {
		return
	}
	r := s.room
	s.room, s.roomID = nil, ""

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := r.Leave(ctx, s.id); err != nil {
		s.log.Warn("ws.leave_failed", zap.String("room", r.ID()), zap.Error(err))
	}
}

func (s *session) sendFrame(event string, data any) {
	b, err := types.Frame(event, data)
	if err != nil {
		s.log.Error("ws.encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	s.Send(b)
}

func (s *session) sendError(msg string) {
	s.sendFrame(wire.EventError, types.Notice{Message: msg})
}

func (s *session) sendErr(err error) {
	s.sendError(errorMessage(err))
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, engine.ErrDuplicateRoom):
		return "Room already exists"
	case errors.Is(err, engine.ErrRoomNotFound):
		return "Room not found"
	case errors.Is(err, engine.ErrInvalidRoomID):
		return "Invalid room ID"
	case errors.Is(err, engine.ErrInvalidDisplayName):
		return "Invalid display name"
	case errors.Is(err, engine.ErrInvalidRoomType):
		return "Invalid room type"
	case errors.Is(err, engine.ErrPermissionDenied):
		return "Only the room creator can respond to join requests"
	case errors.Is(err, engine.ErrRequestNotFound):
		return "Join request not found"
	default:
		return "internal error"
	}
}
