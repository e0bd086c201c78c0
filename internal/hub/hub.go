package hub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/whiteboard-backend/internal/engine"
	"github.com/DoyleJ11/whiteboard-backend/internal/metrics"
	"github.com/DoyleJ11/whiteboard-backend/internal/room"
	"github.com/DoyleJ11/whiteboard-backend/internal/store"
)

type HubMsg interface{ isHubMsg() }

// CreateRoom replies with nil when the id is already taken.
type CreateRoom struct {
	State   engine.State
	Creator room.Peer
	Reply   chan *room.Room
}

type GetRoom struct {
	Code  string
	Reply chan *room.Room
}

// InstallRoom starts a rehydrated room unless one is already active.
type InstallRoom struct {
	State engine.State
	Reply chan *room.Room
}

// RemoveRoom only deletes the entry if it still points at Room.
type RemoveRoom struct {
	Code string
	Room *room.Room
}

type ListRooms struct {
	Reply chan []*room.Room
}

type ShutdownHub struct{}

func (CreateRoom) isHubMsg()  {}
func (GetRoom) isHubMsg()     {}
func (InstallRoom) isHubMsg() {}
func (RemoveRoom) isHubMsg()  {}
func (ListRooms) isHubMsg()   {}
func (ShutdownHub) isHubMsg() {}

type Options struct {
	Store        store.RoomStore
	StoreTimeout time.Duration
	PersistDelay time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type Hub struct {
	inbox  chan HubMsg
	rooms  map[string]*room.Room
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	store   store.RoomStore
	timeout time.Duration
	delay   time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewHub(parent context.Context, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		rooms:   make(map[string]*room.Room),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		store:   opts.Store,
		timeout: timeout,
		delay:   opts.PersistDelay,
		log:     log,
		metrics: opts.Metrics,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Durable reports whether rooms are backed by a store.
func (h *Hub) Durable() bool { return h.store != nil }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				if r := h.rooms[msg.State.RoomID]; r != nil && !r.Closed() {
					msg.Reply <- nil
					break
				}
				r := h.start(msg.State, msg.Creator, true)
				msg.Reply <- r

			case GetRoom:
				msg.Reply <- h.rooms[msg.Code] // May be nil

			case InstallRoom:
				if r := h.rooms[msg.State.RoomID]; r != nil && !r.Closed() {
					msg.Reply <- r
					break
				}
				msg.Reply <- h.start(msg.State, nil, false)

			case RemoveRoom:
				if r := h.rooms[msg.Code]; r == msg.Room && r.Closed() {
					delete(h.rooms, msg.Code)
					h.log.Info("room.evicted", zap.String("room", msg.Code))
				}

			case ListRooms:
				out := make([]*room.Room, 0, len(h.rooms))
				for _, r := range h.rooms {
					out = append(out, r)
				}
				msg.Reply <- out

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) start(state engine.State, creator room.Peer, fresh bool) *room.Room {
	r := room.New(h.ctx, state, creator, room.Options{
		Store:        h.store,
		StoreTimeout: h.timeout,
		PersistDelay: h.delay,
		Logger:       h.log,
		Metrics:      h.metrics,
		Fresh:        fresh,
		OnEmpty:      func(r *room.Room) { h.RemoveIfEmpty(r.ID(), r) },
	})
	h.rooms[state.RoomID] = r
	return r
}

// shutdown stops every room and waits for their final writes.
func (h *Hub) shutdown() {
	h.cancel()
	for _, r := range h.rooms {
		<-r.Done()
	}
	clear(h.rooms)
}

// ask sends m and waits on reply, giving up when ctx ends or the hub stops.
func ask[T any](ctx context.Context, h *Hub, m HubMsg, reply chan T) (T, error) {
	var zero T
	select {
	case h.inbox <- m:
	case <-h.done:
		return zero, context.Canceled
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		return zero, context.Canceled
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// CreateRoom registers a new room owned by creator. Exactly one of several
// concurrent calls for the same id wins; the rest get ErrDuplicateRoom.
func (h *Hub) CreateRoom(ctx context.Context, roomID string, roomType engine.RoomType, creator room.Peer, m engine.Member) (*room.Room, error) {
	if h.store != nil {
		sctx, cancel := context.WithTimeout(ctx, h.timeout)
		_, err := h.store.FindRoom(sctx, roomID)
		cancel()
		switch {
		case err == nil:
			return nil, engine.ErrDuplicateRoom
		case errors.Is(err, store.ErrNotFound):
		default:
			h.metrics.StoreError("find_room")
			h.log.Warn("store.find_failed", zap.String("room", roomID), zap.Error(err))
		}
	}

	m.ConnectionID = creator.ID()
	m.IsCreator = true
	m.Permission = engine.PermissionEdit
	state := engine.NewRoom(roomID, roomType, m, time.Now())

	reply := make(chan *room.Room, 1)
	r, err := ask(ctx, h, CreateRoom{State: state, Creator: creator, Reply: reply}, reply)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, engine.ErrDuplicateRoom
	}
	h.log.Info("room.created", zap.String("room", roomID), zap.String("type", string(roomType)))
	return r, nil
}

// Get returns the active room for roomID, or nil.
func (h *Hub) Get(ctx context.Context, roomID string) (*room.Room, error) {
	reply := make(chan *room.Room, 1)
	return ask(ctx, h, GetRoom{Code: roomID, Reply: reply}, reply)
}

// GetOrRehydrate returns the active room, restoring it from the store when it
// is only known durably. The store is read outside the hub loop.
func (h *Hub) GetOrRehydrate(ctx context.Context, roomID string) (*room.Room, error) {
	r, err := h.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r != nil {
		if !r.Closed() {
			return r, nil
		}
		// Let the evicted room finish its last write before reading it back.
		select {
		case <-r.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.store == nil {
		return nil, engine.ErrRoomNotFound
	}

	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	rec, err := h.store.FindRoom(sctx, roomID)
	cancel()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.metrics.StoreError("find_room")
			h.log.Warn("store.find_failed", zap.String("room", roomID), zap.Error(err))
		}
		return nil, engine.ErrRoomNotFound
	}

	reply := make(chan *room.Room, 1)
	r, err = ask(ctx, h, InstallRoom{State: rec.Restore(), Reply: reply}, reply)
	if err != nil {
		return nil, err
	}
	h.log.Info("room.rehydrated", zap.String("room", roomID))
	return r, nil
}

// RemoveIfEmpty drops r from the registry if it is still the entry for roomID
// and has closed.
func (h *Hub) RemoveIfEmpty(roomID string, r *room.Room) {
	select {
	case h.inbox <- RemoveRoom{Code: roomID, Room: r}:
	case <-h.ctx.Done():
	}
}

type Status struct {
	Rooms int `json:"rooms"`
	Users int `json:"totalUsers"`
}

func (h *Hub) Status(ctx context.Context) (Status, error) {
	reply := make(chan []*room.Room, 1)
	rooms, err := ask(ctx, h, ListRooms{Reply: reply}, reply)
	if err != nil {
		return Status{}, err
	}
	var s Status
	for _, r := range rooms {
		if r.Closed() {
			continue
		}
		s.Rooms++
		s.Users += r.MemberCount()
	}
	return s, nil
}

// RoomInfo describes a room for the HTTP API, active or not.
type RoomInfo struct {
	RoomID           string          `json:"roomId"`
	RoomType         engine.RoomType `json:"roomType"`
	CreatedAt        time.Time       `json:"createdAt"`
	LastActivity     time.Time       `json:"lastActivity"`
	ActiveUsers      int             `json:"activeUsers"`
	HasCanvasData    bool            `json:"hasCanvasData"`
	ChatMessageCount int             `json:"chatMessageCount"`
	Revision         uint64          `json:"revision"`
	Active           bool            `json:"active"`
}

// Lookup reports on roomID from memory, falling back to the store.
func (h *Hub) Lookup(ctx context.Context, roomID string) (RoomInfo, error) {
	r, err := h.Get(ctx, roomID)
	if err != nil {
		return RoomInfo{}, err
	}
	if r != nil {
		if v, err := r.View(ctx); err == nil {
			return RoomInfo{
				RoomID:           v.State.RoomID,
				RoomType:         v.State.RoomType,
				CreatedAt:        v.State.CreatedAt,
				LastActivity:     time.Now(),
				ActiveUsers:      len(v.State.Members),
				HasCanvasData:    v.State.HasCanvasData,
				ChatMessageCount: v.State.ChatMessageCount,
				Revision:         v.State.Revision,
				Active:           true,
			}, nil
		}
	}
	if h.store == nil {
		return RoomInfo{}, engine.ErrRoomNotFound
	}

	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	rec, err := h.store.FindRoom(sctx, roomID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.metrics.StoreError("find_room")
			h.log.Warn("store.find_failed", zap.String("room", roomID), zap.Error(err))
		}
		return RoomInfo{}, engine.ErrRoomNotFound
	}
	st := rec.Restore()
	v := st.View()
	return RoomInfo{
		RoomID:           rec.RoomID,
		RoomType:         rec.RoomType,
		CreatedAt:        rec.CreatedAt,
		LastActivity:     rec.LastActivity,
		HasCanvasData:    v.HasCanvasData,
		ChatMessageCount: v.ChatMessageCount,
	}, nil
}

// Exists reports whether roomID is taken in memory or in the store.
func (h *Hub) Exists(ctx context.Context, roomID string) (bool, error) {
	_, err := h.Lookup(ctx, roomID)
	if errors.Is(err, engine.ErrRoomNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Shutdown stops every room, waiting for pending writes until ctx ends.
func (h *Hub) Shutdown(ctx context.Context) error {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.done:
		return nil
	case <-ctx.Done():
		h.cancel()
		return ctx.Err()
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
