package room

import (
	"context"
	"errors"
	"time"

	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/DoyleJ11/whiteboard-backend/internal/engine"
	"github.com/DoyleJ11/whiteboard-backend/internal/metrics"
	"github.com/DoyleJ11/whiteboard-backend/internal/store"
	wire "github.com/DoyleJ11/whiteboard-backend/pkg/types"
)

var (
	ErrRoomClosed = errors.New("room closed")
	// ErrInternal is returned when a message handler panicked.
	ErrInternal = errors.New("room internal error")
)

// Peer is a connection as the room sees it. Send must not block; it returns
// false when the peer could not take the frame.
type Peer interface {
	ID() string
	Send(frame []byte) bool
}

type Msg interface{ isRoomMsg() }

type Join struct {
	Peer        Peer
	UserID      string
	DisplayName string
	Reply       chan JoinResult
}

func (Join) isRoomMsg() {}

type Admission int

const (
	Admitted Admission = iota
	Pending
)

type JoinResult struct {
	Admission Admission
	Err       error
}

type Respond struct {
	ConnID    string
	RequestID string
	Approved  bool
	Reply     chan error
}

func (Respond) isRoomMsg() {}

// FromClient carries a fire-and-forget room mutation.
type FromClient struct {
	Cmd engine.Command
}

func (FromClient) isRoomMsg() {}

type Leave struct {
	ConnID string
	Reply  chan struct{}
}

func (Leave) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRoomMsg() {}

type View struct {
	NumPeers int
	State    engine.View
}

type Options struct {
	Store        store.RoomStore
	StoreTimeout time.Duration
	PersistDelay time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	// Fresh rooms get their durable record written before anything else.
	Fresh bool
	// OnEmpty runs on the room's goroutine after the last member leaves and
	// before Done is closed.
	OnEmpty func(*Room)
	Now     func() time.Time
}

type Room struct {
	id      string
	inbox   chan Msg
	state   engine.State
	peers   map[string]Peer // members and pending requesters
	members *uatomic.Int32
	closed  *uatomic.Bool
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	persist    *persister
	durableRev uint64

	log     *zap.Logger
	metrics *metrics.Metrics
	onEmpty func(*Room)
	now     func() time.Time
}

// New starts the actor for initial. A non-nil creator must already be a member
// of initial; it is acknowledged with room-created before New returns.
func New(parent context.Context, initial engine.State, creator Peer, opts Options) *Room {
	ctx, cancel := context.WithCancel(parent)

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r := &Room{
		id:         initial.RoomID,
		inbox:      make(chan Msg, 64),
		state:      initial,
		peers:      make(map[string]Peer),
		members:    uatomic.NewInt32(int32(len(initial.Members))),
		closed:     uatomic.NewBool(false),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		durableRev: initial.Revision,
		log:        log.With(zap.String("room", initial.RoomID)),
		metrics:    opts.Metrics,
		onEmpty:    opts.OnEmpty,
		now:        now,
	}

	if opts.Store != nil {
		r.persist = newPersister(r.id, opts.Store, opts.StoreTimeout, opts.PersistDelay, r.log, opts.Metrics)
		if opts.Fresh {
			r.persist.enqueue(job{kind: jobCreate, rec: store.Record(&r.state, now())})
		}
	}

	if creator != nil {
		r.peers[creator.ID()] = creator
		if m, ok := r.state.Member(creator.ID()); ok {
			r.ack(creator, wire.EventRoomCreated, m.Permission)
		}
	}

	r.metrics.RoomOpened()
	go r.loop()
	return r
}

func (r *Room) ID() string { return r.id }

// MemberCount is safe to call from any goroutine.
func (r *Room) MemberCount() int { return int(r.members.Load()) }

// Closed reports whether the room has stopped taking messages.
func (r *Room) Closed() bool { return r.closed.Load() }

// Done is closed once the actor has exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// Inbox exposes the mailbox for callers that manage their own replies.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) Join(ctx context.Context, p Peer, userID, displayName string) (Admission, error) {
	reply := make(chan JoinResult, 1)
	if err := r.send(ctx, Join{Peer: p, UserID: userID, DisplayName: displayName, Reply: reply}); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.Admission, res.Err
	case <-r.done:
		return 0, ErrRoomClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Room) Respond(ctx context.Context, connID, requestID string, approved bool) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, Respond{ConnID: connID, RequestID: requestID, Approved: approved, Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) Submit(ctx context.Context, cmd engine.Command) error {
	return r.send(ctx, FromClient{Cmd: cmd})
}

// Leave removes connID and waits until the room has processed it.
func (r *Room) Leave(ctx context.Context, connID string) error {
	reply := make(chan struct{}, 1)
	if err := r.send(ctx, Leave{ConnID: connID, Reply: reply}); err != nil {
		if errors.Is(err, ErrRoomClosed) {
			return nil
		}
		return err
	}
	select {
	case <-reply:
		return nil
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := r.send(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		return View{}, ErrRoomClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (r *Room) Shutdown() {
	select {
	case r.inbox <- Shutdown{}:
	case <-r.done:
	}
}

func (r *Room) send(ctx context.Context, m Msg) error {
	if r.closed.Load() {
		return ErrRoomClosed
	}
	select {
	case r.inbox <- m:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown(false)
			return

		case m := <-r.inbox:
			if r.dispatch(m) {
				return
			}
		}
	}
}

// dispatch handles one inbox message and reports whether the actor stops.
// A panic is confined to the message; its caller still gets a reply.
func (r *Room) dispatch(m Msg) (stop bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("room.handler_panic", zap.Any("panic", rec), zap.Stack("stack"))
			r.metrics.Reject("panic")
			r.answer(m)
			r.members.Store(int32(len(r.state.Members)))
			if r.closed.Load() {
				stop = true
				r.shutdown(true)
			}
		}
	}()

	switch msg := m.(type) {
	case Join:
		msg.Reply <- r.join(msg)

	case Respond:
		events, err := engine.Apply(&r.state, engine.Command{
			Type:      engine.CmdRespond,
			ConnID:    msg.ConnID,
			RequestID: msg.RequestID,
			Approved:  msg.Approved,
		}, r.now())
		if err == nil {
			r.route(events)
		}
		msg.Reply <- err

	case FromClient:
		events, err := engine.Apply(&r.state, msg.Cmd, r.now())
		if err != nil {
			r.reject(msg.Cmd, err)
			break
		}
		r.route(events)

	case Leave:
		events, _ := engine.Apply(&r.state, engine.Command{Type: engine.CmdLeave, ConnID: msg.ConnID}, r.now())
		delete(r.peers, msg.ConnID)
		r.route(events)
		msg.Reply <- struct{}{}

	case GetState:
		// reflect internal state without data races
		msg.Reply <- View{NumPeers: len(r.peers), State: r.state.View()}

	case Shutdown:
		stop = true
		r.shutdown(false)
		return stop
	}

	r.members.Store(int32(len(r.state.Members)))
	if r.closed.Load() {
		stop = true
		r.shutdown(true)
	}
	return stop
}

// answer unblocks whoever waits on m after its handler failed. Replies are
// buffered, so a reply already sent leaves the channel full and is kept.
func (r *Room) answer(m Msg) {
	switch msg := m.(type) {
	case Join:
		// The joiner is told to go away, so it must not linger as a member or request.
		if _, ok := r.peers[msg.Peer.ID()]; ok {
			events, _ := engine.Apply(&r.state, engine.Command{Type: engine.CmdLeave, ConnID: msg.Peer.ID()}, r.now())
			if n := len(events); n > 0 && events[n-1].Type == engine.EvtRoomEmptied {
				r.closed.Store(true)
			}
		}
		delete(r.peers, msg.Peer.ID())
		select {
		case msg.Reply <- JoinResult{Err: ErrInternal}:
		default:
		}
	case Respond:
		select {
		case msg.Reply <- ErrInternal:
		default:
		}
	case Leave:
		delete(r.peers, msg.ConnID)
		if len(r.state.Members) == 0 {
			r.closed.Store(true)
		}
		select {
		case msg.Reply <- struct{}{}:
		default:
		}
	case GetState:
		select {
		case msg.Reply <- View{NumPeers: len(r.peers)}:
		default:
		}
	}
}

func (r *Room) join(msg Join) JoinResult {
	r.peers[msg.Peer.ID()] = msg.Peer
	events, err := engine.Apply(&r.state, engine.Command{
		Type:        engine.CmdJoin,
		ConnID:      msg.Peer.ID(),
		UserID:      msg.UserID,
		DisplayName: msg.DisplayName,
	}, r.now())
	if err != nil {
		delete(r.peers, msg.Peer.ID())
		return JoinResult{Err: err}
	}
	r.route(events)
	if _, ok := r.state.Member(msg.Peer.ID()); ok {
		return JoinResult{Admission: Admitted}
	}
	return JoinResult{Admission: Pending}
}

func (r *Room) reject(cmd engine.Command, err error) {
	switch {
	case errors.Is(err, engine.ErrNotMember):
		r.metrics.Reject("unbound")
	case errors.Is(err, engine.ErrPermissionDenied):
		r.metrics.Reject("permission")
	default:
		r.metrics.Reject("invalid")
	}
	r.log.Debug("room.command_rejected", zap.String("conn", cmd.ConnID), zap.String("cmd", string(cmd.Type)), zap.Error(err))
}

// shutdown flushes pending writes. When evicted is set the registry is told
// before Done closes, so a lookup that lost the race retries against a fresh room.
func (r *Room) shutdown(evicted bool) {
	r.closed.Store(true)
	if r.persist != nil {
		if r.state.Revision > r.durableRev {
			r.persist.enqueue(job{kind: jobCanvas, canvas: r.state.Canvas})
			r.durableRev = r.state.Revision
		}
		r.persist.close()
	}
	if evicted && r.onEmpty != nil {
		r.onEmpty(r)
	}
	clear(r.peers)
	r.metrics.RoomClosed()
	r.cancel()
	r.log.Info("room.closed", zap.Bool("evicted", evicted))
}
