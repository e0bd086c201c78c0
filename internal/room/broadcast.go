package room

import (
	"go.uber.org/zap"

	"github.com/DoyleJ11/whiteboard-backend/internal/engine"
	"github.com/DoyleJ11/whiteboard-backend/internal/types"
	wire "github.com/DoyleJ11/whiteboard-backend/pkg/types"
)

const (
	msgPending        = "Join request sent to room leader. Waiting for approval..."
	msgCreatorOffline = "Room creator is not currently online. Please try again later."
	msgRejected       = "Your join request was rejected by the room leader."
	msgRoomClosed     = "The room was closed."
)

// route turns engine events into frames for the peers that should see them.
func (r *Room) route(events []engine.Event) {
	for _, ev := range events {
		switch ev.Type {
		case engine.EvtMemberAdmitted:
			p := r.peers[ev.ConnID]
			if p == nil {
				continue
			}
			r.metrics.Join("admitted")
			r.ack(p, wire.EventRoomJoined, ev.Member.Permission)
			if !ev.Repeat {
				r.broadcastExcept(ev.ConnID, r.frame(wire.EventUserJoined, types.UserJoined{User: ev.Member, Members: r.users()}))
			}

		case engine.EvtJoinPending:
			r.metrics.Join("pending")
			p := r.peers[ev.ConnID]
			if ev.CreatorConnID == "" {
				r.sendTo(p, r.frame(wire.EventJoinRequestPending, types.Notice{Message: msgCreatorOffline, RoomID: r.id}))
				continue
			}
			r.sendTo(p, r.frame(wire.EventJoinRequestPending, types.Notice{Message: msgPending, RoomID: r.id}))
			r.sendTo(r.peers[ev.CreatorConnID], r.frame(wire.EventJoinRequest, types.JoinRequestNotice{Request: ev.Request, RoomID: r.id}))

		case engine.EvtJoinApproved:
			r.metrics.Join("approved")
			if p := r.peers[ev.Member.ConnectionID]; p != nil {
				r.ack(p, wire.EventJoinRequestApproved, ev.Member.Permission)
			}
			r.sendTo(r.peers[ev.ConnID], r.frame(wire.EventJoinRequestResponded, types.JoinResponded{
				RequestID:   ev.Request.RequestID,
				Approved:    true,
				DisplayName: ev.Request.DisplayName,
			}))
			r.broadcastExcept(ev.Member.ConnectionID, r.frame(wire.EventUserJoined, types.UserJoined{User: ev.Member, Members: r.users()}))

		case engine.EvtJoinRejected:
			r.metrics.Join("rejected")
			msg := msgRejected
			if ev.Closed {
				msg = msgRoomClosed
			}
			r.sendTo(r.peers[ev.Request.RequestID], r.frame(wire.EventJoinRequestRejected, types.Notice{Message: msg, RoomID: r.id}))
			delete(r.peers, ev.Request.RequestID)
			if !ev.Closed {
				r.sendTo(r.peers[ev.ConnID], r.frame(wire.EventJoinRequestResponded, types.JoinResponded{
					RequestID:   ev.Request.RequestID,
					Approved:    false,
					DisplayName: ev.Request.DisplayName,
				}))
			}

		case engine.EvtJoinWithdrawn:
			r.metrics.Join("withdrawn")
			delete(r.peers, ev.ConnID)

		case engine.EvtCanvasReplaced:
			if ev.Live {
				r.broadcastExcept(ev.ConnID, types.RawFrame(wire.EventDrawing, ev.Canvas))
				continue
			}
			r.broadcastExcept(ev.ConnID, types.RawFrame(wire.EventCanvasData, ev.Canvas))
			if r.persist != nil {
				r.persist.enqueue(job{kind: jobCanvas, canvas: ev.Canvas})
				r.durableRev = ev.Revision
			}

		case engine.EvtCanvasCleared:
			r.broadcastExcept("", types.RawFrame(wire.EventClearCanvas, nil))
			if r.persist != nil {
				r.persist.enqueue(job{kind: jobClear})
				r.durableRev = ev.Revision
			}

		case engine.EvtChatAppended:
			r.broadcastExcept("", r.frame(wire.EventChatMessage, ev.Chat))
			if r.persist != nil {
				r.persist.enqueue(job{kind: jobChat, chat: ev.Chat})
			}

		case engine.EvtTyping:
			r.broadcastExcept(ev.ConnID, r.frame(wire.EventUserTyping, types.Typing{DisplayName: ev.Member.DisplayName, IsTyping: ev.IsTyping}))

		case engine.EvtMemberLeft:
			delete(r.peers, ev.ConnID)
			r.broadcastExcept("", r.frame(wire.EventUserLeft, types.UserLeft{UserID: ev.ConnID, Members: r.users()}))

		case engine.EvtRoomEmptied:
			r.closed.Store(true)
		}
	}
}

// ack sends the acknowledgement for a binding, followed by the canvas and the
// chat replay.
func (r *Room) ack(p Peer, event string, perm engine.Permission) {
	view := r.state.View()
	r.sendTo(p, r.frame(event, types.RoomAck{
		RoomID:     r.id,
		Room:       view,
		Members:    view.Members,
		Permission: perm,
	}))
	if event == wire.EventRoomCreated {
		return
	}
	r.sendTo(p, types.RawFrame(wire.EventDrawing, r.state.Canvas))
	r.sendTo(p, r.frame(wire.EventChatHistory, r.state.Chat.Last(engine.ChatReplayLimit)))
}

func (r *Room) users() []engine.Member {
	out := make([]engine.Member, len(r.state.Members))
	copy(out, r.state.Members)
	return out
}

// broadcastExcept sends frame to every bound member other than skip.
func (r *Room) broadcastExcept(skip string, frame []byte) {
	if frame == nil {
		return
	}
	for _, m := range r.state.Members {
		if m.ConnectionID == skip {
			continue
		}
		r.sendTo(r.peers[m.ConnectionID], frame)
	}
}

func (r *Room) sendTo(p Peer, frame []byte) {
	if p == nil || frame == nil {
		return
	}
	if !p.Send(frame) {
		// The peer closes itself and comes back through Leave.
		r.metrics.SlowConsumer()
		r.log.Warn("room.slow_consumer", zap.String("conn", p.ID()))
	}
}

func (r *Room) frame(event string, data any) []byte {
	b, err := types.Frame(event, data)
	if err != nil {
		r.log.Error("room.encode_failed", zap.String("event", event), zap.Error(err))
		return nil
	}
	return b
}
