package room

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/whiteboard-backend/internal/engine"
	"github.com/DoyleJ11/whiteboard-backend/internal/metrics"
	"github.com/DoyleJ11/whiteboard-backend/internal/store"
)

type jobKind int

const (
	jobCreate jobKind = iota
	jobCanvas
	jobClear
	jobChat
)

type job struct {
	kind   jobKind
	rec    store.RoomRecord
	canvas json.RawMessage
	chat   engine.ChatMessage
}

// persister writes one room's changes to the store off the room's goroutine.
// Jobs run in arrival order except canvas snapshots, which are debounced.
type persister struct {
	roomID  string
	store   store.RoomStore
	timeout time.Duration
	delay   time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics

	jobs chan job
	done chan struct{}
}

func newPersister(roomID string, s store.RoomStore, timeout, delay time.Duration, log *zap.Logger, m *metrics.Metrics) *persister {
	p := &persister{
		roomID:  roomID,
		store:   s,
		timeout: timeout,
		delay:   delay,
		log:     log,
		metrics: m,
		jobs:    make(chan job, 128),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// enqueue never blocks the room. A full queue drops the job.
func (p *persister) enqueue(j job) {
	select {
	case p.jobs <- j:
	default:
		p.metrics.Dropped()
		p.log.Warn("persist.dropped", zap.String("room", p.roomID), zap.Int("kind", int(j.kind)))
	}
}

// close flushes any debounced snapshot and waits for the writer to finish.
func (p *persister) close() {
	close(p.jobs)
	<-p.done
}

func (p *persister) run() {
	defer close(p.done)

	// Stop and Reset discard stale ticks since go1.23.
	timer := time.NewTimer(p.delay)
	timer.Stop()
	var (
		latest  json.RawMessage
		pending bool
	)
	stop := func() {
		timer.Stop()
		pending = false
	}

	for {
		select {
		case j, ok := <-p.jobs:
			if !ok {
				if pending {
					p.call("update_canvas", func(ctx context.Context) error {
						return p.store.UpdateCanvas(ctx, p.roomID, latest)
					})
				}
				return
			}
			switch j.kind {
			case jobCreate:
				rec := j.rec
				p.call("create_room", func(ctx context.Context) error {
					return p.store.CreateRoom(ctx, rec)
				})
			case jobCanvas:
				stop()
				latest, pending = j.canvas, true
				timer.Reset(p.delay)
			case jobClear:
				stop()
				p.call("clear_canvas", func(ctx context.Context) error {
					return p.store.ClearCanvas(ctx, p.roomID)
				})
			case jobChat:
				msg := j.chat
				p.call("append_chat", func(ctx context.Context) error {
					return p.store.AppendChat(ctx, p.roomID, msg)
				})
			}

		case <-timer.C:
			if pending {
				pending = false
				p.call("update_canvas", func(ctx context.Context) error {
					return p.store.UpdateCanvas(ctx, p.roomID, latest)
				})
			}
		}
	}
}

func (p *persister) call(op string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		p.metrics.StoreError(op)
		p.log.Warn("persist.failed", zap.String("room", p.roomID), zap.String("op", op), zap.Error(err))
	}
}
