package ws

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/DoyleJ11/whiteboard-backend/internal/config"
	"github.com/DoyleJ11/whiteboard-backend/internal/hub"
	"github.com/DoyleJ11/whiteboard-backend/internal/metrics"
)

type Options struct {
	OriginPatterns    []string
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

func OptionsFrom(cfg config.Config, log *zap.Logger, m *metrics.Metrics) Options {
	return Options{
		OriginPatterns:    originHosts(cfg.CORSAllow),
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
		PingInterval:      cfg.PingInterval,
		WriteTimeout:      cfg.WriteTimeout,
		Logger:            log,
		Metrics:           m,
	}
}

// originHosts turns allowed origins like http://localhost:5173 into the host
// patterns websocket.AcceptOptions matches against.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			out = append(out, o)
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 4 << 20
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 100
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 200
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	return o
}

func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	opts = opts.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns:  opts.OriginPatterns,
			CompressionMode: websocket.CompressionDisabled,
		})
		if err != nil {
			opts.Logger.Debug("ws.accept_failed", zap.Error(err))
			return
		}
		conn.SetReadLimit(opts.MaxMessageBytes)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		s := newSession(conn, h, cancel, opts)
		opts.Metrics.ConnOpened()
		defer opts.Metrics.ConnClosed()
		s.log.Debug("ws.connected", zap.String("remote", r.RemoteAddr))

		go s.writeLoop(ctx)
		s.readLoop(ctx)

		cancel()
		s.leaveCurrent()
		if reason := s.closeReason(); reason != "" {
			_ = conn.Close(websocket.StatusPolicyViolation, reason)
		} else {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}
		s.log.Debug("ws.disconnected")
	}
}
