package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/game"
	"github.com/victornm/livequiz/internal/session"
)

const (
	defaultPingInterval   = 25 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultReadTimeout    = 60 * time.Second
	defaultMaxMessageSize = 4 << 10
	defaultSendBuffer     = 64
)

type HubConfig struct {
	Registry *session.Registry
	Conns    *Conns
	Metrics  ConnMetrics

	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool
}

// Hub accepts WebSocket connections and dispatches their frames to the sessions.
type Hub struct {
	registry *session.Registry
	conns    *Conns
	metrics  ConnMetrics
	upgrader websocket.Upgrader

	pingInterval   time.Duration
	writeTimeout   time.Duration
	readTimeout    time.Duration
	maxMessageSize int64
	sendBuffer     int
}

func NewHub(c HubConfig) *Hub {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.Conns == nil {
		c.Conns = NewConns()
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}

	return &Hub{
		registry: c.Registry,
		conns:    c.Conns,
		metrics:  c.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     c.CheckOrigin,
		},
		pingInterval:   c.PingInterval,
		writeTimeout:   c.WriteTimeout,
		readTimeout:    c.ReadTimeout,
		maxMessageSize: c.MaxMessageSize,
		sendBuffer:     c.SendBuffer,
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		slog.WarnContext(r.Context(), "api: websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		done: make(chan struct{}),
	}
	h.conns.add(cl)
	h.metrics.ConnOpened()

	slog.InfoContext(r.Context(), "api: connection opened", "conn", cl.id, "remote", r.RemoteAddr)

	go h.writePump(cl)
	go h.readPump(cl)
}

// Close drops every connection.
func (h *Hub) Close() {
	h.conns.closeAll()
}

func (h *Hub) readPump(cl *client) {
	defer h.disconnect(cl)

	cl.conn.SetReadLimit(h.maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("api: unexpected websocket close", "conn", cl.id, "error", err)
			}
			return
		}

		_ = cl.conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		h.handle(cl, raw)
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		cl.close()
	}()

	for {
		select {
		case <-cl.done:
			_ = cl.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(h.writeTimeout))
			return

		case b := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := cl.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				slog.Warn("api: write failed", "conn", cl.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect runs once per connection, when its read side is gone.
func (h *Hub) disconnect(cl *client) {
	cl.close()
	h.conns.remove(cl.id)
	h.metrics.ConnClosed()

	code, _ := cl.binding()
	if code != "" {
		if s, err := h.registry.GetSession(code); err == nil {
			h.conns.Deliver(s.Disconnect(cl.id))
		}
	}

	slog.Info("api: connection closed", "conn", cl.id, "session", code)
}

func (h *Hub) handle(cl *client, raw []byte) {
	cmd, err := decode(raw)
	if err == nil {
		var envs []game.Envelope
		envs, err = h.dispatch(cl, cmd)
		h.conns.Deliver(envs)
	}

	if err != nil {
		if errors.CodeOf(err) == errors.CodeInternal {
			slog.Error("api: handle frame failed", "conn", cl.id, "error", err)
		}
		h.conns.Deliver([]game.Envelope{game.ErrorEnvelope(cl.id, err)})
	}
}

func (h *Hub) dispatch(cl *client, cmd any) ([]game.Envelope, error) {
	switch c := cmd.(type) {
	case CreateSession:
		s, err := h.registry.CreateSession(context.Background(), cl.id)
		if err != nil {
			return nil, err
		}

		envs := h.rebind(cl, s.Code(), "")
		return append(envs, game.Envelope{
			To:    []string{cl.id},
			Event: game.EventSessionCreated,
			Data: game.SessionCreated{
				Code:           s.Code(),
				HostToken:      s.HostToken(),
				TotalQuestions: s.TotalQuestions(),
			},
		}), nil

	case JoinSession:
		s, err := h.registry.GetSession(c.Code)
		if err != nil {
			return nil, err
		}

		joined, err := s.Join(cl.id, c.PlayerName)
		if err != nil {
			return nil, err
		}

		return append(h.rebind(cl, c.Code, c.PlayerName), joined...), nil

	case StartGame:
		s, err := h.registry.GetSession(c.Code)
		if err != nil {
			return nil, err
		}
		return s.StartGame(cl.id)

	case SubmitAnswer:
		s, err := h.registry.GetSession(c.Code)
		if err != nil {
			return nil, err
		}
		return s.SubmitAnswer(cl.id, c.PlayerName, *c.QuestionIndex, *c.AnswerIndex)

	case ReclaimHost:
		s, err := h.registry.GetSession(c.Code)
		if err != nil {
			return nil, err
		}

		reclaimed, err := s.ReclaimHost(cl.id, c.HostToken)
		if err != nil {
			return nil, err
		}

		return append(h.rebind(cl, c.Code, ""), reclaimed...), nil

	case EndSession:
		s, err := h.registry.GetSession(c.Code)
		if err != nil {
			return nil, err
		}
		if !s.IsHost(cl.id) {
			return nil, errors.New(errors.CodeUnauthorized)
		}
		return h.registry.EndSession(c.Code, session.ReasonHost)

	default:
		return nil, errors.Internal(fmt.Errorf("unhandled command %T", cmd))
	}
}

// rebind binds cl to code and, when it was bound to another session, disconnects it
// from that one.
func (h *Hub) rebind(cl *client, code, name string) []game.Envelope {
	prev := cl.bind(code, name)
	if prev == "" || prev == code {
		return nil
	}

	s, err := h.registry.GetSession(prev)
	if err != nil {
		return nil
	}
	return s.Disconnect(cl.id)
}

type nopMetrics struct{}

func (nopMetrics) ConnOpened() {}

func (nopMetrics) ConnClosed() {}
