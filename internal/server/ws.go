// Package server exposes the streaming synthesis protocol over WebSocket
// and a small HTTP admin surface. Each connection owns one session; the
// dispatcher reaches the connection only through its outbound queue.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-tts-streamer/internal/bus"
	"github.com/loqalabs/loqa-tts-streamer/internal/config"
	"github.com/loqalabs/loqa-tts-streamer/internal/engine"
	"github.com/loqalabs/loqa-tts-streamer/internal/eventstore"
	"github.com/loqalabs/loqa-tts-streamer/internal/protocol"
	"github.com/loqalabs/loqa-tts-streamer/internal/queue"
	"github.com/loqalabs/loqa-tts-streamer/internal/session"
)

var errConnClosed = errors.New("connection closed")

// WSServer accepts client connections and runs the per-connection protocol
// loop. Synthesis itself happens elsewhere; the server only admits sessions,
// enqueues tasks, and relays messages.
type WSServer struct {
	cfg      config.WebSocketConfig
	defaults protocol.SynthesisConfig
	queue    *queue.TaskQueue
	sessions *session.Registry
	engines  *engine.Manager
	bus      *bus.Client
	events   *eventstore.Store
	logger   *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	// Shutdown must close websocket connections itself: they are hijacked,
	// so http.Server.Shutdown does not wait for or terminate them.
	connMu sync.Mutex
	conns  map[*conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWSServer(parent context.Context, cfg config.WebSocketConfig, defaults protocol.SynthesisConfig, q *queue.TaskQueue, sessions *session.Registry, engines *engine.Manager, busClient *bus.Client, events *eventstore.Store, logger *slog.Logger) *WSServer {
	ctx, cancel := context.WithCancel(parent)
	return &WSServer{
		cfg:      cfg,
		defaults: defaults,
		queue:    q,
		sessions: sessions,
		engines:  engines,
		bus:      busClient,
		events:   events,
		logger:   logger.With(slog.String("component", "ws-server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are local devices and scripts, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[*conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the listener and begins serving. The bound address is
// available through Addr once Start returns.
func (s *WSServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind websocket listener: %w", err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("websocket server failed", slogError(err))
		}
	}()

	s.logger.Info("websocket server started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address.
func (s *WSServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *WSServer) Close() {
	s.cancel()

	s.connMu.Lock()
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.connMu.Unlock()
	for _, c := range open {
		c.shutdown()
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket shutdown error", slogError(err))
		}
	}
	s.wg.Wait()
}

// conn is one client connection. Writes are serialized through the outbound
// channel so the dispatcher and the protocol loop never interleave frames.
type conn struct {
	srv       *WSServer
	ws        *websocket.Conn
	sessionID string

	outbound chan protocol.Message
	done     chan struct{}
	once     sync.Once
}

// Send queues a message for the writer goroutine. Blocking here is the
// backpressure that paces the dispatcher to the client's read speed.
func (c *conn) Send(msg protocol.Message) error {
	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	}
}

func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (s *WSServer) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}
	ws.SetReadLimit(int64(s.cfg.MaxMessageBytes))

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	c := &conn{
		srv:      s,
		ws:       ws,
		outbound: make(chan protocol.Message, s.cfg.SendBuffer),
		done:     make(chan struct{}),
	}

	sess, err := s.sessions.Create(host, s.defaults, func(string) { c.shutdown() })
	if err != nil {
		s.logger.Warn("session rejected",
			slog.String("address", host),
			slogError(err))
		s.writeDirect(ws, mustMessage(protocol.TypeError, "", protocol.ErrorMessage{Error: err.Error()}))
		ws.Close()
		return
	}
	c.sessionID = sess.ID

	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()

	s.bus.PublishSessionEvent(protocol.SubjectSessionOpened, protocol.SessionEvent{
		SessionID: sess.ID,
		Address:   host,
		Timestamp: time.Now(),
	})
	if err := s.events.AppendSession(s.ctx, sess.ID, host); err != nil {
		s.logger.Warn("failed to record session", slogError(err))
	}
	if err := s.events.AppendEvent(s.ctx, eventstore.Event{SessionID: sess.ID, Type: eventstore.EventSessionOpened}); err != nil {
		s.logger.Warn("failed to record session event", slogError(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()

	// Welcome frame: the session id the client must quote back.
	c.reply(protocol.TypeConfigUpdated, protocol.ConfigUpdated{
		Config:    sess.Config,
		SessionID: sess.ID,
		Status:    "connected",
	})

	s.readLoop(c)

	c.shutdown()
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
	s.sessions.CloseSession(sess.ID, "connection_closed")
	s.bus.PublishSessionEvent(protocol.SubjectSessionClosed, protocol.SessionEvent{
		SessionID: sess.ID,
		Address:   host,
		Reason:    "connection_closed",
		Timestamp: time.Now(),
	})
	if err := s.events.AppendEvent(s.ctx, eventstore.Event{SessionID: sess.ID, Type: eventstore.EventSessionClosed}); err != nil {
		s.logger.Warn("failed to record session event", slogError(err))
	}
}

func (s *WSServer) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended",
					slog.String("session_id", c.sessionID),
					slogError(err))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError("invalid message encoding")
			continue
		}

		switch msg.Type {
		case protocol.TypeSynthesize:
			s.handleSynthesize(c, msg)
		case protocol.TypeInterrupt:
			s.handleInterrupt(c)
		case protocol.TypeConfigUpdate:
			s.handleConfigUpdate(c, msg)
		case protocol.TypePing:
			s.handlePing(c, msg)
		default:
			c.replyError(fmt.Sprintf("unknown message type %q", msg.Type))
		}
	}
}

func (s *WSServer) handleSynthesize(c *conn, msg protocol.Message) {
	var req protocol.SynthesizeRequest
	req.Priority = protocol.PriorityNormal
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.replyError("invalid synthesize request")
			return
		}
	}
	if req.Text == "" {
		c.replyError("text must not be empty")
		return
	}

	cfg, ok := s.sessions.Config(c.sessionID)
	if !ok {
		c.replyError("session is closed")
		return
	}

	task := queue.NewTask(c.sessionID, req.Text, req.Priority, cfg, c)
	if err := s.queue.Enqueue(task); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			c.replyError("synthesis queue is full, try again later")
			return
		}
		c.replyError(err.Error())
		return
	}

	s.bus.PublishTaskEvent(protocol.SubjectTaskEnqueued, protocol.TaskEvent{
		TaskID:    task.ID,
		SessionID: c.sessionID,
		Priority:  task.Priority,
		Timestamp: time.Now(),
	})
	if err := s.events.AppendEvent(s.ctx, eventstore.Event{
		SessionID: c.sessionID,
		TaskID:    task.ID,
		Type:      eventstore.EventSynthesisRequested,
		Priority:  task.Priority.String(),
	}); err != nil {
		s.logger.Warn("failed to record request event", slogError(err))
	}
}

// handleInterrupt cancels everything the session has in flight and reports
// how long the cancellation took. The latency is the queue round trip, not
// network time.
func (s *WSServer) handleInterrupt(c *conn) {
	start := time.Now()
	count := s.queue.InterruptSession(c.sessionID, "user_interrupt")
	latency := float64(time.Since(start).Microseconds()) / 1000.0

	c.reply(protocol.TypeInterrupted, protocol.Interrupted{
		InterruptedTasks: count,
		LatencyMS:        latency,
	})
}

func (s *WSServer) handleConfigUpdate(c *conn, msg protocol.Message) {
	current, ok := s.sessions.Config(c.sessionID)
	if !ok {
		c.replyError("session is closed")
		return
	}

	// Unmarshal over the current config so absent fields keep their values.
	req := protocol.ConfigUpdateRequest{Config: current}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.replyError("invalid config update")
			return
		}
	}

	if _, err := s.engines.Primary(req.Config); err != nil {
		c.replyError(fmt.Sprintf("unsupported configuration: %v", err))
		return
	}
	if err := s.sessions.UpdateConfig(c.sessionID, req.Config); err != nil {
		c.replyError("session is closed")
		return
	}

	c.reply(protocol.TypeConfigUpdated, protocol.ConfigUpdated{
		Config:    req.Config,
		SessionID: c.sessionID,
		Status:    "updated",
	})
}

// handlePing echoes the client's timestamp so it can measure round trips
// against its own clock.
func (s *WSServer) handlePing(c *conn, msg protocol.Message) {
	var ping protocol.Pong
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &ping); err != nil {
			c.replyError("invalid ping")
			return
		}
	}
	c.reply(protocol.TypePong, protocol.Pong{Timestamp: ping.Timestamp})
}

func (c *conn) writeLoop() {
	writeTimeout := time.Duration(c.srv.cfg.WriteTimeoutMS) * time.Millisecond
	for {
		select {
		case msg := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.srv.logger.Debug("websocket write failed",
					slog.String("session_id", c.sessionID),
					slogError(err))
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) reply(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, c.sessionID, payload)
	if err != nil {
		c.srv.logger.Warn("failed to encode reply", slog.String("type", msgType), slogError(err))
		return
	}
	if err := c.Send(msg); err != nil {
		c.srv.logger.Debug("reply dropped, connection closed",
			slog.String("session_id", c.sessionID),
			slog.String("type", msgType))
	}
}

func (c *conn) replyError(text string) {
	c.reply(protocol.TypeError, protocol.ErrorMessage{Error: text})
}

// writeDirect is for pre-session rejections where no writer goroutine runs.
func (s *WSServer) writeDirect(ws *websocket.Conn, msg protocol.Message) {
	ws.SetWriteDeadline(time.Now().Add(time.Duration(s.cfg.WriteTimeoutMS) * time.Millisecond))
	if err := ws.WriteJSON(msg); err != nil {
		s.logger.Debug("rejection write failed", slogError(err))
	}
}

func mustMessage(msgType, sessionID string, payload any) protocol.Message {
	msg, err := protocol.NewMessage(msgType, sessionID, payload)
	if err != nil {
		return protocol.Message{Type: msgType, SessionID: sessionID}
	}
	return msg
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
