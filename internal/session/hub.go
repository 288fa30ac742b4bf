package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/doorlink/doorlink-gateway/internal/metrics"
	"github.com/doorlink/doorlink-gateway/internal/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrNoSession is returned when a session id has no open connection.
	ErrNoSession = errors.New("no live session")
	// ErrRejected is returned by a Handler to end the session that sent the frame.
	ErrRejected = errors.New("session rejected")
)

// Frame types exchanged with controllers.
const (
	FrameWelcome   = "welcome"
	FrameCommand   = "command"
	FrameHeartbeat = "heartbeat"
	FrameAck       = "ack"
	FrameError     = "error"
)

const handlerTimeout = 30 * time.Second

// Frame is the envelope for every websocket message in both directions.
type Frame struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Command   model.CommandKind `json:"command,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Success   *bool             `json:"success,omitempty"`
	Response  json.RawMessage   `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
	LocalIP   string            `json:"local_ip,omitempty"`
}

// Ack is a device's acknowledgement of one command.
type Ack struct {
	MessageID string
	Success   bool
	Response  json.RawMessage
	Error     string
}

// Authenticator resolves a device bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*model.Device, error)
}

// Handler reacts to session lifecycle events.
type Handler interface {
	SessionOpened(ctx context.Context, device *model.Device, sessionID string) error
	SessionHeartbeat(ctx context.Context, device *model.Device, sessionID, localIP string) error
	SessionAck(ctx context.Context, device *model.Device, ack Ack) error
	SessionClosed(ctx context.Context, device *model.Device, sessionID string)
}

// Options tunes connection deadlines.
type Options struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// Hub tracks open device sessions keyed by session id.
type Hub struct {
	opts     Options
	auth     Authenticator
	logger   *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	handler Handler
	clients map[string]*client
}

type client struct {
	id      string
	device  *model.Device
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewHub creates a hub. The handler is attached later with SetHandler because
// it usually depends on a dispatcher that itself sends through the hub.
func NewHub(opts Options, auth Authenticator, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		opts:    opts,
		auth:    auth,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// SetHandler installs the lifecycle handler.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// Send writes one command frame and returns once the frame is on the wire.
func (h *Hub) Send(ctx context.Context, sessionID string, frame model.DeliveryFrame) error {
	c := h.lookup(sessionID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	err := c.write(ctx, h.opts.WriteTimeout, Frame{
		Type:      FrameCommand,
		MessageID: frame.MessageID,
		Command:   frame.Command,
		Payload:   frame.Payload,
	})
	if err != nil {
		c.close()
		return fmt.Errorf("send %s on session %s: %w", frame.MessageID, sessionID, err)
	}
	return nil
}

// Connected reports whether the device currently holds an open session.
func (h *Hub) Connected(deviceID uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.device.ID == deviceID {
			return true
		}
	}
	return false
}

// Disconnect closes every session held by deviceID and returns how many it closed.
func (h *Hub) Disconnect(deviceID uint64) int {
	h.mu.Lock()
	var clients []*client
	for id, c := range h.clients {
		if c.device.ID == deviceID {
			clients = append(clients, c)
			delete(h.clients, id)
		}
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	if len(clients) > 0 {
		h.logger.Info("device sessions disconnected", zap.Uint64("device_id", deviceID), zap.Int("sessions", len(clients)))
	}
	return len(clients)
}

// Count returns the number of open sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

// ServeHTTP authenticates the device, upgrades the connection and blocks
// until the session ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "device token required")
		return
	}
	device, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid device token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Uint64("device_id", device.ID), zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.NewString(),
		device: device,
		conn:   conn,
		done:   make(chan struct{}),
	}
	h.register(c)
	h.metrics.SessionOpened()
	logger := h.logger.With(zap.Uint64("device_id", device.ID), zap.String("session_id", c.id))
	logger.Info("device session opened")

	defer func() {
		h.unregister(c)
		c.close()
		h.metrics.SessionClosed()
		if handler := h.currentHandler(); handler != nil {
			ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
			handler.SessionClosed(ctx, device, c.id)
			cancel()
		}
		logger.Info("device session closed")
	}()

	if err := c.write(context.Background(), h.opts.WriteTimeout, Frame{Type: FrameWelcome, SessionID: c.id}); err != nil {
		return
	}
	if handler := h.currentHandler(); handler != nil {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		err := handler.SessionOpened(ctx, device, c.id)
		cancel()
		if err != nil {
			logger.Error("session open hook failed", zap.Error(err))
			return
		}
	}

	go h.pingLoop(c)
	h.readLoop(c, logger)
}

func (h *Hub) readLoop(c *client, logger *zap.Logger) {
	readWait := 2 * h.opts.PingInterval
	c.conn.SetReadLimit(h.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		h.handleFrame(c, data, logger)
	}
}

func (h *Hub) handleFrame(c *client, data []byte, logger *zap.Logger) {
	var in Frame
	if err := json.Unmarshal(data, &in); err != nil {
		h.reply(c, Frame{Type: FrameError, Error: "invalid JSON frame"})
		return
	}
	handler := h.currentHandler()
	if handler == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch in.Type {
	case FrameHeartbeat:
		if err := handler.SessionHeartbeat(ctx, c.device, c.id, strings.TrimSpace(in.LocalIP)); err != nil {
			if h.rejected(c, err, logger) {
				return
			}
			logger.Warn("heartbeat failed", zap.Error(err))
			h.reply(c, Frame{Type: FrameError, Error: "heartbeat rejected"})
		}
	case FrameAck:
		if in.MessageID == "" || in.Success == nil {
			h.reply(c, Frame{Type: FrameError, MessageID: in.MessageID, Error: "ack requires message_id and success"})
			return
		}
		ack := Ack{MessageID: in.MessageID, Success: *in.Success, Response: in.Response, Error: in.Error}
		if err := handler.SessionAck(ctx, c.device, ack); err != nil {
			if h.rejected(c, err, logger) {
				return
			}
			logger.Warn("ack rejected", zap.String("message_id", in.MessageID), zap.Error(err))
			h.reply(c, Frame{Type: FrameError, MessageID: in.MessageID, Error: "command not found"})
		}
	default:
		h.reply(c, Frame{Type: FrameError, Error: "unknown frame type: " + in.Type})
	}
}

// rejected ends the session when the handler refused the device.
func (h *Hub) rejected(c *client, err error, logger *zap.Logger) bool {
	if !errors.Is(err, ErrRejected) {
		return false
	}
	logger.Warn("session rejected", zap.Error(err))
	h.reply(c, Frame{Type: FrameError, Error: "session revoked"})
	h.unregister(c)
	c.close()
	return true
}

func (h *Hub) reply(c *client, f Frame) {
	if err := c.write(context.Background(), h.opts.WriteTimeout, f); err != nil {
		c.close()
	}
}

func (h *Hub) pingLoop(c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

// register replaces any older session held by the same device.
func (h *Hub) register(c *client) {
	var stale []*client
	h.mu.Lock()
	for id, other := range h.clients {
		if other.device.ID == c.device.ID {
			stale = append(stale, other)
			delete(h.clients, id)
		}
	}
	h.clients[c.id] = c
	h.mu.Unlock()
	for _, other := range stale {
		other.close()
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
}

func (h *Hub) lookup(sessionID string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[sessionID]
}

func (h *Hub) currentHandler() Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handler
}

func (c *client) write(ctx context.Context, timeout time.Duration, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrNoSession
	default:
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func requestToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if token := strings.TrimSpace(r.Header.Get("X-Device-Token")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.Error(msg))
}
