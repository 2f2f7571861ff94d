package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sakif/damaijiwa/internal/apperror"
	"github.com/sakif/damaijiwa/internal/model"
	"github.com/sakif/damaijiwa/internal/service"
)

// Server → client frame types.
const (
	FrameDelta = "delta"
	FrameDone  = "done"
	FrameError = "error"
)

const (
	streamReadLimit  = 64 << 10
	streamPongWait   = 90 * time.Second
	streamPingPeriod = 30 * time.Second
	streamWriteWait  = 10 * time.Second
)

// StreamFrame is every message the server sends on the chat socket.
type StreamFrame struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PromptLogin bool   `json:"promptLogin,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StreamRecorder tracks open sockets. May be nil.
type StreamRecorder interface {
	StreamOpened()
	StreamClosed()
}

// TurnLimiter spends one turn from a user's allowance. May be nil.
type TurnLimiter interface {
	AllowTurn(userID string) bool
}

// StreamHandler serves GET /api/chat/{category}/stream.
//
// PROTOCOL:
// The client sends {"text":"..."}. The server answers with zero or more
// {"type":"delta","text":"..."} frames as the reply is generated, then one
// {"type":"done","text":"<full reply>","promptLogin":bool}. A rejected
// message gets {"type":"error","error":"..."} and the socket stays open.
// Messages are handled one at a time, in order. Each message counts against
// the user's turn limit on its own, the same as a POST to /turn.
type StreamHandler struct {
	conversations *service.ConversationService
	recorder      StreamRecorder
	limiter       TurnLimiter
	upgrader      websocket.Upgrader
	logger        *slog.Logger
}

// NewStreamHandler creates a StreamHandler. Browser connections are only
// accepted from the same host as the server.
func NewStreamHandler(conversations *service.ConversationService, recorder StreamRecorder, limiter TurnLimiter, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		conversations: conversations,
		recorder:      recorder,
		limiter:       limiter,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
}

// sameOrigin accepts requests without an Origin header (non-browser clients)
// and browser requests whose Origin host matches the Host header.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// streamConn serialises writes; gorilla/websocket allows one concurrent writer.
type streamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *streamConn) send(frame StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *streamConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait))
}

// HandleStream upgrades the connection and runs the read loop.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID, category, err := requireScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Reject a bad category before the upgrade, while we can still send 400.
	if !category.Valid() {
		writeError(w, r, apperror.ValidationFailed("category", "unknown category"))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	if h.recorder != nil {
		h.recorder.StreamOpened()
		defer h.recorder.StreamClosed()
	}

	conn := &streamConn{conn: ws}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws.SetReadLimit(streamReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(streamPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	go h.keepAlive(ctx, conn)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("stream closed", slog.String("error", err.Error()))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if err := h.handleMessage(ctx, conn, userID, category, data); err != nil {
			// The client is gone; nothing more to send.
			return
		}

		// Generation may take a while; don't count it against the idle timer.
		_ = ws.SetReadDeadline(time.Now().Add(streamPongWait))
	}
}

// handleMessage runs one turn. It returns an error only when the socket can
// no longer be written to.
func (h *StreamHandler) handleMessage(ctx context.Context, conn *streamConn, userID string, category model.Category, data []byte) error {
	var req TurnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return conn.send(StreamFrame{Type: FrameError, Error: "invalid JSON message"})
	}

	if h.limiter != nil && !h.limiter.AllowTurn(userID) {
		return conn.send(StreamFrame{Type: FrameError, Error: "Too many requests"})
	}

	reply, err := h.conversations.StreamTurn(ctx, userID, category, req.Text, func(delta string) error {
		return conn.send(StreamFrame{Type: FrameDelta, Text: delta})
	})
	if err != nil {
		return conn.send(StreamFrame{Type: FrameError, Error: streamErrorMessage(err)})
	}

	return conn.send(StreamFrame{Type: FrameDone, Text: reply.Text, PromptLogin: reply.PromptLogin})
}

func (h *StreamHandler) keepAlive(ctx context.Context, conn *streamConn) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

// streamErrorMessage mirrors writeError's mapping for socket frames.
func streamErrorMessage(err error) string {
	var appErr *apperror.AppError
	if errors.Is(err, apperror.ErrValidation) && errors.As(err, &appErr) {
		return appErr.Message
	}
	if errors.Is(err, apperror.ErrUnauthorized) {
		return "Unauthorized"
	}
	return "Internal server error"
}
