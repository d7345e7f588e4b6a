package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// wsFrame is the JSON wire format for the web chat channel, both directions.
type wsFrame struct {
	Type      string `json:"type"` // "message", "stream", "error"
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text"`
	TS        int64  `json:"ts,omitempty"`
}

// wsClient is one connected browser session.
type wsClient struct {
	conn   *websocket.Conn
	chatID string
	out    chan wsFrame
}

// WebSocketChannel serves a local web chat endpoint at /ws. Each connection
// declares its chat id in the first frame; outbound messages fan out to every
// connection on that chat.
type WebSocketChannel struct {
	bindAddr string
	handler  InboundHandler
	logger   *slog.Logger
	healthy  atomic.Bool

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	server *http.Server
}

func NewWebSocketChannel(bindAddr string, handler InboundHandler, logger *slog.Logger) *WebSocketChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketChannel{
		bindAddr: bindAddr,
		handler:  handler,
		logger:   logger.With("component", "websocket"),
		clients:  make(map[*wsClient]struct{}),
	}
}

func (w *WebSocketChannel) Name() string {
	return "ws"
}

func (w *WebSocketChannel) Healthy() bool {
	return w.healthy.Load()
}

func (w *WebSocketChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(rw http.ResponseWriter, r *http.Request) {
		w.handleWS(ctx, rw, r)
	})

	ln, err := net.Listen("tcp", w.bindAddr)
	if err != nil {
		return fmt.Errorf("ws listen %s: %w", w.bindAddr, err)
	}
	w.server = &http.Server{Handler: mux}
	w.healthy.Store(true)
	w.logger.Info("websocket channel listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = w.server.Shutdown(shutdownCtx)
	}()

	err = w.server.Serve(ln)
	w.healthy.Store(false)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (w *WebSocketChannel) Stop(ctx context.Context) error {
	w.healthy.Store(false)
	if w.server == nil {
		return nil
	}
	return w.server.Shutdown(ctx)
}

func (w *WebSocketChannel) handleWS(ctx context.Context, rw http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(rw, r, nil)
	if err != nil {
		return
	}
	c := &wsClient{conn: conn, out: make(chan wsFrame, 64)}
	w.addClient(c)
	w.logger.Info("ws client connected")
	defer func() {
		w.removeClient(c)
		w.logger.Info("ws client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Write pump: backpressure closes the connection instead of blocking the
	// router.
	go func() {
		for frame := range c.out {
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancel()
			if err != nil {
				_ = conn.Close(websocket.StatusPolicyViolation, "backpressure")
				return
			}
		}
	}()

	for {
		var frame wsFrame
		if err := wsjson.Read(r.Context(), conn, &frame); err != nil {
			return
		}
		if frame.ChatID == "" {
			c.send(wsFrame{Type: "error", Text: "chat_id required"})
			continue
		}
		c.chatID = frame.ChatID
		if frame.Type != "message" || frame.Text == "" {
			continue
		}
		msgID := frame.MessageID
		if msgID == "" {
			msgID = uuid.NewString()
		}
		ts := time.Now()
		if frame.TS > 0 {
			ts = time.Unix(frame.TS, 0)
		}
		inbound := InboundMessage{
			Address:    Address{Channel: w.Name(), LocalID: frame.ChatID},
			MessageID:  msgID,
			SenderID:   frame.Sender,
			SenderName: frame.Sender,
			Text:       frame.Text,
			Timestamp:  ts,
		}
		if err := w.handler.HandleInbound(r.Context(), inbound); err != nil {
			w.logger.Error("inbound handling failed", "chat_id", frame.ChatID, "error", err)
			c.send(wsFrame{Type: "error", ChatID: frame.ChatID, Text: "message could not be processed"})
		}
	}
}

func (c *wsClient) send(frame wsFrame) {
	select {
	case c.out <- frame:
	default:
		// Buffer full; the write pump will close the connection soon enough.
	}
}

func (w *WebSocketChannel) addClient(c *wsClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clients[c] = struct{}{}
}

func (w *WebSocketChannel) removeClient(c *wsClient) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.clients[c]; ok {
		delete(w.clients, c)
		close(c.out)
	}
}

// broadcast sends a frame to every connection on the chat.
func (w *WebSocketChannel) broadcast(chatID string, frame wsFrame) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	n := 0
	for c := range w.clients {
		if c.chatID == chatID {
			c.send(frame)
			n++
		}
	}
	return n
}

func (w *WebSocketChannel) Send(ctx context.Context, msg OutboundMessage) error {
	n := w.broadcast(msg.Address.LocalID, wsFrame{
		Type:   "message",
		ChatID: msg.Address.LocalID,
		Sender: "agent",
		Text:   msg.Text,
		TS:     time.Now().Unix(),
	})
	if n == 0 {
		// Nobody connected; the message is already persisted, so this is not
		// an error worth retrying.
		w.logger.Debug("ws send with no connected clients", "chat_id", msg.Address.LocalID)
	}
	return nil
}

// UpdateStream pushes partial agent output to connected clients.
func (w *WebSocketChannel) UpdateStream(ctx context.Context, addr Address, runID, text string) error {
	w.broadcast(addr.LocalID, wsFrame{
		Type:      "stream",
		ChatID:    addr.LocalID,
		MessageID: runID,
		Sender:    "agent",
		Text:      text,
	})
	return nil
}

// FinishStream sends the final message frame for a streamed run.
func (w *WebSocketChannel) FinishStream(ctx context.Context, addr Address, runID, text string) error {
	w.broadcast(addr.LocalID, wsFrame{
		Type:      "message",
		ChatID:    addr.LocalID,
		MessageID: runID,
		Sender:    "agent",
		Text:      text,
		TS:        time.Now().Unix(),
	})
	return nil
}
