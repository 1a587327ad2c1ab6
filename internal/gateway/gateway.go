// Package gateway exposes the narrator to browsers over a WebSocket. Each
// connection is one session key, the way each browser tab was one session
// in the extension this protocol comes from.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
)

// Message types, inbound then outbound.
const (
	TypeStartNarration = "startNarration"
	TypeStopNarration  = "stopNarration"

	TypeStatus     = "tts-status"
	TypeAudioChunk = "tts-audio-chunk"
	TypeError      = "tts-error"
	TypeComplete   = "tts-complete"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 << 10
	sendBuffer     = 256
)

// Narrator is the subset of *narration.Narrator the gateway drives.
type Narrator interface {
	Start(ctx context.Context, req narration.StartRequest) (*narration.Session, error)
	Stop(key, reason string) bool
}

type inboundMessage struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	SpeechRate string `json:"speechRate,omitempty"`
}

type outboundMessage struct {
	Type        string `json:"type"`
	Status      string `json:"status,omitempty"`
	ChunkIndex  *int   `json:"chunkIndex,omitempty"`
	Base64Audio string `json:"base64Audio,omitempty"`
	Format      string `json:"format,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Gateway is both the /ws handler and a narration.Sink that routes events
// back to the connection that owns the session key.
type Gateway struct {
	cfg      config.GatewayConfig
	narrator Narrator
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*client
	closed bool
	wg     sync.WaitGroup
}

type client struct {
	key  string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func New(cfg config.GatewayConfig, narrator Narrator, log *slog.Logger) *Gateway {
	return &Gateway{
		cfg:      cfg,
		narrator: narrator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Extension content scripts connect from arbitrary page origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.With(slog.String("component", "gateway")),
		conns:  make(map[string]*client),
	}
}

// Connections is the number of open sockets.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.cfg.Token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.cfg.Token)) == 1
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}

	c := &client{
		key:  "ws:" + uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = ws.Close()
		return
	}
	g.conns[c.key] = c
	g.wg.Add(1)
	g.mu.Unlock()

	g.logger.Info("client connected", slog.String("session_key", c.key), slog.String("remote", r.RemoteAddr))
	go g.writePump(c)
	g.readPump(c)
}

func (g *Gateway) readPump(c *client) {
	defer func() {
		g.mu.Lock()
		delete(g.conns, c.key)
		g.mu.Unlock()
		c.close()
		g.narrator.Stop(c.key, "")
		_ = c.ws.Close()
		g.wg.Done()
		g.logger.Info("client disconnected", slog.String("session_key", c.key))
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("websocket read failed", slog.String("session_key", c.key), slogError(err))
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			g.reply(c, outboundMessage{Type: TypeError, Error: "Malformed message."})
			continue
		}
		g.handle(c, msg)
	}
}

func (g *Gateway) handle(c *client, msg inboundMessage) {
	switch msg.Type {
	case TypeStartNarration:
		// Validation failures are reported through Emit.
		_, _ = g.narrator.Start(context.Background(), narration.StartRequest{
			SessionKey: c.key,
			Text:       msg.Text,
			Title:      msg.Title,
			URL:        msg.URL,
			SpeechRate: msg.SpeechRate,
		})
	case TypeStopNarration:
		g.narrator.Stop(c.key, narration.ReasonStoppedByUser)
	default:
		g.reply(c, outboundMessage{Type: TypeError, Error: "Unknown message type."})
	}
}

func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				g.logger.Warn("websocket write failed", slog.String("session_key", c.key), slogError(err))
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.ws.Close()
			return
		}
	}
}

// Emit implements narration.Sink.
func (g *Gateway) Emit(e narration.Event) {
	g.mu.RLock()
	c := g.conns[e.SessionKey]
	g.mu.RUnlock()
	if c == nil {
		return
	}
	g.reply(c, toOutbound(e))
}

func (g *Gateway) reply(c *client, msg outboundMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		g.logger.Warn("failed to marshal message", slogError(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		// Clients must see every event in order, so one that cannot keep up
		// is disconnected rather than skipped. Disconnecting stops its
		// narration.
		g.logger.Warn("client send buffer full, closing connection", slog.String("session_key", c.key), slog.String("type", msg.Type))
		c.close()
	}
}

func toOutbound(e narration.Event) outboundMessage {
	switch e.Type {
	case narration.EventAudio:
		idx := e.Chunk.Index
		return outboundMessage{
			Type:        TypeAudioChunk,
			ChunkIndex:  &idx,
			Base64Audio: base64.StdEncoding.EncodeToString(e.Chunk.Audio),
			Format:      e.Chunk.Format,
		}
	case narration.EventError:
		return outboundMessage{Type: TypeError, Error: e.Message}
	case narration.EventComplete:
		return outboundMessage{Type: TypeComplete}
	default:
		return outboundMessage{Type: TypeStatus, Status: e.Status}
	}
}

// Close disconnects every client and waits for their handlers to return.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	for _, c := range g.conns {
		c.close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
