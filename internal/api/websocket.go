package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ethrelay/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels clients can subscribe to.
const (
	// EventRelayState carries a state message after every poll pass.
	EventRelayState = "relay.state"

	// EventRelayCommand carries each command accepted over HTTP.
	EventRelayCommand = "relay.command"
)

const (
	// outboxSize is how many messages may wait for a slow client before
	// new ones are dropped.
	outboxSize = 256

	defaultPingInterval = 30 // seconds
	defaultPongTimeout  = 10 // seconds
)

// WSMessage is the envelope for every frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Hub fans events out to connected WebSocket subscribers.
type Hub struct {
	logger *logging.Logger

	pingEvery time.Duration
	pongWait  time.Duration
	maxFrame  int64

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// subscriber is one WebSocket connection and the channels it listens to.
type subscriber struct {
	conn   *websocket.Conn
	outbox chan []byte

	mu     sync.RWMutex
	topics map[string]bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS middleware has already vetted the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Unset ping and pong intervals fall back to 30s
// and 10s.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	return &Hub{
		logger:    logger,
		pingEvery: time.Duration(cfg.PingInterval) * time.Second,
		pongWait:  time.Duration(cfg.PongTimeout) * time.Second,
		maxFrame:  int64(cfg.MaxMessageSize),
		subs:      make(map[*subscriber]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for sub := range subs {
		close(sub.outbox)
		sub.conn.Close()
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast sends payload as an event to every subscriber of channel.
// Slow subscribers miss events rather than block the caller.
func (h *Hub) Broadcast(channel string, payload any) {
	frame, err := encode(WSMessage{Type: WSTypeEvent, EventType: channel, Payload: payload})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subs))
	for sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if sub.listens(channel) {
			sub.offer(frame)
		}
	}
}

// attach registers a freshly upgraded connection and starts its pumps.
func (h *Hub) attach(conn *websocket.Conn) {
	sub := &subscriber{
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
		topics: make(map[string]bool),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

// detach forgets sub. Only the call that removes it closes the outbox, so
// Run and a dropped connection never both close it.
func (h *Hub) detach(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		close(sub.outbox)
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// handleWebSocket upgrades GET /ws.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "request_id", requestID(r.Context()), "error", err)
		return
	}
	s.hub.attach(conn)
}

func (h *Hub) readLoop(sub *subscriber) {
	defer func() {
		h.detach(sub)
		sub.conn.Close()
	}()

	alive := func() error {
		return sub.conn.SetReadDeadline(time.Now().Add(h.pingEvery + h.pongWait))
	}
	sub.conn.SetReadLimit(h.maxFrame)
	sub.conn.SetPongHandler(func(string) error { return alive() })
	alive() //nolint:errcheck // a failed deadline surfaces on the next read

	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		alive() //nolint:errcheck // a failed deadline surfaces on the next read
		sub.dispatch(data)
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ping := time.NewTicker(h.pingEvery)
	defer func() {
		ping.Stop()
		sub.conn.Close()
	}()

	send := func(kind int, data []byte) error {
		sub.conn.SetWriteDeadline(time.Now().Add(h.pongWait)) //nolint:errcheck // write reports it
		return sub.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case frame, ok := <-sub.outbox:
			if !ok {
				send(websocket.CloseMessage, nil) //nolint:errcheck // connection is going away
				return
			}
			if send(websocket.TextMessage, frame) != nil {
				return
			}
		case <-ping.C:
			if send(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

// dispatch handles one client frame.
func (sub *subscriber) dispatch(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		sub.reply("", WSTypeError, errorPayload("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		channels, ok := channelsOf(msg.Payload)
		if !ok {
			sub.reply(msg.ID, WSTypeError, errorPayload("invalid "+msg.Type+" payload"))
			return
		}
		key := "subscribed"
		if msg.Type == WSTypeUnsubscribe {
			key = "unsubscribed"
		}
		sub.setTopics(channels, msg.Type == WSTypeSubscribe)
		sub.reply(msg.ID, WSTypeResponse, map[string]any{key: channels})
	case WSTypePing:
		sub.reply(msg.ID, WSTypePong, nil)
	default:
		sub.reply(msg.ID, WSTypeError, errorPayload("unknown message type: "+msg.Type))
	}
}

// channelsOf extracts a non-empty channel list from a decoded payload.
func channelsOf(payload any) ([]string, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	var p WSSubscribePayload
	if json.Unmarshal(raw, &p) != nil || len(p.Channels) == 0 {
		return nil, false
	}
	return p.Channels, true
}

func (sub *subscriber) setTopics(channels []string, on bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, ch := range channels {
		if on {
			sub.topics[ch] = true
		} else {
			delete(sub.topics, ch)
		}
	}
}

func (sub *subscriber) listens(channel string) bool {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	return sub.topics[channel]
}

func (sub *subscriber) reply(id, msgType string, payload any) {
	frame, err := encode(WSMessage{Type: msgType, ID: id, Payload: payload})
	if err == nil {
		sub.offer(frame)
	}
}

// offer queues a frame without blocking. A full outbox drops it; an
// outbox closed by a concurrent detach is ignored.
func (sub *subscriber) offer(frame []byte) {
	defer func() {
		recover() //nolint:errcheck // send on an outbox closed by detach
	}()
	select {
	case sub.outbox <- frame:
	default:
	}
}

// encode stamps msg with the current time and marshals it.
func encode(msg WSMessage) ([]byte, error) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return json.Marshal(msg)
}

func errorPayload(message string) map[string]string {
	return map[string]string{"message": message}
}
