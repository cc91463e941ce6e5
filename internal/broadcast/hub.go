package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"scrapewatch/internal/eventbus"
	logx "scrapewatch/pkg/logx"
)

// Hub serves websocket clients and implements Sink by pushing every event
// to each connected client as a JSON text frame. A client that falls
// behind by more than its buffer is disconnected.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	log     logx.Logger
	buffer  int
	origins []string
}

type wsClient struct {
	ch   chan []byte
	addr string
}

func NewHub(log logx.Logger, buffer int, originPatterns ...string) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{clients: map[*wsClient]struct{}{}, log: log, buffer: buffer, origins: originPatterns}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.origins,
		InsecureSkipVerify: len(h.origins) == 0,
	})
	if err != nil {
		h.log.Debug("websocket accept failed", logx.Err(err))
		return
	}

	c := &wsClient{ch: make(chan []byte, h.buffer), addr: r.RemoteAddr}
	if !h.add(c) {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)
	h.log.Debug("websocket client connected", logx.String("remote", c.addr))

	// Incoming frames are ignored; ctx ends when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.ch:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "too slow or shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// remove drops c once; the channel is closed only by the caller that deletes it.
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.ch)
}

func (h *Hub) Deliver(_ context.Context, ev eventbus.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.ch <- b:
		default:
			h.log.Warn("websocket client too slow, disconnecting", logx.String("remote", c.addr))
			h.dropLocked(c)
		}
	}
	return nil
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}
