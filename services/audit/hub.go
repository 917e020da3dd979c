package audit

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
	"github.com/R3E-Network/treasury_layer/internal/logging"
)

const (
	hubSendBuffer = 64
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = hubPongWait * 9 / 10
)

type subscriber struct {
	conn     *websocket.Conn
	send     chan []byte
	walletID string
	once     sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// Hub streams committed audit entries to websocket subscribers. A subscriber
// that falls behind is disconnected rather than slowing the treasury down.
type Hub struct {
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

var _ Sink = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Callers are authenticated by middleware before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:  log,
		subs: make(map[*subscriber]struct{}),
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish sends entries to every subscriber whose filter matches.
func (h *Hub) Publish(entries []*treasury.AuditEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			h.log.WithError(err).Error("encode audit entry for stream")
			continue
		}
		for sub := range h.subs {
			if sub.walletID != "" && sub.walletID != e.WalletID {
				continue
			}
			select {
			case sub.send <- payload:
			default:
				delete(h.subs, sub)
				sub.close()
			}
		}
	}
}

// ServeHTTP upgrades the request and streams entries until the peer leaves.
// The optional wallet_id query parameter narrows the stream to one wallet.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("audit stream upgrade failed")
		return
	}

	sub := &subscriber{
		conn:     conn,
		send:     make(chan []byte, hubSendBuffer),
		walletID: r.URL.Query().Get("wallet_id"),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(sub)
	h.readLoop(sub)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.close()
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		sub.close()
	}
}

// readLoop discards client messages and detects disconnects.
func (h *Hub) readLoop(sub *subscriber) {
	defer func() {
		h.remove(sub)
		_ = sub.conn.Close()
	}()
	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
