package signal

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	registerWait = 10 * time.Second
	sendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Endpoints are anonymous and any origin may broker calls.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is a WebSocket signaling broker. Each connection registers one
// endpoint ID and then exchanges messages addressed by ID.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*hubClient
	log     zerolog.Logger
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.done) })
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: map[string]*hubClient{},
		log:     log,
	}
}

// Endpoints lists registered endpoint IDs.
func (h *Hub) Endpoints() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id, err := h.register(conn)
	if err != nil {
		conn.Close()
		return
	}
	c := &hubClient{
		id:   id,
		conn: conn,
		send: make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}
	if !h.claim(c) {
		h.reject(conn, id)
		return
	}

	c.send <- Message{Type: TypeRegistered, ID: uuid.NewString(), To: id}
	h.log.Info().Str("endpoint", id).Msg("endpoint registered")

	go h.writePump(c)
	h.readPump(c)
}

// register reads the first frame, which must be a register message, and
// picks the endpoint ID. The ID is claimed separately.
func (h *Hub) register(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(registerWait))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		return "", err
	}
	conn.SetReadDeadline(time.Time{})
	if m.Type != TypeRegister {
		h.writeDirect(conn, errorMessage(CodeBadMessage, "", "", "", "first message must be register"))
		return "", ErrClosed
	}
	id := m.From
	if id == "" {
		id = uuid.NewString()
	}
	return id, nil
}

// claim adds c under its ID unless another client already holds it.
func (h *Hub) claim(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.clients[c.id]; taken {
		return false
	}
	h.clients[c.id] = c
	return true
}

func (h *Hub) reject(conn *websocket.Conn, id string) {
	h.log.Info().Str("endpoint", id).Msg("endpoint id already registered")
	h.writeDirect(conn, errorMessage(CodeUnavailableID, id, "", "", "endpoint id is taken"))
	conn.Close()
}

func (h *Hub) writeDirect(conn *websocket.Conn, m Message) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(m)
}

func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.mu.Lock()
		if h.clients[c.id] == c {
			delete(h.clients, c.id)
		}
		h.mu.Unlock()
		c.close()
		c.conn.Close()
		h.log.Info().Str("endpoint", c.id).Msg("endpoint left")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug().Err(err).Str("endpoint", c.id).Msg("read failed")
			}
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			h.deliver(c, errorMessage(CodeBadMessage, c.id, "", "", err.Error()))
			continue
		}
		m.From = c.id
		h.route(c, m)
	}
}

func (h *Hub) route(from *hubClient, m Message) {
	h.mu.Lock()
	to, ok := h.clients[m.To]
	h.mu.Unlock()
	if !ok || m.To == "" {
		h.log.Debug().Str("from", from.id).Str("to", m.To).Str("type", m.Type).Msg("peer unavailable")
		if m.Type != TypeError && m.Type != TypeHangup {
			h.deliver(from, errorMessage(CodePeerUnavailable, from.id, m.CallID, m.To, "no endpoint "+m.To))
		}
		return
	}
	h.deliver(to, m)
}

func (h *Hub) deliver(c *hubClient, m Message) {
	select {
	case c.send <- m:
	case <-c.done:
	default:
		h.log.Warn().Str("endpoint", c.id).Str("type", m.Type).Msg("send buffer full, dropping message")
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case m := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(m); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close disconnects every endpoint.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = map[string]*hubClient{}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
