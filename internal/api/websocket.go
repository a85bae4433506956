package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"sync-trainer/internal/observability"
)

const (
	MaxWSConnectionsTotal = 100
	MaxWSConnectionsPerIP = 5

	wsWriteTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients send no Origin
		if origin == "" || IsAllowedOrigin(origin) {
			return true
		}
		log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
		observability.RecordRejected("origin")
		return false
	},
}

type dashboard struct {
	conn *websocket.Conn
	ip   string
}

// wsMessage is the envelope of every pushed message
type wsMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// DashboardHub fans messages out to the connected dashboards
type DashboardHub struct {
	clients  map[*websocket.Conn]*dashboard
	outbox   chan []byte
	joins    chan *dashboard
	leaves   chan *websocket.Conn
	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	limiter *ConnLimiter
}

func NewDashboardHub() *DashboardHub {
	return &DashboardHub{
		clients: make(map[*websocket.Conn]*dashboard),
		outbox:  make(chan []byte, 256),
		joins:   make(chan *dashboard),
		leaves:  make(chan *websocket.Conn),
		stop:    make(chan struct{}),
		limiter: NewConnLimiter(MaxWSConnectionsPerIP),
	}
}

// Run owns the client set until Stop
func (h *DashboardHub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for conn, c := range h.clients {
				h.dropLocked(conn, c)
			}
			h.mu.Unlock()
			observability.SetDashboardClients(0)
			return

		case d := <-h.joins:
			h.mu.Lock()
			h.clients[d.conn] = d
			count := len(h.clients)
			h.mu.Unlock()

			log.Printf("📱 Dashboard connected from %s (%d total)", d.ip, count)
			observability.SetDashboardClients(count)

		case conn := <-h.leaves:
			h.mu.Lock()
			if c, ok := h.clients[conn]; ok {
				h.dropLocked(conn, c)
			}
			count := len(h.clients)
			h.mu.Unlock()
			observability.SetDashboardClients(count)

		case message := <-h.outbox:
			h.mu.Lock()
			for conn, c := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.dropLocked(conn, c)
				}
			}
			count := len(h.clients)
			h.mu.Unlock()
			observability.SetDashboardClients(count)
			observability.RecordDashboardPush()
		}
	}
}

func (h *DashboardHub) dropLocked(conn *websocket.Conn, c *dashboard) {
	h.limiter.Release(c.ip)
	delete(h.clients, conn)
	conn.Close()
}

// Stop closes every connection and ends Run
func (h *DashboardHub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast queues an event for every client. Drops when the queue is full.
func (h *DashboardHub) Broadcast(event string, data interface{}) {
	body, err := sonnet.Marshal(wsMessage{Event: event, Data: data})
	if err != nil {
		log.Printf("⚠️ WebSocket encode %s: %v", event, err)
		return
	}
	select {
	case h.outbox <- body:
	default:
	}
}

// ClientCount returns the number of connected clients
func (h *DashboardHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StartBroadcastLoop pushes snapshot() as "trainer:stats" every interval
// while at least one client is connected.
func (h *DashboardHub) StartBroadcastLoop(interval time.Duration, snapshot func() interface{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				if h.ClientCount() > 0 {
					h.Broadcast("trainer:stats", snapshot())
				}
			}
		}
	}()
}

// ServeWS upgrades the request, enforcing connection limits
func (h *DashboardHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if h.ClientCount() >= MaxWSConnectionsTotal {
		observability.RecordRejected("ws_limit")
		writeError(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	if !h.limiter.Acquire(ip) {
		log.Printf("⚠️ WebSocket connection rejected from %s: per-IP limit reached", ip)
		observability.RecordRejected("ws_limit")
		writeError(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("⚠️ WebSocket upgrade error: %v", err)
		h.limiter.Release(ip)
		return
	}

	select {
	case h.joins <- &dashboard{conn: conn, ip: ip}:
	case <-h.stop:
		conn.Close()
		h.limiter.Release(ip)
		return
	}

	// Dashboards only listen; reads detect the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		select {
		case h.leaves <- conn:
		case <-h.stop:
		}
	}()
}
