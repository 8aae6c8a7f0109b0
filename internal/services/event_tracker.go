package services

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"otc-backend/internal/events"
	"otc-backend/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultTrackedEvents how many lifecycle events the tracker remembers
const DefaultTrackedEvents = 50

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Connection one websocket subscriber of the lifecycle feed
type Connection struct {
	ID       string          `json:"id"`
	Conn     *websocket.Conn `json:"-"`
	Send     chan []byte     `json:"-"`
	LastPing time.Time       `json:"last_ping"`
}

// EventTracker keeps the most recent lifecycle events and pushes every new
// one to connected websocket clients
type EventTracker struct {
	capacity int

	mu     sync.RWMutex
	recent []events.SettlementEvent

	connections map[string]*Connection
	connMu      sync.RWMutex
	hub         chan []byte
	register    chan *Connection
	unregister  chan *Connection
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func NewEventTracker(capacity int) *EventTracker {
	if capacity <= 0 {
		capacity = DefaultTrackedEvents
	}
	t := &EventTracker{
		capacity:    capacity,
		recent:      make([]events.SettlementEvent, 0, capacity),
		connections: make(map[string]*Connection),
		hub:         make(chan []byte, 256),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		stopCh:      make(chan struct{}),
	}
	go t.run()
	return t
}

// Notify records the event and queues it for websocket delivery. Never blocks.
func (t *EventTracker) Notify(ev events.SettlementEvent) {
	t.mu.Lock()
	if len(t.recent) == t.capacity {
		copy(t.recent, t.recent[1:])
		t.recent = t.recent[:t.capacity-1]
	}
	t.recent = append(t.recent, ev)
	t.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("❌ [EventTracker] Failed to marshal event %s: %v", ev.Type, err)
		return
	}
	select {
	case t.hub <- data:
	default:
		log.Printf("⚠️ [EventTracker] Broadcast queue full, dropping %s for %s", ev.Type, ev.SettlementID)
	}
}

// Recent newest-first copy of up to limit tracked events (0 means all)
func (t *EventTracker) Recent(limit int) []events.SettlementEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := len(t.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]events.SettlementEvent, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.recent[i])
	}
	return out
}

// ForSettlement tracked events of a single settlement, oldest first
func (t *EventTracker) ForSettlement(id string) []events.SettlementEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []events.SettlementEvent
	for _, ev := range t.recent {
		if ev.SettlementID == id {
			out = append(out, ev)
		}
	}
	return out
}

// Connections number of live websocket subscribers
func (t *EventTracker) Connections() int {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return len(t.connections)
}

// Close stops the hub and disconnects every subscriber
func (t *EventTracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *EventTracker) run() {
	for {
		select {
		case conn := <-t.register:
			t.connMu.Lock()
			t.connections[conn.ID] = conn
			metrics.WebSocketConnections.Set(float64(len(t.connections)))
			t.connMu.Unlock()
			log.Printf("📱 [EventTracker] WebSocket connection registered: %s", conn.ID)

		case conn := <-t.unregister:
			t.connMu.Lock()
			if _, ok := t.connections[conn.ID]; ok {
				delete(t.connections, conn.ID)
				close(conn.Send)
			}
			metrics.WebSocketConnections.Set(float64(len(t.connections)))
			t.connMu.Unlock()
			log.Printf("📱 [EventTracker] WebSocket connection unregistered: %s", conn.ID)

		case data := <-t.hub:
			t.connMu.RLock()
			for _, conn := range t.connections {
				select {
				case conn.Send <- data:
				default:
					log.Printf("⚠️ [EventTracker] Send buffer full for connection %s", conn.ID)
				}
			}
			t.connMu.RUnlock()

		case <-t.stopCh:
			t.connMu.Lock()
			for id, conn := range t.connections {
				close(conn.Send)
				delete(t.connections, id)
			}
			metrics.WebSocketConnections.Set(0)
			t.connMu.Unlock()
			return
		}
	}
}

// HandleWebSocket upgrades the request and streams lifecycle events until the client goes away
func (t *EventTracker) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade failed: %v", err)
		return
	}

	connection := &Connection{
		ID:       uuid.New().String(),
		Conn:     conn,
		Send:     make(chan []byte, 256),
		LastPing: time.Now(),
	}

	hello, _ := json.Marshal(map[string]interface{}{
		"type":          "connection_established",
		"connection_id": connection.ID,
		"recent":        t.Recent(0),
		"timestamp":     time.Now().Format(time.RFC3339),
	})
	connection.Send <- hello

	select {
	case t.register <- connection:
	case <-t.stopCh:
		conn.Close()
		return
	}

	go t.writeLoop(connection)
	go t.readLoop(connection)
}

func (t *EventTracker) writeLoop(conn *Connection) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ Write message failed: %v", err)
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop only services control frames; the feed is one-way
func (t *EventTracker) readLoop(conn *Connection) {
	defer func() {
		select {
		case t.unregister <- conn:
		case <-t.stopCh:
		}
		conn.Conn.Close()
	}()

	conn.Conn.SetReadLimit(512)
	conn.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.LastPing = time.Now()
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket read error: %v", err)
			}
			return
		}
	}
}
