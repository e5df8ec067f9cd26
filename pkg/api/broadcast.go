package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kunal/gpu-utilization-monitor/pkg/model"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 4
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedClient is one WebSocket connection with its own writer goroutine.
type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Broadcaster pushes every published Snapshot to connected WebSocket clients.
// Broadcast never writes to a socket itself, so a stalled reader only loses
// its own messages.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*feedClient]bool
	log     *logrus.Entry
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[*feedClient]bool),
		log:     logrus.WithField("component", "broadcast"),
	}
}

// HandleWS is the WebSocket upgrade handler for /ws.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warnf("⚠️  WebSocket upgrade failed: %v", err)
		return
	}

	c := &feedClient{conn: conn, send: make(chan []byte, sendBuffer)}
	b.mu.Lock()
	b.clients[c] = true
	n := len(b.clients)
	b.mu.Unlock()
	b.log.Infof("📊 Feed client connected (%d total)", n)

	go c.writeLoop()

	// Read loop to detect disconnect
	go func() {
		defer b.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (c *feedClient) writeLoop() {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// remove drops c and ends its writer. Safe to call more than once.
func (b *Broadcaster) remove(c *feedClient) {
	b.mu.Lock()
	ok := b.drop(c)
	n := len(b.clients)
	b.mu.Unlock()
	if ok {
		b.log.Infof("📊 Feed client disconnected (%d remain)", n)
	}
}

// drop must be called with b.mu held.
func (b *Broadcaster) drop(c *feedClient) bool {
	if !b.clients[c] {
		return false
	}
	delete(b.clients, c)
	close(c.send)
	return true
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Broadcast queues snap for every client. Clients whose queue is full are
// disconnected.
func (b *Broadcaster) Broadcast(snap *model.Snapshot) {
	if snap == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		b.log.WithError(err).Error("Failed to encode snapshot")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.drop(c)
			b.log.Warn("⚠️  Feed client too slow, disconnected")
		}
	}
}
