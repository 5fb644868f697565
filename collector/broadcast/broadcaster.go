// Package broadcast implements C7: the real-time push plane that delivers
// validator-status and alert events to observers over a persistent socket.
package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Envelope is the JSON message pushed to every observer (spec.md §6).
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// client is one observer session. Authentication/scoping by userId is out
// of scope for the core (spec.md §4.7 / §9 — documented gap, not fixed
// here); every accepted session sees every event.
type client struct {
	id   string
	conn *websocket.Conn
	send chan Envelope
}

// Broadcaster maintains the observer set and fans out events to all of
// them, best-effort. Grounded directly on the reference control-plane's
// websocket.Server: register/unregister/broadcast channels drained by one
// run() goroutine.
type Broadcaster struct {
	log logrus.FieldLogger

	clients    map[*client]bool
	broadcast  chan Envelope
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

// New constructs a Broadcaster; call Start to begin its run loop.
func New(log logrus.FieldLogger) *Broadcaster {
	return &Broadcaster{
		log:        log.WithField("component", "broadcaster"),
		clients:    make(map[*client]bool),
		broadcast:  make(chan Envelope, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Start begins the broadcaster's single-goroutine run loop.
func (b *Broadcaster) Start() {
	go b.run()
}

func (b *Broadcaster) run() {
	for {
		select {
		case c := <-b.register:
			b.mu.Lock()
			b.clients[c] = true
			b.mu.Unlock()

		case c := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[c]; ok {
				delete(b.clients, c)
				close(c.send)
			}
			b.mu.Unlock()

		case msg := <-b.broadcast:
			msg.Timestamp = time.Now()

			b.mu.RLock()
			for c := range b.clients {
				select {
				case c.send <- msg:
				default:
					// slow or unwritable session: drop, don't buffer
				}
			}
			b.mu.RUnlock()
		}
	}
}

// HandleConnection upgrades an incoming request to a push socket and sends
// the welcome envelope (spec.md §4.7).
func (b *Broadcaster) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.log.WithError(err).Warn("observer upgrade failed")

		return
	}

	cl := &client{id: uuid.NewString(), conn: conn, send: make(chan Envelope, 256)}

	b.register <- cl

	go cl.readPump(b)
	go cl.writePump()

	welcome := Envelope{Type: sentinel.BroadcastWelcome, Data: map[string]string{"clientId": cl.id}, Timestamp: time.Now()}

	select {
	case cl.send <- welcome:
	default:
		// writePump not yet draining: drop rather than block the upgrade path
	}
}

func (c *client) readPump(b *Broadcaster) {
	defer func() {
		b.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast sends msg to every connected observer.
func (b *Broadcaster) Broadcast(msgType string, data interface{}) {
	b.broadcast <- Envelope{Type: msgType, Data: data}
}

// SendValidatorUpdate implements the aggregator's status-broadcaster
// capability (spec.md §9): (validatorId, status, extra) -> ().
func (b *Broadcaster) SendValidatorUpdate(validatorID, status string, extra map[string]interface{}) {
	data := map[string]interface{}{"validatorId": validatorID, "status": status}
	for k, v := range extra {
		data[k] = v
	}

	b.Broadcast(sentinel.BroadcastValidatorUpdate, data)
}

// SendAlertNotification broadcasts a newly created alert.
func (b *Broadcaster) SendAlertNotification(alert *sentinel.Alert) {
	b.Broadcast(sentinel.BroadcastAlert, alert)
}

// SendAgentUpdate broadcasts an agent status change.
func (b *Broadcaster) SendAgentUpdate(agentID, status string, extra map[string]interface{}) {
	data := map[string]interface{}{"agentId": agentID, "status": status}
	for k, v := range extra {
		data[k] = v
	}

	b.Broadcast(sentinel.BroadcastAgentUpdate, data)
}

// SendConsensusUpdate broadcasts ConsensusWindow progress (spec.md §4.6).
func (b *Broadcaster) SendConsensusUpdate(validatorID string, totalReports, unhealthyReports, threshold int, consensusReached bool) {
	b.Broadcast(sentinel.BroadcastConsensusUpdate, map[string]interface{}{
		"validatorId":      validatorID,
		"totalReports":     totalReports,
		"unhealthyReports": unhealthyReports,
		"threshold":        threshold,
		"consensusReached": consensusReached,
	})
}

// Stats returns observer-count diagnostics.
func (b *Broadcaster) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"connectedObservers": len(b.clients),
		"broadcastQueue":     len(b.broadcast),
	}
}
