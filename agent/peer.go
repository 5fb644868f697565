package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
)

func portAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

// PeerEnvelope is the JSON message exchanged over the peer fabric
// (spec.md §4.2/§6).
type PeerEnvelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// peerConn wraps one live socket to a remote agent, dialed or accepted.
// closeOnce guards send/conn teardown: registerHello (duplicate agentId),
// Stop, and readPump's own defer can all reach the same peerConn.
type peerConn struct {
	agentID      string
	bootstrapURL string // empty if the remote side dialed us
	conn         *websocket.Conn
	send         chan PeerEnvelope

	closeOnce sync.Once
}

// close tears down the socket and send channel exactly once, regardless of
// which of registerHello/Stop/readPump observes the peer first.
func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		close(p.send)
		_ = p.conn.Close()
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Transport is the full-duplex peer-to-peer message fabric (C2). Each
// agent both listens on p2pPort and dials every bootstrap peer, treating
// the resulting sockets identically once open.
type Transport struct {
	log logrus.FieldLogger
	cfg *Config

	mu    sync.RWMutex
	peers map[string]*peerConn // keyed by remote agentId

	handlers   map[string][]func(PeerEnvelope)
	handlersMu sync.RWMutex

	dialer *websocket.Dialer
	server *http.Server
	cron   *gocron.Scheduler
}

// NewTransport constructs a Transport; it does nothing until Start is called.
func NewTransport(log logrus.FieldLogger, cfg *Config) *Transport {
	return &Transport{
		log:      log.WithField("component", "peer"),
		cfg:      cfg,
		peers:    make(map[string]*peerConn),
		handlers: make(map[string][]func(PeerEnvelope)),
		dialer:   websocket.DefaultDialer,
	}
}

// On registers a handler invoked for every inbound envelope of the given
// type. MsgPeerHello is handled internally and is not delivered to handlers.
func (t *Transport) On(msgType string, handler func(PeerEnvelope)) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()

	t.handlers[msgType] = append(t.handlers[msgType], handler)
}

// Start begins listening on p2pPort, dials every bootstrap peer, and starts
// the periodic rediscovery sweep.
func (t *Transport) Start(ctx context.Context) error {
	if !t.cfg.P2PEnabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/p2p", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.log.WithError(err).Warn("peer upgrade failed")

			return
		}

		t.adopt(ctx, conn, "")
	})

	t.server = &http.Server{Addr: portAddr(t.cfg.P2PPort), Handler: mux}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.WithError(err).Error("peer listener stopped")
		}
	}()

	for _, url := range t.cfg.P2PBootstrapPeers {
		t.dial(ctx, url)
	}

	t.cron = gocron.NewScheduler(time.Local)

	if _, err := t.cron.Every(t.cfg.P2PDiscoveryInterval.String()).Do(func() {
		defer func() {
			if r := recover(); r != nil {
				t.log.WithField("panic", r).Error("peer rediscovery panicked, recovered")
			}
		}()

		t.rediscover(ctx)
	}); err != nil {
		return err
	}

	t.cron.StartAsync()

	return nil
}

// Stop terminates every peer socket and the listener. Sockets are
// terminated, not drained, per spec.md §5.
func (t *Transport) Stop() {
	if t.cron != nil {
		t.cron.Stop()
	}

	if t.server != nil {
		_ = t.server.Close()
	}

	t.mu.Lock()
	for id, p := range t.peers {
		p.close()
		delete(t.peers, id)
	}
	t.mu.Unlock()
}

func (t *Transport) rediscover(ctx context.Context) {
	t.mu.RLock()
	connected := make(map[string]bool, len(t.peers))
	for _, p := range t.peers {
		if p.bootstrapURL != "" {
			connected[p.bootstrapURL] = true
		}
	}
	t.mu.RUnlock()

	for _, url := range t.cfg.P2PBootstrapPeers {
		if connected[url] {
			continue
		}

		t.dial(ctx, url)
	}
}

func (t *Transport) dial(ctx context.Context, url string) {
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		t.log.WithError(err).WithField("url", url).Debug("bootstrap dial failed")

		return
	}

	t.adopt(ctx, conn, url)
}

func (t *Transport) adopt(ctx context.Context, conn *websocket.Conn, bootstrapURL string) {
	p := &peerConn{conn: conn, bootstrapURL: bootstrapURL, send: make(chan PeerEnvelope, 64)}

	go t.writePump(p)
	go t.readPump(ctx, p)

	t.sendHello(p)
}

func (t *Transport) sendHello(p *peerConn) {
	env := PeerEnvelope{Type: sentinel.MsgPeerHello, From: t.cfg.AgentID, Timestamp: time.Now()}

	select {
	case p.send <- env:
	default:
	}
}

func (t *Transport) readPump(ctx context.Context, p *peerConn) {
	defer func() {
		t.mu.Lock()
		if p.agentID != "" && t.peers[p.agentID] == p {
			delete(t.peers, p.agentID)
		}
		t.mu.Unlock()

		p.close()
	}()

	for {
		var env PeerEnvelope
		if err := p.conn.ReadJSON(&env); err != nil {
			return
		}

		if env.From == t.cfg.AgentID {
			continue // self-dial ignored
		}

		if env.Type == sentinel.MsgPeerHello {
			t.registerHello(p, env.From)

			continue
		}

		t.dispatch(env)
	}
}

func (t *Transport) registerHello(p *peerConn, agentID string) {
	t.mu.Lock()
	if older, ok := t.peers[agentID]; ok && older != p {
		older.close()
	}

	p.agentID = agentID
	t.peers[agentID] = p
	t.mu.Unlock()
}

func (t *Transport) dispatch(env PeerEnvelope) {
	t.handlersMu.RLock()
	handlers := append([]func(PeerEnvelope){}, t.handlers[env.Type]...)
	t.handlersMu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

func (t *Transport) writePump(p *peerConn) {
	for env := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := p.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

// Broadcast sends msg to every currently connected peer, best-effort.
func (t *Transport) Broadcast(msgType string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		t.log.WithError(err).Error("marshal broadcast payload")

		return
	}

	env := PeerEnvelope{Type: msgType, From: t.cfg.AgentID, Timestamp: time.Now(), Data: payload}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, p := range t.peers {
		select {
		case p.send <- env:
		default:
			// slow or closed socket: skip without buffering or retry
		}
	}
}

// PeerCount reports the number of currently connected peers.
func (t *Transport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.peers)
}
