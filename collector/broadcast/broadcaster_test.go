package broadcast

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel"
)

func newTestServer(t *testing.T) (*Broadcaster, *httptest.Server) {
	t.Helper()

	gin.SetMode(gin.TestMode)

	b := New(logrus.New())
	b.Start()

	router := gin.New()
	router.GET("/ws", b.HandleConnection)

	srv := httptest.NewServer(router)

	return b, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial observer socket: %v", err)
	}

	return conn
}

func TestBroadcasterSendsWelcomeOnConnect(t *testing.T) {
	b, srv := newTestServer(t)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read welcome envelope: %v", err)
	}

	if env.Type != sentinel.BroadcastWelcome {
		t.Fatalf("expected welcome envelope, got type %q", env.Type)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.Stats()["connectedObservers"].(int) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected exactly one connected observer after handshake")
}

func TestBroadcasterFansOutToAllObservers(t *testing.T) {
	b, srv := newTestServer(t)
	defer srv.Close()

	conn1 := dial(t, srv)
	defer conn1.Close()
	conn2 := dial(t, srv)
	defer conn2.Close()

	// Drain each connection's welcome envelope.
	var welcome Envelope
	conn1.ReadJSON(&welcome)
	conn2.ReadJSON(&welcome)

	b.SendValidatorUpdate("validator-1", "unhealthy", map[string]interface{}{"alertId": "alert-1"})

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read validator_update envelope: %v", err)
		}

		if env.Type != sentinel.BroadcastValidatorUpdate {
			t.Fatalf("expected validator_update envelope, got %q", env.Type)
		}
	}
}

func TestBroadcasterDisconnectRemovesObserver(t *testing.T) {
	b, srv := newTestServer(t)
	defer srv.Close()

	conn := dial(t, srv)

	var welcome Envelope
	conn.ReadJSON(&welcome)

	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if b.Stats()["connectedObservers"].(int) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected observer count to drop to 0 after disconnect")
}
