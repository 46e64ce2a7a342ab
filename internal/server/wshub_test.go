package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uesteibar/ralphd/internal/server"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestNewEvent_MarshalsPayload(t *testing.T) {
	evt, err := server.NewEvent(server.MsgExecutionUpdate, map[string]string{"branch": "ralph/a"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if evt.Type != server.MsgExecutionUpdate {
		t.Errorf("type = %q", evt.Type)
	}
	if evt.Timestamp == "" {
		t.Error("expected non-empty timestamp")
	}

	var decoded map[string]string
	if err := json.Unmarshal(evt.Payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded["branch"] != "ralph/a" {
		t.Errorf("payload = %v", decoded)
	}
}

func TestNewEvent_InvalidPayload(t *testing.T) {
	if _, err := server.NewEvent("test", make(chan int)); err == nil {
		t.Fatal("expected error for non-marshalable payload")
	}
}

func TestHub_BroadcastDeliversToClients(t *testing.T) {
	hub := server.NewHub(nil)
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	conn1 := dialWS(t, ts.URL)
	conn2 := dialWS(t, ts.URL)
	time.Sleep(50 * time.Millisecond)

	if hub.ClientCount() != 2 {
		t.Fatalf("clients = %d, want 2", hub.ClientCount())
	}

	evt, _ := server.NewEvent(server.MsgStateChanged, map[string]string{"path": "state.json"})
	hub.Broadcast(evt)

	for i, conn := range []*websocket.Conn{conn1, conn2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		var received server.Event
		if err := json.Unmarshal(raw, &received); err != nil {
			t.Fatalf("client %d unmarshal: %v", i, err)
		}
		if received.Type != server.MsgStateChanged {
			t.Errorf("client %d type = %q", i, received.Type)
		}
	}
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub := server.NewHub(nil)
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Fatalf("clients = %d, want 1", hub.ClientCount())
	}

	conn.Close()
	time.Sleep(100 * time.Millisecond)
	if hub.ClientCount() != 0 {
		t.Fatalf("clients = %d after disconnect, want 0", hub.ClientCount())
	}
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := server.NewHub(nil)
	evt, _ := server.NewEvent(server.MsgActivity, map[string]string{"event": "claim"})
	hub.Broadcast(evt)
}

func TestServer_WSEndpointWithoutHubReturns404(t *testing.T) {
	env := newEnv(t)

	resp, err := http.Get(env.url("/api/ws"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when hub is nil", resp.StatusCode)
	}
}
