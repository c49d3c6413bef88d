package e2e_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skychatorg/skychat-sub001/internal/chat"
	"github.com/skychatorg/skychat-sub001/internal/plugins"
	"github.com/skychatorg/skychat-sub001/internal/store"
)

// Helper function to create a WebSocket dialer
func newDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
}

// startServer boots a full server with the built-in plugin set on addr,
// backed by an in-memory database.
func startServer(t *testing.T, addr string) *chat.Server {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	server, err := chat.NewServer(chat.Config{
		Addr:        addr,
		ServerName:  "e2e",
		DefaultRoom: "main",
		HistorySize: 50,
		TokenSecret: "e2e-secret",
	}, st)
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	plugins.Register(server)

	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	time.Sleep(200 * time.Millisecond)
	return server
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// dial connects and sends the given handshake.
func dial(t *testing.T, addr string, handshake interface{}) *websocket.Conn {
	t.Helper()

	conn, _, err := newDialer().Dial(fmt.Sprintf("ws://localhost%s/ws", addr), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if err := conn.WriteJSON(handshake); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return conn
}

// waitEvent reads frames until a text event with the given name arrives.
func waitEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q event: %v", event, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var ev envelope
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if ev.Event == event {
			return ev.Data
		}
	}
}

// waitBinary reads frames until a binary one arrives.
func waitBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for binary frame: %v", err)
		}
		if messageType == websocket.BinaryMessage {
			return data
		}
	}
}

// sendText posts a chat message or command through the inbound envelope.
func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	if err := conn.WriteJSON(envelope{Event: "message", Data: mustJSON(t, text)}); err != nil {
		t.Fatalf("send text: %v", err)
	}
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
