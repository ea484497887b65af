package output

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/GeoNomad/wizkers/internal/testutil/testlog"
	"github.com/GeoNomad/wizkers/pkg/protocol"
)

func newTestHub(t *testing.T) (*WSHub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewWSHub(testlog.New(t))
	go hub.Run()

	router := gin.New()
	router.GET("/ws", hub.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	msg := readJSON(t, conn)
	if msg["type"] != "connected" {
		t.Fatalf("expected welcome, got %v", msg)
	}
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestWSHubBroadcast(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)

	ev := protocol.Event{
		Instrument: "fluke",
		Driver:     "fluke28x",
		Event:      protocol.EventReading,
		Payload:    protocol.Response{"value": 1.5},
	}
	if err := hub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg := readJSON(t, conn)
	if msg["type"] != protocol.EventReading {
		t.Fatalf("type = %v", msg["type"])
	}
	data := msg["data"].(map[string]interface{})
	if data["instrument"] != "fluke" {
		t.Fatalf("instrument = %v", data["instrument"])
	}
	payload := data["payload"].(map[string]interface{})
	if payload["value"] != 1.5 {
		t.Fatalf("payload = %v", payload)
	}
}

func TestWSHubSubscribeFilter(t *testing.T) {
	hub, url := newTestHub(t)
	conn := dial(t, url)

	if err := conn.WriteJSON(map[string]interface{}{
		"type": "subscribe",
		"data": map[string]string{"instrument": "onyx"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readJSON(t, conn); msg["type"] != "subscribed" {
		t.Fatalf("expected subscribed, got %v", msg)
	}

	ctx := context.Background()
	hub.Publish(ctx, protocol.Event{Instrument: "fluke", Event: protocol.EventReading})
	hub.Publish(ctx, protocol.Event{Instrument: "onyx", Event: protocol.EventStatus})

	msg := readJSON(t, conn)
	data := msg["data"].(map[string]interface{})
	if data["instrument"] != "onyx" || msg["type"] != protocol.EventStatus {
		t.Fatalf("filter leaked: %v", msg)
	}
}

func TestWSHubCommand(t *testing.T) {
	hub, url := newTestHub(t)
	ctrl := &fakeController{}
	hub.SetController(ctrl)
	conn := dial(t, url)

	if err := conn.WriteJSON(map[string]interface{}{
		"type": "command",
		"data": map[string]string{"instrument": "fluke", "command": "QM"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readJSON(t, conn)
	if msg["type"] != "result" || msg["ok"] != true {
		t.Fatalf("unexpected result %v", msg)
	}
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "fluke:command:QM" {
		t.Fatalf("calls = %v", ctrl.calls)
	}
}

func TestWSHubStop(t *testing.T) {
	hub, url := newTestHub(t)
	dial(t, url)

	deadline := time.Now().Add(time.Second)
	for hub.GetClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	hub.Stop()
	if hub.GetClientCount() != 0 {
		t.Fatalf("clients after Stop = %d", hub.GetClientCount())
	}
	if err := hub.Publish(context.Background(), protocol.Event{}); err != nil {
		t.Fatalf("Publish after Stop: %v", err)
	}
}
