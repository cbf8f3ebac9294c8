package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obsidianstack/metricflow/pkg/events"
	"github.com/obsidianstack/metricflow/pkg/types"
	wsHub "github.com/obsidianstack/metricflow/server/internal/ws"
)

// startHub serves hub over httptest and runs its relay loop until cleanup.
func startHub(t *testing.T, bus *events.Bus) (wsURL string, hub *wsHub.Hub, cancel func()) {
	t.Helper()

	hub = wsHub.New(bus, func() any { return map[string]int{"active_alerts": 2} })
	ctx, cancelFn := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	go hub.Run(ctx)

	t.Cleanup(func() {
		cancelFn()
		srv.Close()
	})

	wsURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return wsURL, hub, cancelFn
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(msg, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

func TestHub_Connect_ReceivesSnapshot(t *testing.T) {
	wsURL, _, _ := startHub(t, events.New())

	m := readMessage(t, dial(t, wsURL))
	if m["event"] != "snapshot" {
		t.Errorf("event: got %v, want snapshot", m["event"])
	}
	data := m["data"].(map[string]interface{})
	if data["active_alerts"] != float64(2) {
		t.Errorf("active_alerts: got %v, want 2", data["active_alerts"])
	}
}

func TestHub_RelaysAlertEvents(t *testing.T) {
	bus := events.New()
	wsURL, _, _ := startHub(t, bus)

	conn := dial(t, wsURL)
	readMessage(t, conn) // snapshot; client is registered now

	bus.Publish(types.EventJobStarted, types.JobStarted{JobID: "ignored"})
	bus.Publish(types.EventAlertTriggered, types.AlertTriggered{AlertID: "a-1", RuleID: "r-1", Severity: "critical"})

	m := readMessage(t, conn)
	if m["event"] != types.EventAlertTriggered {
		t.Fatalf("event: got %v, want alertTriggered", m["event"])
	}
	data := m["data"].(map[string]interface{})
	if data["alertId"] != "a-1" || data["severity"] != "critical" {
		t.Errorf("data: got %v", data)
	}
}

func TestHub_BatchReducedToCount(t *testing.T) {
	bus := events.New()
	wsURL, _, _ := startHub(t, bus)

	conn := dial(t, wsURL)
	readMessage(t, conn)

	bus.Publish(types.EventMetricValuesBatch, types.MetricValuesBatch{
		Count:  2,
		Values: []types.MetricValue{{MetricID: "cpu"}, {MetricID: "cpu"}},
	})

	m := readMessage(t, conn)
	data := m["data"].(map[string]interface{})
	if data["count"] != float64(2) {
		t.Errorf("count: got %v, want 2", data["count"])
	}
	if _, ok := data["values"]; ok {
		t.Error("values: should not be sent to clients")
	}
}

func TestHub_AllClientsReceiveBroadcast(t *testing.T) {
	bus := events.New()
	wsURL, _, _ := startHub(t, bus)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, wsURL)
		readMessage(t, conns[i])
	}

	bus.Publish(types.EventAlertResolved, types.AlertResolved{AlertID: "a-1", Reason: "manual"})
	for i, conn := range conns {
		if m := readMessage(t, conn); m["event"] != types.EventAlertResolved {
			t.Errorf("client %d: event: got %v, want alertResolved", i, m["event"])
		}
	}
}

func TestHub_CountClients_DecreasesOnDisconnect(t *testing.T) {
	wsURL, hub, _ := startHub(t, events.New())

	conn := dial(t, wsURL)
	readMessage(t, conn)
	if n := hub.Count(); n != 1 {
		t.Errorf("Count before disconnect: got %d, want 1", n)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond) // let readPump detect the close

	if n := hub.Count(); n != 0 {
		t.Errorf("Count after disconnect: got %d, want 0", n)
	}
}

func TestHub_CancelContextClosesConnections(t *testing.T) {
	wsURL, hub, cancel := startHub(t, events.New())

	conn := dial(t, wsURL)
	readMessage(t, conn)

	cancel()
	time.Sleep(50 * time.Millisecond)
	if n := hub.Count(); n != 0 {
		t.Errorf("Count after cancel: got %d, want 0", n)
	}
}

func TestHub_NonWebSocketRequest_Returns400(t *testing.T) {
	hub := wsHub.New(events.New(), nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
}
