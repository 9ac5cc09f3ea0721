package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"trellis/internal/saga"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener not permitted in this environment: %v", err)
	}
	srv := httptest.NewUnstartedServer(hub)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func TestHub_PublishesSagaUpdates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(quietLogger())
	go hub.Run(ctx)

	conn := dialHub(t, hub)

	update := saga.Update{
		WorkflowID: "order-1",
		RunID:      "run-1",
		Type:       "order_fulfillment",
		Status:     saga.StatusRunning,
		Snapshot:   json.RawMessage(`{"step":"manual_review"}`),
		At:         time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := hub.Publish(ctx, update); err != nil {
		t.Fatalf("publish: %v", err)
	}

	readCh := make(chan []byte, 1)
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read message: %v", err)
			return
		}
		readCh <- data
	}()

	select {
	case got := <-readCh:
		var msg struct {
			Type       string          `json:"type"`
			WorkflowID string          `json:"workflow_id"`
			Status     string          `json:"status"`
			Snapshot   json.RawMessage `json:"snapshot"`
		}
		if err := json.Unmarshal(got, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type != "saga_update" || msg.WorkflowID != "order-1" || msg.Status != "running" {
			t.Fatalf("unexpected message %s", got)
		}
		if string(msg.Snapshot) != `{"step":"manual_review"}` {
			t.Fatalf("unexpected snapshot %s", msg.Snapshot)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for broadcast")
	}
}

func TestHub_DropsClientOnDisconnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(quietLogger())
	go hub.Run(ctx)

	conn := dialHub(t, hub)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected client to be unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastWithoutRunnerDoesNotBlock(t *testing.T) {
	t.Parallel()

	hub := NewHub(quietLogger())
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Broadcast([]byte("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked")
	}
}
