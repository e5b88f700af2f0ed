package auditstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/songying/claude-tgbot/internal/audit"
)

func waitForClientCount(t *testing.T, h *Hub, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.ClientCount() == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if h.ClientCount() != expected {
		t.Errorf("expected %d clients, got %d", expected, h.ClientCount())
	}
}

func TestTokenAuthentication(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"valid token", "secret-token", http.StatusSwitchingProtocols},
		{"invalid token", "wrong-token", http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New("secret-token", nil)
			ctx, cancel := context.WithCancel(context.Background())
			go h.Run(ctx)
			defer cancel()

			server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
			defer server.Close()

			url := fmt.Sprintf("ws://%s/ws", server.URL[7:])
			if tt.token != "" {
				url = fmt.Sprintf("%s?token=%s", url, tt.token)
			}

			dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
			conn, resp, err := websocket.Dial(dialCtx, url, nil)
			dialCancel()

			if resp != nil && resp.StatusCode != tt.wantStatus {
				t.Errorf("status code = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusSwitchingProtocols {
				if err != nil {
					t.Fatalf("expected successful connection, got %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
			} else if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "")
			}
		})
	}
}

func TestBroadcastRecordFanOut(t *testing.T) {
	h := New("tok", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=tok", server.URL[7:])
	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
		conn, _, err := websocket.Dial(dialCtx, url, nil)
		dialCancel()
		if err != nil {
			t.Fatalf("dial client %d: %v", i, err)
		}
		conns = append(conns, conn)
	}
	defer func() {
		for _, c := range conns {
			c.Close(websocket.StatusNormalClosure, "")
		}
	}()

	waitForClientCount(t, h, 2, time.Second)

	h.SetBatchEnabled(false)
	h.BroadcastRecord(audit.Record{UserID: "u1", TabID: "t1", Command: "ls", Outcome: "ok", Timestamp: time.Now()})

	for i, conn := range conns {
		readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			t.Fatalf("client %d read: %v", i, err)
		}
		var msg RecordMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("client %d unmarshal: %v", i, err)
		}
		if msg.Command != "ls" || msg.UserID != "u1" {
			t.Fatalf("client %d got %+v", i, msg)
		}
	}
}

func TestBroadcastRespectsSubscriptionFilter(t *testing.T) {
	h := New("tok", nil)

	clientA := &Client{id: "a", send: make(chan []byte, 1), subscribeAll: false, subscriptions: map[string]struct{}{"u1": {}}}
	clientB := &Client{id: "b", send: make(chan []byte, 1), subscribeAll: false, subscriptions: map[string]struct{}{"u2": {}}}
	clientAll := &Client{id: "all", send: make(chan []byte, 1), subscribeAll: true, subscriptions: map[string]struct{}{}}
	h.clients = map[string]*Client{clientA.id: clientA, clientB.id: clientB, clientAll.id: clientAll}

	h.broadcastToClients(hubBroadcast{data: []byte(`{"type":"record"}`), userID: "u1"})

	select {
	case <-clientA.send:
	default:
		t.Fatal("expected clientA to receive message for u1")
	}
	select {
	case <-clientAll.send:
	default:
		t.Fatal("expected subscribe-all client to receive message")
	}
	select {
	case <-clientB.send:
		t.Fatal("did not expect clientB to receive message for u1")
	default:
	}
}

func TestClientLifecycle(t *testing.T) {
	h := New("tok", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	if h.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", h.ClientCount())
	}

	url := fmt.Sprintf("ws://%s/ws?token=tok", server.URL[7:])
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	waitForClientCount(t, h, 1, time.Second)
	conn.Close(websocket.StatusNormalClosure, "")
	waitForClientCount(t, h, 0, time.Second)
}

func TestRateLimiterCoalescesBurstsPerUser(t *testing.T) {
	var received [][]audit.Record
	var mu sync.Mutex

	limiter := NewRateLimiter(50*time.Millisecond, func(userID string, records []audit.Record) {
		mu.Lock()
		received = append(received, records)
		mu.Unlock()
	})

	for i := 0; i < 3; i++ {
		limiter.Add(audit.Record{UserID: "u1", Command: fmt.Sprintf("cmd%d", i), Timestamp: time.Now()})
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 coalesced batch, got %d", len(received))
	}
	if len(received[0]) != 3 {
		t.Fatalf("expected 3 records in the batch, got %d", len(received[0]))
	}
}

func TestBroadcastRecordBatchesBySameUser(t *testing.T) {
	h := New("tok", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=tok", server.URL[7:])
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	dialCancel()
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForClientCount(t, h, 1, time.Second)

	for i := 0; i < 3; i++ {
		h.BroadcastRecord(audit.Record{UserID: "u1", Command: fmt.Sprintf("cmd%d", i), Timestamp: time.Now()})
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, data, err := conn.Read(readCtx)
	readCancel()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg RecordMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(msg.Command, "cmd0") || !strings.Contains(msg.Command, "cmd2") {
		t.Fatalf("expected coalesced commands, got %q", msg.Command)
	}
}

func TestHighClientCountShutdown(t *testing.T) {
	h := New("tok", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer server.Close()

	url := fmt.Sprintf("ws://%s/ws?token=tok", server.URL[7:])
	numClients := 20
	var conns []*websocket.Conn
	for i := 0; i < numClients; i++ {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
		conn, _, err := websocket.Dial(dialCtx, url, nil)
		dialCancel()
		if err != nil {
			t.Fatalf("dial client %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	waitForClientCount(t, h, numClients, 2*time.Second)
	cancel()
	time.Sleep(200 * time.Millisecond)

	if h.ClientCount() != 0 {
		t.Errorf("expected 0 clients after shutdown, got %d", h.ClientCount())
	}
	for _, conn := range conns {
		conn.Close(websocket.StatusNormalClosure, "")
	}
}
