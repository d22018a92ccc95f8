package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRelay is a minimal websocket endpoint. Accepted connections are
// published on conns and every inbound text frame on inbound.
type fakeRelay struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	inbound chan []byte
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{
		conns:   make(chan *websocket.Conn, 4),
		inbound: make(chan []byte, 32),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.inbound <- data
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelay) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (f *fakeRelay) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.inbound:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an inbound frame")
		return nil
	}
}

func waitConnected(t *testing.T, cm *ConnManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cm.WaitOpen(ctx); err != nil {
		t.Fatalf("connection never opened: %v", err)
	}
}

func TestConnectNoRelays(t *testing.T) {
	cm := NewConnManager(Config{})
	if err := cm.Connect(); !errors.Is(err, ErrNoRelays) {
		t.Errorf("Connect with empty relay list = %v, want ErrNoRelays", err)
	}
}

func TestConnectIdempotent(t *testing.T) {
	var upgrades atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrades.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cm := NewConnManager(Config{Relays: []string{"ws" + strings.TrimPrefix(srv.URL, "http")}})
	defer cm.Close()

	if err := cm.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := cm.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	waitConnected(t, cm)
	if err := cm.Connect(); err != nil {
		t.Fatalf("Connect while open: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := upgrades.Load(); got != 1 {
		t.Errorf("upgrade count = %d, want 1", got)
	}
}

func TestRotationOnDialFailure(t *testing.T) {
	f := newFakeRelay(t)
	cm := NewConnManager(Config{
		// First address refuses connections; the manager must rotate past it.
		Relays:      []string{"ws://127.0.0.1:1", f.url()},
		BackoffBase: time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
	})
	defer cm.Close()

	if err := cm.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitConnected(t, cm)
	if !cm.Connected() {
		t.Error("Connected() = false after open")
	}
}

func TestCloseIdempotentAndStopsReconnect(t *testing.T) {
	cm := NewConnManager(Config{
		Relays:      []string{"ws://127.0.0.1:1"},
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	})
	if err := cm.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cm.Close()
	cm.Close() // second close is a no-op

	time.Sleep(50 * time.Millisecond)
	if cm.Connected() {
		t.Error("still connected after Close")
	}
	if err := cm.Send([]byte("x")); !errors.Is(err, ErrNoConnection) {
		t.Errorf("Send after Close = %v, want ErrNoConnection", err)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	cm := NewConnManager(Config{Relays: []string{"ws://127.0.0.1:1"}})
	if err := cm.Send([]byte("x")); !errors.Is(err, ErrNoConnection) {
		t.Errorf("Send = %v, want ErrNoConnection", err)
	}
}

func TestWaitOpenTimeout(t *testing.T) {
	cm := NewConnManager(Config{Relays: []string{"ws://127.0.0.1:1"}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := cm.WaitOpen(ctx)
	if !errors.Is(err, ErrNoConnection) {
		t.Errorf("WaitOpen = %v, want ErrNoConnection", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitOpen = %v, want wrapped deadline error", err)
	}
}

func TestWaitOpenResolvesOnOpen(t *testing.T) {
	f := newFakeRelay(t)
	cm := NewConnManager(Config{Relays: []string{f.url()}})
	defer cm.Close()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- cm.WaitOpen(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := cm.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("WaitOpen = %v, want nil", err)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	cm := NewConnManager(Config{
		Relays:      []string{"ws://example.invalid"},
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	})

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},  // 32s clamps to the cap
		{50, 30 * time.Second}, // shift itself is clamped
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := cm.backoffDelayLocked(tt.attempt)
			if got < tt.base {
				t.Fatalf("attempt %d: delay %v below base %v", tt.attempt, got, tt.base)
			}
			max := tt.base + tt.base*2/5
			if got > max {
				t.Fatalf("attempt %d: delay %v above base+40%% (%v)", tt.attempt, got, max)
			}
		}
	}
}
