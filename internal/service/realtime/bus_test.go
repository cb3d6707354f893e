package realtime_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/joker96824/vg-api-sub000/internal/config"
	"github.com/joker96824/vg-api-sub000/internal/service/realtime"
	"github.com/joker96824/vg-api-sub000/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func init() {
	logger.InitLogger("debug")
}

type fakeTransport struct {
	mu       sync.Mutex
	messages []map[string]interface{}
	closed   bool
	pingErr  error
}

func (f *fakeTransport) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	f.mu.Lock()
	f.messages = append(f.messages, decoded)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return f.pingErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) received() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newBusPair(t *testing.T) (*realtime.Bus, *realtime.Bus) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.RealtimeConfig{HeartbeatTimeoutSec: 120, SweepIntervalSec: 3600}
	busA := realtime.NewBus(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg)
	busB := realtime.NewBus(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg)
	return busA, busB
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterLastConnectWins(t *testing.T) {
	bus, _ := newBusPair(t)

	first := &fakeTransport{}
	second := &fakeTransport{}
	bus.Register(7, first)
	bus.Register(7, second)

	if !first.isClosed() {
		t.Fatal("replaced transport must be closed")
	}
	if _, ok := bus.Unregister(first); ok {
		t.Fatal("displaced transport should already be gone")
	}
	userID, ok := bus.Unregister(second)
	if !ok || userID != 7 {
		t.Fatalf("expected to free user 7, got %d ok=%v", userID, ok)
	}
}

func TestSendDirectLocalDelivery(t *testing.T) {
	ctx := context.Background()
	bus, _ := newBusPair(t)

	transport := &fakeTransport{}
	bus.Register(1, transport)

	err := bus.SendDirect(ctx, 1, realtime.SystemNotification("hello", "info"))
	if err != nil {
		t.Fatalf("send direct: %v", err)
	}

	messages := transport.received()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0]["type"] != realtime.EventSystemNotification {
		t.Fatalf("unexpected type: %v", messages[0]["type"])
	}
	if messages[0]["content"] != "hello" {
		t.Fatalf("payload not flattened: %v", messages[0])
	}
	if _, ok := messages[0]["timestamp"]; !ok {
		t.Fatal("envelope missing timestamp")
	}
}

func TestSendDirectCrossProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	busA, busB := newBusPair(t)
	busB.Start(ctx)

	transport := &fakeTransport{}
	busB.Register(2, transport)
	time.Sleep(50 * time.Millisecond) // let the subscription attach

	if err := busA.SendDirect(ctx, 2, realtime.SystemNotification("over the wire", "info")); err != nil {
		t.Fatalf("send direct: %v", err)
	}

	waitFor(t, "cross-process delivery", func() bool {
		return len(transport.received()) == 1
	})
	if got := transport.received()[0]["content"]; got != "over the wire" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus, _ := newBusPair(t)
	bus.Start(ctx)

	sender := &fakeTransport{}
	other := &fakeTransport{}
	bus.Register(10, sender)
	bus.Register(11, other)
	time.Sleep(50 * time.Millisecond)

	if err := bus.Broadcast(ctx, realtime.SystemNotification("room open", "info"), 10); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	waitFor(t, "broadcast delivery", func() bool {
		return len(other.received()) == 1
	})
	if len(sender.received()) != 0 {
		t.Fatal("excluded user must not receive the broadcast")
	}
}

// newSweepBus uses the shortest configurable heartbeat window so a test
// can let connections go silent with a real sleep.
func newSweepBus(t *testing.T) *realtime.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.RealtimeConfig{HeartbeatTimeoutSec: 1, SweepIntervalSec: 3600}
	return realtime.NewBus(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg)
}

func TestHeartbeatSweepClosesDeadConnections(t *testing.T) {
	bus := newSweepBus(t)

	answering := &fakeTransport{}
	dead := &fakeTransport{pingErr: context.DeadlineExceeded}
	bus.Register(20, answering)
	bus.Register(21, dead)

	time.Sleep(1100 * time.Millisecond)

	closed := bus.HeartbeatSweep()
	if closed != 1 {
		t.Fatalf("expected 1 closed connection, got %d", closed)
	}
	if !dead.isClosed() {
		t.Fatal("unreachable connection must be closed")
	}
	if answering.isClosed() {
		t.Fatal("connection that answered the ping must survive the sweep")
	}
	if _, ok := bus.Unregister(dead); ok {
		t.Fatal("dead connection should have been unregistered by the sweep")
	}
}

func TestHeartbeatSweepSparesAnsweringConnections(t *testing.T) {
	bus := newSweepBus(t)

	transport := &fakeTransport{}
	bus.Register(22, transport)

	// Silent past the window on both rounds; the answered ping is the
	// liveness signal that keeps the connection registered.
	for round := 0; round < 2; round++ {
		time.Sleep(1100 * time.Millisecond)
		if closed := bus.HeartbeatSweep(); closed != 0 {
			t.Fatalf("round %d: closed %d connections", round, closed)
		}
		if transport.isClosed() {
			t.Fatalf("round %d: answering connection was closed", round)
		}
	}

	userID, ok := bus.Unregister(transport)
	if !ok || userID != 22 {
		t.Fatalf("connection lost its registration: user=%d ok=%v", userID, ok)
	}
}
