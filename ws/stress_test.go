package ws_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/client"
	"github.com/luciancaetano/chatgate/internal/store"
)

// TestStressRoomFanOut connects many sessions to one room and checks every
// message reaches every session in publish order.
func TestStressRoomFanOut(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	const (
		numClients = 500
		numEvents  = 20
	)

	users := make([]store.User, 0, numClients)
	for i := 0; i < numClients; i++ {
		users = append(users, store.User{ID: fmt.Sprintf("user_%d", i), RoomID: "stress"})
	}
	h := newHarness(t, users...)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conns := make([]*client.Conn, numClients)
	var wg sync.WaitGroup
	var failed atomic.Int64
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, _, err := client.Dial(ctx, h.url, client.Options{
				UserID:  fmt.Sprintf("user_%d", i),
				Intents: chatgate.IntentMessages,
			})
			if err != nil {
				failed.Add(1)
				return
			}
			if _, err := conn.Hello(ctx); err != nil {
				failed.Add(1)
				_ = conn.Close()
				return
			}
			conns[i] = conn
		}(i)
	}
	wg.Wait()
	if n := failed.Load(); n > 0 {
		t.Fatalf("%d of %d connections failed", n, numClients)
	}
	t.Cleanup(func() {
		for _, c := range conns {
			_ = c.Close()
		}
	})

	start := time.Now()
	for j := 0; j < numEvents; j++ {
		data, _ := json.Marshal(map[string]any{"room_id": "stress", "seq": j})
		if err := h.gw.Publish(ctx, chatgate.Event{Type: chatgate.EventMessageCreated, Data: data}); err != nil {
			t.Fatalf("publish %d: %v", j, err)
		}
	}

	var received, outOfOrder atomic.Int64
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *client.Conn) {
			defer wg.Done()
			for j := 0; j < numEvents; j++ {
				env, err := conn.Next(ctx)
				if err != nil {
					return
				}
				var m struct {
					Seq int `json:"seq"`
				}
				if json.Unmarshal(env.Data, &m) != nil || m.Seq != j {
					outOfOrder.Add(1)
				}
				received.Add(1)
			}
		}(conn)
	}
	wg.Wait()

	elapsed := time.Since(start)
	t.Logf("delivered %d events to %d sessions in %v", received.Load(), numClients, elapsed)

	if got, want := received.Load(), int64(numClients*numEvents); got != want {
		t.Errorf("received %d events, want %d", got, want)
	}
	if n := outOfOrder.Load(); n > 0 {
		t.Errorf("%d events arrived out of order", n)
	}
}
