package websocket

import (
	"errors"
	"testing"
)

// TestQueueFIFO verifies payloads come out in the order they went in
func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := newQueue(0)
	for _, p := range []string{"a", "b", "c"} {
		if err := q.push([]byte(p)); err != nil {
			t.Fatalf("push(%q) failed: %v", p, err)
		}
	}

	var got []string
	for {
		p, ok := q.front()
		if !ok {
			break
		}
		got = append(got, string(p))
		q.drop()
	}

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("drained %v, want [a b c]", got)
	}
}

func TestQueueFrontDoesNotRemove(t *testing.T) {
	t.Parallel()

	q := newQueue(0)
	_ = q.push([]byte("x"))

	for i := 0; i < 3; i++ {
		if p, ok := q.front(); !ok || string(p) != "x" {
			t.Fatalf("front() = %q, %v", p, ok)
		}
	}
	if q.len() != 1 {
		t.Errorf("len() = %d, want 1", q.len())
	}
}

func TestQueueLimit(t *testing.T) {
	t.Parallel()

	q := newQueue(2)
	if err := q.push([]byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := q.push([]byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := q.push([]byte("3")); !errors.Is(err, ErrQueueOverflow) {
		t.Errorf("push beyond limit = %v, want ErrQueueOverflow", err)
	}
	if q.len() != 2 {
		t.Errorf("len() = %d, want 2", q.len())
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := newQueue(0)
	_ = q.push([]byte("pending"))
	q.close()

	if err := q.push([]byte("late")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("push after close = %v, want ErrQueueClosed", err)
	}
	if _, ok := q.front(); ok {
		t.Error("front() after close should be empty")
	}
	if !q.isClosed() {
		t.Error("isClosed() = false after close")
	}
}

func TestQueueReadySignal(t *testing.T) {
	t.Parallel()

	q := newQueue(0)
	_ = q.push([]byte("a"))
	_ = q.push([]byte("b"))

	select {
	case <-q.ready:
	default:
		t.Fatal("push did not signal readiness")
	}
	select {
	case <-q.ready:
		t.Fatal("ready should coalesce signals")
	default:
	}
}
