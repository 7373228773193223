package eventengine

import (
	"testing"
	"time"

	"github.com/fgggid/6relayd/pkg/iface"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(&iface.Registry{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestStopWakesRun(t *testing.T) {
	e := newTestEngine(t)

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	time.Sleep(10 * time.Millisecond)
	e.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestTimerFiresAndRearms(t *testing.T) {
	e := newTestEngine(t)

	fired := make(chan int, 8)
	count := 0
	timer, err := e.NewTimer("test", func(tm *Timer) {
		count++
		fired <- count
		if count < 2 {
			tm.Arm(5 * time.Millisecond)
		} else {
			e.Stop()
		}
	})
	if err != nil {
		t.Fatalf("timer: %v", err)
	}
	timer.Arm(5 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- e.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timer never fired twice")
	}
	if count != 2 {
		t.Fatalf("fired %d times, want 2", count)
	}
}

func TestTimerDirectFire(t *testing.T) {
	e := newTestEngine(t)

	fired := 0
	timer, err := e.NewTimer("direct", func(*Timer) { fired++ })
	if err != nil {
		t.Fatalf("timer: %v", err)
	}
	timer.Fire()
	if fired != 1 {
		t.Fatalf("direct fire ran %d times, want 1", fired)
	}
}

func TestRegisteredCount(t *testing.T) {
	e := newTestEngine(t)
	if e.Registered() != 0 {
		t.Fatalf("fresh engine reports %d registered events", e.Registered())
	}
	if _, err := e.NewTimer("t", func(*Timer) {}); err != nil {
		t.Fatal(err)
	}
	if e.Registered() != 1 {
		t.Fatalf("after one timer, registered = %d", e.Registered())
	}
}
