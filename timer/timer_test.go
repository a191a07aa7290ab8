package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestManager_OneShot(t *testing.T) {
	m := NewManager(5 * time.Millisecond)
	defer m.Stop()

	fired := make(chan struct{})
	m.Add(10*time.Millisecond, 0, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Timer never fired")
	}
}

func TestManager_Cancel(t *testing.T) {
	m := NewManager(5 * time.Millisecond)
	defer m.Stop()

	var fired atomic.Bool
	id := m.Add(30*time.Millisecond, 0, func() { fired.Store(true) })

	if !m.Cancel(id) {
		t.Fatal("Cancel of a pending timer returned false")
	}

	time.Sleep(80 * time.Millisecond)
	if fired.Load() {
		t.Error("Cancelled timer fired anyway")
	}

	if m.Cancel(id) {
		t.Error("Cancelling the same timer twice returned true")
	}
	if m.Cancel(9999) {
		t.Error("Cancel of an unknown id returned true")
	}
}

func TestManager_Repeating(t *testing.T) {
	m := NewManager(5 * time.Millisecond)
	defer m.Stop()

	var count atomic.Int32
	id := m.Add(10*time.Millisecond, 10*time.Millisecond, func() { count.Add(1) })

	deadline := time.Now().Add(time.Second)
	for count.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if count.Load() < 3 {
		t.Fatalf("Expected at least 3 runs, got %d", count.Load())
	}

	// A repeating timer reschedules itself, so it stays cancellable.
	if !m.Cancel(id) {
		t.Error("Cancel of a repeating timer returned false")
	}
	settled := count.Load()
	time.Sleep(50 * time.Millisecond)
	if count.Load() != settled {
		t.Errorf("Repeating timer kept firing after cancel: %d -> %d", settled, count.Load())
	}
}

func TestManager_Ordering(t *testing.T) {
	m := NewManager(5 * time.Millisecond)
	defer m.Stop()

	order := make(chan int, 2)
	m.Add(40*time.Millisecond, 0, func() { order <- 2 })
	m.Add(10*time.Millisecond, 0, func() { order <- 1 })

	for _, want := range []int{1, 2} {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("Expected timer %d to fire, got %d", want, got)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("Timed out waiting for timer %d", want)
		}
	}
}

func TestManager_StopDropsPending(t *testing.T) {
	m := NewManager(5 * time.Millisecond)

	var fired atomic.Bool
	m.Add(30*time.Millisecond, 0, func() { fired.Store(true) })

	m.Stop()
	m.Stop() // idempotent

	time.Sleep(80 * time.Millisecond)
	if fired.Load() {
		t.Error("Timer fired after Stop")
	}
}

func TestManager_AddFromCallback(t *testing.T) {
	m := NewManager(5 * time.Millisecond)
	defer m.Stop()

	chained := make(chan struct{})
	m.Add(10*time.Millisecond, 0, func() {
		m.Add(10*time.Millisecond, 0, func() { close(chained) })
	})

	select {
	case <-chained:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Chained timer never fired")
	}
}
