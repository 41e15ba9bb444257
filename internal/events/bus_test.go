package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	got := make(chan Event, 1)
	unsub := bus.Subscribe(func(e Event) { got <- e })
	defer unsub()

	bus.Publish(New(EventTaskPassed, SourceScheduler, "run_1", map[string]any{"task_id": "a"}))

	select {
	case e := <-got:
		if e.Type != EventTaskPassed || e.RunID != "run_1" {
			t.Errorf("unexpected event %+v", e)
		}
		if e.Payload["task_id"] != "a" {
			t.Errorf("payload lost: %v", e.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan(8, EventTaskFailed)
	defer unsub()

	bus.Publish(New(EventTaskPassed, SourceScheduler, "run_1", nil))
	bus.Publish(New(EventTaskFailed, SourceScheduler, "run_1", nil))

	select {
	case e := <-ch:
		if e.Type != EventTaskFailed {
			t.Errorf("filter leaked %s", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("filtered event not delivered")
	}

	select {
	case e := <-ch:
		t.Errorf("unexpected second event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	var n atomic.Int32
	done := make(chan struct{}, 4)
	unsub := bus.Subscribe(func(Event) { n.Add(1); done <- struct{}{} })

	bus.Publish(New(EventRunStarted, SourceCoordinator, "run_1", nil))
	<-done
	unsub()
	bus.Publish(New(EventRunStarted, SourceCoordinator, "run_1", nil))

	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
}

func TestHistoryRing(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	for i := 0; i < 6; i++ {
		bus.Publish(New(EventTaskStarted, SourceScheduler, "run_1", map[string]any{"i": i}))
	}
	waitFor(t, func() bool { return len(bus.History(10)) == 4 })

	hist := bus.History(10)
	// Oldest two were evicted.
	if hist[0].Payload["i"] != 2 || hist[3].Payload["i"] != 5 {
		t.Errorf("unexpected ring contents: %v, %v", hist[0].Payload, hist[3].Payload)
	}

	if got := bus.History(2); len(got) != 2 || got[1].Payload["i"] != 5 {
		t.Errorf("limited history wrong: %+v", got)
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(4)
	bus.Close()
	bus.Publish(New(EventRunStarted, SourceCoordinator, "run_1", nil))
	bus.Close() // double close is safe
}

func TestConcurrentPublishAndClose(t *testing.T) {
	bus := NewBus(8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				bus.Publish(New(EventTaskStarted, SourceScheduler, "run_1", nil))
			}
		}()
	}
	bus.Close()
	wg.Wait()
}

func TestEventIDsUnique(t *testing.T) {
	a := New(EventTaskStarted, SourceScheduler, "r", nil)
	b := New(EventTaskStarted, SourceScheduler, "r", nil)
	if a.ID == b.ID {
		t.Error("event ids must be unique")
	}
}
