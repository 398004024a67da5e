package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()

	var received []Event
	bus.Subscribe(EventTaskQueued, func(e Event) {
		received = append(received, e)
	})

	e := bus.PublishTyped(TaskQueuedPayload{TaskID: "task_1", Lane: "main"})
	bus.PublishTyped(TaskStartedPayload{TaskID: "task_1", Lane: "main"})

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventTaskQueued {
		t.Errorf("expected task_queued, got %s", received[0].Type)
	}
	if e.ID == "" {
		t.Error("publish must assign an id")
	}

	p, ok := ExtractPayload[TaskQueuedPayload](received[0])
	if !ok || p.TaskID != "task_1" {
		t.Errorf("payload round-trip: %+v ok=%v", p, ok)
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.SubscribeAll(func(e Event) { count++ })

	bus.PublishTyped(TaskQueuedPayload{TaskID: "a"})
	bus.PublishTyped(JobStartedPayload{JobID: "b"})

	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	unsub := bus.Subscribe(EventTaskQueued, func(e Event) { count++ })

	bus.PublishTyped(TaskQueuedPayload{TaskID: "a"})
	unsub()
	bus.PublishTyped(TaskQueuedPayload{TaskID: "b"})

	if count != 1 {
		t.Errorf("expected 1 event after unsubscribe, got %d", count)
	}
}

func TestBusFilter(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe(EventTaskQueued, func(e Event) {
		got = append(got, e.SessionKey)
	}, func(e Event) bool { return e.SessionKey == "msg:dm:42" })

	bus.PublishTyped(TaskQueuedPayload{TaskID: "a"}, Meta{SessionKey: "msg:dm:42"})
	bus.PublishTyped(TaskQueuedPayload{TaskID: "b"}, Meta{SessionKey: "msg:dm:7"})

	if len(got) != 1 || got[0] != "msg:dm:42" {
		t.Errorf("filter leaked: %v", got)
	}
}

func TestBusFilterView(t *testing.T) {
	bus := NewBus()
	view := bus.Filter(func(e Event) bool { return e.Channel == "msg" })

	count := 0
	view.SubscribeAll(func(e Event) { count++ })

	bus.PublishTyped(TaskQueuedPayload{TaskID: "a"}, Meta{Channel: "msg"})
	bus.PublishTyped(TaskQueuedPayload{TaskID: "b"}, Meta{Channel: "web"})

	if count != 1 {
		t.Errorf("view: expected 1 event, got %d", count)
	}
}

func TestBusPauseResume(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.Subscribe(EventTaskQueued, func(e Event) {
		p, _ := ExtractPayload[TaskQueuedPayload](e)
		order = append(order, p.TaskID)
	})

	bus.Pause()
	bus.PublishTyped(TaskQueuedPayload{TaskID: "first"})
	bus.PublishTyped(TaskQueuedPayload{TaskID: "second"})

	if len(order) != 0 {
		t.Fatalf("paused bus must not dispatch, got %v", order)
	}

	bus.Resume()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("resume flush order: %v", order)
	}
}

func TestBusPauseDropsOldest(t *testing.T) {
	bus := NewBusBuffered(2)

	var order []string
	bus.Subscribe(EventTaskQueued, func(e Event) {
		p, _ := ExtractPayload[TaskQueuedPayload](e)
		order = append(order, p.TaskID)
	})

	bus.Pause()
	bus.PublishTyped(TaskQueuedPayload{TaskID: "a"})
	bus.PublishTyped(TaskQueuedPayload{TaskID: "b"})
	bus.PublishTyped(TaskQueuedPayload{TaskID: "c"})
	bus.Resume()

	if len(order) != 2 || order[0] != "b" || order[1] != "c" {
		t.Errorf("expected oldest dropped, got %v", order)
	}
}

func TestBusOnce(t *testing.T) {
	bus := NewBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e, err := bus.Once(EventJobCompleted, nil, time.Second)
		if err != nil {
			t.Errorf("once: %v", err)
			return
		}
		if e.Type != EventJobCompleted {
			t.Errorf("once: wrong type %s", e.Type)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	bus.PublishTyped(JobCompletedPayload{JobID: "job_1"})
	<-done
}

func TestBusOnceTimeout(t *testing.T) {
	bus := NewBus()

	_, err := bus.Once(EventJobCompleted, nil, 30*time.Millisecond)
	if err != ErrOnceTimeout {
		t.Errorf("expected ErrOnceTimeout, got %v", err)
	}
}

func TestBusHandlerPanicIsolated(t *testing.T) {
	bus := NewBus()

	bus.Subscribe(EventTaskQueued, func(e Event) { panic("boom") })
	count := 0
	bus.Subscribe(EventTaskQueued, func(e Event) { count++ })

	bus.PublishTyped(TaskQueuedPayload{TaskID: "a"})

	if count != 1 {
		t.Errorf("panic must not abort other handlers, got count=%d", count)
	}
}

func TestBusMonotonicTimestampsAndUniqueIDs(t *testing.T) {
	bus := NewBus()

	seen := make(map[string]bool)
	var last time.Time
	for i := 0; i < 500; i++ {
		e := bus.PublishTyped(AgentThinkingPayload{Phase: "loop"})
		if seen[e.ID] {
			t.Fatalf("duplicate event id %s", e.ID)
		}
		seen[e.ID] = true
		if e.Timestamp.Before(last) {
			t.Fatalf("timestamp regressed at %d", i)
		}
		last = e.Timestamp
	}
}

func TestRingBufferDrain(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Add(Event{ID: string(rune('a' + i))})
	}
	out := rb.Drain()
	if len(out) != 3 || out[0].ID != "c" || out[2].ID != "e" {
		t.Errorf("drain: %v", out)
	}
	if got := rb.Drain(); len(got) != 0 {
		t.Errorf("second drain must be empty, got %v", got)
	}
}
