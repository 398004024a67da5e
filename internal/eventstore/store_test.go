package eventstore

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"warden/internal/events"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeEvent(id string, typ events.EventType, ts time.Time) events.Event {
	return events.Event{
		ID:        id,
		Type:      typ,
		Timestamp: ts,
		Payload:   map[string]any{"seq": id},
	}
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)

	e := makeEvent("e1", events.EventTaskQueued, time.Now())
	e.SessionKey = "agent:warden:system"
	e.Channel = "internal"
	if err := s.Insert(e); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("e1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("event not found")
	}
	if got.Type != events.EventTaskQueued || got.SessionKey != "agent:warden:system" {
		t.Errorf("got: %+v", got)
	}
	if got.Payload["seq"] != "e1" {
		t.Errorf("payload: %v", got.Payload)
	}

	missing, err := s.Get("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing id")
	}
}

func TestBatchAtomicity(t *testing.T) {
	s := newTestStore(t)

	if err := s.Insert(makeEvent("dup", events.EventTaskQueued, time.Now())); err != nil {
		t.Fatal(err)
	}

	// The second entry collides with an existing primary key; the whole
	// batch must roll back.
	batch := []events.Event{
		makeEvent("b1", events.EventTaskStarted, time.Now()),
		makeEvent("dup", events.EventTaskStarted, time.Now()),
		makeEvent("b2", events.EventTaskStarted, time.Now()),
	}
	if err := s.InsertBatch(batch); err == nil {
		t.Fatal("expected batch failure")
	}

	for _, id := range []string{"b1", "b2"} {
		got, err := s.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Errorf("event %s persisted from failed batch", id)
		}
	}

	// A clean batch lands in full.
	if err := s.InsertBatch([]events.Event{
		makeEvent("c1", events.EventTaskStarted, time.Now()),
		makeEvent("c2", events.EventTaskSucceeded, time.Now()),
	}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"c1", "c2"} {
		if got, _ := s.Get(id); got == nil {
			t.Errorf("event %s missing after batch", id)
		}
	}
}

func TestQueryFiltersAndPagination(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		typ := events.EventTaskQueued
		if i%2 == 1 {
			typ = events.EventTaskSucceeded
		}
		e := makeEvent(fmt.Sprintf("e%02d", i), typ, base.Add(time.Duration(i)*time.Minute))
		e.SessionKey = "msg:dm:42"
		if err := s.Insert(e); err != nil {
			t.Fatal(err)
		}
	}

	queued, err := s.Query(Filter{Types: []events.EventType{events.EventTaskQueued}})
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 5 {
		t.Errorf("queued events: %d, want 5", len(queued))
	}

	// Ascending timestamp order by default.
	all, err := s.Query(Filter{SessionKey: "msg:dm:42"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Fatal("results not in ascending timestamp order")
		}
	}

	// Pagination walks the set without overlap.
	page1, err := s.Query(Filter{Limit: 4})
	if err != nil {
		t.Fatal(err)
	}
	page2, err := s.Query(Filter{Limit: 4, Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 4 || len(page2) != 4 {
		t.Fatalf("pages: %d, %d", len(page1), len(page2))
	}
	if page1[3].ID == page2[0].ID {
		t.Error("pages overlap")
	}

	// Time-range filter.
	windowed, err := s.Query(Filter{
		Since: base.Add(2 * time.Minute),
		Until: base.Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(windowed) != 3 {
		t.Errorf("windowed events: %d, want 3", len(windowed))
	}

	// Descending order flips the first result.
	desc, err := s.Query(Filter{Descending: true, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if desc[0].ID != "e09" {
		t.Errorf("newest first: %s", desc[0].ID)
	}
}

func TestCountByType(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		s.Insert(makeEvent(fmt.Sprintf("q%d", i), events.EventTaskQueued, time.Now()))
	}
	s.Insert(makeEvent("f1", events.EventTaskFailed, time.Now()))

	counts, err := s.CountByType()
	if err != nil {
		t.Fatal(err)
	}
	if counts[events.EventTaskQueued] != 3 || counts[events.EventTaskFailed] != 1 {
		t.Errorf("counts: %v", counts)
	}
}

func TestCountsByBucket(t *testing.T) {
	s := newTestStore(t)

	day1 := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 21, 11, 0, 0, 0, time.UTC)
	s.Insert(makeEvent("a", events.EventTaskQueued, day1))
	s.Insert(makeEvent("b", events.EventTaskQueued, day1.Add(30*time.Minute)))
	s.Insert(makeEvent("c", events.EventTaskQueued, day2))

	buckets, err := s.CountsByBucket(BucketDay, day1.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(buckets) != 2 {
		t.Fatalf("buckets: %+v", buckets)
	}
	if buckets[0].Bucket != "2026-08-20" || buckets[0].Count != 2 {
		t.Errorf("first bucket: %+v", buckets[0])
	}
	if buckets[1].Bucket != "2026-08-21" || buckets[1].Count != 1 {
		t.Errorf("second bucket: %+v", buckets[1])
	}
}

func TestToolUsageAggregation(t *testing.T) {
	s := newTestStore(t)

	insertTool := func(id, name string, durMs int64, success bool) {
		s.Insert(events.Event{
			ID:        id,
			Type:      events.EventToolExecuted,
			Timestamp: time.Now(),
			Payload:   map[string]any{"name": name, "duration_ms": durMs, "success": success},
		})
	}
	insertTool("t1", "web_search", 100, true)
	insertTool("t2", "web_search", 300, false)
	insertTool("t3", "read_file", 10, true)

	stats, err := s.ToolUsage()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats: %+v", stats)
	}
	top := stats[0]
	if top.Name != "web_search" || top.Calls != 2 || top.Errors != 1 || top.AvgDurationMs != 200 {
		t.Errorf("web_search stats: %+v", top)
	}
}

func TestErrorStatsAggregation(t *testing.T) {
	s := newTestStore(t)

	insertErr := func(id, severity, errType string) {
		s.Insert(events.Event{
			ID:        id,
			Type:      events.EventErrorOccurred,
			Timestamp: time.Now(),
			Payload:   map[string]any{"severity": severity, "error_type": errType},
		})
	}
	insertErr("e1", "error", "provider")
	insertErr("e2", "error", "provider")
	insertErr("e3", "warning", "tool")

	stats, err := s.ErrorStats()
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats: %+v", stats)
	}
	if stats[0].Severity != "error" || stats[0].ErrorType != "provider" || stats[0].Count != 2 {
		t.Errorf("top error stat: %+v", stats[0])
	}
}

func TestRetentionDelete(t *testing.T) {
	s := newTestStore(t)

	old := time.Now().Add(-40 * 24 * time.Hour)
	s.Insert(makeEvent("old", events.EventTaskQueued, old))
	s.Insert(makeEvent("new", events.EventTaskQueued, time.Now()))

	n, err := s.DeleteOlderThan(time.Now().Add(-30 * 24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted: %d, want 1", n)
	}
	if got, _ := s.Get("old"); got != nil {
		t.Error("old event survived the sweep")
	}
	if got, _ := s.Get("new"); got == nil {
		t.Error("recent event deleted")
	}
}

func TestAttachPersistsBusEvents(t *testing.T) {
	s := newTestStore(t)
	bus := events.NewBus()
	unsub := s.Attach(bus)
	defer unsub()

	e := bus.Publish(events.EventTaskQueued, map[string]any{"task_id": "task_1234"}, events.Meta{
		SessionKey: "agent:warden:system",
	})

	got, err := s.Get(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("published event not persisted")
	}
	if got.Payload["task_id"] != "task_1234" {
		t.Errorf("payload: %v", got.Payload)
	}
}
