package metrics

import (
	"errors"
	"sync"
	"testing"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

type countingOutput struct {
	name   string
	err    error
	mu     sync.Mutex
	events []*models.TelemetryEvent
	closed bool
}

func (o *countingOutput) Write(event *models.TelemetryEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return o.err
}

func (o *countingOutput) Name() string { return o.name }

func (o *countingOutput) Close() error {
	o.closed = true
	return nil
}

func (o *countingOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func TestDispatcherFanOut(t *testing.T) {
	d := NewDispatcher()
	good := &countingOutput{name: "good"}
	bad := &countingOutput{name: "bad", err: errors.New("write failed")}
	d.RegisterOutput(bad)
	d.RegisterOutput(good)

	heap := 1.0
	event := models.NewPerformanceEvent(&models.PerformanceSnapshot{Timestamp: 1, JSHeapUsedSize: &heap})
	d.Notify(event.NotificationName(), event)
	d.Dispatch(event)

	if good.count() != 2 {
		t.Errorf("Expected 2 events on good output, got %d", good.count())
	}
	if bad.count() != 2 {
		t.Errorf("Expected failing output to still receive 2 events, got %d", bad.count())
	}

	names := d.Outputs()
	if len(names) != 2 || names[0] != "bad" || names[1] != "good" {
		t.Errorf("Expected outputs [bad good], got %v", names)
	}
}

func TestDispatcherClose(t *testing.T) {
	d := NewDispatcher()
	o := &countingOutput{name: "closable"}
	d.RegisterOutput(o)
	d.RegisterOutput(NewCollector(10))

	if err := d.Close(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !o.closed {
		t.Error("Expected output to be closed")
	}
}

func TestCollectorStats(t *testing.T) {
	c := NewCollector(3)
	ok, failed := 200, 503

	events := []*models.TelemetryEvent{
		models.NewPerformanceEvent(&models.PerformanceSnapshot{Timestamp: 1}),
		models.NewRequestStartedEvent(&models.NetworkRequestStarted{RequestID: "a"}),
		models.NewResponseEvent(&models.NetworkResponseReceived{RequestID: "a", Status: 200}),
		models.NewCompletedEvent(&models.NetworkRequestCompleted{RequestID: "a", Status: &ok, DurationMs: 100, SizeBytes: 10}),
		models.NewCompletedEvent(&models.NetworkRequestCompleted{RequestID: "b", Status: &failed, DurationMs: 300, SizeBytes: 5}),
		models.NewPerformanceEvent(&models.PerformanceSnapshot{Timestamp: 2}),
	}
	for _, e := range events {
		if err := c.Write(e); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	s := c.Stats()
	if s.Snapshots != 2 {
		t.Errorf("Expected 2 snapshots, got %d", s.Snapshots)
	}
	if s.RequestsStarted != 1 || s.Responses != 1 || s.RequestsCompleted != 2 {
		t.Errorf("Unexpected request counts: %+v", s)
	}
	if s.FailedRequests != 1 {
		t.Errorf("Expected 1 failed request, got %d", s.FailedRequests)
	}
	if s.TotalBytes != 15 {
		t.Errorf("Expected 15 total bytes, got %v", s.TotalBytes)
	}
	if s.AvgDurationMs != 200 {
		t.Errorf("Expected average duration 200, got %v", s.AvgDurationMs)
	}
	if s.LastSnapshot == nil || s.LastSnapshot.Timestamp != 2 {
		t.Errorf("Expected last snapshot timestamp 2, got %+v", s.LastSnapshot)
	}

	recent := c.GetRecentEvents(10)
	if len(recent) != 3 {
		t.Fatalf("Expected cache to hold 3 events, got %d", len(recent))
	}
	if recent[2].Kind != models.KindPerformance {
		t.Errorf("Expected newest event last, got %s", recent[2].Kind)
	}
}

func TestEventCache(t *testing.T) {
	c := NewEventCache(2)
	c.Add(models.NewRequestStartedEvent(&models.NetworkRequestStarted{RequestID: "1"}))
	c.Add(models.NewPerformanceEvent(&models.PerformanceSnapshot{Timestamp: 5}))
	c.Add(models.NewRequestStartedEvent(&models.NetworkRequestStarted{RequestID: "3"}))

	if c.Count() != 2 {
		t.Errorf("Expected 2 cached events, got %d", c.Count())
	}

	perf, ok := c.LastOfKind(models.KindPerformance)
	if !ok || perf.Performance.Timestamp != 5 {
		t.Errorf("Expected cached performance event, got %+v", perf)
	}

	if _, ok := c.LastOfKind(models.KindNetworkComplete); ok {
		t.Error("Expected no completed event in cache")
	}

	last := c.GetLast(1)
	if len(last) != 1 || last[0].RequestStarted.RequestID != "3" {
		t.Errorf("Expected newest request 3, got %+v", last)
	}

	c.Clear()
	if c.Count() != 0 {
		t.Errorf("Expected empty cache after Clear, got %d", c.Count())
	}
}
