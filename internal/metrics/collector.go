package metrics

import (
	"sync"
	"time"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// Collector aggregates telemetry events into running counters.
// It is registered as an output so it sees everything the engine publishes.
type Collector struct {
	cache *EventCache

	mu             sync.RWMutex
	counts         map[models.TelemetryKind]int64
	lastSnapshot   *models.PerformanceSnapshot
	lastEventTime  time.Time
	totalBytes     float64
	totalDuration  float64
	failedRequests int64
}

// Stats is a point-in-time copy of the collector counters
type Stats struct {
	Snapshots         int64                       `json:"snapshots"`
	RequestsStarted   int64                       `json:"requests_started"`
	Responses         int64                       `json:"responses"`
	RequestsCompleted int64                       `json:"requests_completed"`
	FailedRequests    int64                       `json:"failed_requests"`
	TotalBytes        float64                     `json:"total_bytes"`
	AvgDurationMs     float64                     `json:"avg_duration_ms"`
	LastEventTime     time.Time                   `json:"last_event_time,omitempty"`
	LastSnapshot      *models.PerformanceSnapshot `json:"last_snapshot,omitempty"`
}

// NewCollector creates a new telemetry collector
func NewCollector(cacheSize int) *Collector {
	return &Collector{
		cache:  NewEventCache(cacheSize),
		counts: make(map[models.TelemetryKind]int64),
	}
}

// Write records an event; it never fails
func (c *Collector) Write(event *models.TelemetryEvent) error {
	c.cache.Add(event)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[event.Kind]++
	c.lastEventTime = time.Now()

	switch event.Kind {
	case models.KindPerformance:
		c.lastSnapshot = event.Performance
	case models.KindNetworkComplete:
		c.totalBytes += event.Completed.SizeBytes
		c.totalDuration += event.Completed.DurationMs
		if event.Completed.Status != nil && *event.Completed.Status >= 400 {
			c.failedRequests++
		}
	}
	return nil
}

// Name returns the output module name
func (c *Collector) Name() string {
	return "collector"
}

// Stats returns the current counters
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Snapshots:         c.counts[models.KindPerformance],
		RequestsStarted:   c.counts[models.KindNetworkRequest],
		Responses:         c.counts[models.KindNetworkResponse],
		RequestsCompleted: c.counts[models.KindNetworkComplete],
		FailedRequests:    c.failedRequests,
		TotalBytes:        c.totalBytes,
		LastEventTime:     c.lastEventTime,
		LastSnapshot:      c.lastSnapshot,
	}
	if s.RequestsCompleted > 0 {
		s.AvgDurationMs = c.totalDuration / float64(s.RequestsCompleted)
	}
	return s
}

// GetRecentEvents returns the N most recent events
func (c *Collector) GetRecentEvents(n int) []*models.TelemetryEvent {
	return c.cache.GetLast(n)
}
