package metrics

import (
	"sync"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// EventCache stores recent telemetry events in memory (ephemeral)
// It backs SNMP polling and the health endpoint and resets on restart
type EventCache struct {
	maxSize int
	events  []*models.TelemetryEvent
	mu      sync.RWMutex
}

// NewEventCache creates a new event cache with the specified size
func NewEventCache(maxSize int) *EventCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &EventCache{
		maxSize: maxSize,
		events:  make([]*models.TelemetryEvent, 0, maxSize),
	}
}

// Add adds an event to the cache
// If the cache is full, the oldest event is removed
func (c *EventCache) Add(event *models.TelemetryEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, event)

	// Trim to max size (keep most recent)
	if len(c.events) > c.maxSize {
		c.events = c.events[len(c.events)-c.maxSize:]
	}
}

// GetLast returns the N most recent events, oldest first
func (c *EventCache) GetLast(n int) []*models.TelemetryEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n > len(c.events) {
		n = len(c.events)
	}
	if n < 0 {
		n = 0
	}

	// Make a copy to avoid race conditions
	events := make([]*models.TelemetryEvent, n)
	copy(events, c.events[len(c.events)-n:])
	return events
}

// LastOfKind returns the most recent event of the given kind
func (c *EventCache) LastOfKind(kind models.TelemetryKind) (*models.TelemetryEvent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Kind == kind {
			return c.events[i], true
		}
	}
	return nil, false
}

// Count returns the current number of cached events
func (c *EventCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Clear empties the cache
func (c *EventCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = make([]*models.TelemetryEvent, 0, c.maxSize)
}
