package models

import (
	"encoding/json"
	"fmt"
)

// PerformanceSnapshot is one poll of the Performance domain.
// Any metric may be nil because the runtime does not report every name.
type PerformanceSnapshot struct {
	// Timestamp is when the snapshot was taken, in milliseconds since epoch
	Timestamp int64 `json:"timestamp"`

	// JSHeapUsedSize is the used JavaScript heap in bytes
	JSHeapUsedSize *float64 `json:"js_heap_used_size"`

	// JSHeapTotalSize is the total JavaScript heap in bytes
	JSHeapTotalSize *float64 `json:"js_heap_total_size"`

	// DOMNodes is the number of live DOM nodes
	DOMNodes *float64 `json:"dom_nodes"`

	// LayoutCount is the cumulative number of layouts
	LayoutCount *float64 `json:"layout_count"`

	// ScriptDuration is cumulative script execution time in seconds
	ScriptDuration *float64 `json:"script_duration"`

	// TaskDuration is cumulative task time in seconds
	TaskDuration *float64 `json:"task_duration"`
}

// TrackedRequest is the correlation record of one in-flight network request.
// Timestamps are CDP monotonic seconds.
type TrackedRequest struct {
	RequestID         string   `json:"request_id"`
	URL               string   `json:"url"`
	Method            string   `json:"method"`
	RequestTimestamp  float64  `json:"request_timestamp"`
	ResponseTimestamp *float64 `json:"response_timestamp,omitempty"`
	Status            *int     `json:"status,omitempty"`
	EncodedDataLength *float64 `json:"encoded_data_length,omitempty"`
	FinishedTimestamp *float64 `json:"finished_timestamp,omitempty"`
}

// TelemetryKind discriminates TelemetryEvent variants
type TelemetryKind string

const (
	KindPerformance     TelemetryKind = "Performance"
	KindNetworkRequest  TelemetryKind = "NetworkRequest"
	KindNetworkResponse TelemetryKind = "NetworkResponse"
	KindNetworkComplete TelemetryKind = "NetworkComplete"
)

// Notification names used when forwarding telemetry to a UI-facing sink
const (
	NotifyPerformance = "metrics:performance"
	NotifyNetwork     = "metrics:network"
)

// NetworkRequestStarted is published when a request is first seen
type NetworkRequestStarted struct {
	RequestID string  `json:"request_id"`
	URL       string  `json:"url"`
	Method    string  `json:"method"`
	Timestamp float64 `json:"timestamp"`
}

// NetworkResponseReceived is published when response headers arrive.
// DurationMs is nil when no pending request matched the id.
type NetworkResponseReceived struct {
	RequestID  string   `json:"request_id"`
	Status     int      `json:"status"`
	Timestamp  float64  `json:"timestamp"`
	DurationMs *float64 `json:"duration_ms"`
}

// NetworkRequestCompleted is the fully resolved lifecycle of one request.
// It is published exactly once, when the pending entry is removed.
type NetworkRequestCompleted struct {
	RequestID  string  `json:"request_id"`
	URL        string  `json:"url"`
	Method     string  `json:"method"`
	Status     *int    `json:"status"`
	DurationMs float64 `json:"duration_ms"`
	SizeBytes  float64 `json:"size_bytes"`
}

// TelemetryEvent is a tagged union; exactly one payload pointer matches Kind
type TelemetryEvent struct {
	Kind            TelemetryKind
	Performance     *PerformanceSnapshot
	RequestStarted  *NetworkRequestStarted
	ResponseArrived *NetworkResponseReceived
	Completed       *NetworkRequestCompleted
}

// NewPerformanceEvent wraps a snapshot
func NewPerformanceEvent(s *PerformanceSnapshot) *TelemetryEvent {
	return &TelemetryEvent{Kind: KindPerformance, Performance: s}
}

// NewRequestStartedEvent wraps a request-started payload
func NewRequestStartedEvent(p *NetworkRequestStarted) *TelemetryEvent {
	return &TelemetryEvent{Kind: KindNetworkRequest, RequestStarted: p}
}

// NewResponseEvent wraps a response payload
func NewResponseEvent(p *NetworkResponseReceived) *TelemetryEvent {
	return &TelemetryEvent{Kind: KindNetworkResponse, ResponseArrived: p}
}

// NewCompletedEvent wraps a completed-request payload
func NewCompletedEvent(p *NetworkRequestCompleted) *TelemetryEvent {
	return &TelemetryEvent{Kind: KindNetworkComplete, Completed: p}
}

// NotificationName returns the downstream notification name for the event
func (e *TelemetryEvent) NotificationName() string {
	if e.Kind == KindPerformance {
		return NotifyPerformance
	}
	return NotifyNetwork
}

// Payload returns the variant payload
func (e *TelemetryEvent) Payload() any {
	switch e.Kind {
	case KindPerformance:
		return e.Performance
	case KindNetworkRequest:
		return e.RequestStarted
	case KindNetworkResponse:
		return e.ResponseArrived
	case KindNetworkComplete:
		return e.Completed
	default:
		return nil
	}
}

// MarshalJSON flattens the payload next to a "type" discriminator
func (e TelemetryEvent) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindPerformance:
		return json.Marshal(struct {
			Type TelemetryKind `json:"type"`
			*PerformanceSnapshot
		}{e.Kind, e.Performance})
	case KindNetworkRequest:
		return json.Marshal(struct {
			Type TelemetryKind `json:"type"`
			*NetworkRequestStarted
		}{e.Kind, e.RequestStarted})
	case KindNetworkResponse:
		return json.Marshal(struct {
			Type TelemetryKind `json:"type"`
			*NetworkResponseReceived
		}{e.Kind, e.ResponseArrived})
	case KindNetworkComplete:
		return json.Marshal(struct {
			Type TelemetryKind `json:"type"`
			*NetworkRequestCompleted
		}{e.Kind, e.Completed})
	default:
		return nil, fmt.Errorf("unknown telemetry kind %q", e.Kind)
	}
}

// UnmarshalJSON is the inverse of MarshalJSON
func (e *TelemetryEvent) UnmarshalJSON(data []byte) error {
	var head struct {
		Type TelemetryKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	*e = TelemetryEvent{Kind: head.Type}
	switch head.Type {
	case KindPerformance:
		e.Performance = &PerformanceSnapshot{}
		return json.Unmarshal(data, e.Performance)
	case KindNetworkRequest:
		e.RequestStarted = &NetworkRequestStarted{}
		return json.Unmarshal(data, e.RequestStarted)
	case KindNetworkResponse:
		e.ResponseArrived = &NetworkResponseReceived{}
		return json.Unmarshal(data, e.ResponseArrived)
	case KindNetworkComplete:
		e.Completed = &NetworkRequestCompleted{}
		return json.Unmarshal(data, e.Completed)
	default:
		return fmt.Errorf("unknown telemetry kind %q", head.Type)
	}
}
