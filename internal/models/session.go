package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle status of a recording session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// ParseSessionStatus converts a stored string, defaulting to active
func ParseSessionStatus(s string) SessionStatus {
	switch SessionStatus(s) {
	case SessionCompleted:
		return SessionCompleted
	case SessionAborted:
		return SessionAborted
	default:
		return SessionActive
	}
}

// Session is a logical recording scope. Every persisted metric and
// network request is tagged with its ID.
type Session struct {
	// ID is a random UUID
	ID string `json:"id"`

	// DeviceID identifies the device the target runs on (adb serial or "local")
	DeviceID string `json:"device_id"`

	DeviceName  *string `json:"device_name,omitempty"`
	WebviewURL  *string `json:"webview_url,omitempty"`
	PackageName *string `json:"package_name,omitempty"`
	TargetTitle *string `json:"target_title,omitempty"`

	// StartedAt and EndedAt are milliseconds since epoch
	StartedAt int64  `json:"started_at"`
	EndedAt   *int64 `json:"ended_at,omitempty"`

	Status SessionStatus `json:"status"`

	// DisplayName is a user supplied label
	DisplayName *string `json:"display_name,omitempty"`

	// Tags categorize sessions for search
	Tags []string `json:"tags,omitempty"`
}

// NewSession creates an active session started now
func NewSession(deviceID string) *Session {
	return &Session{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		StartedAt: time.Now().UnixMilli(),
		Status:    SessionActive,
	}
}

// DurationMs returns the session length once it has ended
func (s *Session) DurationMs() (int64, bool) {
	if s.EndedAt == nil {
		return 0, false
	}
	return *s.EndedAt - s.StartedAt, true
}

// MetricType classifies stored metric rows
type MetricType string

const (
	MetricPerformance MetricType = "performance"
	MetricMemory      MetricType = "memory"
	MetricNetwork     MetricType = "network"
	MetricWebVitals   MetricType = "webvitals"
)

// ParseMetricType converts a stored string, defaulting to performance
func ParseMetricType(s string) MetricType {
	switch MetricType(s) {
	case MetricMemory, MetricNetwork, MetricWebVitals:
		return MetricType(s)
	default:
		return MetricPerformance
	}
}

// StoredMetric is one persisted time-series point
type StoredMetric struct {
	ID         int64      `json:"id,omitempty"`
	SessionID  string     `json:"session_id"`
	Timestamp  int64      `json:"timestamp"`
	MetricType MetricType `json:"metric_type"`

	// Data is the JSON encoded metric payload
	Data string `json:"data"`
}

// NewPerformanceMetric serializes a snapshot for storage
func NewPerformanceMetric(sessionID string, s *PerformanceSnapshot) (*StoredMetric, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return &StoredMetric{
		SessionID:  sessionID,
		Timestamp:  s.Timestamp,
		MetricType: MetricPerformance,
		Data:       string(data),
	}, nil
}

// StoredNetworkRequest is the persisted view of one request lifecycle.
// It is upserted by ID: first when the request starts, again when it finishes.
type StoredNetworkRequest struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	URL          string            `json:"url"`
	Method       *string           `json:"method,omitempty"`
	StatusCode   *int              `json:"status_code,omitempty"`
	RequestTime  int64             `json:"request_time"`
	ResponseTime *int64            `json:"response_time,omitempty"`
	DurationMs   *float64          `json:"duration_ms,omitempty"`
	SizeBytes    *float64          `json:"size_bytes,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}
