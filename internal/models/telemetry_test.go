package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestTelemetryEventJSON(t *testing.T) {
	tests := []struct {
		name  string
		event *TelemetryEvent
		want  string
	}{
		{
			name: "performance",
			event: NewPerformanceEvent(&PerformanceSnapshot{
				Timestamp:      1700000000000,
				JSHeapUsedSize: ptr(1024.0),
				DOMNodes:       ptr(42.0),
			}),
			want: `{"type":"Performance","timestamp":1700000000000,"js_heap_used_size":1024,` +
				`"js_heap_total_size":null,"dom_nodes":42,"layout_count":null,` +
				`"script_duration":null,"task_duration":null}`,
		},
		{
			name: "request",
			event: NewRequestStartedEvent(&NetworkRequestStarted{
				RequestID: "r1", URL: "https://a/x", Method: "GET", Timestamp: 1.5,
			}),
			want: `{"type":"NetworkRequest","request_id":"r1","url":"https://a/x","method":"GET","timestamp":1.5}`,
		},
		{
			name: "matched response",
			event: NewResponseEvent(&NetworkResponseReceived{
				RequestID: "r1", Status: 200, Timestamp: 1.55, DurationMs: ptr(50.0),
			}),
			want: `{"type":"NetworkResponse","request_id":"r1","status":200,"timestamp":1.55,"duration_ms":50}`,
		},
		{
			name: "unmatched response",
			event: NewResponseEvent(&NetworkResponseReceived{
				RequestID: "ghost", Status: 404, Timestamp: 3,
			}),
			want: `{"type":"NetworkResponse","request_id":"ghost","status":404,"timestamp":3,"duration_ms":null}`,
		},
		{
			name: "complete",
			event: NewCompletedEvent(&NetworkRequestCompleted{
				RequestID: "r1", URL: "https://a/x", Method: "GET", Status: ptr(200), DurationMs: 200, SizeBytes: 1024,
			}),
			want: `{"type":"NetworkComplete","request_id":"r1","url":"https://a/x","method":"GET",` +
				`"status":200,"duration_ms":200,"size_bytes":1024}`,
		},
		{
			name: "complete without status",
			event: NewCompletedEvent(&NetworkRequestCompleted{
				RequestID: "r2", URL: "https://a/y", Method: "POST", DurationMs: 12.5,
			}),
			want: `{"type":"NetworkComplete","request_id":"r2","url":"https://a/y","method":"POST",` +
				`"status":null,"duration_ms":12.5,"size_bytes":0}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var decoded TelemetryEvent
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, *tt.event, decoded)
		})
	}
}

func TestTelemetryEventUnknownKind(t *testing.T) {
	_, err := json.Marshal(&TelemetryEvent{Kind: "Bogus"})
	assert.Error(t, err)

	var e TelemetryEvent
	assert.Error(t, json.Unmarshal([]byte(`{"type":"Bogus"}`), &e))
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &e))
}

func TestNotificationName(t *testing.T) {
	assert.Equal(t, NotifyPerformance, NewPerformanceEvent(&PerformanceSnapshot{}).NotificationName())
	assert.Equal(t, NotifyNetwork, NewRequestStartedEvent(&NetworkRequestStarted{}).NotificationName())
	assert.Equal(t, NotifyNetwork, NewResponseEvent(&NetworkResponseReceived{}).NotificationName())
	assert.Equal(t, NotifyNetwork, NewCompletedEvent(&NetworkRequestCompleted{}).NotificationName())
}
