package cdp

import (
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// EventKind identifies a raw connection event
type EventKind string

const (
	EventConnected        EventKind = "connected"
	EventDisconnected     EventKind = "disconnected"
	EventRequestSent      EventKind = "request_sent"
	EventResponseReceived EventKind = "response_received"
	EventLoadingFinished  EventKind = "loading_finished"
)

// Event is a normalized protocol event published on the raw event bus.
// Timestamps are CDP monotonic seconds; only the fields of the kind are set.
type Event struct {
	Kind EventKind

	RequestID string
	URL       string
	Method    string
	Status    int

	EncodedDataLength float64
	Timestamp         float64
}

// ConnectedEvent is published after a page is attached
func ConnectedEvent() Event {
	return Event{Kind: EventConnected}
}

// DisconnectedEvent is published whenever the connection goes away
func DisconnectedEvent() Event {
	return Event{Kind: EventDisconnected}
}

// RequestSentEvent describes Network.requestWillBeSent
func RequestSentEvent(requestID, url, method string, ts float64) Event {
	return Event{Kind: EventRequestSent, RequestID: requestID, URL: url, Method: method, Timestamp: ts}
}

// ResponseReceivedEvent describes Network.responseReceived
func ResponseReceivedEvent(requestID string, status int, ts float64) Event {
	return Event{Kind: EventResponseReceived, RequestID: requestID, Status: status, Timestamp: ts}
}

// LoadingFinishedEvent describes Network.loadingFinished
func LoadingFinishedEvent(requestID string, encodedDataLength, ts float64) Event {
	return Event{Kind: EventLoadingFinished, RequestID: requestID, EncodedDataLength: encodedDataLength, Timestamp: ts}
}

// normalize converts a decoded cdproto network event. ok is false for
// anything the raw bus does not carry.
func normalize(ev any) (Event, bool) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		var url, method string
		if e.Request != nil {
			url = e.Request.URL
			method = e.Request.Method
		}
		return RequestSentEvent(string(e.RequestID), url, method, monotonicSeconds(e.Timestamp)), true

	case *network.EventResponseReceived:
		var status int
		if e.Response != nil {
			status = int(e.Response.Status)
		}
		return ResponseReceivedEvent(string(e.RequestID), status, monotonicSeconds(e.Timestamp)), true

	case *network.EventLoadingFinished:
		return LoadingFinishedEvent(string(e.RequestID), e.EncodedDataLength, monotonicSeconds(e.Timestamp)), true
	}
	return Event{}, false
}

// monotonicSeconds turns a decoded timestamp back into the seconds value
// that was on the wire
func monotonicSeconds(t *cdp.MonotonicTime) float64 {
	if t == nil {
		return 0
	}
	return float64(t.Time().Sub(*cdp.MonotonicTimeEpoch)) / float64(time.Second)
}
