// Package cdptest provides an in-process DevTools endpoint for tests. It
// serves /json/list and answers protocol commands over websockets.
package cdptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

const (
	// PageID is the id of the page listed by default
	PageID = "page-1"

	// SessionID is returned by Target.attachToTarget
	SessionID = "session-1"

	// CreatedTargetID is returned by Target.createTarget
	CreatedTargetID = "created-1"
)

// Handler answers one command. A non-nil *Error is sent as a protocol error.
type Handler func(params json.RawMessage) (any, *Error)

// Error is a protocol error reply
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Call is one command received by the server
type Call struct {
	ID        int64
	Method    string
	SessionID string
	Params    json.RawMessage
}

// Metric is one Performance.getMetrics entry
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// TargetInfo is one Target.getTargets entry
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// Server is a fake DevTools endpoint
type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu          sync.Mutex
	handlers    map[string]Handler
	metrics     []Metric
	pages       []TargetInfo
	listStatus  int
	listBody    string
	calls       []Call
	peers       map[*peer]struct{}
	connections int
}

type peer struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	session string
}

func (p *peer) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.ws.WriteJSON(v)
}

func (p *peer) attach(session string) {
	p.writeMu.Lock()
	p.session = session
	p.writeMu.Unlock()
}

func (p *peer) sendEvent(method string, params any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	msg := map[string]any{"method": method, "params": params}
	if p.session != "" {
		msg["sessionId"] = p.session
	}
	return p.ws.WriteJSON(msg)
}

// NewServer starts a fake endpoint that is closed when the test ends
func NewServer(t testing.TB) *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		peers:    make(map[*peer]struct{}),
		pages: []TargetInfo{
			{TargetID: PageID, Type: "page", Title: "Test Page", URL: "https://example.com/"},
		},
		metrics: []Metric{
			{Name: "JSHeapUsedSize", Value: 1024},
			{Name: "JSHeapTotalSize", Value: 4096},
			{Name: "Nodes", Value: 42},
			{Name: "LayoutCount", Value: 3},
			{Name: "ScriptDuration", Value: 0.25},
			{Name: "TaskDuration", Value: 0.5},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", s.serveList)
	mux.HandleFunc("/json", s.serveList)
	mux.HandleFunc("/devtools/", s.serveWebSocket)
	s.Server = httptest.NewServer(mux)

	t.Cleanup(s.Close)
	return s
}

// Close drops every websocket and stops the HTTP server
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

func (s *Server) wsBase() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// PageURL is a page-level websocket URL
func (s *Server) PageURL() string {
	return s.wsBase() + "/devtools/page/" + PageID
}

// BrowserURL is a browser-level websocket URL
func (s *Server) BrowserURL() string {
	return s.wsBase() + "/devtools/browser/browser-1"
}

// Handle overrides the reply for a command
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Fail makes a command reply with a protocol error
func (s *Server) Fail(method, message string) {
	s.Handle(method, func(json.RawMessage) (any, *Error) {
		return nil, &Error{Code: -32000, Message: message}
	})
}

// SetMetrics replaces the Performance.getMetrics reply
func (s *Server) SetMetrics(m []Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// SetPages replaces the Target.getTargets reply
func (s *Server) SetPages(p []TargetInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = p
}

// SetListResponse overrides the /json/list status and body. A zero status restores the default.
func (s *Server) SetListResponse(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listStatus = status
	s.listBody = body
}

// Calls returns the commands received so far
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallsTo returns the received commands with the given method
func (s *Server) CallsTo(method string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Connections returns the number of websockets accepted so far
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// DropConnections closes every open websocket from the server side
func (s *Server) DropConnections() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.ws.Close()
	}
}

// Emit sends an event to every connected client, tagged with the client's session
func (s *Server) Emit(method string, params any) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.sendEvent(method, params)
	}
}

// EmitRequestWillBeSent sends Network.requestWillBeSent
func (s *Server) EmitRequestWillBeSent(requestID, url, method string, ts float64) {
	s.Emit("Network.requestWillBeSent", map[string]any{
		"requestId":   requestID,
		"loaderId":    "loader-1",
		"documentURL": url,
		"request":     map[string]any{"url": url, "method": method, "headers": map[string]string{}},
		"timestamp":   ts,
		"wallTime":    ts,
		"initiator":   map[string]any{"type": "other"},
	})
}

// EmitResponseReceived sends Network.responseReceived
func (s *Server) EmitResponseReceived(requestID string, status int, ts float64) {
	s.Emit("Network.responseReceived", map[string]any{
		"requestId": requestID,
		"loaderId":  "loader-1",
		"timestamp": ts,
		"type":      "Document",
		"response": map[string]any{
			"url":        "",
			"status":     status,
			"statusText": "",
			"headers":    map[string]string{},
			"mimeType":   "text/html",
		},
	})
}

// EmitLoadingFinished sends Network.loadingFinished
func (s *Server) EmitLoadingFinished(requestID string, encodedDataLength, ts float64) {
	s.Emit("Network.loadingFinished", map[string]any{
		"requestId":         requestID,
		"timestamp":         ts,
		"encodedDataLength": encodedDataLength,
	})
}

func (s *Server) serveList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, body := s.listStatus, s.listBody
	pages := s.pages
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}

	base := s.wsBase()
	targets := make([]models.Target, 0, len(pages))
	for _, p := range pages {
		ws := base + "/devtools/page/" + p.TargetID
		targets = append(targets, models.Target{
			ID:                   p.TargetID,
			Title:                p.Title,
			URL:                  p.URL,
			Type:                 p.Type,
			WebSocketDebuggerURL: &ws,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(targets)
}

type request struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &peer{ws: ws}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.connections++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		s.mu.Lock()
		s.calls = append(s.calls, Call{ID: req.ID, Method: req.Method, SessionID: req.SessionID, Params: req.Params})
		s.mu.Unlock()

		result, rpcErr := s.dispatch(req)

		reply := map[string]any{"id": req.ID}
		if req.SessionID != "" {
			reply["sessionId"] = req.SessionID
		}
		if rpcErr != nil {
			reply["error"] = rpcErr
		} else {
			if result == nil {
				result = struct{}{}
			}
			reply["result"] = result
			if req.Method == "Target.attachToTarget" {
				p.attach(SessionID)
			}
		}

		if err := p.writeJSON(reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req request) (any, *Error) {
	s.mu.Lock()
	h, ok := s.handlers[req.Method]
	metrics := s.metrics
	pages := s.pages
	s.mu.Unlock()

	if ok {
		return h(req.Params)
	}

	switch req.Method {
	case "Performance.getMetrics":
		return map[string]any{"metrics": metrics}, nil
	case "Target.getTargets":
		return map[string]any{"targetInfos": pages}, nil
	case "Target.createTarget":
		return map[string]any{"targetId": CreatedTargetID}, nil
	case "Target.attachToTarget":
		return map[string]any{"sessionId": SessionID}, nil
	default:
		return nil, nil
	}
}
