package models

// ConnectionStatus is the coarse state of a debugging connection
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState is the live state of the connection manager.
// Message is only set when Status is StatusError.
type ConnectionState struct {
	Status  ConnectionStatus `json:"status"`
	Message string           `json:"message,omitempty"`
}

// Disconnected returns the disconnected state
func Disconnected() ConnectionState {
	return ConnectionState{Status: StatusDisconnected}
}

// Connecting returns the connecting state
func Connecting() ConnectionState {
	return ConnectionState{Status: StatusConnecting}
}

// Connected returns the connected state
func Connected() ConnectionState {
	return ConnectionState{Status: StatusConnected}
}

// ErrorState returns an error state carrying msg
func ErrorState(msg string) ConnectionState {
	return ConnectionState{Status: StatusError, Message: msg}
}

// IsConnected reports whether the state is StatusConnected
func (s ConnectionState) IsConnected() bool {
	return s.Status == StatusConnected
}

func (s ConnectionState) String() string {
	if s.Status == StatusError && s.Message != "" {
		return string(s.Status) + ": " + s.Message
	}
	return string(s.Status)
}

// Target is one inspectable unit listed by the remote debugging endpoint
// (GET /json/list). It is an immutable snapshot and is never persisted.
type Target struct {
	ID                   string  `json:"id"`
	Title                string  `json:"title"`
	URL                  string  `json:"url"`
	Type                 string  `json:"type"`
	WebSocketDebuggerURL *string `json:"webSocketDebuggerUrl,omitempty"`
	DevtoolsFrontendURL  *string `json:"devtoolsFrontendUrl,omitempty"`
	FaviconURL           *string `json:"faviconUrl,omitempty"`
}

// IsPage reports whether the target is a page (tab or webview)
func (t *Target) IsPage() bool {
	return t.Type == "page"
}

// DebuggerURL returns the websocket debugger URL or "" if the target
// is already attached to another client
func (t *Target) DebuggerURL() string {
	if t.WebSocketDebuggerURL == nil {
		return ""
	}
	return *t.WebSocketDebuggerURL
}
