// Package cdp connects to a remote debuggable runtime over the Chrome
// DevTools Protocol and exposes the page operations the telemetry engine needs.
package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/bus"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

const (
	// DefaultConnectTimeout bounds the websocket dial and page resolution
	DefaultConnectTimeout = 10 * time.Second

	blankPageURL = "about:blank"
)

// Client is the connection manager for one remote target. It owns the
// connection state, the websocket and the attached page, and publishes
// normalized events on a raw event bus.
type Client struct {
	stateMu sync.RWMutex
	state   models.ConnectionState

	connMu sync.RWMutex
	conn   *conn

	pageMu sync.RWMutex
	page   *session

	events         *bus.Bus[Event]
	logger         *slog.Logger
	connectTimeout time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithConnectTimeout bounds Connect
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithBusCapacity sets the per-subscriber buffer of the raw event bus
func WithBusCapacity(n int) Option {
	return func(c *Client) {
		c.events = bus.New[Event](n)
	}
}

// NewClient creates a disconnected client
func NewClient(opts ...Option) *Client {
	c := &Client{
		state:          models.Disconnected(),
		logger:         slog.Default(),
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.events == nil {
		c.events = bus.New[Event](bus.DefaultCapacity)
	}
	return c
}

// Connect opens the websocket at wsURL and attaches to exactly one page.
// A page-level URL (/devtools/page/<id>) is used as the page directly;
// a browser-level URL attaches to the first page, creating one if needed.
func (c *Client) Connect(ctx context.Context, wsURL string) error {
	c.setState(models.Connecting())
	c.logger.Info("Connecting to DevTools endpoint", "url", wsURL)

	// Drop any previous connection without announcing it
	c.teardown()

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	transport, err := chromedp.DialContext(ctx, wsURL)
	if err != nil {
		c.setState(models.Disconnected())
		return fmt.Errorf("%w: dialing %s: %w", ErrConnectionFailed, wsURL, err)
	}

	var cn *conn
	cn = newConn(transport, c.logger, func() { c.connectionLost(cn) })
	go cn.run()

	page, err := resolvePage(ctx, cn, wsURL)
	if err != nil {
		cn.close()
		c.setState(models.Disconnected())
		return fmt.Errorf("%w: resolving page: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.conn = cn
	c.connMu.Unlock()

	c.pageMu.Lock()
	c.page = page
	c.pageMu.Unlock()

	select {
	case <-cn.done:
		c.teardown()
		c.setState(models.Disconnected())
		return fmt.Errorf("%w: connection closed during setup", ErrConnectionFailed)
	default:
	}

	c.setState(models.Connected())
	c.events.Publish(ConnectedEvent())

	c.logger.Info("Connected to DevTools endpoint", "url", wsURL, "session", string(page.id))
	return nil
}

func resolvePage(ctx context.Context, cn *conn, wsURL string) (*session, error) {
	if isPageEndpoint(wsURL) {
		return &session{conn: cn}, nil
	}

	ctx = cdp.WithExecutor(ctx, &session{conn: cn})

	infos, err := target.GetTargets().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}

	var id target.ID
	for _, info := range infos {
		if info.Type == "page" {
			id = info.TargetID
			break
		}
	}

	if id == "" {
		if id, err = target.CreateTarget(blankPageURL).Do(ctx); err != nil {
			return nil, fmt.Errorf("creating page: %w", err)
		}
	}

	sessionID, err := target.AttachToTarget(id).WithFlatten(true).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("attaching to %s: %w", id, err)
	}
	return &session{conn: cn, id: sessionID}, nil
}

// EnablePerformanceDomain turns on the Performance domain of the page
func (c *Client) EnablePerformanceDomain(ctx context.Context) error {
	page, err := c.currentPage()
	if err != nil {
		return err
	}
	if err := performance.Enable().Do(cdp.WithExecutor(ctx, page)); err != nil {
		return protocolError(performance.CommandEnable, err)
	}
	return nil
}

var networkEvents = []cdproto.MethodType{
	cdproto.EventNetworkRequestWillBeSent,
	cdproto.EventNetworkResponseReceived,
	cdproto.EventNetworkLoadingFinished,
}

// EnableNetworkDomain turns on the Network domain and starts a forwarding
// goroutine for the request lifecycle events. One listener carries all three
// methods so they reach the raw bus in wire order. The goroutine ends with
// the connection.
func (c *Client) EnableNetworkDomain(ctx context.Context) error {
	page, err := c.currentPage()
	if err != nil {
		return err
	}
	cn := page.conn

	// Register before enabling so the first events are not missed
	var l *listener
	if cn.networkListening.CompareAndSwap(false, true) {
		l = cn.listen(page.id, networkEvents...)
	}

	if err := network.Enable().Do(cdp.WithExecutor(ctx, page)); err != nil {
		if l != nil {
			cn.unlisten(l)
			cn.networkListening.Store(false)
		}
		return protocolError(network.CommandEnable, err)
	}

	if l != nil {
		go c.forward(l)
	}
	return nil
}

// forward decodes events from the listener and publishes them on the raw bus
// in the order the pump delivered them
func (c *Client) forward(l *listener) {
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.ch:
			ev, err := cdproto.UnmarshalMessage(msg, chromedp.DefaultUnmarshalOptions)
			if err != nil {
				c.logger.Debug("Dropping undecodable event", "method", msg.Method, "error", err)
				continue
			}
			if raw, ok := normalize(ev); ok {
				c.events.Publish(raw)
			}
		}
	}
}

// GetPerformanceMetrics takes one snapshot of the page's runtime metrics
func (c *Client) GetPerformanceMetrics(ctx context.Context) (*models.PerformanceSnapshot, error) {
	page, err := c.currentPage()
	if err != nil {
		return nil, err
	}
	metrics, err := performance.GetMetrics().Do(cdp.WithExecutor(ctx, page))
	if err != nil {
		return nil, protocolError(performance.CommandGetMetrics, err)
	}
	return SnapshotFromMetrics(metrics, time.Now()), nil
}

// SnapshotFromMetrics maps Performance.getMetrics results onto a snapshot.
// Names the snapshot has no field for are ignored.
func SnapshotFromMetrics(metrics []*performance.Metric, at time.Time) *models.PerformanceSnapshot {
	s := &models.PerformanceSnapshot{Timestamp: at.UnixMilli()}
	for _, m := range metrics {
		if m == nil {
			continue
		}
		v := m.Value
		switch m.Name {
		case "JSHeapUsedSize":
			s.JSHeapUsedSize = &v
		case "JSHeapTotalSize":
			s.JSHeapTotalSize = &v
		case "Nodes":
			s.DOMNodes = &v
		case "LayoutCount":
			s.LayoutCount = &v
		case "ScriptDuration":
			s.ScriptDuration = &v
		case "TaskDuration":
			s.TaskDuration = &v
		}
	}
	return s
}

// Disconnect drops the page and the websocket. It is safe to call at any time.
func (c *Client) Disconnect() {
	hadConn := c.teardown()
	c.setState(models.Disconnected())
	c.events.Publish(DisconnectedEvent())
	if hadConn {
		c.logger.Info("Disconnected from DevTools endpoint")
	}
}

// teardown releases the page and transport handles, reporting whether there was one
func (c *Client) teardown() bool {
	c.pageMu.Lock()
	c.page = nil
	c.pageMu.Unlock()

	c.connMu.Lock()
	cn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if cn == nil {
		return false
	}
	cn.close()
	return true
}

// connectionLost handles a pump failure on cn. Stale connections are ignored.
func (c *Client) connectionLost(cn *conn) {
	c.connMu.Lock()
	if c.conn != cn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.connMu.Unlock()

	c.pageMu.Lock()
	c.page = nil
	c.pageMu.Unlock()

	c.setState(models.Disconnected())
	c.events.Publish(DisconnectedEvent())
}

// State returns the current connection state without blocking on I/O
func (c *Client) State() models.ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s models.ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Subscribe returns a receiver of raw connection events
func (c *Client) Subscribe() *bus.Subscription[Event] {
	return c.events.Subscribe()
}

// Close disconnects and ends the raw event bus
func (c *Client) Close() {
	c.Disconnect()
	c.events.Close()
}

func (c *Client) currentPage() (*session, error) {
	if !c.State().IsConnected() {
		return nil, ErrNotConnected
	}
	c.pageMu.RLock()
	defer c.pageMu.RUnlock()
	if c.page == nil {
		return nil, ErrNotConnected
	}
	return c.page, nil
}
