package cdp

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	jsonv2 "github.com/go-json-experiment/json"
)

var errConnClosed = errors.New("devtools connection closed")

// conn multiplexes commands and events over one DevTools websocket.
// A single pump goroutine owns reading; writers serialize on writeMu.
type conn struct {
	transport chromedp.Transport
	logger    *slog.Logger

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[int64]chan *cdproto.Message
	listeners map[cdproto.MethodType][]*listener
	closed    bool

	// closing is set before an intentional Close so the pump does not
	// report the resulting read error as a lost connection
	closing atomic.Bool
	done    chan struct{}
	onLost  func()

	networkListening atomic.Bool
}

func newConn(t chromedp.Transport, logger *slog.Logger, onLost func()) *conn {
	return &conn{
		transport: t,
		logger:    logger,
		pending:   make(map[int64]chan *cdproto.Message),
		listeners: make(map[cdproto.MethodType][]*listener),
		done:      make(chan struct{}),
		onLost:    onLost,
	}
}

// run is the frame pump. It returns when the transport fails or is closed.
func (c *conn) run() {
	var err error
	for {
		msg := new(cdproto.Message)
		if err = c.transport.Read(context.Background(), msg); err != nil {
			break
		}
		c.route(msg)
	}

	c.shutdown()

	if !c.closing.Load() {
		c.logger.Warn("DevTools connection lost", "error", err)
		if c.onLost != nil {
			c.onLost()
		}
	}
}

func (c *conn) route(msg *cdproto.Message) {
	switch {
	case msg.ID != 0:
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}

	case msg.Method != "":
		c.mu.Lock()
		ls := slices.Clone(c.listeners[msg.Method])
		c.mu.Unlock()
		for _, l := range ls {
			if l.session != msg.SessionID {
				continue
			}
			select {
			case l.ch <- msg:
			case <-l.done:
			}
		}
	}
	// Anything else (ping frames) carries neither id nor method
}

func (c *conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	var all []*listener
	for _, ls := range c.listeners {
		all = append(all, ls...)
	}
	clear(c.listeners)
	c.mu.Unlock()

	for _, l := range all {
		l.stop()
	}
	close(c.done)
}

// execute sends one command and waits for its reply
func (c *conn) execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error {
	var buf []byte
	if params != nil {
		var err error
		if buf, err = jsonv2.Marshal(params, chromedp.DefaultMarshalOptions); err != nil {
			return err
		}
	}

	id := c.nextID.Add(1)
	ch := make(chan *cdproto.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errConnClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	cmd := &cdproto.Message{
		ID:        id,
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	c.writeMu.Lock()
	err := c.transport.Write(ctx, cmd)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return err
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case reply, ok := <-ch:
		switch {
		case !ok:
			return errConnClosed
		case reply.Error != nil:
			return reply.Error
		case res != nil:
			return jsonv2.Unmarshal(reply.Result, res, chromedp.DefaultUnmarshalOptions)
		}
	}
	return nil
}

func (c *conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// listen registers one listener for a set of event methods on one session.
// All methods share the listener's channel, so events arrive in pump order.
// The listener is stopped when the connection shuts down.
func (c *conn) listen(sessionID target.SessionID, methods ...cdproto.MethodType) *listener {
	l := &listener{
		session: sessionID,
		methods: methods,
		ch:      make(chan *cdproto.Message, 64),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		l.stop()
		return l
	}
	for _, method := range methods {
		c.listeners[method] = append(c.listeners[method], l)
	}
	return l
}

func (c *conn) unlisten(l *listener) {
	c.mu.Lock()
	for _, method := range l.methods {
		c.listeners[method] = slices.DeleteFunc(c.listeners[method], func(x *listener) bool { return x == l })
	}
	c.mu.Unlock()
	l.stop()
}

// close shuts the transport down and waits for the pump to finish
func (c *conn) close() {
	if c.closing.Swap(true) {
		<-c.done
		return
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("Closing DevTools transport", "error", err)
	}
	<-c.done
}

type listener struct {
	session target.SessionID
	methods []cdproto.MethodType
	ch      chan *cdproto.Message
	done    chan struct{}
	once    sync.Once
}

func (l *listener) stop() {
	l.once.Do(func() { close(l.done) })
}

// session executes commands against one attached page. An empty id means
// the websocket itself is the page.
type session struct {
	conn *conn
	id   target.SessionID
}

// Execute satisfies cdp.Executor so cdproto's typed commands can run on a session
func (s *session) Execute(ctx context.Context, method string, params, res any) error {
	return s.conn.execute(ctx, s.id, method, params, res)
}
