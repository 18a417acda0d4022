package metrics

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/bus"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/cdp"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

const (
	// DefaultPollInterval is the performance sampling period
	DefaultPollInterval = time.Second

	// DefaultCallTimeout bounds one protocol call or one storage write
	DefaultCallTimeout = 5 * time.Second
)

// ErrAlreadyCollecting is returned by Start while a collection is running
var ErrAlreadyCollecting = errors.New("metrics collection already running")

// Source is the connection the engine samples. *cdp.Client implements it.
type Source interface {
	EnablePerformanceDomain(ctx context.Context) error
	EnableNetworkDomain(ctx context.Context) error
	GetPerformanceMetrics(ctx context.Context) (*models.PerformanceSnapshot, error)
	Subscribe() *bus.Subscription[cdp.Event]
}

// Sink persists telemetry. *storage.Store implements it.
type Sink interface {
	StoreMetric(ctx context.Context, m *models.StoredMetric) (int64, error)
	StoreNetworkRequest(ctx context.Context, r *models.StoredNetworkRequest) error
}

// Notifier receives every published event under its notification name
type Notifier interface {
	Notify(name string, event *models.TelemetryEvent)
}

// Engine turns raw connection events and periodic metric polls into a
// correlated telemetry stream. Collection is gated by a flag that both
// loops check on every iteration.
type Engine struct {
	source      Source
	sink        Sink
	notifier    Notifier
	logger      *slog.Logger
	events      *bus.Bus[*models.TelemetryEvent]
	callTimeout time.Duration

	startMu sync.Mutex

	mu         sync.RWMutex
	collecting bool
	generation uint64
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	pendingMu sync.RWMutex
	pending   map[string]*models.TrackedRequest
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithNotifier forwards every published event to n
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithBusCapacity sets the per-subscriber buffer of the telemetry bus
func WithBusCapacity(n int) EngineOption {
	return func(e *Engine) {
		e.events = bus.New[*models.TelemetryEvent](n)
	}
}

// WithCallTimeout bounds each metrics fetch and storage write
func WithCallTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// NewEngine creates an idle engine. sink may be nil to skip persistence.
func NewEngine(source Source, sink Sink, opts ...EngineOption) *Engine {
	e := &Engine{
		source:      source,
		sink:        sink,
		logger:      slog.Default(),
		callTimeout: DefaultCallTimeout,
		pending:     make(map[string]*models.TrackedRequest),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.events == nil {
		e.events = bus.New[*models.TelemetryEvent](bus.DefaultCapacity)
	}
	return e
}

// Start enables the Performance and Network domains and spawns the poll and
// correlation loops. The loops run until Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context, pollInterval time.Duration, sessionID string) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if e.IsCollecting() {
		return ErrAlreadyCollecting
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	// Subscribe before enabling so events fired by the enable are seen
	sub := e.source.Subscribe()

	if err := e.source.EnablePerformanceDomain(ctx); err != nil {
		sub.Close()
		return err
	}
	if err := e.source.EnableNetworkDomain(ctx); err != nil {
		sub.Close()
		return err
	}

	e.pendingMu.Lock()
	clear(e.pending)
	e.pendingMu.Unlock()

	// Waiting is cancelled by Stop; calls made on behalf of the loops are not
	loopCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.collecting = true
	e.generation++
	gen := e.generation
	e.cancel = cancel
	e.mu.Unlock()

	e.logger.Info("Starting metrics collection",
		"session_id", sessionID,
		"poll_interval", pollInterval,
	)

	e.wg.Add(2)
	go e.pollLoop(loopCtx, gen, pollInterval, sessionID)
	go e.correlationLoop(loopCtx, gen, sub, sessionID)
	return nil
}

// Stop clears the collecting flag. In-flight protocol calls are allowed to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()
	if e.halt(gen) {
		e.logger.Info("Stopping metrics collection")
	}
}

// halt stops collection generation gen, reporting whether it was running
func (e *Engine) halt(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation || !e.collecting {
		return false
	}
	e.collecting = false
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	return true
}

// Wait blocks until both loops of the last Start have exited
func (e *Engine) Wait() {
	e.wg.Wait()
}

// IsCollecting reports the collecting flag
func (e *Engine) IsCollecting() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collecting
}

func (e *Engine) running(gen uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collecting && e.generation == gen
}

// Subscribe returns a receiver of telemetry events
func (e *Engine) Subscribe() *bus.Subscription[*models.TelemetryEvent] {
	return e.events.Subscribe()
}

// PendingRequests returns a copy of the correlation table
func (e *Engine) PendingRequests() map[string]models.TrackedRequest {
	e.pendingMu.RLock()
	defer e.pendingMu.RUnlock()
	out := make(map[string]models.TrackedRequest, len(e.pending))
	for id, r := range e.pending {
		out[id] = *r
	}
	return out
}

// Close stops collection, waits for the loops and ends the telemetry bus
func (e *Engine) Close() {
	e.Stop()
	e.Wait()
	e.events.Close()
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.callTimeout)
}

func (e *Engine) pollLoop(ctx context.Context, gen uint64, interval time.Duration, sessionID string) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if !e.running(gen) {
			return
		}
		e.poll(ctx, gen, sessionID)

		select {
		case <-ctx.Done():
			e.halt(gen)
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) poll(ctx context.Context, gen uint64, sessionID string) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	snapshot, err := e.source.GetPerformanceMetrics(callCtx)
	if err != nil {
		e.logger.Debug("Performance metrics fetch failed", "error", err)
		return
	}

	// Stop may have landed while the fetch was in flight
	if !e.running(gen) {
		return
	}

	if e.sink != nil {
		metric, err := models.NewPerformanceMetric(sessionID, snapshot)
		if err == nil {
			_, err = e.sink.StoreMetric(callCtx, metric)
		}
		if err != nil {
			e.logger.Warn("Failed to store performance metric", "session_id", sessionID, "error", err)
		}
	}

	e.publish(models.NewPerformanceEvent(snapshot))
}

func (e *Engine) correlationLoop(ctx context.Context, gen uint64, sub *bus.Subscription[cdp.Event], sessionID string) {
	defer e.wg.Done()
	defer sub.Close()

	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			var lagged *bus.LaggedError
			switch {
			case errors.As(err, &lagged):
				e.logger.Warn("Telemetry correlation lagged", "skipped", lagged.Skipped)
				continue
			case errors.Is(err, bus.ErrClosed):
				e.logger.Debug("Raw event stream closed")
			default:
				e.halt(gen)
			}
			return
		}

		if !e.running(gen) {
			return
		}
		e.correlate(ctx, sessionID, ev)
	}
}

// correlate applies one raw event to the correlation table
func (e *Engine) correlate(ctx context.Context, sessionID string, ev cdp.Event) {
	switch ev.Kind {
	case cdp.EventRequestSent:
		e.requestSent(ctx, sessionID, ev)
	case cdp.EventResponseReceived:
		e.responseReceived(ev)
	case cdp.EventLoadingFinished:
		e.loadingFinished(ctx, sessionID, ev)
	}
}

func (e *Engine) requestSent(ctx context.Context, sessionID string, ev cdp.Event) {
	e.pendingMu.Lock()
	e.pending[ev.RequestID] = &models.TrackedRequest{
		RequestID:        ev.RequestID,
		URL:              ev.URL,
		Method:           ev.Method,
		RequestTimestamp: ev.Timestamp,
	}
	e.pendingMu.Unlock()

	method := ev.Method
	e.storeRequest(ctx, &models.StoredNetworkRequest{
		ID:          ev.RequestID,
		SessionID:   sessionID,
		URL:         ev.URL,
		Method:      &method,
		RequestTime: secondsToMillis(ev.Timestamp),
	})

	e.publish(models.NewRequestStartedEvent(&models.NetworkRequestStarted{
		RequestID: ev.RequestID,
		URL:       ev.URL,
		Method:    ev.Method,
		Timestamp: ev.Timestamp,
	}))
}

func (e *Engine) responseReceived(ev cdp.Event) {
	var duration *float64

	e.pendingMu.Lock()
	if req, ok := e.pending[ev.RequestID]; ok {
		ts, status := ev.Timestamp, ev.Status
		req.ResponseTimestamp = &ts
		req.Status = &status
		d := (ts - req.RequestTimestamp) * 1000
		duration = &d
	}
	e.pendingMu.Unlock()

	e.publish(models.NewResponseEvent(&models.NetworkResponseReceived{
		RequestID:  ev.RequestID,
		Status:     ev.Status,
		Timestamp:  ev.Timestamp,
		DurationMs: duration,
	}))
}

func (e *Engine) loadingFinished(ctx context.Context, sessionID string, ev cdp.Event) {
	e.pendingMu.Lock()
	req, ok := e.pending[ev.RequestID]
	delete(e.pending, ev.RequestID)
	e.pendingMu.Unlock()

	if !ok {
		return
	}

	ts, size := ev.Timestamp, ev.EncodedDataLength
	duration := (ts - req.RequestTimestamp) * 1000
	responseTime := secondsToMillis(ts)
	method := req.Method

	e.storeRequest(ctx, &models.StoredNetworkRequest{
		ID:           req.RequestID,
		SessionID:    sessionID,
		URL:          req.URL,
		Method:       &method,
		StatusCode:   req.Status,
		RequestTime:  secondsToMillis(req.RequestTimestamp),
		ResponseTime: &responseTime,
		DurationMs:   &duration,
		SizeBytes:    &size,
	})

	e.publish(models.NewCompletedEvent(&models.NetworkRequestCompleted{
		RequestID:  req.RequestID,
		URL:        req.URL,
		Method:     req.Method,
		Status:     req.Status,
		DurationMs: duration,
		SizeBytes:  size,
	}))
}

func (e *Engine) storeRequest(ctx context.Context, r *models.StoredNetworkRequest) {
	if e.sink == nil {
		return
	}
	callCtx, cancel := e.callContext(ctx)
	defer cancel()
	if err := e.sink.StoreNetworkRequest(callCtx, r); err != nil {
		e.logger.Warn("Failed to store network request", "request_id", r.ID, "error", err)
	}
}

func (e *Engine) publish(ev *models.TelemetryEvent) {
	e.events.Publish(ev)
	if e.notifier != nil {
		e.notifier.Notify(ev.NotificationName(), ev)
	}
}

func secondsToMillis(s float64) int64 {
	return int64(s * 1000)
}
