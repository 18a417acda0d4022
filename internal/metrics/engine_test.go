package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/bus"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/cdp"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// fakeSource stands in for a connected cdp.Client
type fakeSource struct {
	raw *bus.Bus[cdp.Event]

	mu         sync.Mutex
	enablePerf error
	enableNet  error
	fetchErr   error
	fetches    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{raw: bus.New[cdp.Event](100)}
}

func (f *fakeSource) EnablePerformanceDomain(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enablePerf
}

func (f *fakeSource) EnableNetworkDomain(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enableNet
}

func (f *fakeSource) GetPerformanceMetrics(ctx context.Context) (*models.PerformanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	heap := float64(1000 * f.fetches)
	return &models.PerformanceSnapshot{Timestamp: time.Now().UnixMilli(), JSHeapUsedSize: &heap}, nil
}

func (f *fakeSource) Subscribe() *bus.Subscription[cdp.Event] {
	return f.raw.Subscribe()
}

func (f *fakeSource) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// fakeSink records persisted rows
type fakeSink struct {
	mu       sync.Mutex
	metrics  []*models.StoredMetric
	requests map[string]*models.StoredNetworkRequest
	writes   int
	err      error
}

func newFakeSink() *fakeSink {
	return &fakeSink{requests: make(map[string]*models.StoredNetworkRequest)}
}

func (s *fakeSink) StoreMetric(ctx context.Context, m *models.StoredMetric) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.metrics = append(s.metrics, m)
	return int64(len(s.metrics)), nil
}

func (s *fakeSink) StoreNetworkRequest(ctx context.Context, r *models.StoredNetworkRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *fakeSink) request(id string) (*models.StoredNetworkRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	return r, ok
}

// recordingNotifier captures notifications
type recordingNotifier struct {
	mu    sync.Mutex
	names []string
}

func (n *recordingNotifier) Notify(name string, event *models.TelemetryEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names = append(n.names, name)
}

func (n *recordingNotifier) got() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.names...)
}

// Long poll interval so only the immediate first poll happens during a test
const quietInterval = time.Hour

func startEngine(t *testing.T, src *fakeSource, sink Sink, opts ...EngineOption) (*Engine, *bus.Subscription[*models.TelemetryEvent]) {
	t.Helper()
	e := NewEngine(src, sink, opts...)
	sub := e.Subscribe()
	require.NoError(t, e.Start(context.Background(), quietInterval, "session-1"))
	t.Cleanup(func() {
		sub.Close()
		e.Close()
	})
	return e, sub
}

// nextOf receives until an event of the given kind arrives
func nextOf(t *testing.T, sub *bus.Subscription[*models.TelemetryEvent], kind models.TelemetryKind) *models.TelemetryEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		ev, err := sub.Recv(ctx)
		require.NoError(t, err)
		if ev.Kind == kind {
			return ev
		}
	}
}

// expectNone asserts that no event of kind arrives within a short window
func expectNone(t *testing.T, sub *bus.Subscription[*models.TelemetryEvent], kind models.TelemetryKind) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	for {
		ev, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		if ev.Kind == kind {
			t.Fatalf("Expected no %s event, got %+v", kind, ev)
		}
	}
}

func TestRequestLifecycleScenario(t *testing.T) {
	src := newFakeSource()
	sink := newFakeSink()
	e, sub := startEngine(t, src, sink)

	src.raw.Publish(cdp.RequestSentEvent("r1", "https://a/x", "GET", 0))
	src.raw.Publish(cdp.ResponseReceivedEvent("r1", 200, 0.050))
	src.raw.Publish(cdp.LoadingFinishedEvent("r1", 1024, 0.200))

	started := nextOf(t, sub, models.KindNetworkRequest)
	assert.Equal(t, "r1", started.RequestStarted.RequestID)
	assert.Equal(t, "https://a/x", started.RequestStarted.URL)

	resp := nextOf(t, sub, models.KindNetworkResponse)
	require.NotNil(t, resp.ResponseArrived.DurationMs)
	assert.InDelta(t, 50.0, *resp.ResponseArrived.DurationMs, 1e-9)
	assert.Equal(t, 200, resp.ResponseArrived.Status)

	done := nextOf(t, sub, models.KindNetworkComplete)
	c := done.Completed
	assert.Equal(t, "r1", c.RequestID)
	assert.Equal(t, "https://a/x", c.URL)
	assert.Equal(t, "GET", c.Method)
	require.NotNil(t, c.Status)
	assert.Equal(t, 200, *c.Status)
	assert.InDelta(t, 200.0, c.DurationMs, 1e-9)
	assert.Equal(t, 1024.0, c.SizeBytes)

	assert.Empty(t, e.PendingRequests())

	stored, ok := sink.request("r1")
	require.True(t, ok)
	require.NotNil(t, stored.StatusCode)
	assert.Equal(t, 200, *stored.StatusCode)
	require.NotNil(t, stored.DurationMs)
	assert.InDelta(t, 200.0, *stored.DurationMs, 1e-9)
	require.NotNil(t, stored.SizeBytes)
	assert.Equal(t, 1024.0, *stored.SizeBytes)
	assert.Equal(t, "session-1", stored.SessionID)
}

func TestCompletedPublishedExactlyOnce(t *testing.T) {
	tests := []struct {
		name      string
		requestTS float64
		finishTS  float64
	}{
		{"short", 10.0, 10.125},
		{"long", 1.5, 4.0},
		{"zero length", 7.0, 7.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			e, sub := startEngine(t, src, nil)

			src.raw.Publish(cdp.RequestSentEvent("req", "https://b/", "GET", tt.requestTS))
			src.raw.Publish(cdp.LoadingFinishedEvent("req", 10, tt.finishTS))
			// A duplicate finish must not produce a second completion
			src.raw.Publish(cdp.LoadingFinishedEvent("req", 10, tt.finishTS+1))

			done := nextOf(t, sub, models.KindNetworkComplete)
			assert.InDelta(t, (tt.finishTS-tt.requestTS)*1000, done.Completed.DurationMs, 1e-6)
			assert.Nil(t, done.Completed.Status)

			expectNone(t, sub, models.KindNetworkComplete)
			assert.NotContains(t, e.PendingRequests(), "req")
		})
	}
}

func TestResponseForUnknownRequest(t *testing.T) {
	src := newFakeSource()
	e, sub := startEngine(t, src, nil)

	src.raw.Publish(cdp.ResponseReceivedEvent("ghost", 404, 3.0))

	resp := nextOf(t, sub, models.KindNetworkResponse)
	assert.Equal(t, "ghost", resp.ResponseArrived.RequestID)
	assert.Equal(t, 404, resp.ResponseArrived.Status)
	assert.Nil(t, resp.ResponseArrived.DurationMs)
	assert.Empty(t, e.PendingRequests())
}

func TestFinishedForUnknownRequestIsDropped(t *testing.T) {
	src := newFakeSource()
	sink := newFakeSink()
	e, sub := startEngine(t, src, sink)

	src.raw.Publish(cdp.RequestSentEvent("known", "https://c/", "GET", 1.0))
	nextOf(t, sub, models.KindNetworkRequest)

	src.raw.Publish(cdp.LoadingFinishedEvent("unknown", 99, 2.0))
	expectNone(t, sub, models.KindNetworkComplete)

	pending := e.PendingRequests()
	assert.Len(t, pending, 1)
	assert.Contains(t, pending, "known")

	_, ok := sink.request("unknown")
	assert.False(t, ok)
}

func TestPendingRequestsIsACopy(t *testing.T) {
	src := newFakeSource()
	e, sub := startEngine(t, src, nil)

	src.raw.Publish(cdp.RequestSentEvent("r2", "https://d/", "PUT", 5.0))
	nextOf(t, sub, models.KindNetworkRequest)

	pending := e.PendingRequests()
	entry := pending["r2"]
	entry.URL = "changed"
	pending["r2"] = entry
	delete(pending, "r2")

	again := e.PendingRequests()
	require.Contains(t, again, "r2")
	assert.Equal(t, "https://d/", again["r2"].URL)
	assert.Equal(t, "PUT", again["r2"].Method)
}

func TestInitialRequestIsPersisted(t *testing.T) {
	src := newFakeSource()
	sink := newFakeSink()
	_, sub := startEngine(t, src, sink)

	src.raw.Publish(cdp.RequestSentEvent("r3", "https://e/", "POST", 12.5))
	nextOf(t, sub, models.KindNetworkRequest)

	stored, ok := sink.request("r3")
	require.True(t, ok)
	assert.Equal(t, int64(12500), stored.RequestTime)
	assert.Nil(t, stored.StatusCode)
	assert.Nil(t, stored.DurationMs)
	require.NotNil(t, stored.Method)
	assert.Equal(t, "POST", *stored.Method)
}

func TestPersistenceFailureDoesNotBlockDelivery(t *testing.T) {
	src := newFakeSource()
	sink := newFakeSink()
	sink.err = errors.New("disk full")
	_, sub := startEngine(t, src, sink)

	nextOf(t, sub, models.KindPerformance)

	src.raw.Publish(cdp.RequestSentEvent("r4", "https://f/", "GET", 1.0))
	src.raw.Publish(cdp.LoadingFinishedEvent("r4", 1, 1.5))
	nextOf(t, sub, models.KindNetworkComplete)
}

func TestPerformancePolling(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping timing test in short mode")
	}

	src := newFakeSource()
	sink := newFakeSink()
	e := NewEngine(src, sink)
	sub := e.Subscribe()
	defer sub.Close()
	defer e.Close()

	require.NoError(t, e.Start(context.Background(), time.Second, "session-1"))
	time.Sleep(3500 * time.Millisecond)
	e.Stop()
	e.Wait()

	var snaps []*models.PerformanceSnapshot
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		ev, err := sub.Recv(ctx)
		cancel()
		if err != nil {
			break
		}
		if ev.Kind == models.KindPerformance {
			snaps = append(snaps, ev.Performance)
		}
	}

	require.GreaterOrEqual(t, len(snaps), 3)
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].Timestamp, snaps[i-1].Timestamp)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.metrics, len(snaps))
	for _, m := range sink.metrics {
		assert.Equal(t, "session-1", m.SessionID)
		assert.Equal(t, models.MetricPerformance, m.MetricType)
	}
}

func TestFetchFailuresAreSwallowed(t *testing.T) {
	src := newFakeSource()
	src.setFetchErr(errors.New("transient"))

	e := NewEngine(src, nil)
	sub := e.Subscribe()
	defer sub.Close()
	defer e.Close()

	require.NoError(t, e.Start(context.Background(), 20*time.Millisecond, "s"))
	expectNone(t, sub, models.KindPerformance)
	assert.True(t, e.IsCollecting())

	src.setFetchErr(nil)
	nextOf(t, sub, models.KindPerformance)
}

func TestStopEndsPublication(t *testing.T) {
	src := newFakeSource()
	e := NewEngine(src, nil)
	sub := e.Subscribe()
	defer sub.Close()
	defer e.Close()

	require.NoError(t, e.Start(context.Background(), 10*time.Millisecond, "s"))
	nextOf(t, sub, models.KindPerformance)

	e.Stop()
	assert.False(t, e.IsCollecting())
	e.Wait()

	// Drain whatever the final iterations produced
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := sub.Recv(ctx)
		cancel()
		if err != nil {
			break
		}
	}

	src.raw.Publish(cdp.RequestSentEvent("late", "https://g/", "GET", 1.0))
	expectNone(t, sub, models.KindNetworkRequest)
	expectNone(t, sub, models.KindPerformance)
}

func TestStartErrors(t *testing.T) {
	perfErr := errors.New("performance unavailable")
	netErr := errors.New("network unavailable")

	tests := []struct {
		name    string
		perf    error
		net     error
		wantErr error
	}{
		{"performance enable fails", perfErr, nil, perfErr},
		{"network enable fails", nil, netErr, netErr},
		{"not connected", cdp.ErrNotConnected, nil, cdp.ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			src.enablePerf = tt.perf
			src.enableNet = tt.net

			e := NewEngine(src, nil)
			defer e.Close()

			err := e.Start(context.Background(), time.Second, "s")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, e.IsCollecting())
			assert.Equal(t, 0, src.raw.Subscribers())
		})
	}
}

func TestStartTwice(t *testing.T) {
	src := newFakeSource()
	e, _ := startEngine(t, src, nil)

	err := e.Start(context.Background(), time.Second, "other")
	assert.ErrorIs(t, err, ErrAlreadyCollecting)
	assert.True(t, e.IsCollecting())
}

func TestRestartAfterStop(t *testing.T) {
	src := newFakeSource()
	e := NewEngine(src, nil)
	sub := e.Subscribe()
	defer sub.Close()
	defer e.Close()

	require.NoError(t, e.Start(context.Background(), quietInterval, "first"))
	src.raw.Publish(cdp.RequestSentEvent("stale", "https://h/", "GET", 1.0))
	nextOf(t, sub, models.KindNetworkRequest)

	e.Stop()
	e.Wait()

	require.NoError(t, e.Start(context.Background(), quietInterval, "second"))
	assert.True(t, e.IsCollecting())
	// A fresh collection starts with an empty correlation table
	assert.Empty(t, e.PendingRequests())
}

func TestContextCancelStopsCollection(t *testing.T) {
	src := newFakeSource()
	e := NewEngine(src, nil)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx, 10*time.Millisecond, "s"))

	cancel()
	e.Wait()
	assert.False(t, e.IsCollecting())
}

func TestClosedRawStreamEndsCorrelation(t *testing.T) {
	src := newFakeSource()
	e := NewEngine(src, nil)
	defer e.Close()

	require.NoError(t, e.Start(context.Background(), quietInterval, "s"))
	src.raw.Close()

	assert.Eventually(t, func() bool {
		return src.raw.Subscribers() == 0
	}, time.Second, 10*time.Millisecond)

	// Only the correlation loop ends; polling carries on until Stop
	assert.True(t, e.IsCollecting())
}

func TestLagIsRecoverable(t *testing.T) {
	src := newFakeSource()
	src.raw = bus.New[cdp.Event](2)
	_, sub := startEngine(t, src, nil)

	// Overflow the raw buffer before the correlation loop can drain it
	for i := 0; i < 50; i++ {
		src.raw.Publish(cdp.ResponseReceivedEvent("flood", 200, float64(i)))
	}

	src.raw.Publish(cdp.RequestSentEvent("after", "https://i/", "GET", 100))
	ev := nextOf(t, sub, models.KindNetworkRequest)
	assert.Equal(t, "after", ev.RequestStarted.RequestID)
}

func TestNotifierReceivesEveryEvent(t *testing.T) {
	src := newFakeSource()
	n := &recordingNotifier{}
	_, sub := startEngine(t, src, nil, WithNotifier(n))

	nextOf(t, sub, models.KindPerformance)
	src.raw.Publish(cdp.RequestSentEvent("r5", "https://j/", "GET", 1))
	nextOf(t, sub, models.KindNetworkRequest)

	names := n.got()
	assert.Contains(t, names, models.NotifyPerformance)
	assert.Contains(t, names, models.NotifyNetwork)
}

func TestConnectionEventsAreIgnored(t *testing.T) {
	src := newFakeSource()
	e, sub := startEngine(t, src, nil)

	src.raw.Publish(cdp.DisconnectedEvent())
	src.raw.Publish(cdp.ConnectedEvent())
	expectNone(t, sub, models.KindNetworkRequest)
	assert.True(t, e.IsCollecting())
}
