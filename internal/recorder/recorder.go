// Package recorder runs one recording session end to end: it creates the
// session row, connects, collects until told to stop, then closes the session.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/cdp"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/metrics"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// ErrNoDebuggerURL is returned for a target another client already attached to
var ErrNoDebuggerURL = errors.New("target has no websocket debugger URL")

// SessionStore persists sessions and their telemetry. *storage.Store implements it.
type SessionStore interface {
	metrics.Sink
	CreateSession(ctx context.Context, session *models.Session) error
	EndSession(ctx context.Context, id string, endedAt int64) error
	AbortSession(ctx context.Context, id string, endedAt int64) error
}

// Options describe the recording
type Options struct {
	DeviceID     string
	DeviceName   *string
	PackageName  *string
	DisplayName  *string
	Tags         []string
	PollInterval time.Duration
	CallTimeout  time.Duration
	BusCapacity  int

	// OnStart is called once collection is running
	OnStart func(session *models.Session, engine *metrics.Engine)
}

// Recorder manages one recording
type Recorder struct {
	client   *cdp.Client
	store    SessionStore
	notifier metrics.Notifier
	options  Options
	logger   *slog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a recorder. store and notifier may be nil; without a store
// the session only lives in memory.
func New(client *cdp.Client, store SessionStore, notifier metrics.Notifier, opts Options, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DeviceID == "" {
		opts.DeviceID = "local"
	}

	return &Recorder{
		client:   client,
		store:    store,
		notifier: notifier,
		options:  opts,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Run records target until ctx is cancelled, Stop is called or the
// connection is lost. The returned session reflects its final state.
func (r *Recorder) Run(ctx context.Context, target models.Target) (*models.Session, error) {
	wsURL := target.DebuggerURL()
	if wsURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoDebuggerURL, target.ID)
	}

	session := r.newSession(target)
	if r.store != nil {
		if err := r.store.CreateSession(ctx, session); err != nil {
			return nil, fmt.Errorf("creating session: %w", err)
		}
	}

	log := r.logger.With("session_id", session.ID)
	log.Info("Recording session created", "target", target.Title, "url", target.URL)

	// Watch the connection before connecting so a drop is never missed
	events := r.client.Subscribe()
	defer events.Close()

	if err := r.client.Connect(ctx, wsURL); err != nil {
		r.abort(session, log)
		return session, err
	}

	opts := []metrics.EngineOption{metrics.WithLogger(r.logger)}
	if r.notifier != nil {
		opts = append(opts, metrics.WithNotifier(r.notifier))
	}
	if r.options.CallTimeout > 0 {
		opts = append(opts, metrics.WithCallTimeout(r.options.CallTimeout))
	}
	if r.options.BusCapacity > 0 {
		opts = append(opts, metrics.WithBusCapacity(r.options.BusCapacity))
	}
	var sink metrics.Sink
	if r.store != nil {
		sink = r.store
	}
	engine := metrics.NewEngine(r.client, sink, opts...)

	if err := engine.Start(ctx, r.options.PollInterval, session.ID); err != nil {
		engine.Close()
		r.client.Disconnect()
		r.abort(session, log)
		return session, fmt.Errorf("starting collection: %w", err)
	}

	if r.options.OnStart != nil {
		r.options.OnStart(session, engine)
	}

	r.wait(ctx, events.C(), log)

	// Stop the engine before dropping the connection
	engine.Close()
	r.client.Disconnect()

	endedAt := time.Now().UnixMilli()
	if r.store != nil {
		if err := r.store.EndSession(context.WithoutCancel(ctx), session.ID, endedAt); err != nil {
			return session, fmt.Errorf("ending session: %w", err)
		}
	}
	session.EndedAt = &endedAt
	session.Status = models.SessionCompleted

	duration, _ := session.DurationMs()
	log.Info("Recording session completed", "duration_ms", duration)
	return session, nil
}

// wait blocks until the recording should end
func (r *Recorder) wait(ctx context.Context, events <-chan cdp.Event, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			log.Info("Recording stopped by context")
			return

		case <-r.stopChan:
			log.Info("Recording stopped by Stop() call")
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == cdp.EventDisconnected {
				log.Warn("Connection lost, ending recording")
				return
			}
		}
	}
}

func (r *Recorder) newSession(target models.Target) *models.Session {
	session := models.NewSession(r.options.DeviceID)
	session.DeviceName = r.options.DeviceName
	session.PackageName = r.options.PackageName
	session.DisplayName = r.options.DisplayName
	session.Tags = r.options.Tags

	if target.Title != "" {
		title := target.Title
		session.TargetTitle = &title
	}
	if target.URL != "" {
		url := target.URL
		session.WebviewURL = &url
	}
	return session
}

// abort marks a session that never started collecting
func (r *Recorder) abort(session *models.Session, log *slog.Logger) {
	endedAt := time.Now().UnixMilli()
	if r.store != nil {
		if err := r.store.AbortSession(context.Background(), session.ID, endedAt); err != nil {
			log.Warn("Failed to abort session", "error", err)
			return
		}
	}
	session.EndedAt = &endedAt
	session.Status = models.SessionAborted
}

// Stop ends the recording. Later calls do nothing.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}
