package metrics

import (
	"log/slog"
	"sync"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// Dispatcher distributes telemetry events to all output modules.
// It implements Notifier so the engine can forward every event to it.
type Dispatcher struct {
	outputs []Output
	logger  *slog.Logger
	mu      sync.RWMutex
}

// Output is an interface for telemetry output modules
type Output interface {
	// Write sends a telemetry event to the output
	Write(event *models.TelemetryEvent) error

	// Name returns the output module name
	Name() string
}

// NewDispatcher creates a new event dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		outputs: make([]Output, 0),
		logger:  slog.Default(),
	}
}

// SetLogger replaces the logger used to report output failures
func (d *Dispatcher) SetLogger(l *slog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = l
}

// RegisterOutput adds an output module to the dispatcher
func (d *Dispatcher) RegisterOutput(output Output) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outputs = append(d.outputs, output)
}

// Outputs returns the registered output names
func (d *Dispatcher) Outputs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.outputs))
	for _, o := range d.outputs {
		names = append(names, o.Name())
	}
	return names
}

// Notify satisfies Notifier
func (d *Dispatcher) Notify(name string, event *models.TelemetryEvent) {
	d.Dispatch(event)
}

// Dispatch sends an event to all registered outputs
// Outputs are called in parallel to avoid blocking
func (d *Dispatcher) Dispatch(event *models.TelemetryEvent) {
	d.mu.RLock()
	outputs := make([]Output, len(d.outputs))
	copy(outputs, d.outputs)
	logger := d.logger
	d.mu.RUnlock()

	// Fan out to all outputs in parallel
	var wg sync.WaitGroup
	for _, output := range outputs {
		wg.Add(1)
		go func(o Output) {
			defer wg.Done()
			// One failing output must not block the others
			if err := o.Write(event); err != nil {
				logger.Warn("Output failed to write event",
					"output", o.Name(),
					"event", event.NotificationName(),
					"error", err,
				)
			}
		}(output)
	}

	// Wait for all outputs to complete
	wg.Wait()
}

// Close closes every output that holds resources
func (d *Dispatcher) Close() error {
	d.mu.RLock()
	outputs := make([]Output, len(d.outputs))
	copy(outputs, d.outputs)
	d.mu.RUnlock()

	var firstErr error
	for _, o := range outputs {
		c, ok := o.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
