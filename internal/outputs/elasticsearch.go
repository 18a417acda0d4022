package outputs

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	"github.com/google/uuid"

	"github.com/nickborgers/monorepo/webview-telemetry/internal/config"
	"github.com/nickborgers/monorepo/webview-telemetry/internal/models"
)

// ElasticsearchOutput pushes performance snapshots and completed requests to Elasticsearch
type ElasticsearchOutput struct {
	config       *config.ElasticsearchConfig
	client       *elasticsearch.Client
	bulkIndexer  esutil.BulkIndexer
	logger       *slog.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	eventChannel chan *models.TelemetryEvent
}

// esDocument is the indexed shape of one event
type esDocument struct {
	Timestamp time.Time              `json:"@timestamp"`
	Event     string                 `json:"event"`
	Data      *models.TelemetryEvent `json:"data"`
}

// NewElasticsearchOutput creates a new Elasticsearch output
func NewElasticsearchOutput(cfg *config.ElasticsearchConfig, logger *slog.Logger) (*ElasticsearchOutput, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Build Elasticsearch configuration
	esCfg := elasticsearch.Config{
		Addresses:     cfg.Addresses,
		RetryOnStatus: []int{502, 503, 504, 429},
		MaxRetries:    cfg.MaxRetries,
	}

	// Configure authentication
	if cfg.APIKey != "" {
		esCfg.APIKey = cfg.APIKey
	} else if cfg.Username != "" && cfg.Password != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}

	if cfg.TLSSkipVerify {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
			},
		}
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	// Test connection
	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("Elasticsearch returned error: %s", res.Status())
	}

	logger.Info("Connected to Elasticsearch", "addresses", cfg.Addresses)

	bulkIndexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Client:        client,
		NumWorkers:    2,
		FlushBytes:    cfg.BulkSize * 1024,
		FlushInterval: cfg.FlushInterval,
		OnError: func(ctx context.Context, err error) {
			logger.Warn("Elasticsearch bulk indexer error", "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	return newElasticsearchOutput(cfg, client, bulkIndexer, logger), nil
}

func newElasticsearchOutput(cfg *config.ElasticsearchConfig, client *elasticsearch.Client, bi esutil.BulkIndexer, logger *slog.Logger) *ElasticsearchOutput {
	ctx, cancel := context.WithCancel(context.Background())

	e := &ElasticsearchOutput{
		config:       cfg,
		client:       client,
		bulkIndexer:  bi,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		eventChannel: make(chan *models.TelemetryEvent, 100),
	}

	// Start background worker to process events
	e.wg.Add(1)
	go e.processEvents()

	return e
}

// processEvents is a background worker that indexes queued events
func (e *ElasticsearchOutput) processEvents() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case event := <-e.eventChannel:
			if err := e.indexEvent(event, time.Now()); err != nil {
				e.logger.Warn("Failed to index event to Elasticsearch", "error", err)
			}
		}
	}
}

// documentID keys completed requests by request id so replays overwrite
// instead of duplicating; snapshots get a fresh id
func documentID(event *models.TelemetryEvent) string {
	if event.Kind == models.KindNetworkComplete {
		return event.Completed.RequestID
	}
	return uuid.NewString()
}

// indexedKind reports whether an event kind is worth a document.
// Request starts and responses are folded into the completed document.
func indexedKind(kind models.TelemetryKind) bool {
	return kind == models.KindPerformance || kind == models.KindNetworkComplete
}

// indexEvent queues a single event in the bulk indexer
func (e *ElasticsearchOutput) indexEvent(event *models.TelemetryEvent, now time.Time) error {
	indexName := formatIndexName(e.config.IndexPattern, now)

	data, err := json.Marshal(esDocument{
		Timestamp: now.UTC(),
		Event:     event.NotificationName(),
		Data:      event,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return e.bulkIndexer.Add(
		e.ctx,
		esutil.BulkIndexerItem{
			Action:     "index",
			Index:      indexName,
			DocumentID: documentID(event),
			Body:       bytes.NewReader(data),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					e.logger.Warn("Elasticsearch indexing error", "document_id", item.DocumentID, "error", err)
				} else {
					e.logger.Warn("Elasticsearch indexing failed",
						"document_id", item.DocumentID,
						"type", res.Error.Type,
						"reason", res.Error.Reason,
					)
				}
			},
		},
	)
}

// formatIndexName expands the date placeholders of an index pattern
func formatIndexName(pattern string, t time.Time) string {
	// %{+yyyy.MM.dd} -> 2024.01.15, %{+yyyy.MM} -> 2024.01, %{+yyyy} -> 2024
	replacer := strings.NewReplacer(
		"%{+yyyy.MM.dd}", t.Format("2006.01.02"),
		"%{+yyyy.MM}", t.Format("2006.01"),
		"%{+yyyy}", t.Format("2006"),
	)
	return replacer.Replace(pattern)
}

// Write queues an event for indexing
func (e *ElasticsearchOutput) Write(event *models.TelemetryEvent) error {
	if e == nil || !indexedKind(event.Kind) {
		return nil
	}

	// Send to channel for async processing
	select {
	case e.eventChannel <- event:
		return nil
	case <-e.ctx.Done():
		return fmt.Errorf("Elasticsearch output is shutting down")
	default:
		e.logger.Warn("Elasticsearch event channel is full, dropping event", "event", event.NotificationName())
		return nil
	}
}

// Name returns the output module name
func (e *ElasticsearchOutput) Name() string {
	return "elasticsearch"
}

// Close flushes pending documents
func (e *ElasticsearchOutput) Close() error {
	if e == nil {
		return nil
	}

	e.logger.Info("Shutting down Elasticsearch output")

	// Stop accepting new events and wait for the worker
	e.cancel()
	e.wg.Wait()

	// Close the bulk indexer (flushes pending documents)
	if err := e.bulkIndexer.Close(context.Background()); err != nil {
		e.logger.Error("Error closing Elasticsearch bulk indexer", "error", err)
		return err
	}

	stats := e.bulkIndexer.Stats()
	e.logger.Info("Elasticsearch indexer stats", "indexed", stats.NumIndexed, "failed", stats.NumFailed)

	return nil
}
