// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingest implements the HTTP gateway that accepts raw events,
// deduplicates them by content hash, and hands them to a worker pool that
// publishes to the raw-events topic. The accept path never blocks: a full
// queue answers 503 and the client retries.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"featurepipe/internal/pipeline/cache"
	"featurepipe/internal/pipeline/telemetry"
)

const (
	defaultWorkers  = 10
	defaultQueueCap = 1000
	// dedupTTL is how long an event's content hash blocks replays.
	dedupTTL = time.Hour
)

var (
	ingestAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_accepted_total",
		Help: "Events accepted and queued for publishing",
	})
	ingestDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_duplicates_total",
		Help: "Events rejected as already-seen content",
	})
	ingestRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_rejected_total",
		Help: "Events rejected because the queue was full",
	})
	ingestPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_publish_failures_total",
		Help: "Events that failed to publish to the raw-events topic",
	})
	ingestQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_queue_depth",
		Help: "Events buffered between the accept path and the publish workers",
	})
)

func init() {
	prometheus.MustRegister(
		ingestAccepted,
		ingestDuplicates,
		ingestRejected,
		ingestPublishFailures,
		ingestQueueDepth,
	)
}

// Cache is the dedup store the gateway checks before queueing.
type Cache interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// Producer publishes accepted events to the raw-events topic.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var (
	_ Cache    = (*cache.RedisStore)(nil)
	_ Cache    = (*cache.MemoryStore)(nil)
	_ Producer = (*kafka.Writer)(nil)
)

// Gateway accepts events over HTTP and publishes them asynchronously.
type Gateway struct {
	cache    Cache
	producer Producer
	queue    chan map[string]any
	workers  int
	log      zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32

	// Now stamps ingested_at; tests may replace it.
	Now func() time.Time
}

func NewGateway(cache Cache, producer Producer, workers, queueCap int, log zerolog.Logger) *Gateway {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}
	return &Gateway{
		cache:    cache,
		producer: producer,
		queue:    make(chan map[string]any, queueCap),
		workers:  workers,
		stopChan: make(chan struct{}),
		log:      log,
		Now:      time.Now,
	}
}

// Start launches the publish workers.
func (g *Gateway) Start() {
	g.log.Info().Int("workers", g.workers).Int("queue_cap", cap(g.queue)).
		Msg("ingestion worker pool started")
	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}
}

// Stop drains the queue and shuts the workers down. The HTTP server must
// stop accepting before Stop is called, otherwise late arrivals are dropped
// with a 503. Safe to call more than once.
func (g *Gateway) Stop() {
	if !atomic.CompareAndSwapUint32(&g.stopped, 0, 1) {
		return
	}
	close(g.stopChan)
	g.wg.Wait()
	// Whatever the workers did not get to drains here.
	for {
		select {
		case evt := <-g.queue:
			g.process(evt)
			ingestQueueDepth.Set(float64(len(g.queue)))
		default:
			g.log.Info().Msg("ingestion gateway stopped")
			return
		}
	}
}

func (g *Gateway) worker() {
	defer g.wg.Done()
	for {
		select {
		case evt := <-g.queue:
			g.process(evt)
			ingestQueueDepth.Set(float64(len(g.queue)))
		case <-g.stopChan:
			return
		}
	}
}

// process publishes one enriched event and then marks its content hash so
// replays within the dedup window short-circuit at the accept path.
func (g *Gateway) process(evt map[string]any) {
	ctx := context.Background()
	eventID, _ := evt["event_id"].(string)

	data, err := json.Marshal(evt)
	if err != nil {
		ingestPublishFailures.Inc()
		g.log.Error().Err(err).Str("event_id", eventID).Msg("event encode failed")
		return
	}

	// Key by user when we have one so a user's events stay on one
	// partition; anonymous events spread by content hash.
	key := eventID
	if uid, ok := evt["user_id"].(string); ok && uid != "" {
		key = uid
	}

	if err := g.producer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		ingestPublishFailures.Inc()
		g.log.Error().Err(err).Str("event_id", eventID).Msg("raw event publish failed")
		return
	}

	if err := g.cache.Set(ctx, "event:"+eventID, "1", dedupTTL); err != nil {
		g.log.Warn().Err(err).Str("event_id", eventID).Msg("dedup mark failed")
	}
}

// RegisterRoutes sets up the HTTP routes for the gateway on the given ServeMux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /events", g.handleEvents)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("GET /metrics", telemetry.Handler())
}

// Handler returns a ServeMux with all routes registered.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.RegisterRoutes(mux)
	return mux
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	var evt map[string]any
	// A JSON null decodes into a nil map, so it needs rejecting alongside
	// malformed input before enrichment writes into the map.
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil || evt == nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	// The id hashes the payload as received, before enrichment, so the
	// same content always maps to the same id.
	eventID := contentID(evt)

	duplicate, err := g.cache.Exists(r.Context(), "event:"+eventID)
	if err != nil {
		// Dedup is best-effort: a cache outage must not stop ingestion.
		g.log.Warn().Err(err).Msg("dedup check failed")
	} else if duplicate {
		ingestDuplicates.Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "duplicate",
			"message": "Event already processed",
		})
		return
	}

	evt["ingested_at"] = g.Now().UTC().Format(time.RFC3339)
	evt["service"] = "ingestion"
	evt["event_id"] = eventID

	select {
	case g.queue <- evt:
		ingestAccepted.Inc()
		ingestQueueDepth.Set(float64(len(g.queue)))
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":   "accepted",
			"message":  "Event queued for processing",
			"event_id": eventID,
		})
	default:
		ingestRejected.Inc()
		http.Error(w, "Service overloaded, try again later", http.StatusServiceUnavailable)
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "healthy"
	if err := g.cache.Ping(r.Context()); err != nil {
		redisStatus = "unhealthy: " + err.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"time":        g.Now().UTC().Format(time.RFC3339),
		"redis":       redisStatus,
		"queue_depth": len(g.queue),
	})
}

// contentID derives a stable id from the event payload. Map marshaling
// sorts keys, so field order on the wire does not change the id.
func contentID(evt map[string]any) string {
	data, _ := json.Marshal(evt)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
