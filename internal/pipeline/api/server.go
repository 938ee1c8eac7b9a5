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

// Package api implements the feature serving HTTP API. Reads go through
// the cache first and fall back to the feature store, re-warming the cache
// on the way out.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"featurepipe/internal/pipeline/cache"
	"featurepipe/internal/pipeline/persistence"
	"featurepipe/internal/pipeline/telemetry"
)

// featureCacheTTL is how long a serving-side cache entry stays warm.
const featureCacheTTL = 5 * time.Minute

var (
	apiRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "Total API requests",
	}, []string{"endpoint", "method", "status"})
	apiLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "api_latency_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
	apiCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "api_cache_hits_total",
		Help: "Feature reads served from the cache",
	})
	apiCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "api_cache_misses_total",
		Help: "Feature reads that fell through to the feature store",
	})
)

func init() {
	prometheus.MustRegister(apiRequests, apiLatency, apiCacheHits, apiCacheMisses)
}

// Cache is the serving-side cache the API reads through.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// FeatureReader is the slice of the feature store the API serves from.
type FeatureReader interface {
	UserFeatures(ctx context.Context, userID string) ([]persistence.FeatureRow, error)
	UserFeature(ctx context.Context, userID, feature string) (persistence.FeatureRow, error)
	Ping(ctx context.Context) error
}

var (
	_ Cache         = (*cache.RedisStore)(nil)
	_ Cache         = (*cache.MemoryStore)(nil)
	_ FeatureReader = (*persistence.FeatureStore)(nil)
)

// Server handles the feature serving HTTP endpoints.
type Server struct {
	cache Cache
	store FeatureReader
	log   zerolog.Logger

	// Now stamps response timestamps; tests may replace it.
	Now func() time.Time
}

func NewServer(cache Cache, store FeatureReader, log zerolog.Logger) *Server {
	return &Server{
		cache: cache,
		store: store,
		log:   log,
		Now:   time.Now,
	}
}

// RegisterRoutes sets up the HTTP routes for the server on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /features/{user_id}", s.handleUserFeatures)
	mux.HandleFunc("GET /features/{user_id}/{feature_name}", s.handleSingleFeature)
	mux.Handle("GET /metrics", telemetry.Handler())
}

// Handler returns a ServeMux with all routes registered, ready to mount on
// an http.Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// ListenAndServe starts the HTTP server on the specified address.
func (s *Server) ListenAndServe(addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("feature API listening")
	return httpServer.ListenAndServe()
}

type featureDetail struct {
	Value      float64 `json:"value"`
	ComputedAt string  `json:"computed_at"`
}

type userFeaturesResponse struct {
	UserID    string                   `json:"user_id"`
	Features  map[string]featureDetail `json:"features"`
	Source    string                   `json:"source"`
	Timestamp string                   `json:"timestamp"`
}

type singleFeatureResponse struct {
	UserID      string  `json:"user_id"`
	FeatureName string  `json:"feature_name"`
	Value       float64 `json:"value"`
	ComputedAt  string  `json:"computed_at,omitempty"`
	Source      string  `json:"source"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Redis     string `json:"redis"`
	Database  string `json:"database"`
	Timestamp string `json:"timestamp"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleUserFeatures serves every stored feature for one user.
func (s *Server) handleUserFeatures(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(apiLatency.WithLabelValues("/features/{user_id}"))
	defer timer.ObserveDuration()

	ctx := r.Context()
	userID := r.PathValue("user_id")
	key := "features:" + userID

	if raw, err := s.cache.Get(ctx, key); err == nil {
		var feats map[string]featureDetail
		if jerr := json.Unmarshal([]byte(raw), &feats); jerr == nil {
			apiCacheHits.Inc()
			apiRequests.WithLabelValues("/features", "GET", "200").Inc()
			writeJSON(w, http.StatusOK, userFeaturesResponse{
				UserID:    userID,
				Features:  feats,
				Source:    "cache",
				Timestamp: s.timestamp(),
			})
			return
		}
		// Unreadable entry: fall through and rebuild it from the store.
	}
	apiCacheMisses.Inc()

	rows, err := s.store.UserFeatures(ctx, userID)
	if errors.Is(err, persistence.ErrNotFound) {
		apiRequests.WithLabelValues("/features", "GET", "404").Inc()
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "User not found"})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("feature lookup failed")
		apiRequests.WithLabelValues("/features", "GET", "500").Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	feats := make(map[string]featureDetail, len(rows))
	for _, row := range rows {
		feats[row.FeatureName] = featureDetail{
			Value:      row.FeatureValue,
			ComputedAt: row.ComputedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	if data, err := json.Marshal(feats); err == nil {
		if cerr := s.cache.Set(ctx, key, string(data), featureCacheTTL); cerr != nil {
			s.log.Warn().Err(cerr).Str("key", key).Msg("cache write failed")
		}
	}

	apiRequests.WithLabelValues("/features", "GET", "200").Inc()
	writeJSON(w, http.StatusOK, userFeaturesResponse{
		UserID:    userID,
		Features:  feats,
		Source:    "database",
		Timestamp: s.timestamp(),
	})
}

// handleSingleFeature serves one named feature for one user.
func (s *Server) handleSingleFeature(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(apiLatency.WithLabelValues("/features/{user_id}/{feature_name}"))
	defer timer.ObserveDuration()

	ctx := r.Context()
	userID := r.PathValue("user_id")
	featureName := r.PathValue("feature_name")
	key := "feature:" + userID + ":" + featureName

	if raw, err := s.cache.Get(ctx, key); err == nil {
		if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
			apiCacheHits.Inc()
			apiRequests.WithLabelValues("/features/single", "GET", "200").Inc()
			writeJSON(w, http.StatusOK, singleFeatureResponse{
				UserID:      userID,
				FeatureName: featureName,
				Value:       v,
				Source:      "cache",
			})
			return
		}
	}
	apiCacheMisses.Inc()

	row, err := s.store.UserFeature(ctx, userID, featureName)
	if errors.Is(err, persistence.ErrNotFound) {
		apiRequests.WithLabelValues("/features/single", "GET", "404").Inc()
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Feature not found"})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Str("feature", featureName).Msg("feature lookup failed")
		apiRequests.WithLabelValues("/features/single", "GET", "500").Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	value := strconv.FormatFloat(row.FeatureValue, 'f', -1, 64)
	if cerr := s.cache.Set(ctx, key, value, featureCacheTTL); cerr != nil {
		s.log.Warn().Err(cerr).Str("key", key).Msg("cache write failed")
	}

	apiRequests.WithLabelValues("/features/single", "GET", "200").Inc()
	writeJSON(w, http.StatusOK, singleFeatureResponse{
		UserID:      userID,
		FeatureName: featureName,
		Value:       row.FeatureValue,
		ComputedAt:  row.ComputedAt.UTC().Format(time.RFC3339Nano),
		Source:      "database",
	})
}

// handleHealth reports the reachability of both backing stores. The
// endpoint itself always answers 200; "degraded" tells the operator which
// dependency to look at.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	redisStatus := "healthy"
	if err := s.cache.Ping(ctx); err != nil {
		redisStatus = "unhealthy"
	}
	dbStatus := "healthy"
	if err := s.store.Ping(ctx); err != nil {
		dbStatus = "unhealthy"
	}
	status := "healthy"
	if redisStatus != "healthy" || dbStatus != "healthy" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Redis:     redisStatus,
		Database:  dbStatus,
		Timestamp: s.timestamp(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Feature Serving API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"/health":                            "Health check",
			"/features/{user_id}":                "Get all features for a user",
			"/features/{user_id}/{feature_name}": "Get specific feature for a user",
			"/metrics":                           "Prometheus metrics",
		},
	})
}

func (s *Server) timestamp() string {
	return s.Now().UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
