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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"featurepipe/internal/pipeline/cache"
	"featurepipe/internal/pipeline/persistence"
)

var computedAt = time.Date(2024, 4, 30, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string][]persistence.FeatureRow
	queries int
	pingErr error
}

func (f *fakeStore) UserFeatures(_ context.Context, userID string) ([]persistence.FeatureRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	rows := f.rows[userID]
	if len(rows) == 0 {
		return nil, persistence.ErrNotFound
	}
	return rows, nil
}

func (f *fakeStore) UserFeature(_ context.Context, userID, feature string) (persistence.FeatureRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	for _, row := range f.rows[userID] {
		if row.FeatureName == feature {
			return row, nil
		}
	}
	return persistence.FeatureRow{}, persistence.ErrNotFound
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

// pingBroken wraps a working cache with a failing health probe.
type pingBroken struct {
	*cache.MemoryStore
}

func (pingBroken) Ping(context.Context) error {
	return errors.New("redis: connection refused")
}

func seededStore() *fakeStore {
	return &fakeStore{rows: map[string][]persistence.FeatureRow{
		"u1": {
			{UserID: "u1", FeatureName: "engagement_score", FeatureValue: 75, ComputedAt: computedAt, FeatureVersion: "v1", ABVariant: "A"},
			{UserID: "u1", FeatureName: "activity_count_1h", FeatureValue: 3, ComputedAt: computedAt, FeatureVersion: "v1", ABVariant: "A"},
		},
	}}
}

func newTestServer(t *testing.T, c Cache, store FeatureReader) *httptest.Server {
	t.Helper()
	srv := NewServer(c, store, zerolog.Nop())
	srv.Now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("GET %s: decode body: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestServer_UserFeatures_DatabaseThenCache(t *testing.T) {
	store := seededStore()
	mem := cache.NewMemoryStore()
	ts := newTestServer(t, mem, store)

	var first userFeaturesResponse
	if code := getJSON(t, ts, "/features/u1", &first); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if first.Source != "database" {
		t.Errorf("first source = %q, want database", first.Source)
	}
	if got := first.Features["engagement_score"].Value; got != 75 {
		t.Errorf("engagement_score = %v, want 75", got)
	}
	if got := first.Features["engagement_score"].ComputedAt; got != "2024-04-30T12:00:00Z" {
		t.Errorf("computed_at = %q, want the stored stamp", got)
	}
	if len(first.Features) != 2 {
		t.Errorf("features = %d entries, want 2", len(first.Features))
	}
	if store.queryCount() != 1 {
		t.Fatalf("store queries = %d, want 1", store.queryCount())
	}

	// The miss warmed the cache; the second read must not touch the store.
	var second userFeaturesResponse
	if code := getJSON(t, ts, "/features/u1", &second); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if second.Source != "cache" {
		t.Errorf("second source = %q, want cache", second.Source)
	}
	if got := second.Features["activity_count_1h"].Value; got != 3 {
		t.Errorf("cached activity_count_1h = %v, want 3", got)
	}
	if store.queryCount() != 1 {
		t.Errorf("store queries after cache hit = %d, want still 1", store.queryCount())
	}
	if _, err := mem.Get(context.Background(), "features:u1"); err != nil {
		t.Errorf("cache entry missing after database read: %v", err)
	}
}

func TestServer_UserFeatures_NotFound(t *testing.T) {
	ts := newTestServer(t, cache.NewMemoryStore(), seededStore())

	var body errorResponse
	if code := getJSON(t, ts, "/features/ghost", &body); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
	if body.Error != "User not found" {
		t.Errorf("error = %q, want %q", body.Error, "User not found")
	}
}

func TestServer_SingleFeature_DatabaseThenCache(t *testing.T) {
	store := seededStore()
	ts := newTestServer(t, cache.NewMemoryStore(), store)

	var first singleFeatureResponse
	if code := getJSON(t, ts, "/features/u1/engagement_score", &first); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if first.Value != 75 || first.Source != "database" {
		t.Errorf("first read = %+v, want value 75 from database", first)
	}
	if first.ComputedAt != "2024-04-30T12:00:00Z" {
		t.Errorf("computed_at = %q, want the stored stamp", first.ComputedAt)
	}

	// Cache hits serve the value alone; computed_at is not cached.
	var raw map[string]any
	if code := getJSON(t, ts, "/features/u1/engagement_score", &raw); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if raw["source"] != "cache" {
		t.Errorf("second source = %v, want cache", raw["source"])
	}
	if raw["value"] != float64(75) {
		t.Errorf("cached value = %v, want 75", raw["value"])
	}
	if _, ok := raw["computed_at"]; ok {
		t.Error("cache hit should omit computed_at")
	}
	if store.queryCount() != 1 {
		t.Errorf("store queries = %d, want 1", store.queryCount())
	}
}

func TestServer_SingleFeature_NotFound(t *testing.T) {
	ts := newTestServer(t, cache.NewMemoryStore(), seededStore())

	var body errorResponse
	if code := getJSON(t, ts, "/features/u1/no_such_feature", &body); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
	if body.Error != "Feature not found" {
		t.Errorf("error = %q, want %q", body.Error, "Feature not found")
	}
}

func TestServer_Health(t *testing.T) {
	t.Run("AllHealthy", func(t *testing.T) {
		ts := newTestServer(t, cache.NewMemoryStore(), seededStore())

		var body healthResponse
		if code := getJSON(t, ts, "/health", &body); code != http.StatusOK {
			t.Fatalf("status = %d, want 200", code)
		}
		if body.Status != "healthy" || body.Redis != "healthy" || body.Database != "healthy" {
			t.Errorf("health = %+v, want all healthy", body)
		}
		if body.Timestamp == "" {
			t.Error("timestamp missing")
		}
	})

	t.Run("CacheDown", func(t *testing.T) {
		ts := newTestServer(t, pingBroken{cache.NewMemoryStore()}, seededStore())

		var body healthResponse
		getJSON(t, ts, "/health", &body)
		if body.Status != "degraded" || body.Redis != "unhealthy" || body.Database != "healthy" {
			t.Errorf("health = %+v, want degraded with unhealthy redis", body)
		}
	})

	t.Run("DatabaseDown", func(t *testing.T) {
		store := seededStore()
		store.pingErr = errors.New("connection refused")
		ts := newTestServer(t, cache.NewMemoryStore(), store)

		var body healthResponse
		getJSON(t, ts, "/health", &body)
		if body.Status != "degraded" || body.Database != "unhealthy" {
			t.Errorf("health = %+v, want degraded with unhealthy database", body)
		}
	})
}

func TestServer_Index(t *testing.T) {
	ts := newTestServer(t, cache.NewMemoryStore(), seededStore())

	var body struct {
		Service   string            `json:"service"`
		Version   string            `json:"version"`
		Endpoints map[string]string `json:"endpoints"`
	}
	if code := getJSON(t, ts, "/", &body); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.Service != "Feature Serving API" {
		t.Errorf("service = %q", body.Service)
	}
	if len(body.Endpoints) != 4 {
		t.Errorf("endpoints = %d entries, want 4", len(body.Endpoints))
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, cache.NewMemoryStore(), seededStore())

	// Generate at least one instrumented request first.
	getJSON(t, ts, "/features/u1", nil)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "api_cache_misses_total") {
		t.Error("exposition is missing api_cache_misses_total")
	}
	if !strings.Contains(string(body), "api_requests_total") {
		t.Error("exposition is missing api_requests_total")
	}
}
