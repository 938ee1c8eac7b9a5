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

package drift

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"featurepipe/internal/pipeline/cache"
	"featurepipe/internal/pipeline/registry"
)

func newDetector(cfg registry.DriftConfig) (*Detector, *cache.MemoryStore, *bytes.Buffer, func(time.Duration)) {
	t0 := time.Unix(1_700_000_000, 0)
	now := &t0
	mem := cache.NewMemoryStore()
	mem.Now = func() time.Time { return *now }

	var buf bytes.Buffer
	d := New(mem, cfg, zerolog.New(&buf))
	d.Now = func() time.Time { return *now }
	return d, mem, &buf, func(step time.Duration) { *now = now.Add(step) }
}

func bounded(feature string, meanShift, stdShift float64) registry.DriftConfig {
	return registry.DriftConfig{
		Enabled: true,
		Thresholds: map[string]registry.Threshold{
			feature: {MeanShift: &meanShift, StdShift: &stdShift},
		},
	}
}

func statsField(t *testing.T, mem *cache.MemoryStore, key, field string) float64 {
	t.Helper()
	h, err := mem.HGetAll(context.Background(), key)
	if err != nil {
		t.Fatalf("HGetAll(%s): %v", key, err)
	}
	v, ok := h[field]
	if !ok {
		t.Fatalf("hash %s missing field %s (have %v)", key, field, h)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		t.Fatalf("hash %s field %s = %q: %v", key, field, v, err)
	}
	return f
}

func TestDetector_DisabledAndNonFinite(t *testing.T) {
	ctx := context.Background()

	d, mem, _, _ := newDetector(registry.DriftConfig{Enabled: false})
	d.Record(ctx, "engagement_score", 42)
	if n := mem.ZCard("drift:values:engagement_score"); n != 0 {
		t.Fatalf("disabled detector wrote %d samples", n)
	}

	d, mem, _, _ = newDetector(registry.DriftConfig{Enabled: true})
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		d.Record(ctx, "engagement_score", v)
	}
	if n := mem.ZCard("drift:values:engagement_score"); n != 0 {
		t.Fatalf("non-finite values left %d samples", n)
	}
	h, _ := mem.HGetAll(ctx, "drift:stats:engagement_score")
	if len(h) != 0 {
		t.Fatalf("non-finite values updated stats: %v", h)
	}
}

func TestDetector_RecordKeepsWelfordStats(t *testing.T) {
	ctx := context.Background()
	d, mem, _, _ := newDetector(registry.DriftConfig{Enabled: true})

	// Known stream: mean 5, population std 2.
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		d.Record(ctx, "engagement_score", v)
	}

	if got := statsField(t, mem, "drift:stats:engagement_score", "count"); got != 8 {
		t.Errorf("count = %v, want 8", got)
	}
	if got := statsField(t, mem, "drift:stats:engagement_score", "mean"); math.Abs(got-5) > 1e-9 {
		t.Errorf("mean = %v, want 5", got)
	}
	if got := statsField(t, mem, "drift:stats:engagement_score", "std"); math.Abs(got-2) > 1e-9 {
		t.Errorf("std = %v, want 2", got)
	}
	if n := mem.ZCard("drift:values:engagement_score"); n != 8 {
		t.Errorf("sample count = %d, want 8", n)
	}

	// Baseline froze the first observation.
	if got := statsField(t, mem, "drift:baseline:engagement_score", "count"); got != 1 {
		t.Errorf("baseline count = %v, want 1", got)
	}
	if got := statsField(t, mem, "drift:baseline:engagement_score", "mean"); got != 2 {
		t.Errorf("baseline mean = %v, want 2", got)
	}
}

func TestDetector_SamplesTrimmedToRetention(t *testing.T) {
	ctx := context.Background()
	d, mem, _, advance := newDetector(registry.DriftConfig{Enabled: true})

	d.Record(ctx, "engagement_score", 1)
	advance(30 * time.Minute)
	d.Record(ctx, "engagement_score", 2)
	if n := mem.ZCard("drift:values:engagement_score"); n != 2 {
		t.Fatalf("samples inside the window = %d, want 2", n)
	}

	// 61 minutes after the first sample it falls out of the window.
	advance(31 * time.Minute)
	d.Record(ctx, "engagement_score", 3)
	if n := mem.ZCard("drift:values:engagement_score"); n != 2 {
		t.Fatalf("samples after trim = %d, want 2", n)
	}
}

func TestDetector_BaselineRotation(t *testing.T) {
	ctx := context.Background()
	d, mem, buf, advance := newDetector(registry.DriftConfig{Enabled: true})

	d.Record(ctx, "session_duration", 10)
	if got := statsField(t, mem, "drift:baseline:session_duration", "count"); got != 1 {
		t.Fatalf("baseline count = %v, want 1", got)
	}

	advance(30 * time.Minute)
	d.Record(ctx, "session_duration", 10)
	if got := statsField(t, mem, "drift:baseline:session_duration", "count"); got != 1 {
		t.Fatalf("baseline refreshed too early, count = %v", got)
	}

	// Past the baseline TTL the current statistics become the new baseline.
	advance(31 * time.Minute)
	d.Record(ctx, "session_duration", 10)
	if got := statsField(t, mem, "drift:baseline:session_duration", "count"); got != 3 {
		t.Fatalf("rotated baseline count = %v, want 3", got)
	}

	// No thresholds configured, so nothing may alert.
	if s := buf.String(); strings.Contains(s, "drift detected") {
		t.Fatalf("unthresholded feature alerted: %s", s)
	}
}

func TestDetector_MeanShiftAlert(t *testing.T) {
	ctx := context.Background()
	d, _, buf, _ := newDetector(bounded("engagement_score", 5, 1e9))

	d.Record(ctx, "engagement_score", 10) // seeds baseline, mean 10
	d.Record(ctx, "engagement_score", 10) // mean 10, no shift
	if strings.Contains(buf.String(), "drift detected") {
		t.Fatalf("alert before any shift: %s", buf.String())
	}

	d.Record(ctx, "engagement_score", 40) // mean 20, shift 10 > 5
	out := buf.String()
	if !strings.Contains(out, "feature drift detected") {
		t.Fatalf("missing alert after mean shift: %s", out)
	}
	if !strings.Contains(out, "engagement_score") {
		t.Fatalf("alert does not name the feature: %s", out)
	}
}

func TestDetector_StdShiftAlert(t *testing.T) {
	ctx := context.Background()
	d, _, buf, _ := newDetector(bounded("engagement_score", 1e9, 5))

	d.Record(ctx, "engagement_score", 10)
	d.Record(ctx, "engagement_score", 10)
	d.Record(ctx, "engagement_score", 100) // std jumps from 0 to ~42
	if !strings.Contains(buf.String(), "feature drift detected") {
		t.Fatalf("missing alert after std shift: %s", buf.String())
	}
}

func TestDetector_ShiftAtBoundDoesNotAlert(t *testing.T) {
	ctx := context.Background()
	d, _, buf, _ := newDetector(bounded("engagement_score", 5, 5))

	d.Record(ctx, "engagement_score", 10) // baseline: mean 10, std 0
	d.Record(ctx, "engagement_score", 20) // mean 15, std 5: both shifts exactly 5
	if strings.Contains(buf.String(), "drift detected") {
		t.Fatalf("alert at exact bound: %s", buf.String())
	}
}

// downCache fails every operation.
type downCache struct{}

var errDown = errors.New("connection refused")

func (downCache) ZAdd(context.Context, string, float64, string) error { return errDown }
func (downCache) ZRemRangeByScore(context.Context, string, float64, float64) error {
	return errDown
}
func (downCache) HGetAll(context.Context, string) (map[string]string, error) {
	return nil, errDown
}
func (downCache) HSet(context.Context, string, map[string]string) error { return errDown }
func (downCache) Expire(context.Context, string, time.Duration) error  { return errDown }

func TestDetector_CacheDownIsSilent(t *testing.T) {
	var buf bytes.Buffer
	d := New(downCache{}, registry.DriftConfig{Enabled: true}, zerolog.New(&buf))

	// Must neither panic nor alert.
	d.Record(context.Background(), "engagement_score", 42)
	if strings.Contains(buf.String(), "drift detected") {
		t.Fatalf("alert with cache down: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "drift stats read failed") {
		t.Fatalf("expected degraded-cache warning, got: %s", buf.String())
	}
}
