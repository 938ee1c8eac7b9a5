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

// Package drift monitors the live distribution of selected features and
// raises an alert when it moves away from a rolling baseline.
//
// For every recorded value the detector keeps three cache entries per
// feature: a sorted set of raw samples trimmed to the last hour, a hash of
// running statistics (count, mean, m2, std) maintained with Welford's
// algorithm, and a baseline hash. The baseline is a frozen copy of the
// statistics taken when none existed; it expires after an hour, so the
// next sample promotes the then-current statistics to the new baseline.
// A feature with a configured threshold alerts when its mean or standard
// deviation drifts from the baseline by more than the allowed shift.
//
// Recording is best effort: cache faults are logged and swallowed so a
// degraded cache never blocks feature computation.
package drift

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"featurepipe/internal/pipeline/registry"
	"featurepipe/internal/pipeline/telemetry"
	"featurepipe/pkg/onlinestats"
)

const (
	// retention bounds the raw-sample sorted set to the trailing hour.
	retention = time.Hour
	// statsTTL is the lifetime of the statistics and baseline hashes.
	// Baseline expiry is what rotates the comparison window.
	statsTTL = time.Hour
)

// Cache is the subset of cache operations the detector needs.
type Cache interface {
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Detector records feature values and checks them against baselines.
type Detector struct {
	cache Cache
	cfg   registry.DriftConfig
	log   zerolog.Logger

	// Now is the sample clock; tests may replace it.
	Now func() time.Time
}

// New builds a Detector from the registry's drift section. A disabled
// section yields a detector whose Record is a no-op.
func New(cache Cache, cfg registry.DriftConfig, log zerolog.Logger) *Detector {
	return &Detector{
		cache: cache,
		cfg:   cfg,
		log:   log,
		Now:   time.Now,
	}
}

// Enabled reports whether recording is live.
func (d *Detector) Enabled() bool { return d.cfg.Enabled }

// Record stores one observation of feature and re-evaluates its drift
// status. Non-finite values are ignored.
func (d *Detector) Record(ctx context.Context, feature string, value float64) {
	if !d.cfg.Enabled || math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}

	ts := float64(d.Now().UnixNano()) / 1e9
	vKey := valuesKey(feature)
	member := strconv.FormatFloat(ts, 'f', 6, 64) + ":" + strconv.FormatFloat(value, 'f', -1, 64)
	if err := d.cache.ZAdd(ctx, vKey, ts, member); err != nil {
		d.log.Warn().Err(err).Str("feature", feature).Msg("drift sample write failed")
	}
	// Scores are unix seconds, so zero bounds everything below the cutoff.
	if err := d.cache.ZRemRangeByScore(ctx, vKey, 0, ts-retention.Seconds()); err != nil {
		d.log.Warn().Err(err).Str("feature", feature).Msg("drift sample trim failed")
	}

	acc, ok := d.updateStats(ctx, feature, value)
	if !ok {
		return
	}
	d.checkDrift(ctx, feature, acc)
}

// updateStats folds value into the feature's running statistics hash and
// returns the updated accumulator.
func (d *Detector) updateStats(ctx context.Context, feature string, value float64) (onlinestats.Accumulator, bool) {
	key := statsKey(feature)
	h, err := d.cache.HGetAll(ctx, key)
	if err != nil {
		d.log.Warn().Err(err).Str("feature", feature).Msg("drift stats read failed")
		return onlinestats.Accumulator{}, false
	}

	acc := accFromHash(h)
	acc.Add(value)

	if err := d.cache.HSet(ctx, key, accToHash(acc)); err != nil {
		d.log.Warn().Err(err).Str("feature", feature).Msg("drift stats write failed")
		return onlinestats.Accumulator{}, false
	}
	if err := d.cache.Expire(ctx, key, statsTTL); err != nil {
		d.log.Warn().Err(err).Str("feature", feature).Msg("drift stats expire failed")
	}
	return acc, true
}

// checkDrift seeds the baseline on first sight and otherwise compares the
// current statistics against it. Every monitored feature gets a baseline;
// only features with configured thresholds alert.
func (d *Detector) checkDrift(ctx context.Context, feature string, acc onlinestats.Accumulator) {
	key := baselineKey(feature)
	base, err := d.cache.HGetAll(ctx, key)
	if err != nil {
		d.log.Warn().Err(err).Str("feature", feature).Msg("drift baseline read failed")
		return
	}
	if len(base) == 0 {
		if err := d.cache.HSet(ctx, key, accToHash(acc)); err != nil {
			d.log.Warn().Err(err).Str("feature", feature).Msg("drift baseline seed failed")
			return
		}
		if err := d.cache.Expire(ctx, key, statsTTL); err != nil {
			d.log.Warn().Err(err).Str("feature", feature).Msg("drift baseline expire failed")
		}
		return
	}

	th, ok := d.cfg.Thresholds[feature]
	if !ok {
		return
	}

	meanShift := math.Abs(acc.Mean - hashFloat(base, "mean", 0))
	stdShift := math.Abs(acc.Std() - hashFloat(base, "std", 1))
	if meanShift > th.MeanShiftBound() || stdShift > th.StdShiftBound() {
		d.log.Warn().
			Str("feature", feature).
			Float64("mean_shift", meanShift).
			Float64("std_shift", stdShift).
			Msg("feature drift detected")
		telemetry.DriftAlert(feature)
	}
}

func valuesKey(feature string) string   { return "drift:values:" + feature }
func statsKey(feature string) string    { return "drift:stats:" + feature }
func baselineKey(feature string) string { return "drift:baseline:" + feature }

// accFromHash rebuilds an accumulator from hash fields. Absent or
// unparsable fields read as zero, restarting the stream.
func accFromHash(h map[string]string) onlinestats.Accumulator {
	var acc onlinestats.Accumulator
	if v, err := strconv.ParseInt(h["count"], 10, 64); err == nil {
		acc.Count = v
	}
	if v, err := strconv.ParseFloat(h["mean"], 64); err == nil {
		acc.Mean = v
	}
	if v, err := strconv.ParseFloat(h["m2"], 64); err == nil {
		acc.M2 = v
	}
	return acc
}

func accToHash(acc onlinestats.Accumulator) map[string]string {
	return map[string]string{
		"count": strconv.FormatInt(acc.Count, 10),
		"mean":  strconv.FormatFloat(acc.Mean, 'f', -1, 64),
		"m2":    strconv.FormatFloat(acc.M2, 'f', -1, 64),
		"std":   strconv.FormatFloat(acc.Std(), 'f', -1, 64),
	}
}

func hashFloat(h map[string]string, field string, def float64) float64 {
	v, ok := h[field]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
