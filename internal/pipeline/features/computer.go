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

// Package features turns raw user events into versioned feature records.
//
// A Computer composes, per event: temporal fields, one-hot categorical
// encodings, windowed activity counts, session and new-user indicators,
// ratio features, and a composite engagement score whose algorithm depends
// on the user's A/B variant. Every optional feature is gated by the
// registry, so the emitted set varies by variant; identity fields and the
// raw event are always present.
package features

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"

	"featurepipe/internal/pipeline/cache"
	"featurepipe/internal/pipeline/counters"
	"featurepipe/internal/pipeline/drift"
	"featurepipe/internal/pipeline/registry"
	"featurepipe/internal/pipeline/telemetry"
)

const (
	lastEventTTL  = 24 * time.Hour
	firstEventTTL = 7 * 24 * time.Hour

	// sessionWindow is the idle gap, in seconds, that ends a session.
	sessionWindow = 1800
)

// Fixed one-hot vocabularies. Out-of-set values encode as all zeros.
var (
	eventTypes  = []string{"login", "logout", "purchase", "view", "click", "search"}
	deviceTypes = []string{"mobile", "desktop", "tablet"}
)

// Cache is the subset of cache operations the computer needs for the
// last-event and first-event markers.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Computer derives the feature record for one event at a time. Per-user
// calls must be serialised by the caller; the windowed counters and
// session markers are read-modify-write on shared keys.
type Computer struct {
	reg      *registry.Registry
	counters *counters.Store
	cache    Cache
	drift    *drift.Detector
	log      zerolog.Logger

	// Now is the clock for fallback timestamps; tests may replace it.
	Now func() time.Time
}

func NewComputer(reg *registry.Registry, cnt *counters.Store, cache Cache, det *drift.Detector, log zerolog.Logger) *Computer {
	return &Computer{
		reg:      reg,
		counters: cnt,
		cache:    cache,
		drift:    det,
		log:      log,
		Now:      time.Now,
	}
}

// Compute builds the full feature record for evt. It never fails: cache
// and history faults degrade to miss semantics, and an unparsable event
// timestamp falls back to the current time (counted, and with the
// temporal features omitted).
func (c *Computer) Compute(ctx context.Context, evt Event) Record {
	start := time.Now()
	defer func() { telemetry.ObserveComputation(time.Since(start)) }()

	rawTS := evt.IngestedAt
	if rawTS == "" {
		rawTS = c.Now().UTC().Format(time.RFC3339Nano)
	}
	eventTime, err := parseTimestamp(rawTS)
	tsOK := err == nil
	if !tsOK {
		telemetry.TimestampParseFailure()
		c.log.Warn().Str("timestamp", rawTS).Str("user_id", evt.UserID).
			Msg("unparsable event timestamp, falling back to now")
		eventTime = c.Now().UTC()
	}

	variant := c.reg.Variant(evt.UserID)
	telemetry.VariantAssigned(variant)

	rec := Record{
		UserID:         evt.UserID,
		EventType:      evt.EventType,
		Timestamp:      rawTS,
		ComputedAt:     c.Now().UTC(),
		FeatureVersion: c.reg.Version(),
		ABVariant:      variant,
		Raw:            evt.Raw,
		Features:       make(map[string]Value, 32),
	}
	f := rec.Features

	if tsOK {
		c.temporal(f, eventTime, variant)
	}
	c.categorical(f, evt, variant)
	c.windowed(ctx, f, evt.UserID, evt.EventType, variant)
	c.session(ctx, f, evt.UserID, rawTS, eventTime, variant)
	c.newUser(ctx, f, evt.UserID, rawTS, eventTime, variant)
	c.ratios(ctx, f, evt.UserID, variant)

	score := c.engagementScore(f, variant)
	if variant == "B" {
		f["engagement_score_v2"] = Int(score)
	} else {
		f["engagement_score"] = Int(score)
	}

	c.drift.Record(ctx, "engagement_score", float64(score))
	if v, ok := f["activity_count_1h"]; ok {
		c.drift.Record(ctx, "activity_count_1h", v.Float64())
	}
	telemetry.ObserveFeatureValue("engagement_score", float64(score))

	return rec
}

func (c *Computer) temporal(f map[string]Value, t time.Time, variant string) {
	dow := (int(t.Weekday()) + 6) % 7 // Monday=0 .. Sunday=6
	if c.reg.Active("hour_of_day", variant) {
		f["hour_of_day"] = Int(int64(t.Hour()))
	}
	if c.reg.Active("day_of_week", variant) {
		f["day_of_week"] = Int(int64(dow))
	}
	if c.reg.Active("is_weekend", variant) {
		f["is_weekend"] = Bool(dow >= 5)
	}
}

func (c *Computer) categorical(f map[string]Value, evt Event, variant string) {
	if c.reg.Active("event_type_encoded", variant) {
		for _, et := range eventTypes {
			f["event_type_"+et] = Int(oneHot(evt.EventType == et))
		}
	}
	if c.reg.Active("device_type_encoded", variant) {
		for _, dt := range deviceTypes {
			f["device_type_"+dt] = Int(oneHot(evt.DeviceType == dt))
		}
	}
}

func (c *Computer) windowed(ctx context.Context, f map[string]Value, userID, eventType, variant string) {
	for _, w := range counters.Windows {
		if !c.reg.Active(w.Name, variant) {
			continue
		}
		f[w.Name] = Int(c.counters.BumpWindow(ctx, userID, w))
	}
	if c.reg.Active("event_type_frequency_24h", variant) {
		f["event_type_frequency_24h"] = Int(c.counters.BumpEventTypeFreq(ctx, userID, eventType))
	}
}

// session emits seconds_since_last_event and is_active_session, then
// advances the last-event marker. The delta is dropped when negative
// (out-of-order or clock-skewed producers); an absent delta means a fresh
// session, which counts as active.
func (c *Computer) session(ctx context.Context, f map[string]Value, userID, rawTS string, eventTime time.Time, variant string) {
	var (
		delta     float64
		haveDelta bool
	)
	key := lastEventKey(userID)
	prev, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		if prevTime, perr := parseTimestamp(prev); perr == nil {
			if d := eventTime.Sub(prevTime).Seconds(); d >= 0 {
				delta, haveDelta = d, true
			}
		}
	case !errors.Is(err, cache.ErrMiss):
		c.log.Warn().Err(err).Str("key", key).Msg("last-event read failed")
	}
	if err := c.cache.Set(ctx, key, rawTS, lastEventTTL); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("last-event write failed")
	}

	if haveDelta && c.reg.Active("seconds_since_last_event", variant) {
		f["seconds_since_last_event"] = Float(delta)
	}
	if c.reg.Active("is_active_session", variant) {
		f["is_active_session"] = Bool(!haveDelta || delta < sessionWindow)
	}
}

func (c *Computer) newUser(ctx context.Context, f map[string]Value, userID, rawTS string, eventTime time.Time, variant string) {
	if !c.reg.Active("is_new_user", variant) {
		return
	}
	key := firstEventKey(userID)
	first, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.log.Warn().Err(err).Str("key", key).Msg("first-event read failed")
		}
		if serr := c.cache.Set(ctx, key, rawTS, firstEventTTL); serr != nil {
			c.log.Warn().Err(serr).Str("key", key).Msg("first-event write failed")
		}
		f["is_new_user"] = Bool(true)
		return
	}
	firstTime, perr := parseTimestamp(first)
	if perr != nil {
		f["is_new_user"] = Bool(false)
		return
	}
	f["is_new_user"] = Bool(eventTime.Sub(firstTime).Hours() < 24)
}

// ratios derives trend and conversion features from counts already in f
// and from read-only frequency lookups.
func (c *Computer) ratios(ctx context.Context, f map[string]Value, userID, variant string) {
	if c.reg.Active("activity_trend", variant) {
		count1h := floatAt(f, "activity_count_1h", 0)
		count24h := floatAt(f, "activity_count_24h", 1)
		trend := count1h / math.Max(count24h, 1)
		f["activity_trend"] = Float(math.Min(trend, 1))
	}
	if c.reg.Active("purchase_rate_24h", variant) {
		purchases := float64(c.counters.EventTypeFreq(ctx, userID, "purchase"))
		views := float64(c.counters.EventTypeFreq(ctx, userID, "view"))
		f["purchase_rate_24h"] = Float(purchases / math.Max(views, 1))
	}
}

// engagementScore reads only features already emitted for this record, so
// a gated-off input contributes nothing, exactly as it is absent
// downstream.
func (c *Computer) engagementScore(f map[string]Value, variant string) int64 {
	if variant == "B" && c.reg.Active("engagement_score_v2", variant) {
		return scoreV2(f)
	}
	return scoreV1(f)
}

func scoreV1(f map[string]Value) int64 {
	var score int64
	switch count1h := intAt(f, "activity_count_1h", 0); {
	case count1h > 5:
		score += 30
	case count1h > 2:
		score += 15
	}
	if boolAt(f, "is_active_session") {
		score += 20
	}
	if intAt(f, "event_type_frequency_24h", 0) > 10 {
		score += 50
	}
	return clip(score)
}

func scoreV2(f map[string]Value) int64 {
	var score int64
	count1h := intAt(f, "activity_count_1h", 0)
	switch count24h := intAt(f, "activity_count_24h", 0); {
	case count24h > 20:
		score += 40
	case count24h > 10:
		score += 30
	case count24h > 5:
		score += 20
	case count1h > 0:
		score += 10
	}
	if boolAt(f, "is_active_session") {
		score += 20
	}
	switch trend := floatAt(f, "activity_trend", 0); {
	case trend > 0.5:
		score += 20
	case trend > 0.2:
		score += 10
	}
	switch rate := floatAt(f, "purchase_rate_24h", 0); {
	case rate > 0.1:
		score += 20
	case rate > 0.05:
		score += 10
	}
	return clip(score)
}

func clip(score int64) int64 {
	if score > 100 {
		return 100
	}
	return score
}

func oneHot(match bool) int64 {
	if match {
		return 1
	}
	return 0
}

func lastEventKey(userID string) string { return "last_event:" + userID }

func firstEventKey(userID string) string { return "first_event:" + userID }
