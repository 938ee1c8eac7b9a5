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

// Package counters maintains per-user rolling activity counts over fixed
// windows, cached with per-feature TTLs and backed by the historical event
// store on cache miss.
//
// Counts are best-effort approximations: a hit adds one to the cached value,
// a miss re-seeds from history. Around a TTL expiry the current event can be
// counted in both the expiring and the re-seeded value; the product contract
// accepts this in exchange for one round trip per lookup.
package counters

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"featurepipe/internal/pipeline/telemetry"
)

// Window is one rolling span tracked per user.
type Window struct {
	Name string
	Span time.Duration
}

// Windows are the spans computed for every event, in ascending order.
var Windows = []Window{
	{Name: "activity_count_1h", Span: time.Hour},
	{Name: "activity_count_6h", Span: 6 * time.Hour},
	{Name: "activity_count_24h", Span: 24 * time.Hour},
	{Name: "activity_count_7d", Span: 7 * 24 * time.Hour},
}

// freqTTL bounds the per-(user, event type) frequency counters.
const freqTTL = 24 * time.Hour

// Cache is the slice of cache operations the store uses.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// History answers authoritative activity counts from the historical event
// store. Implementations count events with timestamp strictly after since.
type History interface {
	ActivityCount(ctx context.Context, userID string, since time.Time) (int64, error)
}

// TTLProvider resolves the cache TTL for a window feature. The feature
// registry satisfies this.
type TTLProvider interface {
	TTL(feature string) time.Duration
}

// Store computes rolling counts. A cache fault never fails a lookup: reads
// degrade to history, and a history fault degrades to zero, so the pipeline
// keeps flowing with approximate values.
type Store struct {
	cache   Cache
	history History
	ttls    TTLProvider
	log     zerolog.Logger

	// Now is the clock used for window arithmetic; tests may replace it.
	Now func() time.Time
}

// New builds a Store. history may be nil (demo runs without a historical
// store); misses then re-seed from zero.
func New(cache Cache, history History, ttls TTLProvider, log zerolog.Logger) *Store {
	return &Store{
		cache:   cache,
		history: history,
		ttls:    ttls,
		log:     log,
		Now:     time.Now,
	}
}

// BumpWindow folds the current event into one window's count and returns the
// count including this event. The refreshed value is written back with the
// window's TTL.
func (s *Store) BumpWindow(ctx context.Context, userID string, w Window) int64 {
	key := fmt.Sprintf("activity:%s:%d", userID, int64(w.Span.Seconds()))

	count, ok := s.cachedCount(ctx, key)
	if ok {
		telemetry.CacheHit()
		count++
	} else {
		telemetry.CacheMiss()
		count = s.historyCount(ctx, userID, w.Span) + 1
	}

	if err := s.cache.Set(ctx, key, strconv.FormatInt(count, 10), s.ttls.TTL(w.Name)); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("window count write-back failed")
	}
	return count
}

// BumpEventTypeFreq increments the 24h frequency counter for the event type
// and returns the new value. Faults degrade to zero.
func (s *Store) BumpEventTypeFreq(ctx context.Context, userID, eventType string) int64 {
	key := freqKey(userID, eventType)
	n, err := s.cache.Incr(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("frequency increment failed")
		return 0
	}
	if err := s.cache.Expire(ctx, key, freqTTL); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("frequency expire failed")
	}
	return n
}

// EventTypeFreq reads the 24h frequency counter without incrementing it.
// Absent, expired, or unreadable counters read as zero.
func (s *Store) EventTypeFreq(ctx context.Context, userID, eventType string) int64 {
	key := freqKey(userID, eventType)
	v, err := s.cache.Get(ctx, key)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// cachedCount reads a window counter; any miss, fault, or unparsable value
// reports !ok so the caller falls back to history.
func (s *Store) cachedCount(ctx context.Context, key string) (int64, bool) {
	v, err := s.cache.Get(ctx, key)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		s.log.Warn().Str("key", key).Str("value", v).Msg("unparsable window count; treating as miss")
		return 0, false
	}
	return n, true
}

func (s *Store) historyCount(ctx context.Context, userID string, span time.Duration) int64 {
	if s.history == nil {
		return 0
	}
	since := s.Now().Add(-span)
	n, err := s.history.ActivityCount(ctx, userID, since)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("history count failed; degrading to zero")
		return 0
	}
	return n
}

func freqKey(userID, eventType string) string {
	return fmt.Sprintf("event_freq:%s:%s:24h", userID, eventType)
}
