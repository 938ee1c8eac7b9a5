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

// Package cache provides the hot-state store used by the feature pipeline:
// window counters, event markers, drift statistics, and read-API response
// caching all live here. The production implementation is Redis; an
// in-memory implementation with the same semantics backs tests and
// infrastructure-free demo runs.
//
// Consumers should declare the narrow slice of operations they use; Store is
// the full surface, satisfied by both implementations.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
// Callers distinguish a miss (normal control flow) from a store fault
// (degraded mode) with errors.Is.
var ErrMiss = errors.New("cache: key not found")

// Store is the full operation surface the pipeline asks of its cache.
// Hash and sorted-set reads on absent keys return empty containers, not
// errors, matching Redis semantics.
type Store interface {
	// Strings.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)

	// Counters.
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Hashes.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error

	// Sorted sets.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// Lifecycle.
	Ping(ctx context.Context) error
	Close() error
}
