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

package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a TTL-aware, in-process implementation of Store. It backs
// unit and integration tests and lets the demo binaries run without a Redis.
// Expiry is lazy: entries are purged when touched after their deadline, so
// the clock can be replaced in tests to step through TTL boundaries.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memString
	hashes  map[string]memHash
	zsets   map[string]memZSet

	// Now is the clock used for TTL arithmetic. Replace before use in tests
	// that need to cross expiry deadlines without sleeping.
	Now func() time.Time
}

type memString struct {
	val       string
	expiresAt time.Time // zero = no expiry
}

type memHash struct {
	fields    map[string]string
	expiresAt time.Time
}

type memZSet struct {
	scores    map[string]float64
	expiresAt time.Time
}

// NewMemoryStore returns an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memString),
		hashes:  make(map[string]memHash),
		zsets:   make(map[string]memZSet),
		Now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || m.expired(e.expiresAt) {
		delete(m.strings, key)
		return "", ErrMiss
	}
	return e.val, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memString{val: value, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.strings[key]; ok && !m.expired(e.expiresAt) {
		return true, nil
	}
	if e, ok := m.hashes[key]; ok && !m.expired(e.expiresAt) {
		return true, nil
	}
	if e, ok := m.zsets[key]; ok && !m.expired(e.expiresAt) {
		return true, nil
	}
	return false, nil
}

// Incr preserves any TTL already on the key, matching the Redis command.
func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.strings[key]
	if !ok || m.expired(e.expiresAt) {
		e = memString{}
	}
	n, _ := strconv.ParseInt(e.val, 10, 64)
	n++
	e.val = strconv.FormatInt(n, 10)
	m.strings[key] = e
	return n, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl := m.deadline(ttl)
	if e, ok := m.strings[key]; ok && !m.expired(e.expiresAt) {
		e.expiresAt = dl
		m.strings[key] = e
	}
	if e, ok := m.hashes[key]; ok && !m.expired(e.expiresAt) {
		e.expiresAt = dl
		m.hashes[key] = e
	}
	if e, ok := m.zsets[key]; ok && !m.expired(e.expiresAt) {
		e.expiresAt = dl
		m.zsets[key] = e
	}
	return nil
}

// HGetAll returns a copy; mutating the result never aliases store state.
// Absent or expired keys yield an empty map, as in Redis.
func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hashes[key]
	if !ok || m.expired(e.expiresAt) {
		delete(m.hashes, key)
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.hashes[key]
	if !ok || m.expired(e.expiresAt) {
		e = memHash{fields: make(map[string]string)}
	}
	for k, v := range fields {
		e.fields[k] = v
	}
	m.hashes[key] = e
	return nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.zsets[key]
	if !ok || m.expired(e.expiresAt) {
		e = memZSet{scores: make(map[string]float64)}
	}
	e.scores[member] = score
	m.zsets[key] = e
	return nil
}

func (m *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.zsets[key]
	if !ok || m.expired(e.expiresAt) {
		delete(m.zsets, key)
		return nil
	}
	for member, score := range e.scores {
		if score >= min && score <= max {
			delete(e.scores, member)
		}
	}
	m.zsets[key] = e
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// ZCard reports the live member count of a sorted set. Not part of Store;
// test helper for asserting trim behavior.
func (m *MemoryStore) ZCard(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.zsets[key]
	if !ok || m.expired(e.expiresAt) {
		return 0
	}
	return len(e.scores)
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Now().Add(ttl)
}

func (m *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !m.Now().Before(at)
}
