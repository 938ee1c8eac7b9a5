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

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS features (
//   user_id TEXT NOT NULL,
//   feature_name TEXT NOT NULL,
//   feature_value DOUBLE PRECISION,
//   computed_at TIMESTAMPTZ NOT NULL,
//   feature_version TEXT,
//   ab_variant TEXT,
//   PRIMARY KEY (user_id, feature_name)
// );
//
// CREATE TABLE IF NOT EXISTS raw_events (
//   event_id TEXT,
//   user_id TEXT NOT NULL,
//   event_type TEXT,
//   timestamp TIMESTAMPTZ NOT NULL,
//   payload JSONB
// );
// CREATE INDEX IF NOT EXISTS idx_raw_events_user_ts ON raw_events(user_id, timestamp);
//
// raw_events is written by the ingestion tier; this package only reads it
// to backfill windowed counts on cache misses.

// Open dials Postgres through the pgx stdlib driver and verifies the
// connection before returning it.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// FeatureStore persists computed feature rows and serves the reads the
// pipeline and the feature API need.
type FeatureStore struct {
	db *sql.DB
	// Per-call timeout fallback if ctx has no deadline.
	defaultTimeout time.Duration
}

func NewFeatureStore(db *sql.DB) *FeatureStore {
	return &FeatureStore{db: db, defaultTimeout: 10 * time.Second}
}

const upsertPrefix = `INSERT INTO features (user_id, feature_name, feature_value, computed_at, feature_version, ab_variant) VALUES `

const upsertSuffix = ` ON CONFLICT (user_id, feature_name) DO UPDATE SET
  feature_value = EXCLUDED.feature_value,
  computed_at = EXCLUDED.computed_at,
  feature_version = EXCLUDED.feature_version,
  ab_variant = EXCLUDED.ab_variant`

// UpsertBatch writes all rows in one multi-row statement under a single
// transaction. Either every row lands or none does.
func (s *FeatureStore) UpsertBatch(ctx context.Context, rows []FeatureRow) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		b    strings.Builder
		args = make([]any, 0, len(rows)*6)
	)
	b.WriteString(upsertPrefix)
	for i, r := range rows {
		if i > 0 {
			b.WriteByte(',')
		}
		base := i * 6
		b.WriteByte('(')
		for j := 1; j <= 6; j++ {
			if j > 1 {
				b.WriteByte(',')
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(base + j))
		}
		b.WriteByte(')')
		args = append(args, r.UserID, r.FeatureName, r.FeatureValue, r.ComputedAt, r.FeatureVersion, r.ABVariant)
	}
	b.WriteString(upsertSuffix)

	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("upsert %d feature rows: %w", len(rows), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

// ActivityCount returns how many raw events the user produced since the
// given instant. Used to backfill windowed counters on cache misses.
func (s *FeatureStore) ActivityCount(ctx context.Context, userID string, since time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM raw_events WHERE user_id = $1 AND timestamp > $2`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count raw events for %s: %w", userID, err)
	}
	return n, nil
}

// UserFeatures returns every stored feature row for the user, most
// recently computed first. A user with no rows yields ErrNotFound.
func (s *FeatureStore) UserFeatures(ctx context.Context, userID string) ([]FeatureRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT feature_name, feature_value, computed_at, feature_version, ab_variant
		   FROM features WHERE user_id = $1 ORDER BY computed_at DESC, feature_name`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("select features for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []FeatureRow
	for rows.Next() {
		r := FeatureRow{UserID: userID}
		if err := rows.Scan(&r.FeatureName, &r.FeatureValue, &r.ComputedAt, &r.FeatureVersion, &r.ABVariant); err != nil {
			return nil, fmt.Errorf("scan feature row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feature rows: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// UserFeature returns one stored feature row, or ErrNotFound.
func (s *FeatureStore) UserFeature(ctx context.Context, userID, featureName string) (FeatureRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	r := FeatureRow{UserID: userID, FeatureName: featureName}
	err := s.db.QueryRowContext(ctx,
		`SELECT feature_value, computed_at, feature_version, ab_variant
		   FROM features WHERE user_id = $1 AND feature_name = $2`,
		userID, featureName).Scan(&r.FeatureValue, &r.ComputedAt, &r.FeatureVersion, &r.ABVariant)
	if errors.Is(err, sql.ErrNoRows) {
		return FeatureRow{}, ErrNotFound
	}
	if err != nil {
		return FeatureRow{}, fmt.Errorf("select feature %s for %s: %w", featureName, userID, err)
	}
	return r, nil
}

// Ping reports connection health.
func (s *FeatureStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the underlying pool.
func (s *FeatureStore) Close() error { return s.db.Close() }

func (s *FeatureStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && s.defaultTimeout > 0 {
		return context.WithTimeout(ctx, s.defaultTimeout)
	}
	return ctx, func() {}
}
