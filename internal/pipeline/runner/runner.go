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

// Package runner drives the pipeline: it consumes raw events, batches
// them by size or age, computes feature records, persists them, publishes
// them downstream, and dead-letters what fails.
//
// Delivery is at-least-once. Offsets are committed only after a batch has
// been flushed to the feature store and the output topic, so a crash
// between flush and commit replays the batch rather than losing it.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"featurepipe/internal/pipeline/features"
	"featurepipe/internal/pipeline/persistence"
	"featurepipe/internal/pipeline/telemetry"
)

const (
	// lagPollInterval paces the consumer-lag gauge refresh.
	lagPollInterval = 15 * time.Second
	// shutdownFlushTimeout bounds the residual flush once consumption
	// has stopped.
	shutdownFlushTimeout = 10 * time.Second
	// fetchRetryDelay backs off the fetch loop after a broker error.
	fetchRetryDelay = time.Second
)

// Consumer is the subset of the Kafka reader the runner drives.
type Consumer interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Lag() int64
	Close() error
}

// Producer is the subset of the Kafka writer the runner publishes with.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Store persists computed feature rows.
type Store interface {
	UpsertBatch(ctx context.Context, rows []persistence.FeatureRow) error
}

var (
	_ Consumer = (*kafka.Reader)(nil)
	_ Producer = (*kafka.Writer)(nil)
	_ Store    = (*persistence.FeatureStore)(nil)
)

// Runner owns the consume-compute-flush loop and the transports it talks
// through; Stop closes them.
type Runner struct {
	consumer Consumer
	computer *features.Computer
	store    Store
	producer Producer
	dlq      Producer

	batchSize    int
	batchTimeout time.Duration
	log          zerolog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped uint32

	processed uint64
	failed    uint64
	batches   uint64

	// Now stamps dead-letter records; tests may replace it.
	Now func() time.Time
}

func New(consumer Consumer, computer *features.Computer, store Store, producer, dlq Producer, batchSize int, batchTimeout time.Duration, log zerolog.Logger) *Runner {
	return &Runner{
		consumer:     consumer,
		computer:     computer,
		store:        store,
		producer:     producer,
		dlq:          dlq,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		log:          log,
		Now:          time.Now,
	}
}

// Start launches the consume loop and the lag poller.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.log.Info().
		Int("batch_size", r.batchSize).
		Dur("batch_timeout", r.batchTimeout).
		Msg("pipeline runner started")

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.lagLoop(ctx)
	}()
}

// Stop halts consumption, flushes the residual batch, closes the
// transports, and logs a processing summary. Safe to call more than once.
func (r *Runner) Stop() {
	if !atomic.CompareAndSwapUint32(&r.stopped, 0, 1) {
		return
	}
	r.log.Info().Msg("stopping pipeline runner")
	r.cancel()
	r.wg.Wait()

	if err := r.consumer.Close(); err != nil {
		r.log.Warn().Err(err).Msg("consumer close failed")
	}
	if err := r.producer.Close(); err != nil {
		r.log.Warn().Err(err).Msg("producer close failed")
	}
	if err := r.dlq.Close(); err != nil {
		r.log.Warn().Err(err).Msg("dead-letter producer close failed")
	}

	r.log.Info().
		Uint64("events_processed", atomic.LoadUint64(&r.processed)).
		Uint64("events_failed", atomic.LoadUint64(&r.failed)).
		Uint64("batches_flushed", atomic.LoadUint64(&r.batches)).
		Msg("pipeline runner stopped")
}

// run is the main loop. Each fetch carries a deadline at
// lastFlush+batchTimeout so an idle or trickling topic still flushes on
// time; a full buffer flushes immediately.
func (r *Runner) run(ctx context.Context) {
	batch := make([]kafka.Message, 0, r.batchSize)
	lastFlush := time.Now()

	for {
		fetchCtx, cancel := context.WithDeadline(ctx, lastFlush.Add(r.batchTimeout))
		msg, err := r.consumer.FetchMessage(fetchCtx)
		cancel()

		switch {
		case err == nil:
			batch = append(batch, msg)
			if len(batch) >= r.batchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
				lastFlush = time.Now()
			}

		case errors.Is(err, context.DeadlineExceeded):
			// Batch window elapsed.
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = batch[:0]
			}
			lastFlush = time.Now()

		case errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
			// Shutdown or closed consumer: drain what we hold under a
			// fresh bounded context, since ctx is already dead.
			if len(batch) > 0 {
				fctx, fcancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
				r.flush(fctx, batch)
				fcancel()
			}
			return

		default:
			r.log.Error().Err(err).Msg("fetch failed")
			select {
			case <-ctx.Done():
			case <-time.After(fetchRetryDelay):
			}
		}
	}
}

// flush computes every buffered event, bulk-upserts the successes in one
// transaction, publishes what persisted, dead-letters what did not, and
// finally commits the batch's offsets.
func (r *Runner) flush(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	telemetry.ObserveBatch(len(batch))
	atomic.AddUint64(&r.batches, 1)

	type item struct {
		msg kafka.Message
		rec features.Record
	}
	computed := make([]item, 0, len(batch))
	for _, msg := range batch {
		evt, err := features.DecodeEvent(msg.Value)
		if err != nil {
			r.deadLetter(ctx, msg.Value, err)
			continue
		}
		computed = append(computed, item{msg: msg, rec: r.computer.Compute(ctx, evt)})
	}

	persisted := computed
	if len(computed) > 0 {
		// A batch often holds several events for one user, and the bulk
		// statement's ON CONFLICT clause cannot touch a row twice. Later
		// occurrences replace earlier ones: batch order is arrival order,
		// so the last write per (user, feature) wins.
		rows := make([]persistence.FeatureRow, 0, len(computed)*16)
		index := make(map[string]int, len(computed)*16)
		for _, it := range computed {
			for _, row := range persistence.RowsFromRecord(it.rec) {
				key := row.UserID + "\x00" + row.FeatureName
				if at, ok := index[key]; ok {
					rows[at] = row
					continue
				}
				index[key] = len(rows)
				rows = append(rows, row)
			}
		}
		if err := r.store.UpsertBatch(ctx, rows); err != nil {
			r.log.Error().Err(err).Int("events", len(computed)).
				Msg("bulk upsert failed, retrying events individually")
			persisted = make([]item, 0, len(computed))
			for _, it := range computed {
				if rerr := r.store.UpsertBatch(ctx, persistence.RowsFromRecord(it.rec)); rerr != nil {
					r.deadLetter(ctx, it.msg.Value, rerr)
					continue
				}
				persisted = append(persisted, it)
			}
		}
	}

	for _, it := range persisted {
		if err := r.publish(ctx, it.rec); err != nil {
			r.deadLetter(ctx, it.msg.Value, err)
			continue
		}
		telemetry.EventProcessed()
		atomic.AddUint64(&r.processed, 1)
	}

	// At-least-once: offsets move only after the flush. A failed commit
	// means replay, never loss.
	if err := r.consumer.CommitMessages(ctx, batch...); err != nil {
		r.log.Error().Err(err).Msg("offset commit failed")
	}
}

func (r *Runner) publish(ctx context.Context, rec features.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode feature record: %w", err)
	}
	if err := r.producer.WriteMessages(ctx, kafka.Message{Key: []byte(rec.UserID), Value: data}); err != nil {
		return fmt.Errorf("publish feature record: %w", err)
	}
	return nil
}

// deadLetter routes one failed event to the dead-letter topic. If that
// publish also fails the event is logged and dropped.
func (r *Runner) deadLetter(ctx context.Context, original []byte, cause error) {
	telemetry.EventFailed()
	atomic.AddUint64(&r.failed, 1)

	dl := persistence.DeadLetter{
		OriginalEvent: rawOrQuoted(original),
		Error:         cause.Error(),
		Timestamp:     r.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		r.log.Error().Err(err).Msg("dead-letter encode failed, dropping event")
		return
	}
	if err := r.dlq.WriteMessages(ctx, kafka.Message{Value: data}); err != nil {
		r.log.Error().Err(err).Str("cause", cause.Error()).
			Msg("dead-letter publish failed, dropping event")
	}
}

// rawOrQuoted embeds valid JSON verbatim; anything else is wrapped as a
// JSON string so the dead-letter record itself stays parsable.
func rawOrQuoted(b []byte) json.RawMessage {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	q, _ := json.Marshal(string(b))
	return q
}

func (r *Runner) lagLoop(ctx context.Context) {
	ticker := time.NewTicker(lagPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			telemetry.SetConsumerLag(r.consumer.Lag())
		case <-ctx.Done():
			return
		}
	}
}
