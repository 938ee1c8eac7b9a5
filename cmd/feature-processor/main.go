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

// Package main runs the feature computation processor: it consumes raw
// events from Kafka, computes per-user features against the registry, and
// writes the results to the feature store and the feature-events topic.
//
// Platform endpoints (brokers, Postgres, Redis) and batching knobs come
// from the environment; flags cover what varies per invocation: the
// registry path, the metrics address, the cache backend, and the log
// level.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"featurepipe/internal/pipeline/cache"
	"featurepipe/internal/pipeline/config"
	"featurepipe/internal/pipeline/counters"
	"featurepipe/internal/pipeline/drift"
	"featurepipe/internal/pipeline/features"
	"featurepipe/internal/pipeline/persistence"
	"featurepipe/internal/pipeline/registry"
	"featurepipe/internal/pipeline/runner"
	"featurepipe/internal/pipeline/telemetry"
)

func main() {
	configPath := flag.String("config", "features.yaml", "Path to the feature registry YAML")
	metricsAddr := flag.String("metrics_addr", ":8082", "Prometheus /metrics listen address")
	cacheBackend := flag.String("cache", "redis", "Cache backend: redis or memory (memory is single-process, for local runs)")
	logLevel := flag.String("log_level", "info", "Log level: trace, debug, info, warn, error")
	flag.Parse()

	log := config.NewLogger("feature-processor", *logLevel)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}

	// 1. Feature registry. Everything downstream keys off it: TTLs,
	// variant assignment, feature gating, drift thresholds.
	reg, err := registry.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("feature registry load failed")
	}
	log.Info().
		Str("feature_version", reg.Version()).
		Bool("ab_testing", reg.ABEnabled()).
		Bool("drift_detection", reg.Drift().Enabled).
		Msg("feature registry loaded")

	// 2. Cache. A dead cache degrades window counts, it does not stop
	// the processor, so startup only warns.
	cacheStore, err := cache.Build(*cacheBackend, cfg.RedisAddr())
	if err != nil {
		log.Fatal().Err(err).Str("cache", *cacheBackend).Msg("cache init failed")
	}
	if err := cacheStore.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr()).Msg("cache unreachable at startup, running degraded")
	}

	// 3. Feature store. Upserts land here; it also backs the windowed
	// counters on cache misses. Unreachable is fatal: without it every
	// batch would dead-letter.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := persistence.Open(ctx, cfg.DSN())
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("feature store connection failed")
	}
	featureStore := persistence.NewFeatureStore(db)

	// 4. Kafka transports. The runner owns and closes these.
	reader := persistence.NewReader(cfg.KafkaBrokers, cfg.ConsumerGroup, cfg.InputTopic)
	featureWriter := persistence.NewFeatureWriter(cfg.KafkaBrokers, cfg.OutputTopic)
	dlqWriter := persistence.NewDeadLetterWriter(cfg.KafkaBrokers, cfg.DeadLetterTopic)

	// 5. Compute path.
	cnt := counters.New(cacheStore, featureStore, reg, log)
	det := drift.New(cacheStore, reg.Drift(), log)
	comp := features.NewComputer(reg, cnt, cacheStore, det, log)

	run := runner.New(reader, comp, featureStore, featureWriter, dlqWriter,
		cfg.BatchSize, cfg.BatchTimeout, log)

	telemetry.StartMetricsServer(*metricsAddr)
	run.Start()
	log.Info().
		Strs("brokers", cfg.KafkaBrokers).
		Str("group", cfg.ConsumerGroup).
		Str("topic", cfg.InputTopic).
		Str("metrics_addr", *metricsAddr).
		Msg("feature processor running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutdown signal received")

	// Stop consuming first: the runner flushes its residual batch and
	// closes the Kafka transports before we drop the stores.
	run.Stop()

	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("feature store close failed")
	}
	if err := cacheStore.Close(); err != nil {
		log.Warn().Err(err).Msg("cache close failed")
	}
	log.Info().Msg("feature processor stopped")
}
