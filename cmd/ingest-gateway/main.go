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

// Package main runs the ingestion gateway: it accepts events over HTTP,
// deduplicates them by content hash, and publishes them to the raw-events
// topic through a bounded worker pool.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"featurepipe/internal/pipeline/cache"
	"featurepipe/internal/pipeline/config"
	"featurepipe/internal/pipeline/ingest"
	"featurepipe/internal/pipeline/persistence"
)

func main() {
	httpAddr := flag.String("http_addr", ":8081", "HTTP listen address")
	workers := flag.Int("workers", 10, "Publish worker goroutines")
	queueCap := flag.Int("queue", 1000, "Accept queue capacity; a full queue answers 503")
	cacheBackend := flag.String("cache", "redis", "Cache backend: redis or memory (memory is single-process, for local runs)")
	logLevel := flag.String("log_level", "info", "Log level: trace, debug, info, warn, error")
	flag.Parse()

	log := config.NewLogger("ingest-gateway", *logLevel)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}

	cacheStore, err := cache.Build(*cacheBackend, cfg.RedisAddr())
	if err != nil {
		log.Fatal().Err(err).Str("cache", *cacheBackend).Msg("cache init failed")
	}
	if err := cacheStore.Ping(context.Background()); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr()).Msg("cache unreachable at startup, dedup degraded")
	}

	writer := persistence.NewRawEventsWriter(cfg.KafkaBrokers, cfg.InputTopic)

	gateway := ingest.NewGateway(cacheStore, writer, *workers, *queueCap, log)
	gateway.Start()

	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      gateway.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info().Str("addr", *httpAddr).Msg("ingestion gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutdown signal received")

	// Stop accepting before draining the queue, otherwise late requests
	// race the drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	gateway.Stop()

	if err := writer.Close(); err != nil {
		log.Warn().Err(err).Msg("producer close failed")
	}
	if err := cacheStore.Close(); err != nil {
		log.Warn().Err(err).Msg("cache close failed")
	}
	log.Info().Msg("ingestion gateway stopped")
}
