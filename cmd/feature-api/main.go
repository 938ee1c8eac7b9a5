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

// Package main runs the feature serving API: cache-first reads over the
// feature store, plus health and metrics endpoints.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"featurepipe/internal/pipeline/api"
	"featurepipe/internal/pipeline/cache"
	"featurepipe/internal/pipeline/config"
	"featurepipe/internal/pipeline/persistence"
)

func main() {
	httpAddr := flag.String("http_addr", ":8083", "HTTP listen address")
	cacheBackend := flag.String("cache", "redis", "Cache backend: redis or memory (memory is single-process, for local runs)")
	logLevel := flag.String("log_level", "info", "Log level: trace, debug, info, warn, error")
	flag.Parse()

	log := config.NewLogger("feature-api", *logLevel)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}

	cacheStore, err := cache.Build(*cacheBackend, cfg.RedisAddr())
	if err != nil {
		log.Fatal().Err(err).Str("cache", *cacheBackend).Msg("cache init failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := persistence.Open(ctx, cfg.DSN())
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("feature store connection failed")
	}
	featureStore := persistence.NewFeatureStore(db)

	server := api.NewServer(cacheStore, featureStore, log)

	// The http.Server lives here in main so shutdown can drain it.
	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      server.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info().Str("addr", *httpAddr).Msg("feature API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}

	if err := db.Close(); err != nil {
		log.Warn().Err(err).Msg("feature store close failed")
	}
	if err := cacheStore.Close(); err != nil {
		log.Warn().Err(err).Msg("cache close failed")
	}
	log.Info().Msg("feature API stopped")
}
