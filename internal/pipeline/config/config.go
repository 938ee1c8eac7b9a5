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

// Package config collects the environment-driven settings shared by the
// pipeline binaries. The environment is the deployment contract (compose,
// k8s manifests); flags on the individual binaries override paths and
// listen addresses only.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Topic names are part of the platform contract and rarely change; they are
// fields (not env keys) so tests and tools can still redirect them.
const (
	DefaultInputTopic      = "raw-events"
	DefaultOutputTopic     = "feature-events"
	DefaultDeadLetterTopic = "dead-letter-queue"
)

// Config carries everything the processor and its sibling services need to
// reach the platform: broker, historical store, cache, and batching knobs.
type Config struct {
	KafkaBrokers    []string
	ConsumerGroup   string
	InputTopic      string
	OutputTopic     string
	DeadLetterTopic string

	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string

	RedisHost string
	RedisPort int

	BatchSize    int
	BatchTimeout time.Duration
}

// FromEnv reads the environment, applying the platform defaults. BATCH_TIMEOUT
// is fractional seconds ("0.5" = 500ms), matching the deployment manifests.
func FromEnv() (Config, error) {
	cfg := Config{
		KafkaBrokers:     splitBrokers(getenv("KAFKA_BROKERS", "kafka:9092")),
		ConsumerGroup:    getenv("CONSUMER_GROUP", "feature-computation-group"),
		InputTopic:       DefaultInputTopic,
		OutputTopic:      DefaultOutputTopic,
		DeadLetterTopic:  DefaultDeadLetterTopic,
		PostgresHost:     getenv("POSTGRES_HOST", "timescaledb"),
		PostgresDB:       getenv("POSTGRES_DB", "featurestore"),
		PostgresUser:     getenv("POSTGRES_USER", "postgres"),
		PostgresPassword: getenv("POSTGRES_PASSWORD", "postgres"),
		RedisHost:        getenv("REDIS_HOST", "redis"),
	}

	var err error
	if cfg.PostgresPort, err = intenv("POSTGRES_PORT", 5432); err != nil {
		return Config{}, err
	}
	if cfg.RedisPort, err = intenv("REDIS_PORT", 6379); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = intenv("BATCH_SIZE", 100); err != nil {
		return Config{}, err
	}

	rawTimeout := getenv("BATCH_TIMEOUT", "1.0")
	secs, err := strconv.ParseFloat(rawTimeout, 64)
	if err != nil {
		return Config{}, fmt.Errorf("parse BATCH_TIMEOUT %q: %w", rawTimeout, err)
	}
	cfg.BatchTimeout = time.Duration(secs * float64(time.Second))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with. It is called
// by FromEnv and again by binaries that mutate the config via flags.
func (c Config) Validate() error {
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("config: KAFKA_BROKERS must name at least one broker")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("config: CONSUMER_GROUP must not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("config: BATCH_TIMEOUT must be positive, got %s", c.BatchTimeout)
	}
	if c.PostgresPort <= 0 || c.PostgresPort > 65535 {
		return fmt.Errorf("config: POSTGRES_PORT out of range: %d", c.PostgresPort)
	}
	if c.RedisPort <= 0 || c.RedisPort > 65535 {
		return fmt.Errorf("config: REDIS_PORT out of range: %d", c.RedisPort)
	}
	return nil
}

// DSN renders the Postgres connection string for the pgx stdlib driver.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB)
}

// RedisAddr renders the host:port address for the cache client.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// NewLogger builds the service logger the binaries share: JSON lines on
// stdout, stamped with the service name. An unknown level falls back to
// info rather than failing startup.
func NewLogger(service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).
		With().Timestamp().Str("service", service).Logger().
		Level(lvl)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intenv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", key, v, err)
	}
	return n, nil
}

func splitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
