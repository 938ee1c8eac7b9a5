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

// Package registry loads the feature registry document and answers the three
// questions the pipeline asks per event: which experiment variant a user
// belongs to, whether a feature is active for that variant, and how long a
// feature's cache entry may live.
//
// Variant assignment is deterministic: the same user_id always lands in the
// same variant, with no stored state. Activity gating is precomputed per
// variant at load time so per-event lookups are two map probes.
package registry

import (
	"crypto/md5"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied while normalizing the document.
const (
	defaultVersion    = "v1"
	defaultTTLSeconds = 300

	// supersetVersion features are visible to every variant running it:
	// a variant on v2 sees both v1 and v2 features.
	supersetVersion = "v2"
)

// Config mirrors the YAML registry document.
type Config struct {
	FeatureVersion string               `yaml:"feature_version"`
	Features       map[string][]Feature `yaml:"features"`
	Cache          CacheConfig          `yaml:"cache"`
	ABTesting      ABConfig             `yaml:"ab_testing"`
	DriftDetection DriftConfig          `yaml:"drift_detection"`
}

// Feature declares one named feature and the registry version it belongs to.
// Extra fields in the document (descriptions, types) are ignored.
type Feature struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// CacheConfig carries per-feature cache TTL overrides in seconds.
type CacheConfig struct {
	DefaultTTLSeconds int            `yaml:"default_ttl_seconds"`
	FeatureTTLs       map[string]int `yaml:"feature_ttls"`
}

// ABConfig declares the experiment split.
type ABConfig struct {
	Enabled  bool      `yaml:"enabled"`
	Variants []Variant `yaml:"variants"`
}

// Variant is one arm of the experiment. TrafficPercentage values across the
// table must be non-negative and sum to exactly 100.
type Variant struct {
	ID                string `yaml:"id"`
	TrafficPercentage int    `yaml:"traffic_percentage"`
	FeaturesVersion   string `yaml:"features_version"`
}

// DriftConfig enables drift monitoring and carries per-feature alert
// thresholds. Features without thresholds are monitored but never alert.
type DriftConfig struct {
	Enabled    bool                 `yaml:"enabled"`
	Thresholds map[string]Threshold `yaml:"thresholds"`
}

// Threshold bounds for one feature. Pointer fields distinguish "absent"
// (use the default) from an explicit zero.
type Threshold struct {
	MeanShift *float64 `yaml:"mean_shift"`
	StdShift  *float64 `yaml:"std_shift"`
}

// Default shift bounds, applied when a threshold omits a field.
const (
	DefaultMeanShift = 10.0
	DefaultStdShift  = 5.0
)

// MeanShiftBound returns the configured mean-shift bound or its default.
func (t Threshold) MeanShiftBound() float64 {
	if t.MeanShift == nil {
		return DefaultMeanShift
	}
	return *t.MeanShift
}

// StdShiftBound returns the configured std-shift bound or its default.
func (t Threshold) StdShiftBound() float64 {
	if t.StdShift == nil {
		return DefaultStdShift
	}
	return *t.StdShift
}

// Registry is the loaded, validated, precomputed registry. Immutable after
// Load; safe for concurrent use.
type Registry struct {
	cfg        Config
	defaultTTL time.Duration
	ttls       map[string]time.Duration

	// activeByVariant[variantID][featureName]: presence means the feature
	// name is known; the value is its gating decision for that variant.
	// Unknown names are active for every variant.
	activeByVariant map[string]map[string]bool
}

// Load reads and parses the registry document at path. A malformed document
// or an invalid variant table is an error; callers treat it as fatal.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	return r, nil
}

// Parse builds a Registry from a YAML document.
func Parse(data []byte) (*Registry, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:        cfg,
		defaultTTL: time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second,
		ttls:       make(map[string]time.Duration, len(cfg.Cache.FeatureTTLs)),
	}
	for name, secs := range cfg.Cache.FeatureTTLs {
		r.ttls[name] = time.Duration(secs) * time.Second
	}
	r.activeByVariant = precomputeActive(cfg)
	return r, nil
}

func normalize(cfg *Config) {
	if cfg.FeatureVersion == "" {
		cfg.FeatureVersion = defaultVersion
	}
	if cfg.Cache.DefaultTTLSeconds <= 0 {
		cfg.Cache.DefaultTTLSeconds = defaultTTLSeconds
	}
	for i := range cfg.ABTesting.Variants {
		if cfg.ABTesting.Variants[i].FeaturesVersion == "" {
			cfg.ABTesting.Variants[i].FeaturesVersion = defaultVersion
		}
	}
	for category, features := range cfg.Features {
		for i := range features {
			if features[i].Version == "" {
				features[i].Version = defaultVersion
			}
		}
		cfg.Features[category] = features
	}
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.ABTesting.Variants))
	total := 0
	for _, v := range cfg.ABTesting.Variants {
		if v.ID == "" {
			return fmt.Errorf("variant with empty id")
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate variant id %q", v.ID)
		}
		seen[v.ID] = true
		if v.TrafficPercentage < 0 {
			return fmt.Errorf("variant %q: negative traffic_percentage %d", v.ID, v.TrafficPercentage)
		}
		total += v.TrafficPercentage
	}
	if len(cfg.ABTesting.Variants) > 0 && total != 100 {
		return fmt.Errorf("variant traffic_percentage values sum to %d, want 100", total)
	}
	if cfg.ABTesting.Enabled && len(cfg.ABTesting.Variants) == 0 {
		return fmt.Errorf("ab_testing enabled with no variants")
	}
	for category, features := range cfg.Features {
		for _, f := range features {
			if f.Name == "" {
				return fmt.Errorf("feature with empty name in category %q", category)
			}
		}
	}
	for name, secs := range cfg.Cache.FeatureTTLs {
		if secs <= 0 {
			return fmt.Errorf("feature_ttls[%s]: non-positive ttl %d", name, secs)
		}
	}
	return nil
}

// precomputeActive resolves the gating table once. Categories are walked in
// sorted order so a feature name declared twice resolves deterministically
// (first occurrence wins).
func precomputeActive(cfg Config) map[string]map[string]bool {
	categories := make([]string, 0, len(cfg.Features))
	for c := range cfg.Features {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	out := make(map[string]map[string]bool, len(cfg.ABTesting.Variants))
	for _, v := range cfg.ABTesting.Variants {
		set := make(map[string]bool)
		for _, c := range categories {
			for _, f := range cfg.Features[c] {
				if _, dup := set[f.Name]; dup {
					continue
				}
				set[f.Name] = f.Version == v.FeaturesVersion || v.FeaturesVersion == supersetVersion
			}
		}
		out[v.ID] = set
	}
	return out
}

// Version returns the registry document version stamped onto every record.
func (r *Registry) Version() string { return r.cfg.FeatureVersion }

// ABEnabled reports whether the experiment split is live.
func (r *Registry) ABEnabled() bool { return r.cfg.ABTesting.Enabled }

// Drift returns the drift-detection section of the document.
func (r *Registry) Drift() DriftConfig { return r.cfg.DriftDetection }

// TTL returns the cache TTL for a feature: its override if present,
// otherwise the document default.
func (r *Registry) TTL(feature string) time.Duration {
	if ttl, ok := r.ttls[feature]; ok {
		return ttl
	}
	return r.defaultTTL
}

// Variant deterministically assigns a user to an experiment arm. The user id
// is hashed to a stable 128-bit digest, reduced to a bucket in [0,100), and
// walked against the cumulative traffic percentages. When the experiment is
// disabled every user lands in the first declared variant.
func (r *Registry) Variant(userID string) string {
	variants := r.cfg.ABTesting.Variants
	if !r.cfg.ABTesting.Enabled || len(variants) == 0 {
		return r.firstVariantID()
	}

	bucket := bucketOf(userID)
	cumulative := 0
	for _, v := range variants {
		cumulative += v.TrafficPercentage
		if bucket < cumulative {
			return v.ID
		}
	}
	// Unreachable while percentages sum to 100; keep the assignment total.
	return variants[0].ID
}

func (r *Registry) firstVariantID() string {
	if len(r.cfg.ABTesting.Variants) > 0 {
		return r.cfg.ABTesting.Variants[0].ID
	}
	return "A"
}

// Active reports whether a feature should be computed for a variant.
// A feature is active when its declared version matches the variant's
// features_version, or when the variant runs the superset version. Unknown
// feature names and unknown variants are active: the registry only ever
// *restricts* declared features.
func (r *Registry) Active(feature, variant string) bool {
	set, ok := r.activeByVariant[variant]
	if !ok {
		return true
	}
	active, known := set[feature]
	if !known {
		return true
	}
	return active
}

// bucketOf reduces the 128-bit MD5 digest of userID modulo 100 without
// big-integer arithmetic: fold the digest byte-wise, carrying the remainder.
func bucketOf(userID string) int {
	sum := md5.Sum([]byte(userID))
	rem := 0
	for _, b := range sum {
		rem = (rem*256 + int(b)) % 100
	}
	return rem
}
