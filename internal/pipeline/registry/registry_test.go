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

package registry

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleDoc = `
feature_version: "v1"

features:
  temporal:
    - name: hour_of_day
      version: v1
    - name: is_weekend
      version: v1
  behavioral:
    - name: engagement_score
      version: v1
    - name: engagement_score_v2
      version: v2

cache:
  default_ttl_seconds: 300
  feature_ttls:
    activity_count_1h: 60

ab_testing:
  enabled: true
  variants:
    - id: "A"
      traffic_percentage: 50
      features_version: v1
    - id: "B"
      traffic_percentage: 50
      features_version: v2

drift_detection:
  enabled: true
  thresholds:
    engagement_score:
      mean_shift: 15.0
      std_shift: 10.0
`

func mustParse(t *testing.T, doc string) *Registry {
	t.Helper()
	r, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return r
}

func TestRegistry_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "features.yaml")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o644); err != nil {
		t.Fatalf("write temp doc: %v", err)
	}
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if r.Version() != "v1" {
		t.Errorf("Version() = %q, want v1", r.Version())
	}
	if !r.ABEnabled() {
		t.Error("ABEnabled() = false, want true")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) succeeded, want error")
	}
}

func TestRegistry_TTL(t *testing.T) {
	r := mustParse(t, sampleDoc)
	if got := r.TTL("activity_count_1h"); got != time.Minute {
		t.Errorf("TTL(activity_count_1h) = %s, want 1m", got)
	}
	if got := r.TTL("engagement_score"); got != 5*time.Minute {
		t.Errorf("TTL(engagement_score) = %s, want default 5m", got)
	}

	// A document with no cache section falls back to the 300s default.
	bare := mustParse(t, `feature_version: v1`)
	if got := bare.TTL("anything"); got != 5*time.Minute {
		t.Errorf("TTL with no cache config = %s, want 5m", got)
	}
}

// TestRegistry_VariantDeterminism pins the assignment algorithm: the bucket
// is the 128-bit digest of the user id reduced modulo 100, and the same user
// always lands in the same arm.
func TestRegistry_VariantDeterminism(t *testing.T) {
	r := mustParse(t, sampleDoc)

	for _, userID := range []string{"user_1", "user_42", "alice", "bob", ""} {
		first := r.Variant(userID)
		for i := 0; i < 50; i++ {
			if got := r.Variant(userID); got != first {
				t.Fatalf("Variant(%q) flapped: %q then %q", userID, first, got)
			}
		}
	}

	// Both arms must be reachable under a 50/50 split.
	seen := map[string]int{}
	for i := 0; i < 500; i++ {
		seen[r.Variant(fmt.Sprintf("user_%d", i))]++
	}
	if seen["A"] == 0 || seen["B"] == 0 {
		t.Errorf("500 users landed in %v; both arms should be populated", seen)
	}
}

// TestRegistry_BucketMatchesBigIntMod validates the byte-fold reduction
// against reference big-integer arithmetic on the full digest.
func TestRegistry_BucketMatchesBigIntMod(t *testing.T) {
	for _, userID := range []string{"", "a", "user_123", "ユーザー42", "a-rather-long-user-identifier-string"} {
		sum := md5.Sum([]byte(userID))
		n := new(big.Int)
		n.SetString(hex.EncodeToString(sum[:]), 16)
		want := int(new(big.Int).Mod(n, big.NewInt(100)).Int64())
		if got := bucketOf(userID); got != want {
			t.Errorf("bucketOf(%q) = %d, want %d", userID, got, want)
		}
	}
}

func TestRegistry_VariantSplitBoundaries(t *testing.T) {
	allA := mustParse(t, `
ab_testing:
  enabled: true
  variants:
    - id: "A"
      traffic_percentage: 100
    - id: "B"
      traffic_percentage: 0
`)
	allB := mustParse(t, `
ab_testing:
  enabled: true
  variants:
    - id: "B"
      traffic_percentage: 100
    - id: "A"
      traffic_percentage: 0
`)
	for i := 0; i < 200; i++ {
		u := fmt.Sprintf("user_%d", i)
		if got := allA.Variant(u); got != "A" {
			t.Fatalf("100%% A split assigned %q to %q", u, got)
		}
		if got := allB.Variant(u); got != "B" {
			t.Fatalf("100%% B split assigned %q to %q", u, got)
		}
	}
}

func TestRegistry_VariantWhenDisabled(t *testing.T) {
	r := mustParse(t, `
ab_testing:
  enabled: false
  variants:
    - id: "X"
      traffic_percentage: 100
    - id: "Y"
      traffic_percentage: 0
`)
	for _, u := range []string{"u1", "u2", "u3"} {
		if got := r.Variant(u); got != "X" {
			t.Errorf("Variant(%q) with disabled split = %q, want first variant X", u, got)
		}
	}

	// No variants at all: assignment still answers.
	bare := mustParse(t, `feature_version: v1`)
	if got := bare.Variant("u"); got != "A" {
		t.Errorf("Variant with no variant table = %q, want A", got)
	}
}

func TestRegistry_Active(t *testing.T) {
	r := mustParse(t, sampleDoc)

	cases := []struct {
		feature, variant string
		want             bool
	}{
		// v1 feature: visible to the v1 arm and to the superset v2 arm.
		{"hour_of_day", "A", true},
		{"hour_of_day", "B", true},
		{"engagement_score", "A", true},
		{"engagement_score", "B", true},
		// v2 feature: hidden from the v1 arm.
		{"engagement_score_v2", "A", false},
		{"engagement_score_v2", "B", true},
		// Unknown feature names are never restricted.
		{"not_declared_anywhere", "A", true},
		{"not_declared_anywhere", "B", true},
		// Unknown variant: no restrictions apply.
		{"engagement_score_v2", "C", true},
	}
	for _, tc := range cases {
		if got := r.Active(tc.feature, tc.variant); got != tc.want {
			t.Errorf("Active(%q, %q) = %v, want %v", tc.feature, tc.variant, got, tc.want)
		}
	}
}

func TestRegistry_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"NotYAML", "feature_version: [unclosed"},
		{"SumNot100", `
ab_testing:
  enabled: true
  variants:
    - id: "A"
      traffic_percentage: 60
    - id: "B"
      traffic_percentage: 60
`},
		{"NegativePercentage", `
ab_testing:
  enabled: true
  variants:
    - id: "A"
      traffic_percentage: 150
    - id: "B"
      traffic_percentage: -50
`},
		{"DuplicateVariantID", `
ab_testing:
  enabled: true
  variants:
    - id: "A"
      traffic_percentage: 50
    - id: "A"
      traffic_percentage: 50
`},
		{"EmptyVariantID", `
ab_testing:
  enabled: true
  variants:
    - traffic_percentage: 100
`},
		{"EnabledWithoutVariants", `
ab_testing:
  enabled: true
`},
		{"EmptyFeatureName", `
features:
  temporal:
    - version: v1
`},
		{"NonPositiveTTL", `
cache:
  feature_ttls:
    activity_count_1h: 0
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.doc)); err == nil {
				t.Fatalf("Parse accepted invalid document:\n%s", tc.doc)
			}
		})
	}
}

func TestThreshold_Bounds(t *testing.T) {
	r := mustParse(t, sampleDoc)
	th, ok := r.Drift().Thresholds["engagement_score"]
	if !ok {
		t.Fatal("engagement_score threshold missing")
	}
	if th.MeanShiftBound() != 15.0 || th.StdShiftBound() != 10.0 {
		t.Errorf("bounds = (%v, %v), want (15, 10)", th.MeanShiftBound(), th.StdShiftBound())
	}

	// Absent fields fall back to defaults; explicit zero stays zero.
	r2 := mustParse(t, `
drift_detection:
  enabled: true
  thresholds:
    engagement_score: {}
    activity_count_1h:
      mean_shift: 0.0
`)
	th = r2.Drift().Thresholds["engagement_score"]
	if th.MeanShiftBound() != DefaultMeanShift || th.StdShiftBound() != DefaultStdShift {
		t.Errorf("default bounds = (%v, %v), want (%v, %v)",
			th.MeanShiftBound(), th.StdShiftBound(), DefaultMeanShift, DefaultStdShift)
	}
	th = r2.Drift().Thresholds["activity_count_1h"]
	if th.MeanShiftBound() != 0 {
		t.Errorf("explicit zero mean_shift = %v, want 0", th.MeanShiftBound())
	}
	if th.StdShiftBound() != DefaultStdShift {
		t.Errorf("absent std_shift = %v, want default %v", th.StdShiftBound(), DefaultStdShift)
	}
}

func TestRegistry_FeatureVersionDefaults(t *testing.T) {
	r := mustParse(t, `
features:
  misc:
    - name: legacy_feature
ab_testing:
  enabled: true
  variants:
    - id: "A"
      traffic_percentage: 100
`)
	// Both the feature and the variant defaulted to v1, so it is active.
	if !r.Active("legacy_feature", "A") {
		t.Error("feature with defaulted version should be active for defaulted variant")
	}
	if r.Version() != "v1" {
		t.Errorf("Version() = %q, want defaulted v1", r.Version())
	}
}
