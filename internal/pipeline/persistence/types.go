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
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound reports that a lookup matched no rows.
var ErrNotFound = errors.New("persistence: not found")

// FeatureRow is one (user, feature) cell of the feature store. Boolean
// features are stored as 0/1; everything else widens to float64.
type FeatureRow struct {
	UserID         string
	FeatureName    string
	FeatureValue   float64
	ComputedAt     time.Time
	FeatureVersion string
	ABVariant      string
}

// DeadLetter is the payload published to the dead-letter topic for an
// event whose processing failed terminally. OriginalEvent carries the
// input bytes untouched.
type DeadLetter struct {
	OriginalEvent json.RawMessage `json:"original_event"`
	Error         string          `json:"error"`
	Timestamp     string          `json:"timestamp"`
}
