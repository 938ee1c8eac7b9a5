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

package features

import (
	"encoding/json"
	"time"
)

// Record is the computed output for one event: fixed identity fields plus
// the variant-dependent feature set. It marshals to the flat JSON object
// published on the feature-events topic, with the original event attached
// under raw_event.
type Record struct {
	UserID         string
	EventType      string
	Timestamp      string // event timestamp as received, not re-encoded
	ComputedAt     time.Time
	FeatureVersion string
	ABVariant      string
	Raw            json.RawMessage

	Features map[string]Value
}

// MarshalJSON flattens identity fields and features into one object.
func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Features)+7)
	for name, v := range r.Features {
		out[name] = v
	}
	out["user_id"] = r.UserID
	out["event_type"] = r.EventType
	out["timestamp"] = r.Timestamp
	out["computed_at"] = r.ComputedAt.UTC().Format(time.RFC3339Nano)
	out["feature_version"] = r.FeatureVersion
	out["ab_variant"] = r.ABVariant
	if len(r.Raw) > 0 {
		out["raw_event"] = r.Raw
	}
	return json.Marshal(out)
}

func intAt(m map[string]Value, name string, def int64) int64 {
	if v, ok := m[name]; ok {
		return v.Int64()
	}
	return def
}

func floatAt(m map[string]Value, name string, def float64) float64 {
	if v, ok := m[name]; ok {
		return v.Float64()
	}
	return def
}

func boolAt(m map[string]Value, name string) bool {
	v, ok := m[name]
	return ok && v.Bool()
}
