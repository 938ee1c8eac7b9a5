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
	"fmt"
	"time"
)

// Event is one raw user event from the input topic. Only the fields the
// computer consumes are decoded; everything else rides along in Raw and is
// republished verbatim under raw_event.
type Event struct {
	UserID     string `json:"user_id"`
	EventType  string `json:"event_type"`
	IngestedAt string `json:"ingested_at"`
	DeviceType string `json:"device_type"`

	// Raw holds the undecoded message bytes.
	Raw json.RawMessage `json:"-"`
}

// DecodeEvent parses one input message. Missing identity fields default to
// "unknown" so a sparse event still yields a usable record.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.UserID == "" {
		e.UserID = "unknown"
	}
	if e.EventType == "" {
		e.EventType = "unknown"
	}
	e.Raw = data
	return e, nil
}

// Timestamp layouts accepted on the wire: RFC 3339 with or without
// sub-second precision, and the zone-less variant some producers emit
// (read as UTC).
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	var err error
	for _, layout := range timestampLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
}
