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
	"sort"

	"featurepipe/internal/pipeline/features"
)

// RowsFromRecord flattens a feature record into store rows, one per
// feature name, in name order. Identity fields and the raw event are
// carried on each row or dropped, not stored as features.
func RowsFromRecord(rec features.Record) []FeatureRow {
	rows := make([]FeatureRow, 0, len(rec.Features))
	for name, v := range rec.Features {
		rows = append(rows, FeatureRow{
			UserID:         rec.UserID,
			FeatureName:    name,
			FeatureValue:   v.Float64(),
			ComputedAt:     rec.ComputedAt,
			FeatureVersion: rec.FeatureVersion,
			ABVariant:      rec.ABVariant,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].FeatureName < rows[j].FeatureName })
	return rows
}
