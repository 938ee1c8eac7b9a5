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

// Package onlinestats implements single-pass (Welford) accumulation of the
// mean and variance of a numeric stream. It is the numeric core of the drift
// detector: accumulators are tiny value types that can be round-tripped
// through an external store between observations without losing precision
// to naive sum-of-squares arithmetic.
package onlinestats

import "math"

// Accumulator carries the running moments of an observation stream.
//
// The fields are exported so an accumulator can be persisted and restored
// field-by-field (count, mean, m2). M2 is the sum of squared deviations from
// the running mean; variance derives from it on demand. The zero value is an
// empty accumulator ready for use.
type Accumulator struct {
	Count int64
	Mean  float64
	M2    float64
}

// Add folds one observation into the accumulator using Welford's update:
//
//	count += 1
//	delta  = x - mean
//	mean  += delta / count
//	m2    += delta * (x - mean)
//
// The two-delta form keeps M2 non-negative under floating-point rounding.
func (a *Accumulator) Add(x float64) {
	a.Count++
	delta := x - a.Mean
	a.Mean += delta / float64(a.Count)
	a.M2 += delta * (x - a.Mean)
}

// Variance returns the population variance M2/Count, or 0 when the
// accumulator is empty. Population (not sample) variance is intentional:
// the stream is the whole population of observed values, not a sample.
func (a Accumulator) Variance() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.M2 / float64(a.Count)
}

// Std returns the population standard deviation, sqrt(Variance).
// A single observation yields 0.
func (a Accumulator) Std() float64 {
	return math.Sqrt(a.Variance())
}

// Reset returns the accumulator to its empty state.
func (a *Accumulator) Reset() {
	a.Count = 0
	a.Mean = 0
	a.M2 = 0
}
