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

import "encoding/json"

// Kind discriminates the payload of a Value.
type Kind uint8

const (
	KindInt Kind = iota
	KindFloat
	KindBool
)

// Value is one computed feature value: an integer count or category, a
// floating ratio, or a boolean flag. The zero Value is the integer 0.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
}

func Int(v int64) Value { return Value{kind: KindInt, i: v} }

func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Kind returns the value's discriminator.
func (v Value) Kind() Kind { return v.kind }

// Float64 widens the value for storage; booleans read as 0 or 1.
func (v Value) Float64() float64 {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	default:
		return float64(v.i)
	}
}

// Int64 narrows the value; floats truncate, booleans read as 0 or 1.
func (v Value) Int64() int64 {
	switch v.kind {
	case KindFloat:
		return int64(v.f)
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	default:
		return v.i
	}
}

// Bool reports the flag; non-boolean values read as false.
func (v Value) Bool() bool { return v.kind == KindBool && v.b }

// MarshalJSON emits the native JSON form of the payload.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindFloat:
		return json.Marshal(v.f)
	case KindBool:
		return json.Marshal(v.b)
	default:
		return json.Marshal(v.i)
	}
}
