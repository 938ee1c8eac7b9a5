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

package cache

import "fmt"

// Build constructs a Store from a string selector. Supported backends:
//   - "redis" (default): production Redis at addr
//   - "memory": in-process store, for demos and local runs without Redis
//
// The selector exists so the binaries can be tried without infrastructure;
// production deployments always run "redis".
func Build(backend, addr string) (Store, error) {
	switch backend {
	case "", "redis":
		return NewRedisStore(addr), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", backend)
	}
}
