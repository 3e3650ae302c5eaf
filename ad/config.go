// Copyright 2026 Google LLC
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

package ad

import "github.com/pkg/errors"

// Config are the global knobs of the transform.
type Config struct {
	// CacheReadsAlways forces every load into the tape.
	CacheReadsAlways bool
	// CacheReadsNever prevents any load from being cached. Incompatible
	// with CacheReadsAlways.
	CacheReadsNever bool
	// NonmarkedGlobalsInactiveLoads treats globals without a shadow
	// marker as read-only: loads from them are inactive. A global that
	// aliases an active pointer then silently produces wrong gradients.
	NonmarkedGlobalsInactiveLoads bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{NonmarkedGlobalsInactiveLoads: true}
}

func (c Config) validate() error {
	if c.CacheReadsAlways && c.CacheReadsNever {
		return errors.New("ad: CacheReadsAlways and CacheReadsNever are mutually exclusive")
	}
	return nil
}
