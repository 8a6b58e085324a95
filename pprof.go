//  Copyright 2023 Stealth Rocket, Inc.
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

package fdir

import (
	"os"

	"github.com/google/pprof/profile"
)

// Profile encodes a captured fault as a pprof profile: one sample whose
// location chain is the reconstructed call stack, innermost first. The
// locations carry raw addresses only; symbolizing them against the image
// is left to pprof and its tooling.
func Profile(info *DebugInfo) *profile.Profile {
	frames := info.Stack.Frames()
	locations := make([]*profile.Location, len(frames))
	for i, call := range frames {
		locations[i] = &profile.Location{
			ID:      uint64(i) + 1, // 0 is reserved by pprof
			Address: uint64(call.LR),
		}
	}

	return &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "faults", Unit: "count"}},
		Sample: []*profile.Sample{{
			Location: locations,
			Value:    []int64{1},
		}},
		Location: locations,
	}
}

// WriteProfile writes a profile to a file at the given path.
func WriteProfile(path string, prof *profile.Profile) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return prof.Write(w)
}
