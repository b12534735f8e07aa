//
// Copyright The Fenced Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package diskset

import "github.com/truenas/fenced/domain"

// rotator tracks the "recently registered" subset used to cap how many
// disks get a fresh register_key per tick on large fleets. Every disk is
// guaranteed to rotate back into the subset within ceil(len(all)/Cap) ticks.
type rotator struct {
	recent map[string]struct{}
}

func newRotator() *rotator {
	return &rotator{recent: make(map[string]struct{})}
}

func (r *rotator) forget(name string) {
	delete(r.recent, name)
}

// next applies the rotation policy from spec.md §4.4 and returns the
// subset to register this round, updating r.recent as a side effect.
func (r *rotator) next(all []domain.DiskIface) []domain.DiskIface {
	if len(all) <= Cap {
		return all
	}

	var fresh []domain.DiskIface
	for _, d := range all {
		if _, ok := r.recent[d.Name()]; !ok {
			fresh = append(fresh, d)
		}
	}

	if len(fresh) == 0 {
		// Full coverage reached: start a new rotation cycle.
		chosen := all[:Cap]
		r.recent = make(map[string]struct{}, Cap)
		for _, d := range chosen {
			r.recent[d.Name()] = struct{}{}
		}
		return chosen
	}

	if len(fresh) > Cap {
		chosen := fresh[:Cap]
		// Accumulate: disks already rotated earlier this cycle stay
		// marked rotated until coverage completes and the cycle resets.
		for _, d := range chosen {
			r.recent[d.Name()] = struct{}{}
		}
		return chosen
	}

	chosen := append([]domain.DiskIface{}, fresh...)
	for _, d := range all {
		if len(chosen) >= Cap {
			break
		}
		if containsDisk(chosen, d.Name()) {
			continue
		}
		chosen = append(chosen, d)
	}
	// Accumulate here too: once every disk is marked rotated, the next
	// call takes the full-coverage branch above and starts a new cycle.
	for _, d := range chosen {
		r.recent[d.Name()] = struct{}{}
	}
	return chosen
}

func containsDisk(disks []domain.DiskIface, name string) bool {
	for _, d := range disks {
		if d.Name() == name {
			return true
		}
	}
	return false
}
