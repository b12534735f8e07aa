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

// Package diskset owns the name -> domain.DiskIface mapping and coordinates
// batches over it. The mapping is backed by an immutable radix tree so a
// SIGHUP-driven re-init can swap in a fresh snapshot while any in-flight
// batch keeps iterating the old one safely; every mutation (Add, Remove,
// Clear) produces a new tree rather than touching the old one in place.
package diskset

import (
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/truenas/fenced/domain"
	"github.com/truenas/fenced/executor"
)

// Cap bounds the rotating "recently registered" subset, matching
// executor.Cap: there is no benefit registering more disks per round than
// the executor can run concurrently.
const Cap = executor.Cap

// Set is an ordered collection of Disk States plus the rotating cap used
// for incremental registration on large fleets. The zero value is not
// usable; use New.
//
// Set is owned and mutated only by the control thread (the Fence Controller
// between batches); workers inside a batch only ever touch the
// domain.DiskIface values they were handed, never the Set itself.
type Set struct {
	mu      sync.Mutex
	tree    *iradix.Tree
	rotator *rotator
}

// New returns an empty Set.
func New() *Set {
	return &Set{
		tree:    iradix.New(),
		rotator: newRotator(),
	}
}

// Add inserts or replaces the disk under its name.
func (s *Set) Add(d domain.DiskIface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree, _, _ = s.tree.Insert([]byte(d.Name()), d)
}

// Remove drops the named disk, if present.
func (s *Set) Remove(d domain.DiskIface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree, _, _ = s.tree.Delete([]byte(d.Name()))
	s.rotator.forget(d.Name())
}

// Clear empties the set, e.g. ahead of a full re-init.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = iradix.New()
	s.rotator = newRotator()
}

// Len returns the number of disks currently tracked.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// All returns every tracked disk, in tree (lexicographic by name) order.
func (s *Set) All() []domain.DiskIface {
	s.mu.Lock()
	tree := s.tree
	s.mu.Unlock()

	out := make([]domain.DiskIface, 0, tree.Len())
	tree.Root().Walk(func(_ []byte, v interface{}) bool {
		out = append(out, v.(domain.DiskIface))
		return false
	})
	return out
}

// Snapshot returns name -> opaque LogInfo for every disk, for SIGUSR1
// diagnostics.
func (s *Set) Snapshot() map[string]any {
	all := s.All()
	out := make(map[string]any, len(all))
	for _, d := range all {
		out[d.Name()] = d.LogInfo()
	}
	return out
}

// GetKeys batches GetKeys over every disk, returning the union of host
// keys, the union of remote keys, and the disks whose call failed (a
// transport error, a timeout, or a disk with no host key of its own).
func (s *Set) GetKeys() (hostKeys map[uint64]struct{}, remoteKeys map[uint64]struct{}, failed []domain.DiskIface) {
	hostKeys = make(map[uint64]struct{})
	remoteKeys = make(map[uint64]struct{})

	fn := func(d domain.DiskIface) (any, error) {
		host, remote, err := d.GetKeys()
		return [2]any{host, remote}, err
	}

	onComplete := func(d domain.DiskIface, value any, err error) bool {
		if err != nil {
			return true
		}
		pair := value.([2]any)
		host, _ := pair[0].(*uint64)
		remote, _ := pair[1].(map[uint64]struct{})
		for k := range remote {
			remoteKeys[k] = struct{}{}
		}
		if host == nil {
			return true
		}
		hostKeys[*host] = struct{}{}
		return false
	}

	failed = executor.Run(s.All(), fn, onComplete)
	return hostKeys, remoteKeys, failed
}

// RegisterKeys batches register_key(counter) over ONLY the rotating cap
// subset, per the rotation policy below.
func (s *Set) RegisterKeys(counter uint32) []domain.DiskIface {
	subset := s.rotatingSubset()
	fn := func(d domain.DiskIface) (any, error) {
		return nil, d.RegisterKey(counter)
	}
	return executor.Run(subset, fn, nil)
}

// ResetKeys batches reset_keys(counter) over every disk.
func (s *Set) ResetKeys(counter uint32) []domain.DiskIface {
	fn := func(d domain.DiskIface) (any, error) {
		return nil, d.ResetKeys(counter)
	}
	return executor.Run(s.All(), fn, nil)
}

// rotatingSubset applies the rotating-cap policy (spec.md §4.4) and
// returns the chosen subset for this round's register_keys batch.
func (s *Set) rotatingSubset() []domain.DiskIface {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]domain.DiskIface, 0, s.tree.Len())
	s.tree.Root().Walk(func(_ []byte, v interface{}) bool {
		all = append(all, v.(domain.DiskIface))
		return false
	})

	return s.rotator.next(all)
}
