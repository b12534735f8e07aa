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

// Package executor fans a disk method out over a set of disks concurrently,
// capping concurrency and bounding the round by a fixed timeout. It is
// ephemeral by design: Run spins up workers for exactly one batch and
// returns once every item has completed or the round has timed out.
package executor

import (
	"sync"
	"time"

	"github.com/truenas/fenced/domain"
)

// Cap is the maximum number of worker goroutines live at once, regardless
// of how many disks are in the batch.
const Cap = 30

// RoundTimeout is the per-batch deadline. Workers that have not completed
// by this point are abandoned: their eventual result is discarded, which is
// safe only because every PR verb is idempotent under the monotonic-key
// rotation discipline (see domain.DiskIface).
const RoundTimeout = 30 * time.Second

// Fn is the per-disk call a batch fans out. Its return value is opaque to
// the executor and passed straight to OnComplete, e.g. get_keys returns
// its (hostKey, remoteKeys) pair this way.
type Fn func(d domain.DiskIface) (any, error)

// OnComplete, when supplied to Run, runs once per finished item in the
// single collecting goroutine (never concurrently with other calls) and
// decides whether the item counts as failed. This is how get_keys folds
// remote keys into a shared set without any worker touching shared state.
// When nil, an item is failed iff its call returned a non-nil error.
type OnComplete func(d domain.DiskIface, value any, err error) (failed bool)

// Run executes fn(d) for every d in disks concurrently, bounded by Cap
// simultaneous workers, and returns the subset of disks whose call did not
// complete successfully within RoundTimeout. Timeouts count as failures.
//
// Run never cancels in-flight work: a worker that misses the deadline is
// left to finish in the background and its result is thrown away once Run
// has returned. This is safe because PR verbs are individually idempotent.
func Run(disks []domain.DiskIface, fn Fn, onComplete OnComplete) []domain.DiskIface {
	return RunWithTimeout(disks, fn, onComplete, RoundTimeout)
}

// RunWithTimeout is Run with an explicit round deadline, so tests can drive
// the timeout path without waiting out the production RoundTimeout.
func RunWithTimeout(disks []domain.DiskIface, fn Fn, onComplete OnComplete, timeout time.Duration) []domain.DiskIface {
	if len(disks) == 0 {
		return nil
	}

	type result struct {
		disk  domain.DiskIface
		value any
		err   error
	}

	results := make(chan result, len(disks))
	sem := make(chan struct{}, Cap)
	var wg sync.WaitGroup

	for _, d := range disks {
		wg.Add(1)
		go func(d domain.DiskIface) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			v, err := fn(d)
			results <- result{disk: d, value: v, err: err}
		}(d)
	}

	// results has room for every disk, so a slow straggler's send never
	// blocks even after Run has stopped receiving. Close it once every
	// worker is done.
	go func() {
		wg.Wait()
		close(results)
	}()

	pending := make(map[domain.DiskIface]struct{}, len(disks))
	for _, d := range disks {
		pending[d] = struct{}{}
	}

	failed := make([]domain.DiskIface, 0, len(disks))
	deadline := time.After(timeout)

collect:
	for len(pending) > 0 {
		select {
		case r, ok := <-results:
			if !ok {
				break collect
			}
			delete(pending, r.disk)
			isFailed := r.err != nil
			if onComplete != nil {
				isFailed = onComplete(r.disk, r.value, r.err)
			}
			if isFailed {
				failed = append(failed, r.disk)
			}
		case <-deadline:
			break collect
		}
	}

	// Anything still pending missed the round deadline.
	for d := range pending {
		failed = append(failed, d)
	}

	return failed
}
