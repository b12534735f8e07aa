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

package domain

import (
	"errors"
	"fmt"
)

// ErrReservationConflict is returned by PRTransport.PreemptKey when the
// caller turns out to already be the current reservation holder.
var ErrReservationConflict = errors.New("reservation conflict")

// ErrTimeout marks a batch item that did not complete within the round
// deadline.
var ErrTimeout = errors.New("batch round timed out")

// TransportError wraps a failed PR verb against a single device.
type TransportError struct {
	Disk string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("disk %s: %s: %v", e.Disk, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrNoDisksRegistered means every enumerated disk failed get_keys during
// init, leaving nothing to fence.
var ErrNoDisksRegistered = errors.New("no disks available after enumeration")

// EnumerationError means the device enumerator returned no eligible disks,
// or the exclude list removed every candidate.
type EnumerationError struct {
	Reason string
}

func (e *EnumerationError) Error() string { return "enumeration error: " + e.Reason }

// PeerLivenessError means remote keys grew during the init liveness probe:
// a peer controller is live and already holds reservations.
type PeerLivenessError struct{}

func (e *PeerLivenessError) Error() string {
	return "peer reservation keys changed during liveness probe"
}

// InitReservationError means more than the tolerated fraction of disks
// failed reset_keys during init.
type InitReservationError struct {
	FailedPercent int
	Total         int
}

func (e *InitReservationError) Error() string {
	return fmt.Sprintf("failed to reset reservations on %d%% of %d disks", e.FailedPercent, e.Total)
}

// PanicCondition is raised when a disk's reservation, at the time the
// controller believed it held it, belongs to a different host. It is the
// one condition that must trigger the self-fence panic path.
type PanicCondition struct {
	Disk   string
	Reason string
}

func (e *PanicCondition) Error() string {
	return fmt.Sprintf("panic condition on disk %s: %s", e.Disk, e.Reason)
}
