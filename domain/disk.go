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

// DiskIface is the per-device PR state machine. Implementations hold one
// transport handle and the last key this host successfully wrote.
type DiskIface interface {
	Name() string

	// CurKey returns the most recently successfully written key for this
	// disk, or nil if no successful write has occurred since insertion.
	CurKey() *uint64

	// LogInfo is opaque troubleshooting metadata (zpool membership,
	// serial/type, ...) surfaced verbatim on SIGUSR1.
	LogInfo() any

	// GetKeys partitions the device's registered keys by host ownership.
	GetKeys() (hostKey *uint64, remoteKeys map[uint64]struct{}, err error)

	// GetReservation reads the device's current reservation record.
	GetReservation() (*Reservation, error)

	// RegisterKey is the steady-state hot path: replace the currently
	// registered key with hostid<<32|counter.
	RegisterKey(counter uint32) error

	// ResetKeys is the recovery/init path: converge the device to a
	// Write-Exclusive-Registrants-Only reservation held by
	// hostid<<32|counter, regardless of starting state.
	ResetKeys(counter uint32) error
}
